package embedded

import (
	"bytes"
	"encoding/json"
	"sync"
)

func jsonMarshal(v any) ([]byte, error) { return json.Marshal(v) }

// outputBuffer captures interpreter stdout across goroutines.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{}
}

func (o *outputBuffer) Write(data []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Write(data)
}

// Take returns and clears the captured output.
func (o *outputBuffer) Take() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.buf.String()
	o.buf.Reset()
	return s
}
