package embedded

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/hostcall"
	"github.com/polyrun/polyrun/value"
)

// The interpreter talks to the host over its standard streams. Commands go
// in as JSON lines on stdin; everything coming back on stderr is scanned
// for framed signals, with unframed bytes passing through as real stderr:
//
//	\x00PRUN_READY\x00          boot loop is up
//	\x00PRUN_OK:{json}\x00      command finished, payload is the result value
//	\x00PRUN_ERR:text\x00       command raised, payload is the exception text
//	\x00PRUN_CALL:{json}\x00    host function call request
//
// Host call responses are written back to stdin as JSON lines, tagged with
// the request id so the boot loop can match them to the blocked call site.
const (
	sigReady      = "\x00PRUN_READY\x00"
	sigOKPrefix   = "\x00PRUN_OK:"
	sigErrPrefix  = "\x00PRUN_ERR:"
	sigCallPrefix = "\x00PRUN_CALL:"
	sigSuffix     = "\x00"
)

type command struct {
	Op    string        `json:"op"`              // "eval" or "call"
	Code  string        `json:"code,omitempty"`  // eval: source text
	Entry string        `json:"entry,omitempty"` // call: global to invoke
	Args  []value.Value `json:"args,omitempty"`  // call: arguments
}

type hostRequest struct {
	ID   string        `json:"id"`
	Fn   string        `json:"fn"`
	Args []value.Value `json:"args"`
}

type hostResponse struct {
	ID    string `json:"id"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type outcome struct {
	val value.Value
	err error
}

// protocol is the stderr-side state machine. It implements io.Writer so it
// can be wired directly as the module's stderr.
type protocol struct {
	ctx      context.Context
	lang     string
	registry *hostcall.Registry
	stdin    *io.PipeWriter

	mu         sync.Mutex
	buf        bytes.Buffer
	realStderr bytes.Buffer
	ready      bool
	readyCh    chan struct{}
	resCh      chan outcome

	writeMu sync.Mutex
}

func newProtocol(ctx context.Context, lang string, registry *hostcall.Registry, stdin *io.PipeWriter) *protocol {
	return &protocol{
		ctx:      ctx,
		lang:     lang,
		registry: registry,
		stdin:    stdin,
		readyCh:  make(chan struct{}),
		resCh:    make(chan outcome, 1),
	}
}

func (p *protocol) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)
	for p.scanOne() {
	}
	return len(data), nil
}

// scanOne consumes at most one signal from the buffer, passing leading
// unframed bytes through to the captured stderr. Returns false when no
// complete signal remains.
func (p *protocol) scanOne() bool {
	content := p.buf.String()

	if idx := strings.Index(content, sigReady); idx != -1 {
		p.passThrough(content, idx, idx+len(sigReady))
		if !p.ready {
			p.ready = true
			close(p.readyCh)
		}
		return true
	}

	for _, sig := range []struct {
		prefix string
		handle func(payload string)
	}{
		{sigOKPrefix, p.handleOK},
		{sigErrPrefix, p.handleErr},
		{sigCallPrefix, p.handleHostCall},
	} {
		idx := strings.Index(content, sig.prefix)
		if idx == -1 {
			continue
		}
		after := content[idx+len(sig.prefix):]
		end := strings.Index(after, sigSuffix)
		if end == -1 {
			return false // partial frame, wait for more bytes
		}
		payload := after[:end]
		p.passThrough(content, idx, idx+len(sig.prefix)+end+len(sigSuffix))
		sig.handle(payload)
		return true
	}

	// No frame start anywhere: everything is plain stderr.
	if !strings.Contains(content, "\x00") {
		p.realStderr.WriteString(content)
		p.buf.Reset()
	}
	return false
}

func (p *protocol) passThrough(content string, from, to int) {
	if from > 0 {
		p.realStderr.WriteString(content[:from])
	}
	p.buf.Reset()
	p.buf.WriteString(content[to:])
}

func (p *protocol) handleOK(payload string) {
	v, err := value.Decode([]byte(payload))
	if err != nil {
		p.deliver(outcome{value.Null(), executor.Errf(executor.ErrRuntime, p.lang, "undecodable result: %v", err)})
		return
	}
	p.deliver(outcome{v, nil})
}

func (p *protocol) handleErr(payload string) {
	p.deliver(outcome{value.Null(), executor.Errf(executor.ErrRuntime, p.lang, "%s", payload)})
}

func (p *protocol) deliver(o outcome) {
	select {
	case p.resCh <- o:
	default:
	}
}

func (p *protocol) handleHostCall(payload string) {
	var req hostRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		go p.respond(hostResponse{Error: "invalid host call"})
		return
	}
	// Execute off the Write path so a slow host function cannot block the
	// interpreter's stderr.
	go func() {
		resp := hostResponse{ID: req.ID}
		fn, ok := p.registry.Get(req.Fn)
		if !ok {
			resp.Error = "unknown function: " + req.Fn
			p.respond(resp)
			return
		}
		result, err := fn(p.ctx, req.Args)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Data = result
		}
		p.respond(resp)
	}()
}

func (p *protocol) respond(resp hostResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"error":"internal: failed to marshal response"}`)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.stdin.Write(append(data, '\n'))
}

// Ready closes when the boot loop signals it is accepting commands.
func (p *protocol) Ready() <-chan struct{} { return p.readyCh }

// Result yields the outcome of the in-flight command.
func (p *protocol) Result() <-chan outcome { return p.resCh }

// ResetExec discards any stale outcome before a new command is sent.
func (p *protocol) ResetExec() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.resCh:
	default:
	}
	p.realStderr.Reset()
}

// Stderr returns the unframed stderr captured since the last reset.
func (p *protocol) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realStderr.String()
}
