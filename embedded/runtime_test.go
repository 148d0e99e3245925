package embedded

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/hostcall"
)

type scriptedLanguage struct{}

func (scriptedLanguage) Name() string            { return "py" }
func (scriptedLanguage) Module() ([]byte, error) { return nil, nil }
func (scriptedLanguage) Args() []string          { return nil }

// newScriptedRuntime wires a Runtime to pipes so tests can play the
// interpreter side of the protocol by hand: commands written by the runtime
// arrive on the returned channel, and replies go in through the protocol's
// stderr writer.
func newScriptedRuntime(t *testing.T) (*Runtime, <-chan string) {
	t.Helper()
	stdinR, stdinW := io.Pipe()

	r := &Runtime{
		lang:     scriptedLanguage{},
		registry: hostcall.NewRegistry(),
		log:      slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)})),
		stdin:    stdinW,
		stdout:   newOutputBuffer(),
	}
	r.proto = newProtocol(context.Background(), "py", r.registry, stdinW)
	r.started = true

	commands := make(chan string, 8)
	go func() {
		reader := bufio.NewReader(stdinR)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(commands)
				return
			}
			commands <- line
		}
	}()
	t.Cleanup(func() {
		stdinW.Close()
		stdinR.Close()
	})
	return r, commands
}

func expectCommand(t *testing.T, commands <-chan string) string {
	t.Helper()
	select {
	case line := <-commands:
		return line
	case <-time.After(time.Second):
		t.Fatal("no command written")
		return ""
	}
}

func TestTimedOutResultDoesNotLeakIntoNextCall(t *testing.T) {
	r, commands := newScriptedRuntime(t)

	// First call: the interpreter never answers before the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := r.Invoke(ctx, "slow", nil)
	cancel()
	if !errors.Is(err, executor.ErrTimedOut) {
		t.Fatalf("Invoke() error = %v, want timed out", err)
	}
	expectCommand(t, commands)

	// The abandoned command's result arrives late.
	r.proto.Write([]byte(sigOKPrefix + "1" + sigSuffix))

	// Second call: the interpreter answers promptly. Its result must not be
	// the leftover 1.
	go func() {
		<-commands
		r.proto.Write([]byte(sigOKPrefix + "2" + sigSuffix))
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	got, err := r.Invoke(ctx2, "fast", nil)
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if n, _ := got.Int(); n != 2 {
		t.Errorf("Invoke() = %v, want 2", got)
	}
}

func TestLateResultArrivingDuringNextCallIsDrained(t *testing.T) {
	r, commands := newScriptedRuntime(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := r.Invoke(ctx, "slow", nil)
	cancel()
	if !errors.Is(err, executor.ErrTimedOut) {
		t.Fatalf("Invoke() error = %v, want timed out", err)
	}
	expectCommand(t, commands)

	// The next call starts while the old command is still running; its late
	// result only lands after the new call is already waiting to send.
	go func() {
		time.Sleep(30 * time.Millisecond)
		r.proto.Write([]byte(sigOKPrefix + `"stale"` + sigSuffix))
		<-commands
		r.proto.Write([]byte(sigOKPrefix + `"fresh"` + sigSuffix))
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	got, err := r.Invoke(ctx2, "next", nil)
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if s, _ := got.Text(); s != "fresh" {
		t.Errorf("Invoke() = %v, want fresh", got)
	}
}

func TestInvokeOnClosedRuntime(t *testing.T) {
	r, _ := newScriptedRuntime(t)
	r.closed = true

	if _, err := r.Invoke(context.Background(), "f", nil); !errors.Is(err, ErrRuntimeClosed) {
		t.Errorf("Invoke() error = %v, want ErrRuntimeClosed", err)
	}
}
