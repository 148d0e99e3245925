// Package embedded runs blocks on an in-process interpreter loaded as a
// wasm module. One Runtime is shared by every block of its language: source
// evaluated by one block's Initialize lands in the interpreter's persistent
// global scope and is visible to all later invocations. That shared-mutable
// contract is intentional; it is what makes cross-block member access
// compose. Callers needing isolation want the subprocess or native backend.
//
// The interpreter is not reentrant, so invocations are serialized in
// submission order. Cancellation is enforced at the wrapper boundary: a
// timed-out call unblocks the caller immediately while the interpreter
// finishes (or is torn down with the runtime) in the background. The next
// invocation first consumes the abandoned command's late result frame, so a
// result is never attributed to the wrong command.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/hostcall"
	"github.com/polyrun/polyrun/value"
)

var ErrRuntimeClosed = errors.New("embedded runtime closed")

const bootTimeout = 30 * time.Second

// Runtime is the shared executor for one embeddable language.
type Runtime struct {
	lang     Language
	registry *hostcall.Registry
	log      *slog.Logger

	rt     wazero.Runtime
	module api.Module
	stdin  *io.PipeWriter
	stdout *outputBuffer
	proto  *protocol

	mu       sync.Mutex // serializes Initialize/Invoke; the interpreter is not reentrant
	pending  bool       // a command abandoned at its deadline still owes a result frame; guarded by mu
	stateMu  sync.Mutex
	started  bool
	closed   bool
	startErr error
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*runtimeConfig)

type runtimeConfig struct {
	log   *slog.Logger
	hosts *hostcall.Registry
}

// WithRuntimeLogger attaches a structured logger.
func WithRuntimeLogger(log *slog.Logger) RuntimeOption {
	return func(c *runtimeConfig) { c.log = log }
}

// WithHostcalls exposes a host function registry to interpreted code.
func WithHostcalls(r *hostcall.Registry) RuntimeOption {
	return func(c *runtimeConfig) { c.hosts = r }
}

// NewRuntime boots the shared interpreter for a language and waits for its
// command loop to come up.
func NewRuntime(lang Language, opts ...RuntimeOption) (*Runtime, error) {
	cfg := runtimeConfig{log: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)})), hosts: hostcall.NewRegistry()}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Runtime{
		lang:     lang,
		registry: cfg.hosts,
		log:      cfg.log,
	}
	if err := r.start(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) start() error {
	ctx := context.Background()

	wasm, err := r.lang.Module()
	if err != nil {
		return err
	}

	r.rt = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r.rt); err != nil {
		r.rt.Close(ctx)
		return fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := r.rt.CompileModule(ctx, wasm)
	if err != nil {
		r.rt.Close(ctx)
		return executor.Errf(executor.ErrLink, r.lang.Name(), "compile interpreter: %v", err)
	}

	stdinReader, stdinWriter := io.Pipe()
	r.stdin = stdinWriter
	r.stdout = newOutputBuffer()
	r.proto = newProtocol(ctx, r.lang.Name(), r.registry, stdinWriter)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(r.stdout).
		WithStderr(r.proto).
		WithStdin(stdinReader).
		WithArgs(r.lang.Args()...).
		WithName("")

	go func() {
		mod, err := r.rt.InstantiateModule(ctx, compiled, moduleConfig)
		if err != nil {
			r.stateMu.Lock()
			r.startErr = executor.Errf(executor.ErrRuntime, r.lang.Name(), "interpreter exited: %v", err)
			r.stateMu.Unlock()
			return
		}
		r.stateMu.Lock()
		r.module = mod
		r.stateMu.Unlock()
	}()

	select {
	case <-r.proto.Ready():
		r.stateMu.Lock()
		r.started = true
		r.stateMu.Unlock()
		r.log.Debug("embedded runtime ready", "lang", r.lang.Name())
		return nil
	case <-time.After(bootTimeout):
		r.stateMu.Lock()
		err := r.startErr
		r.stateMu.Unlock()
		if err == nil {
			err = executor.Errf(executor.ErrRuntime, r.lang.Name(), "interpreter boot timed out")
		}
		r.teardown()
		return err
	}
}

func (r *Runtime) Language() string { return r.lang.Name() }

func (r *Runtime) Ready() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.started && !r.closed
}

// Initialize evaluates block source in the interpreter's global scope.
// Definitions persist for the life of the runtime.
func (r *Runtime) Initialize(ctx context.Context, source string) error {
	_, err := r.roundTrip(ctx, command{Op: "eval", Code: source})
	return err
}

// Invoke calls a named global (dotted paths walk attributes/members) with
// the given arguments. A raised exception comes back as a RuntimeError
// carrying the exception text.
func (r *Runtime) Invoke(ctx context.Context, entry string, args []value.Value) (value.Value, error) {
	if args == nil {
		args = []value.Value{}
	}
	return r.roundTrip(ctx, command{Op: "call", Entry: entry, Args: args})
}

func (r *Runtime) roundTrip(ctx context.Context, cmd command) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stateMu.Lock()
	closed, started, startErr := r.closed, r.started, r.startErr
	r.stateMu.Unlock()

	if closed {
		return value.Null(), ErrRuntimeClosed
	}
	if !started {
		if startErr != nil {
			return value.Null(), startErr
		}
		return value.Null(), executor.Errf(executor.ErrRuntime, r.lang.Name(), "runtime not started")
	}

	// Result frames carry no correlation id, so the stream stays in sync
	// only if every sent command has its frame consumed. A command abandoned
	// at its deadline still owes one: drain that late result before sending
	// anything new, or it would be misread as the new command's answer.
	if r.pending {
		select {
		case <-r.proto.Result():
			r.pending = false
		case <-ctx.Done():
			return value.Null(), r.abandon(ctx)
		}
	}

	r.proto.ResetExec()

	data, err := marshalCommand(cmd)
	if err != nil {
		return value.Null(), err
	}
	if _, err := r.stdin.Write(data); err != nil {
		return value.Null(), executor.Errf(executor.ErrRuntime, r.lang.Name(), "write command: %v", err)
	}

	select {
	case out := <-r.proto.Result():
		return out.val, out.err
	case <-ctx.Done():
		r.pending = true
		return value.Null(), r.abandon(ctx)
	}
}

// abandon maps a dead context to the caller-facing error. Caller holds r.mu.
func (r *Runtime) abandon(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return executor.Wrap(executor.ErrTimedOut, r.lang.Name(), ctx.Err())
	}
	return executor.Wrap(executor.ErrCancelled, r.lang.Name(), ctx.Err())
}

// Output drains the stdout captured from interpreted code.
func (r *Runtime) Output() string {
	return r.stdout.Take()
}

// Hostcalls returns the registry visible to interpreted code.
func (r *Runtime) Hostcalls() *hostcall.Registry { return r.registry }

// Close tears the interpreter down. In-flight work is abandoned; the module
// and its memory are released.
func (r *Runtime) Close() error {
	r.stateMu.Lock()
	if r.closed {
		r.stateMu.Unlock()
		return nil
	}
	r.closed = true
	r.stateMu.Unlock()

	r.teardown()
	return nil
}

func (r *Runtime) teardown() {
	ctx := context.Background()
	if r.stdin != nil {
		r.stdin.Close()
	}
	r.stateMu.Lock()
	mod := r.module
	r.stateMu.Unlock()
	if mod != nil {
		mod.Close(ctx)
	}
	if r.rt != nil {
		r.rt.Close(ctx)
	}
}

func marshalCommand(cmd command) ([]byte, error) {
	data, err := jsonMarshal(cmd)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
