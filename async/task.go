// Package async wraps backend invocations in cancellable, timeout-bounded
// tasks, bounds their concurrency through a pool, and composes them with
// retry/parallel/race policies.
//
// Every task body runs on its own goroutine, never on the submitting
// goroutine. The caller is unblocked at the deadline even when the body is
// uninterruptible: cooperative backends observe the cancelled context and
// unwind, while uninterruptible ones are abandoned and reclaimed when they
// naturally finish (subprocess backends additionally kill the child through
// the same context).
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/value"
)

// State is a task's position in its one-way lifecycle.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transition is permitted.
func (s State) Terminal() bool { return s >= StateCompleted }

// Callback is one wrapped backend invocation. It must honor ctx cancellation
// where the underlying backend allows it.
type Callback func(ctx context.Context) (value.Value, error)

// Task is the state machine for one in-flight invocation:
// Pending → Running → {Completed, Failed, TimedOut, Cancelled}.
// Transitions are one-way; the first terminal transition wins and later ones
// are dropped, so a body finishing after its deadline cannot resurrect a
// timed-out task.
type Task struct {
	id      uuid.UUID
	name    string
	timeout time.Duration
	body    Callback

	mu       sync.Mutex
	state    State
	result   value.Value
	err      error
	started  time.Time
	elapsed  time.Duration
	observer func(*Task, State)

	done     chan struct{}
	cancelCh chan struct{}
	cancelled atomic.Bool
	startedFl atomic.Bool

	bodyCancel context.CancelFunc
}

// TaskOption configures a task at creation time.
type TaskOption func(*Task)

// WithTimeout bounds the task's execution. Zero means no limit.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.timeout = d }
}

// WithName attaches a display name used in errors and logs.
func WithName(name string) TaskOption {
	return func(t *Task) { t.name = name }
}

// withObserver installs a hook called once on the terminal transition.
// Used by the pool and metrics; runs on the task's monitor goroutine.
func withObserver(fn func(*Task, State)) TaskOption {
	return func(t *Task) { t.observer = fn }
}

// NewTask builds a task without starting it. Submit is the usual entry
// point; the pool uses NewTask directly so queued work stays Pending.
func NewTask(body Callback, opts ...TaskOption) *Task {
	t := &Task{
		id:       uuid.New(),
		name:     "task",
		body:     body,
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Submit wraps the callback in a task and starts it immediately on a worker
// goroutine.
func Submit(body Callback, opts ...TaskOption) *Task {
	t := NewTask(body, opts...)
	t.Start()
	return t
}

func (t *Task) ID() uuid.UUID { return t.id }
func (t *Task) Name() string  { return t.name }

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done closes when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Elapsed returns the body's execution time once terminal.
func (t *Task) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

// Start launches the task body. Starting twice is a no-op, as is starting a
// task that was cancelled while Pending.
func (t *Task) Start() {
	if !t.startedFl.CompareAndSwap(false, true) {
		return
	}
	if t.cancelled.Load() {
		// Cancellation requested before start prevents the body from
		// running at all.
		t.finish(StateCancelled, value.Null(), executor.Errf(executor.ErrCancelled, "", "%s cancelled before start", t.name))
		return
	}
	go t.monitor()
}

func (t *Task) monitor() {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		cancel()
		return
	}
	t.state = StateRunning
	t.started = time.Now()
	t.bodyCancel = cancel
	t.mu.Unlock()

	type outcome struct {
		val value.Value
		err error
	}
	resCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				// A panic in a worker must not crash the process; it
				// surfaces as a classified runtime failure.
				resCh <- outcome{value.Null(), executor.Errf(executor.ErrRuntime, "", "panic in %s: %v", t.name, r)}
			}
		}()
		val, err := t.body(ctx)
		resCh <- outcome{val, err}
	}()

	var timer <-chan time.Time
	if t.timeout > 0 {
		tm := time.NewTimer(t.timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case out := <-resCh:
		t.settle(out.val, out.err)
	case <-timer:
		// Unblock the caller at the deadline; the body goroutine observes
		// the cancelled context if it can, and is abandoned otherwise.
		cancel()
		t.finish(StateTimedOut, value.Null(), executor.Errf(executor.ErrTimedOut, "", "%s timed out after %v", t.name, t.timeout))
	case <-t.cancelCh:
		cancel()
		t.finish(StateCancelled, value.Null(), executor.Errf(executor.ErrCancelled, "", "%s cancelled", t.name))
	}
}

// settle classifies a body result into a terminal state.
func (t *Task) settle(val value.Value, err error) {
	switch {
	case err == nil:
		t.finish(StateCompleted, val, nil)
	case errors.Is(err, executor.ErrTimedOut) || errors.Is(err, context.DeadlineExceeded):
		t.finish(StateTimedOut, value.Null(), err)
	case errors.Is(err, executor.ErrCancelled) || errors.Is(err, context.Canceled):
		t.finish(StateCancelled, value.Null(), err)
	default:
		t.finish(StateFailed, value.Null(), err)
	}
}

// finish performs the terminal transition. The first caller wins.
func (t *Task) finish(state State, val value.Value, err error) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.result = val
	t.err = err
	if !t.started.IsZero() {
		t.elapsed = time.Since(t.started)
	}
	observer := t.observer
	t.mu.Unlock()

	close(t.done)
	if observer != nil {
		observer(t, state)
	}
}

// Cancel requests cancellation. A Pending task will never start; a Running
// task's caller is unblocked immediately while the body is asked to unwind
// through its context.
func (t *Task) Cancel() {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}
	close(t.cancelCh)
	if !t.startedFl.Load() {
		t.finish(StateCancelled, value.Null(), executor.Errf(executor.ErrCancelled, "", "%s cancelled", t.name))
	}
}

// Wait blocks until the task is terminal or ctx expires, then returns the
// task's result. The result is stored on the task, so a second Wait returns
// the same observation; waiting past ctx returns ctx.Err without disturbing
// the task.
func (t *Task) Wait(ctx context.Context) (value.Value, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return value.Null(), ctx.Err()
	}
}

// Result returns the terminal value and error. Calling it before the task
// is terminal returns an error rather than a partial result.
func (t *Task) Result() (value.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		return value.Null(), fmt.Errorf("task %s not finished", t.name)
	}
	return t.result, t.err
}
