package async

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/polyrun/polyrun/executor"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("pool closed")

// Pool bounds the number of concurrently running tasks. Submissions beyond
// the limit wait in FIFO order unless the pool is configured to reject.
// At no observable instant are more than the configured limit of tasks in
// the Running state.
type Pool struct {
	limit   int
	reject  bool
	log     *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	queue   []*Task
	running map[*Task]struct{}
	tracked map[*Task]struct{} // queued + running, for Wait and CancelAll
	closed  bool

	completed int64
}

// PoolOption configures a pool at creation time.
type PoolOption func(*Pool)

// WithReject makes Submit fail with ErrPoolSaturated instead of queueing
// when the pool is at its limit.
func WithReject() PoolOption {
	return func(p *Pool) { p.reject = true }
}

// WithLogger attaches a structured logger for task lifecycle events.
func WithLogger(log *slog.Logger) PoolOption {
	return func(p *Pool) { p.log = log }
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a pool with the given concurrency limit. A limit below
// one is treated as one.
func NewPool(limit int, opts ...PoolOption) *Pool {
	if limit < 1 {
		limit = 1
	}
	p := &Pool{
		limit:   limit,
		log:     slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)})),
		running: make(map[*Task]struct{}),
		tracked: make(map[*Task]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit enqueues a callback. If fewer than limit tasks are running it
// starts immediately; otherwise it waits in FIFO order (or is rejected when
// the pool is configured to reject). The returned task is owned by the pool
// until terminal but remains observable and cancellable by the caller.
func (p *Pool) Submit(body Callback, opts ...TaskOption) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	var t *Task
	opts = append(opts, withObserver(p.onTerminal))
	t = NewTask(body, opts...)

	if len(p.running) < p.limit {
		p.startLocked(t)
	} else if p.reject {
		return nil, executor.Errf(executor.ErrPoolSaturated, "", "limit %d reached", p.limit)
	} else {
		p.queue = append(p.queue, t)
		p.tracked[t] = struct{}{}
		if p.metrics != nil {
			p.metrics.queued.Inc()
		}
	}

	p.log.Debug("task submitted", "task", t.Name(), "id", t.ID(), "running", len(p.running), "queued", len(p.queue))
	return t, nil
}

// startLocked moves a task into the running set and launches it. Caller
// holds p.mu.
func (p *Pool) startLocked(t *Task) {
	p.running[t] = struct{}{}
	p.tracked[t] = struct{}{}
	if p.metrics != nil {
		p.metrics.running.Inc()
	}
	t.Start()
}

// onTerminal fires exactly once per task, on the task's monitor goroutine.
// It frees the task's slot and dispatches the next queued submission.
func (p *Pool) onTerminal(t *Task, state State) {
	p.mu.Lock()
	if _, ok := p.running[t]; ok {
		delete(p.running, t)
		if p.metrics != nil {
			p.metrics.running.Dec()
		}
	} else {
		// Terminal while still queued: cancelled before dispatch.
		p.removeQueuedLocked(t)
	}
	delete(p.tracked, t)
	p.completed++
	if p.metrics != nil {
		p.metrics.tasks.WithLabelValues(state.String()).Inc()
	}

	// Claim slots for the next runnable queued tasks in FIFO order, but
	// start them only after releasing the lock: a task whose Cancel landed
	// between queueing and dispatch finishes synchronously inside Start, and
	// its observer re-enters this method on the current goroutine.
	var dispatch []*Task
	for len(p.queue) > 0 && len(p.running) < p.limit {
		next := p.queue[0]
		p.queue = p.queue[1:]
		if p.metrics != nil {
			p.metrics.queued.Dec()
		}
		if next.State().Terminal() {
			continue
		}
		p.running[next] = struct{}{}
		if p.metrics != nil {
			p.metrics.running.Inc()
		}
		dispatch = append(dispatch, next)
	}
	p.mu.Unlock()

	for _, next := range dispatch {
		next.Start()
	}

	p.log.Debug("task finished", "task", t.Name(), "id", t.ID(), "state", state.String())
}

func (p *Pool) removeQueuedLocked(t *Task) {
	for i, q := range p.queue {
		if q == t {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			if p.metrics != nil {
				p.metrics.queued.Dec()
			}
			return
		}
	}
}

// CancelAll cancels every queued and in-flight task and drains the queue.
// Safe to call concurrently with Submit: a task submitted before the drain
// is cancelled here, one submitted after runs normally; none is left
// neither cancelled nor running.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	outstanding := make([]*Task, 0, len(p.tracked))
	for t := range p.tracked {
		outstanding = append(outstanding, t)
	}
	p.mu.Unlock()

	for _, t := range outstanding {
		t.Cancel()
	}
	p.log.Debug("cancelled all tasks", "count", len(outstanding))
}

// Active returns the number of tasks currently running.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Queued returns the number of tasks waiting for a slot.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Completed returns the number of tasks that have reached a terminal state.
func (p *Pool) Completed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// Wait blocks until every outstanding task is terminal or ctx expires.
func (p *Pool) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		var next *Task
		for t := range p.tracked {
			next = t
			break
		}
		p.mu.Unlock()

		if next == nil {
			return nil
		}
		select {
		case <-next.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close rejects further submissions and force-cancels everything
// outstanding. The pool owns its tasks until they complete or it is
// destroyed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.CancelAll()
	return nil
}
