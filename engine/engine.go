// Package engine ties the pieces together: it owns the executor registry
// and the task pool, loads blocks onto the right backend, and turns block
// calls into pool-bounded, timeout-guarded tasks.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/polyrun/polyrun/async"
	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/value"
)

const defaultTimeout = 30 * time.Second

// Engine is the top-level call facade.
type Engine struct {
	registry *executor.Registry
	pool     *async.Pool
	log      *slog.Logger
	timeout  time.Duration

	mu     sync.Mutex
	loaded map[string]*BlockValue // by block ID
}

// Option configures an Engine.
type Option func(*config)

type config struct {
	poolSize int
	poolOpts []async.PoolOption
	log      *slog.Logger
	timeout  time.Duration
}

// WithPoolSize bounds the number of concurrently running block calls.
func WithPoolSize(n int) Option {
	return func(c *config) { c.poolSize = n }
}

// WithPoolOptions forwards options to the underlying pool.
func WithPoolOptions(opts ...async.PoolOption) Option {
	return func(c *config) { c.poolOpts = append(c.poolOpts, opts...) }
}

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithDefaultTimeout sets the per-call timeout applied when the caller
// passes zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New creates an engine around a populated registry. The engine owns the
// registry from here on: Close tears both down.
func New(registry *executor.Registry, opts ...Option) *Engine {
	cfg := config{poolSize: 8, log: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)})), timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.poolOpts = append(cfg.poolOpts, async.WithLogger(cfg.log))
	return &Engine{
		registry: registry,
		pool:     async.NewPool(cfg.poolSize, cfg.poolOpts...),
		log:      cfg.log,
		timeout:  cfg.timeout,
		loaded:   make(map[string]*BlockValue),
	}
}

// Registry exposes the engine's registry, mainly for language listings.
func (e *Engine) Registry() *executor.Registry { return e.registry }

// Pool exposes the engine's task pool for callers composing their own
// async policies over block calls.
func (e *Engine) Pool() *async.Pool { return e.pool }

// Load resolves a lease for the block's language and initializes the block
// on it. Loading the same block ID again returns the cached BlockValue, so
// a native block's module is compiled and loaded once.
func (e *Engine) Load(ctx context.Context, block Block) (*BlockValue, error) {
	e.mu.Lock()
	if bv, ok := e.loaded[block.ID]; ok {
		e.mu.Unlock()
		return bv, nil
	}
	e.mu.Unlock()

	lease, err := e.registry.Resolve(block.Language)
	if err != nil {
		return nil, err
	}
	if lease.Owned() {
		if binder, ok := lease.Executor().(executor.BlockBinder); ok {
			binder.BindBlock(block.ID)
		}
	}
	if err := lease.Executor().Initialize(ctx, block.Source); err != nil {
		lease.Close()
		return nil, err
	}
	bv := &BlockValue{engine: e, block: block, lease: lease}

	e.mu.Lock()
	if prior, ok := e.loaded[block.ID]; ok {
		// Lost a load race; keep the first and drop ours.
		e.mu.Unlock()
		lease.Close()
		return prior, nil
	}
	e.loaded[block.ID] = bv
	e.mu.Unlock()

	e.log.Debug("block loaded", "block", block.ID, "lang", block.Language, "owned", lease.Owned())
	return bv, nil
}

// CallBlock loads the block if needed and invokes its entry point through
// the pool, bounded by the given timeout (the engine default when zero).
func (e *Engine) CallBlock(ctx context.Context, block Block, entry string, args []value.Value, timeout time.Duration) (value.Value, error) {
	bv, err := e.Load(ctx, block)
	if err != nil {
		return value.Null(), err
	}
	task, err := e.SubmitCall(bv, entry, args, timeout)
	if err != nil {
		return value.Null(), err
	}
	return task.Wait(ctx)
}

// SubmitCall wraps one block invocation in a pool task and returns it
// without waiting, for callers composing Retry/Parallel/Race themselves.
func (e *Engine) SubmitCall(bv *BlockValue, entry string, args []value.Value, timeout time.Duration) (*async.Task, error) {
	if timeout <= 0 {
		timeout = e.timeout
	}
	target := bv
	if entry != "" {
		target = bv.Member(entry)
	}
	name := target.block.ID + "." + target.entryPath()
	exec := target.lease.Executor()
	path := target.entryPath()
	return e.pool.Submit(func(ctx context.Context) (value.Value, error) {
		return exec.Invoke(ctx, path, args)
	}, async.WithName(name), async.WithTimeout(timeout))
}

func (e *Engine) invoke(ctx context.Context, target *BlockValue, args []value.Value) (value.Value, error) {
	task, err := e.SubmitCall(target, "", args, 0)
	if err != nil {
		return value.Null(), err
	}
	return task.Wait(ctx)
}

// Close tears down the pool, every loaded owned block, and the registry.
func (e *Engine) Close() error {
	e.pool.Close()

	e.mu.Lock()
	loaded := e.loaded
	e.loaded = make(map[string]*BlockValue)
	e.mu.Unlock()

	var errs []error
	for _, bv := range loaded {
		if err := bv.lease.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
