package native

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/value"
)

// Backend owns the shared pieces of compiled-native execution for one
// language: the wazero runtime, the artifact cache, and the table of loaded
// modules. Executors handed out by Factory are per-block and owned by their
// caller.
type Backend struct {
	lang      string
	toolchain Toolchain
	cache     *Cache
	runtime   wazero.Runtime
	log       *slog.Logger

	mu     sync.Mutex // guards the loaded-module table
	loaded map[string]wazero.CompiledModule
	closed bool
}

// Option configures a Backend at creation time.
type Option func(*config)

type config struct {
	cacheDir string
	log      *slog.Logger
}

// WithCacheDir overrides the artifact cache location.
func WithCacheDir(dir string) Option {
	return func(c *config) { c.cacheDir = dir }
}

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// New creates a compiled-native backend for one language.
func New(lang string, tc Toolchain, opts ...Option) (*Backend, error) {
	cfg := config{log: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))}
	for _, opt := range opts {
		opt(&cfg)
	}

	cache, err := NewCache(cfg.cacheDir)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	return &Backend{
		lang:      lang,
		toolchain: tc,
		cache:     cache,
		runtime:   rt,
		log:       cfg.log,
		loaded:    make(map[string]wazero.CompiledModule),
	}, nil
}

// Cache exposes the artifact cache for management commands.
func (b *Backend) Cache() *Cache { return b.cache }

// Factory returns a registry factory producing fresh owned executors. Each
// compiled block is a distinct loadable unit; the engine binds the block ID
// before Initialize.
func (b *Backend) Factory() executor.Factory {
	return func() (executor.Executor, error) {
		return &Executor{backend: b, blockID: "block"}, nil
	}
}

// getCompiled returns the decoded module for a cache key, compiling the
// wasm bytes at most once per key. The table lock prevents loading the same
// key twice concurrently.
func (b *Backend) getCompiled(ctx context.Context, key string, wasm []byte) (wazero.CompiledModule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("backend closed")
	}
	if compiled, ok := b.loaded[key]; ok {
		return compiled, nil
	}

	compiled, err := b.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, executor.Errf(executor.ErrLink, b.lang, "load module %s: %v", key, err)
	}
	b.loaded[key] = compiled
	return compiled, nil
}

// Close releases the runtime and every loaded module.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.loaded = make(map[string]wazero.CompiledModule)
	b.mu.Unlock()

	return b.runtime.Close(context.Background())
}

// Executor is the owned, per-block face of the native backend. Initialize
// compiles (or cache-hits) and loads the block's module; Close unloads it.
// Invocations are serialized on the instance: a wazero module instance does
// not support concurrent calls into the same memory.
type Executor struct {
	backend *Backend
	blockID string

	mu     sync.Mutex
	module api.Module
	ready  bool
}

func (e *Executor) Language() string { return e.backend.lang }

// BindBlock names the block this executor serves. Must be called before
// Initialize; the ID becomes part of the artifact cache key.
func (e *Executor) BindBlock(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready && id != "" {
		e.blockID = id
	}
}

func (e *Executor) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// Initialize compiles the source through the artifact cache (single-flight
// per key) and instantiates the module. Toolchain rejection surfaces as a
// CompileError with diagnostics; instantiation or export failures as a
// LinkError.
func (e *Executor) Initialize(ctx context.Context, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready {
		return nil
	}

	key := Key(e.blockID, source)
	wasm, err := e.backend.cache.Artifact(ctx, key, source, e.backend.toolchain)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return executor.Wrap(executor.ErrCancelled, e.backend.lang, err)
	}

	compiled, err := e.backend.getCompiled(ctx, key, wasm)
	if err != nil {
		return err
	}

	mod, err := e.backend.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize"))
	if err != nil {
		return executor.Errf(executor.ErrLink, e.backend.lang, "instantiate %s: %v", e.blockID, err)
	}

	e.module = mod
	e.ready = true
	e.backend.log.Debug("native block loaded", "block", e.blockID, "key", key)
	return nil
}

// Invoke calls an exported entry point, marshalling arguments per the
// backend ABI (see abi.go). The instance lock is held across the call;
// concurrent invocations on the same block run one at a time.
func (e *Executor) Invoke(ctx context.Context, entry string, args []value.Value) (value.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		return value.Null(), executor.Errf(executor.ErrRuntime, e.backend.lang, "block %s not initialized", e.blockID)
	}
	return call(ctx, e.module, e.backend.lang, entry, args)
}

// Close unloads the block's module instance. The compiled module stays in
// the backend table for other instances of the same key.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.module == nil {
		return nil
	}
	err := e.module.Close(context.Background())
	e.module = nil
	e.ready = false
	return err
}
