package engine

import (
	"context"
	"strings"

	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/value"
)

// Block is one unit of foreign source: an identifier, the language it is
// written in, and the source text itself.
type Block struct {
	ID       string
	Language string
	Source   string
}

// BlockValue is a loaded block: the executor lease it runs on plus an
// optional member path accumulated by Member chaining. Nothing is resolved
// until Call: `b.Member("mod").Member("fn")` is pure bookkeeping, and the
// backend only sees the dotted entry at invocation time.
type BlockValue struct {
	engine *Engine
	block  Block
	lease  executor.Lease
	path   []string
}

// Block returns the underlying block definition.
func (bv *BlockValue) Block() Block { return bv.block }

// Executor returns the backend executor the block runs on.
func (bv *BlockValue) Executor() executor.Executor { return bv.lease.Executor() }

// Member extends the access path by one segment.
func (bv *BlockValue) Member(name string) *BlockValue {
	path := make([]string, 0, len(bv.path)+1)
	path = append(path, bv.path...)
	path = append(path, name)
	return &BlockValue{engine: bv.engine, block: bv.block, lease: bv.lease, path: path}
}

// Handle exposes the accumulated path as a deferred bound-call handle, so a
// block member can travel inside a Value and be invoked later, including
// from another language.
func (bv *BlockValue) Handle() *value.Handle {
	return value.NewBoundHandle(bv.lease.Executor(), bv.path...)
}

// Value wraps the bound-call handle in a Value.
func (bv *BlockValue) Value() value.Value {
	return value.HandleValue(bv.Handle())
}

// Call invokes the entry point named by the accumulated path, appending
// entry as the final segment when non-empty. The invocation goes through
// the engine's pool like any other block call.
func (bv *BlockValue) Call(ctx context.Context, entry string, args []value.Value) (value.Value, error) {
	target := bv
	if entry != "" {
		target = bv.Member(entry)
	}
	return bv.engine.invoke(ctx, target, args)
}

func (bv *BlockValue) entryPath() string {
	return strings.Join(bv.path, ".")
}

// Close releases the lease. A no-op for shared executors; for owned ones it
// unloads the block's backing module.
func (bv *BlockValue) Close() error {
	return bv.lease.Close()
}
