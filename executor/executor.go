// Package executor defines the uniform contract every language backend
// implements, the error taxonomy shared across backends, and the registry
// that maps a language tag to a shared executor instance or a per-block
// factory.
package executor

import (
	"context"

	"github.com/polyrun/polyrun/value"
)

// Executor is the uniform interface for initializing and invoking a block's
// code in one language, regardless of how that language is run.
//
// Two ownership modes exist. Shared executors (embedded and subprocess
// backends) live for the process lifetime and are referenced by many blocks;
// state defined by one block's Initialize is visible to later callers of the
// same language. Owned executors (compiled-native backend) belong to a single
// block and must be closed by their owner, which unloads the backing module.
type Executor interface {
	// Initialize loads the block's source into the backend: compile-and-load
	// for native code, evaluate-in-global-scope for embedded runtimes, stage
	// for subprocess runs.
	Initialize(ctx context.Context, source string) error

	// Invoke calls a named entry point with the given arguments and returns
	// the marshalled result.
	Invoke(ctx context.Context, entry string, args []value.Value) (value.Value, error)

	// Language returns the language tag this executor serves.
	Language() string

	// Ready reports whether Initialize has succeeded.
	Ready() bool
}

// Closer is implemented by executors holding native resources. Registry
// teardown and lease closure call it; nothing relies on garbage collection
// timing to release a loaded module or a child process.
type Closer interface {
	Close() error
}

// BlockBinder is implemented by owned executors whose resources belong to a
// single block. The engine binds the block's identifier before Initialize so
// per-block artifacts (compiled module caches) carry a stable name.
type BlockBinder interface {
	BindBlock(id string)
}
