// Package hostcall exposes host-side functions to foreign code. Embedded
// blocks reach registered functions through the interpreter protocol; the
// same functions are expressible as handle Values for in-process callers.
package hostcall

import (
	"context"
	"sort"
	"sync"

	"github.com/polyrun/polyrun/value"
)

// Func is a host function callable from foreign code.
type Func func(ctx context.Context, args []value.Value) (value.Value, error)

// Registry is a thread-safe name → function table.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle wraps a registered function as a callable Value handle.
func (r *Registry) Handle(name string) (value.Value, bool) {
	fn, ok := r.Get(name)
	if !ok {
		return value.Null(), false
	}
	return value.HandleValue(value.NewHostHandle(name, value.HostFunc(fn))), true
}
