package executor

import (
	"errors"
	"sort"
	"sync"
)

// Factory produces a fresh owned executor for one block. Used for backends
// where every block is a distinct loadable unit.
type Factory func() (Executor, error)

// Lease is the result of resolving a language: either a shared executor
// borrowed from the registry, or an owned instance the caller must close.
// Exactly one mode applies; Owned reports which.
type Lease struct {
	exec  Executor
	owned bool
}

func (l Lease) Executor() Executor { return l.exec }
func (l Lease) Owned() bool        { return l.owned }

// Close releases an owned executor. Closing a shared lease is a no-op; the
// registry owns shared instances for the process lifetime.
func (l Lease) Close() error {
	if !l.owned {
		return nil
	}
	if c, ok := l.exec.(Closer); ok {
		return c.Close()
	}
	return nil
}

type registryEntry struct {
	shared  Executor
	factory Factory
}

// Registry maps language tags to executors. It is constructed explicitly at
// process startup and passed to call sites; there is no ambient global and
// no auto-registration, so a caller can introspect exactly which languages
// are live.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	closed  bool
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// RegisterShared installs a process-lifetime executor for a language.
// Registering a language twice replaces the previous entry.
func (r *Registry) RegisterShared(language string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[language] = registryEntry{shared: exec}
}

// RegisterFactory installs a per-block executor factory for a language.
func (r *Registry) RegisterFactory(language string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[language] = registryEntry{factory: f}
}

// Resolve returns a lease on an executor for the language. Shared entries
// return the same instance every call; factory entries produce a fresh owned
// instance the caller must close. An unregistered language yields
// ErrNotFound; a failing factory yields the factory's error unchanged.
func (r *Registry) Resolve(language string) (Lease, error) {
	r.mu.RLock()
	entry, ok := r.entries[language]
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return Lease{}, errors.New("registry closed")
	}
	if !ok {
		return Lease{}, Errf(ErrNotFound, language, "")
	}
	if entry.shared != nil {
		return Lease{exec: entry.shared}, nil
	}
	exec, err := entry.factory()
	if err != nil {
		return Lease{}, err
	}
	return Lease{exec: exec, owned: true}, nil
}

// Supported reports whether the language has an entry.
func (r *Registry) Supported(language string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[language]
	return ok
}

// Languages returns the registered language tags, sorted.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]string, 0, len(r.entries))
	for lang := range r.entries {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// Unregister removes a language. A removed shared executor is closed.
func (r *Registry) Unregister(language string) error {
	r.mu.Lock()
	entry, ok := r.entries[language]
	delete(r.entries, language)
	r.mu.Unlock()

	if ok && entry.shared != nil {
		if c, ok := entry.shared.(Closer); ok {
			return c.Close()
		}
	}
	return nil
}

// Close tears the registry down, closing every shared executor. Further
// Resolve calls fail. Factories are dropped; owned executors already leased
// remain the caller's responsibility.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]registryEntry)
	r.mu.Unlock()

	var errs []error
	for lang, entry := range entries {
		if entry.shared == nil {
			continue
		}
		if c, ok := entry.shared.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, Wrap(ErrRuntime, lang, err))
			}
		}
	}
	return errors.Join(errs...)
}
