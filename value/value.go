// Package value defines the cross-language data type passed between the
// engine and its backends. A Value is a tagged union over null, bool, int,
// float, text, list, record, and opaque handles. Cross-boundary references
// are always explicit handles with a release path; a Value never embeds a
// raw pointer into another runtime's memory.
package value

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindText
	KindList
	KindRecord
	KindHandle
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindList:
		return "list"
	case KindRecord:
		return "record"
	case KindHandle:
		return "handle"
	}
	return "unknown"
}

// Value is the engine's boxed datum. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	rec  map[string]Value
	h    *Handle
}

func Null() Value                      { return Value{} }
func Bool(b bool) Value                { return Value{kind: KindBool, b: b} }
func Int(i int64) Value                { return Value{kind: KindInt, i: i} }
func Float(f float64) Value            { return Value{kind: KindFloat, f: f} }
func Text(s string) Value              { return Value{kind: KindText, s: s} }
func List(items ...Value) Value        { return Value{kind: KindList, list: items} }
func Record(m map[string]Value) Value  { return Value{kind: KindRecord, rec: m} }
func HandleValue(h *Handle) Value      { return Value{kind: KindHandle, h: h} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNull() bool  { return v.kind == KindNull }

// Bool returns the boolean payload. Reports false for non-bool values.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Int returns the integer payload, converting from float when the value is
// a whole float. The second return reports whether a conversion applied.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if v.f == float64(int64(v.f)) {
			return int64(v.f), true
		}
	}
	return 0, false
}

// Float returns the floating-point payload, widening from int.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

func (v Value) Text() (string, bool)           { return v.s, v.kind == KindText }
func (v Value) Items() ([]Value, bool)         { return v.list, v.kind == KindList }
func (v Value) Fields() (map[string]Value, bool) { return v.rec, v.kind == KindRecord }
func (v Value) Handle() (*Handle, bool)        { return v.h, v.kind == KindHandle }

// Truthy follows the reference semantics: null and zero values are false,
// everything else true.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindText:
		return v.s != ""
	case KindList:
		return len(v.list) > 0
	case KindRecord:
		return len(v.rec) > 0
	}
	return true
}

// Equal reports deep equality. Handles compare by identity.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		// int/float compare numerically across kinds
		if (v.kind == KindInt || v.kind == KindFloat) && (o.kind == KindInt || o.kind == KindFloat) {
			a, _ := v.Float()
			b, _ := o.Float()
			return a == b
		}
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindText:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindRecord:
		if len(v.rec) != len(o.rec) {
			return false
		}
		for k, a := range v.rec {
			b, ok := o.rec[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	case KindHandle:
		return v.h == o.h
	}
	return false
}

// String renders a human-readable form for logs and the REPL.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return v.s
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindRecord:
		keys := make([]string, 0, len(v.rec))
		for k := range v.rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + v.rec[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindHandle:
		return v.h.String()
	}
	return "?"
}

// Invoker is the call surface a handle resolves against. Backends implement
// it through their Executor.
type Invoker interface {
	Invoke(ctx context.Context, entry string, args []Value) (Value, error)
}

// HostFunc is a host-side callable exposed to foreign code as a handle.
type HostFunc func(ctx context.Context, args []Value) (Value, error)

// Handle is an opaque, ref-counted reference to something that lives outside
// plain data: a host-side callable, or a deferred member access (an invoker
// plus a dotted path, not yet a call). Release decrements the count and runs
// the attached cleanup when it reaches zero.
type Handle struct {
	name string
	refs atomic.Int32

	host    HostFunc
	invoker Invoker
	path    []string

	release func()
}

// NewHostHandle wraps a host callable in a handle.
func NewHostHandle(name string, fn HostFunc) *Handle {
	h := &Handle{name: name, host: fn}
	h.refs.Store(1)
	return h
}

// NewBoundHandle creates a deferred bound call: invoker plus dotted path.
// The call happens only when the handle is invoked with arguments.
func NewBoundHandle(inv Invoker, path ...string) *Handle {
	h := &Handle{name: strings.Join(path, "."), invoker: inv, path: path}
	h.refs.Store(1)
	return h
}

// Name returns the handle's display name (the dotted path for bound calls).
func (h *Handle) Name() string { return h.name }

// Path returns the member path for a bound handle, nil otherwise.
func (h *Handle) Path() []string { return h.path }

// Bind extends a bound handle's member path by one segment, sharing the
// underlying invoker. Retains the handle for the new reference.
func (h *Handle) Bind(member string) (*Handle, error) {
	if h.invoker == nil {
		return nil, fmt.Errorf("handle %q is not bindable", h.name)
	}
	path := make([]string, 0, len(h.path)+1)
	path = append(path, h.path...)
	path = append(path, member)
	return NewBoundHandle(h.invoker, path...), nil
}

// Invoke resolves the handle into a concrete call.
func (h *Handle) Invoke(ctx context.Context, args []Value) (Value, error) {
	switch {
	case h.host != nil:
		return h.host(ctx, args)
	case h.invoker != nil:
		return h.invoker.Invoke(ctx, strings.Join(h.path, "."), args)
	}
	return Null(), fmt.Errorf("handle %q is not callable", h.name)
}

// Retain increments the reference count.
func (h *Handle) Retain() *Handle {
	h.refs.Add(1)
	return h
}

// Release decrements the reference count, running the cleanup hook when the
// last reference goes away. Safe to call from any goroutine; extra releases
// are no-ops.
func (h *Handle) Release() {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return
		}
		if h.refs.CompareAndSwap(n, n-1) {
			if n == 1 && h.release != nil {
				h.release()
			}
			return
		}
	}
}

// OnRelease installs the cleanup hook run when the last reference is released.
func (h *Handle) OnRelease(fn func()) { h.release = fn }

func (h *Handle) String() string {
	if h.invoker != nil {
		return "<bound " + h.name + ">"
	}
	return "<host " + h.name + ">"
}
