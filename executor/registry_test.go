package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/polyrun/polyrun/value"
)

type stubExecutor struct {
	lang   string
	closed bool
}

func (s *stubExecutor) Initialize(ctx context.Context, source string) error { return nil }
func (s *stubExecutor) Invoke(ctx context.Context, entry string, args []value.Value) (value.Value, error) {
	return value.Text(entry), nil
}
func (s *stubExecutor) Language() string { return s.lang }
func (s *stubExecutor) Ready() bool      { return true }
func (s *stubExecutor) Close() error {
	s.closed = true
	return nil
}

func TestResolveShared(t *testing.T) {
	reg := NewRegistry()
	exec := &stubExecutor{lang: "py"}
	reg.RegisterShared("py", exec)

	a, err := reg.Resolve("py")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	b, err := reg.Resolve("py")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if a.Executor() != exec || b.Executor() != exec {
		t.Error("shared resolve returned a different instance")
	}
	if a.Owned() {
		t.Error("shared lease reported owned")
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close() on shared lease: %v", err)
	}
	if exec.closed {
		t.Error("closing a shared lease closed the executor")
	}
}

func TestResolveFactory(t *testing.T) {
	reg := NewRegistry()
	made := 0
	reg.RegisterFactory("c", func() (Executor, error) {
		made++
		return &stubExecutor{lang: "c"}, nil
	})

	a, err := reg.Resolve("c")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	b, err := reg.Resolve("c")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if made != 2 {
		t.Errorf("factory called %d times, want 2", made)
	}
	if a.Executor() == b.Executor() {
		t.Error("factory resolves shared an instance")
	}
	if !a.Owned() {
		t.Error("factory lease not reported owned")
	}

	inst := a.Executor().(*stubExecutor)
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !inst.closed {
		t.Error("closing an owned lease did not close the executor")
	}
}

func TestResolveNotFoundDistinctFromFactoryError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("toolchain missing")
	reg.RegisterFactory("c", func() (Executor, error) { return nil, boom })

	_, err := reg.Resolve("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown language error = %v, want ErrNotFound", err)
	}

	_, err = reg.Resolve("c")
	if errors.Is(err, ErrNotFound) {
		t.Error("factory failure classified as not-found")
	}
	if !errors.Is(err, boom) {
		t.Errorf("factory error = %v, want wrapped original", err)
	}
}

func TestLanguagesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, lang := range []string{"zig", "ada", "ml"} {
		reg.RegisterShared(lang, &stubExecutor{lang: lang})
	}
	got := reg.Languages()
	want := []string{"ada", "ml", "zig"}
	if len(got) != len(want) {
		t.Fatalf("Languages() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Languages() = %v, want %v", got, want)
		}
	}
	if !reg.Supported("ada") || reg.Supported("cobol") {
		t.Error("Supported() mismatch")
	}
}

func TestUnregisterClosesShared(t *testing.T) {
	reg := NewRegistry()
	exec := &stubExecutor{lang: "py"}
	reg.RegisterShared("py", exec)

	if err := reg.Unregister("py"); err != nil {
		t.Fatalf("Unregister() error: %v", err)
	}
	if !exec.closed {
		t.Error("unregister did not close the shared executor")
	}
	if _, err := reg.Resolve("py"); !errors.Is(err, ErrNotFound) {
		t.Error("unregistered language still resolves")
	}
}

func TestRegistryClose(t *testing.T) {
	reg := NewRegistry()
	a := &stubExecutor{lang: "a"}
	b := &stubExecutor{lang: "b"}
	reg.RegisterShared("a", a)
	reg.RegisterShared("b", b)

	if err := reg.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !a.closed || !b.closed {
		t.Error("Close() left shared executors open")
	}
	if _, err := reg.Resolve("a"); err == nil {
		t.Error("Resolve() after Close() succeeded")
	}
	if err := reg.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}
