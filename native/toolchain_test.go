package native

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polyrun/polyrun/executor"
)

func TestCommandToolchainSubstitution(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.src")
	out := filepath.Join(dir, "out.wasm")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	tc := &CommandToolchain{
		Lang: "test",
		Argv: []string{"cp", "{src}", "{out}"},
	}
	if err := tc.Compile(context.Background(), src, out); err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("artifact = %q, want payload", data)
	}
}

func TestCommandToolchainCapturesDiagnostics(t *testing.T) {
	tc := &CommandToolchain{
		Lang: "test",
		Argv: []string{"sh", "-c", "echo 'line 3: unexpected token' >&2; exit 1"},
	}
	err := tc.Compile(context.Background(), "in", "out")
	if !errors.Is(err, executor.ErrCompile) {
		t.Fatalf("Compile() error = %v, want compile error", err)
	}

	var classified *executor.Error
	if !errors.As(err, &classified) {
		t.Fatal("error not classified")
	}
	if classified.Message != "line 3: unexpected token" {
		t.Errorf("diagnostics = %q", classified.Message)
	}
}

func TestCommandToolchainCancellation(t *testing.T) {
	tc := &CommandToolchain{
		Lang: "test",
		Argv: []string{"sleep", "10"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tc.Compile(ctx, "in", "out")
	if !errors.Is(err, executor.ErrCancelled) {
		t.Fatalf("Compile() error = %v, want cancelled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancelled compile did not return promptly")
	}
}

func TestCommandToolchainEmptyArgv(t *testing.T) {
	tc := &CommandToolchain{Lang: "test"}
	if err := tc.Compile(context.Background(), "in", "out"); !errors.Is(err, executor.ErrCompile) {
		t.Errorf("Compile() error = %v, want compile error", err)
	}
}
