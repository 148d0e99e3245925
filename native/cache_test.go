package native

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/polyrun/polyrun/executor"
)

// countingToolchain writes its input back out as the "artifact" and counts
// invocations, for asserting the single-flight property.
type countingToolchain struct {
	compiles atomic.Int32
	fail     bool
	block    chan struct{} // if set, Compile waits on it
}

func (c *countingToolchain) Ext() string { return ".src" }

func (c *countingToolchain) Compile(ctx context.Context, srcPath, outPath string) error {
	c.compiles.Add(1)
	if c.block != nil {
		<-c.block
	}
	if c.fail {
		return executor.Errf(executor.ErrCompile, "test", "synthetic rejection")
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, data, 0o644)
}

func TestKeyStableAndSanitized(t *testing.T) {
	a := Key("block-1", "source")
	b := Key("block-1", "source")
	if a != b {
		t.Errorf("Key not stable: %q vs %q", a, b)
	}
	if c := Key("block-1", "edited"); c == a {
		t.Error("source edit did not change the key")
	}
	if d := Key("block-2", "source"); d == a {
		t.Error("block id not part of the key")
	}

	weird := Key("../../etc/passwd", "x")
	if strings.ContainsAny(weird, "/\\.") {
		t.Errorf("Key %q leaks path characters", weird)
	}

	empty := Key("", "x")
	if !strings.HasPrefix(empty, "block-") {
		t.Errorf("Key with empty id = %q, want block- prefix", empty)
	}
}

func TestArtifactCompilesOnceThenHits(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tc := &countingToolchain{}
	ctx := context.Background()

	key := Key("b", "int f() { return 1; }")
	first, err := cache.Artifact(ctx, key, "int f() { return 1; }", tc)
	if err != nil {
		t.Fatalf("Artifact() error: %v", err)
	}
	second, err := cache.Artifact(ctx, key, "int f() { return 1; }", tc)
	if err != nil {
		t.Fatalf("Artifact() error: %v", err)
	}
	if string(first) != string(second) {
		t.Error("cache hit returned different bytes")
	}
	if got := tc.compiles.Load(); got != 1 {
		t.Errorf("toolchain invoked %d times, want 1", got)
	}
	if !cache.Cached(key) {
		t.Error("Cached() = false after compile")
	}
}

func TestArtifactSingleFlight(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tc := &countingToolchain{block: make(chan struct{})}
	ctx := context.Background()
	key := Key("hot", "src")

	const callers = 8
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = cache.Artifact(ctx, key, "src", tc)
		}(i)
	}

	// All callers are in flight against one compile; release it.
	close(tc.block)
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Errorf("caller %d error: %v", i, err)
		}
	}
	if got := tc.compiles.Load(); got != 1 {
		t.Errorf("concurrent misses invoked the toolchain %d times, want 1", got)
	}
}

func TestArtifactDistinctKeysCompileIndependently(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tc := &countingToolchain{}
	ctx := context.Background()

	if _, err := cache.Artifact(ctx, Key("a", "1"), "1", tc); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Artifact(ctx, Key("b", "2"), "2", tc); err != nil {
		t.Fatal(err)
	}
	if got := tc.compiles.Load(); got != 2 {
		t.Errorf("toolchain invoked %d times, want 2", got)
	}
}

func TestArtifactCompileFailure(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tc := &countingToolchain{fail: true}
	ctx := context.Background()
	key := Key("bad", "broken")

	if _, err := cache.Artifact(ctx, key, "broken", tc); !errors.Is(err, executor.ErrCompile) {
		t.Fatalf("Artifact() error = %v, want compile error", err)
	}
	if cache.Cached(key) {
		t.Error("failed compile left an artifact behind")
	}

	// A later attempt compiles again rather than caching the failure.
	tc.fail = false
	if _, err := cache.Artifact(ctx, key, "broken", tc); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if got := tc.compiles.Load(); got != 2 {
		t.Errorf("toolchain invoked %d times, want 2", got)
	}
}

func TestClearForcesRecompilation(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tc := &countingToolchain{}
	ctx := context.Background()
	key := Key("c", "src")

	if _, err := cache.Artifact(ctx, key, "src", tc); err != nil {
		t.Fatal(err)
	}
	if err := cache.Clear(); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if cache.Cached(key) {
		t.Error("Cached() = true after Clear")
	}
	if _, err := cache.Artifact(ctx, key, "src", tc); err != nil {
		t.Fatalf("Artifact() after Clear: %v", err)
	}
	if got := tc.compiles.Load(); got != 2 {
		t.Errorf("toolchain invoked %d times, want 2", got)
	}
}
