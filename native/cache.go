package native

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Cache is the on-disk artifact store for compiled blocks. Artifacts are
// keyed by block identity plus a content hash of the source, so an unchanged
// block hits the cache across process runs while an edited block recompiles
// under a fresh key. The directory is safe to delete at any time; the only
// cost is recompilation.
//
// Concurrent misses for the same key collapse into one toolchain invocation:
// the first caller compiles, later callers share its result or error.
// Different keys compile independently.
type Cache struct {
	dir   string
	group singleflight.Group
}

// NewCache opens (creating if needed) the artifact directory.
func NewCache(dir string) (*Cache, error) {
	if dir == "" {
		dir = DefaultCacheDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// DefaultCacheDir resolves the artifact directory the way the CLI does:
// XDG cache, then the user cache dir, then a temp fallback.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "polyrun")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "polyrun")
	}
	return filepath.Join(os.TempDir(), "polyrun-cache")
}

func (c *Cache) Dir() string { return c.dir }

// Key derives the cache key for a block: its sanitized id plus the first 16
// hex chars of the source hash. Block ids must be stable across runs for
// cache hits; the hash guards against stale artifacts after source edits.
func Key(blockID, source string) string {
	sum := sha256.Sum256([]byte(source))
	id := sanitizeID(blockID)
	return id + "-" + hex.EncodeToString(sum[:])[:16]
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "block"
	}
	return b.String()
}

// ArtifactPath returns the final artifact location for a key.
func (c *Cache) ArtifactPath(key string) string {
	return filepath.Join(c.dir, key+".wasm")
}

// Artifact returns the compiled module bytes for the key, compiling via the
// toolchain on a miss. Steps: check the cache, stage the source, invoke the
// toolchain against a temporary output path, then promote the artifact with
// a rename so a crashed compile never leaves a half-written module behind.
func (c *Cache) Artifact(ctx context.Context, key, source string, tc Toolchain) ([]byte, error) {
	out, err, _ := c.group.Do(key, func() (any, error) {
		final := c.ArtifactPath(key)
		if data, err := os.ReadFile(final); err == nil {
			return data, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		srcPath := filepath.Join(c.dir, key+tc.Ext())
		if err := os.WriteFile(srcPath, []byte(source), 0o644); err != nil {
			return nil, fmt.Errorf("stage source: %w", err)
		}
		defer os.Remove(srcPath)

		tmp := final + ".tmp"
		if err := tc.Compile(ctx, srcPath, tmp); err != nil {
			os.Remove(tmp)
			return nil, err
		}
		if err := os.Rename(tmp, final); err != nil {
			os.Remove(tmp)
			return nil, fmt.Errorf("promote artifact: %w", err)
		}
		return os.ReadFile(final)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// Cached reports whether an artifact already exists for the key.
func (c *Cache) Cached(key string) bool {
	_, err := os.Stat(c.ArtifactPath(key))
	return err == nil
}

// Clear removes every staged source and artifact. Purely a performance
// reset; the next Initialize recompiles.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
