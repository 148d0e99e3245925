// Package native executes blocks by compiling their source through an
// external toolchain into a WebAssembly module, caching the artifact keyed
// by block identity, and loading it into the process with wazero. Each
// compiled block is a distinct loadable unit, so this backend hands out one
// owned executor per block; closing the executor unloads the module.
//
// Cancellation is cooperative between the discrete steps (compile, promote,
// load) and enforced inside the toolchain invocation through the command's
// context; a call already executing inside the loaded module is bounded by
// the async wrapper, which abandons the worker at the deadline.
package native

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/polyrun/polyrun/executor"
)

// Toolchain turns one staged source file into a loadable wasm module.
type Toolchain interface {
	// Compile produces outPath from srcPath. A rejection of the source must
	// come back as an ErrCompile-classified error carrying the diagnostics.
	Compile(ctx context.Context, srcPath, outPath string) error

	// Ext returns the staged source file extension, e.g. ".c".
	Ext() string
}

// CommandToolchain invokes an external compiler process. Argv entries may
// contain the placeholders {src} and {out}, substituted with the staged
// source path and the artifact output path. Substitution is positional on
// the argv slice; values are passed raw to the process, never through a
// shell.
type CommandToolchain struct {
	Lang      string   // language tag, for error attribution
	Argv      []string // e.g. {"clang", "--target=wasm32-wasi", "-o", "{out}", "{src}"}
	Extension string   // e.g. ".c"
	Env       []string // extra environment, KEY=VALUE
}

func (t *CommandToolchain) Ext() string { return t.Extension }

func (t *CommandToolchain) Compile(ctx context.Context, srcPath, outPath string) error {
	if len(t.Argv) == 0 {
		return executor.Errf(executor.ErrCompile, t.Lang, "toolchain has no command")
	}

	argv := make([]string, len(t.Argv))
	for i, a := range t.Argv {
		a = strings.ReplaceAll(a, "{src}", srcPath)
		a = strings.ReplaceAll(a, "{out}", outPath)
		argv[i] = a
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(t.Env) > 0 {
		cmd.Env = append(cmd.Environ(), t.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return executor.Wrap(executor.ErrCancelled, t.Lang, ctx.Err())
		}
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			diag = err.Error()
		}
		return executor.Errf(executor.ErrCompile, t.Lang, "%s", diag)
	}
	return nil
}
