// Package subprocess executes blocks by invoking an external interpreter as
// a child process per call. It covers languages the host does not embed:
// the block's accumulated source plus a small invocation harness are staged
// to a temp file, the interpreter runs it, and the last line of stdout is
// decoded as the JSON result.
//
// One executor is shared per language. Source from every initialized block
// accumulates, so a later block can call definitions from an earlier one.
// This is the same shared-scope contract the embedded backend offers, rebuilt per
// invocation since each call is a fresh process.
//
// Cancellation is the hard kind: when the deadline passes, the child's
// process group is killed. The caller never waits past the deadline.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/value"
)

// Spec declares how to run one subprocess language. Adding a language is
// configuration: a command template, a file extension, and a harness that
// calls the entry point and prints the result as a single JSON line.
//
// Argv placeholders: {file} is the staged source path, {args} the
// JSON-encoded argument array, passed as its own argv element so values
// reach the child raw, never through a shell.
// Harness placeholder: {entry} is the entry point name.
type Spec struct {
	Tag       string
	Argv      []string // e.g. {"python3", "{file}", "{args}"}
	Extension string   // e.g. ".py"
	Harness   string   // e.g. "import sys, json\nprint(json.dumps({entry}(*json.loads(sys.argv[1]))))"
	Env       []string // extra environment, KEY=VALUE
}

// killDelay bounds how long Wait lingers after the context kills the child.
const killDelay = 3 * time.Second

// Executor is the shared per-language subprocess executor.
type Executor struct {
	spec Spec
	log  *slog.Logger

	mu      sync.Mutex
	sources []string
}

// New creates a subprocess executor from a language spec.
func New(spec Spec, log *slog.Logger) (*Executor, error) {
	if len(spec.Argv) == 0 {
		return nil, executor.Errf(executor.ErrRuntime, spec.Tag, "spec has no command")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return &Executor{spec: spec, log: log}, nil
}

func (e *Executor) Language() string { return e.spec.Tag }

// Ready is always true: source is staged at invocation time.
func (e *Executor) Ready() bool { return true }

// Initialize stages the block's source for inclusion in later invocations.
// No process is spawned.
func (e *Executor) Initialize(ctx context.Context, source string) error {
	e.mu.Lock()
	e.sources = append(e.sources, source)
	e.mu.Unlock()
	return nil
}

// Invoke stages the accumulated source plus the invocation harness, runs
// the interpreter, and decodes the last stdout line. Nonzero exit maps to a
// RuntimeError carrying stderr; a blown deadline kills the child's process
// group and maps to TimedOut.
func (e *Executor) Invoke(ctx context.Context, entry string, args []value.Value) (value.Value, error) {
	lang := e.spec.Tag

	argsJSON, err := value.EncodeArgs(args)
	if err != nil {
		return value.Null(), executor.Wrap(executor.ErrRuntime, lang, err)
	}

	e.mu.Lock()
	program := strings.Join(e.sources, "\n")
	e.mu.Unlock()
	if e.spec.Harness != "" {
		program += "\n" + strings.ReplaceAll(e.spec.Harness, "{entry}", entry)
	}

	file, err := os.CreateTemp("", "polyrun-"+lang+"-*"+e.spec.Extension)
	if err != nil {
		return value.Null(), executor.Wrap(executor.ErrRuntime, lang, err)
	}
	path := file.Name()
	defer os.Remove(path)
	if _, err := file.WriteString(program); err != nil {
		file.Close()
		return value.Null(), executor.Wrap(executor.ErrRuntime, lang, err)
	}
	file.Close()

	argv := make([]string, len(e.spec.Argv))
	for i, a := range e.spec.Argv {
		a = strings.ReplaceAll(a, "{file}", path)
		a = strings.ReplaceAll(a, "{args}", string(argsJSON))
		argv[i] = a
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(e.spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.spec.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = killDelay
	// Interpreters fork; killing only the direct child can leave work
	// running past the deadline. Run the child in its own process group and
	// kill the whole group on cancellation.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	start := time.Now()
	runErr := cmd.Run()
	e.log.Debug("subprocess run", "lang", lang, "entry", entry, "duration", time.Since(start), "err", runErr)

	if runErr != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return value.Null(), executor.Errf(executor.ErrTimedOut, lang, "%s killed at deadline", entry)
		case errors.Is(ctx.Err(), context.Canceled):
			return value.Null(), executor.Errf(executor.ErrCancelled, lang, "%s killed on cancellation", entry)
		default:
			diag := strings.TrimSpace(stderr.String())
			if diag == "" {
				diag = runErr.Error()
			}
			return value.Null(), executor.Errf(executor.ErrRuntime, lang, "%s", diag)
		}
	}

	return decodeLastLine(stdout.String()), nil
}

// decodeLastLine applies the success convention: the last non-empty stdout
// line is the JSON result. Output that is not JSON comes back as text, so
// plain print-style programs still yield a usable value.
func decodeLastLine(out string) value.Value {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if v, err := value.Decode([]byte(line)); err == nil {
			return v
		}
		return value.Text(line)
	}
	return value.Null()
}

// Close discards staged sources. No process outlives an Invoke call.
func (e *Executor) Close() error {
	e.mu.Lock()
	e.sources = nil
	e.mu.Unlock()
	return nil
}
