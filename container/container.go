// Package container executes blocks inside throwaway docker containers.
// It is the hardened sibling of the subprocess backend: same staging and
// result conventions, but the interpreter runs with no network, a memory
// cap, and a filesystem that exists only for the one invocation.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	typesimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/value"
)

const (
	stopGrace   = 5 * time.Second
	defaultWork = "/work"
)

// Spec declares how to run one containerized language. Argv placeholders
// are the same as the subprocess backend's: {file} is the staged source
// path inside the container, {args} the JSON argument array as its own argv
// element. Harness takes {entry}.
type Spec struct {
	Tag         string
	Image       string
	Argv        []string
	Extension   string
	Harness     string
	Workdir     string // defaults to /work
	MemoryBytes int64  // 0 means unlimited
}

// Executor is the shared per-language container executor. Block source
// accumulates the same way the subprocess backend's does and is restaged
// into each fresh container.
type Executor struct {
	spec Spec
	cli  Client
	log  *slog.Logger

	pullOnce sync.Once
	pullErr  error

	mu      sync.Mutex
	sources []string
}

// New creates a container executor for a language spec.
func New(spec Spec, cli Client, log *slog.Logger) (*Executor, error) {
	if spec.Image == "" || len(spec.Argv) == 0 {
		return nil, executor.Errf(executor.ErrRuntime, spec.Tag, "spec needs an image and a command")
	}
	if spec.Workdir == "" {
		spec.Workdir = defaultWork
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return &Executor{spec: spec, cli: cli, log: log}, nil
}

func (e *Executor) Language() string { return e.spec.Tag }

func (e *Executor) Ready() bool { return true }

// Initialize stages block source for later invocations. The image pull is
// deferred to the first Invoke so initialization stays cheap.
func (e *Executor) Initialize(ctx context.Context, source string) error {
	e.mu.Lock()
	e.sources = append(e.sources, source)
	e.mu.Unlock()
	return nil
}

// Invoke runs one container to completion: stage program, start, wait,
// split logs. A blown deadline stops the container and maps to TimedOut;
// nonzero exit maps to a RuntimeError carrying stderr.
func (e *Executor) Invoke(ctx context.Context, entry string, args []value.Value) (value.Value, error) {
	lang := e.spec.Tag

	e.pullOnce.Do(func() { e.pullErr = e.pullImage(ctx) })
	if e.pullErr != nil {
		return value.Null(), executor.Wrap(executor.ErrRuntime, lang, e.pullErr)
	}

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

	file := "block" + e.spec.Extension
	path := e.spec.Workdir + "/" + file
	argv := make([]string, len(e.spec.Argv))
	for i, a := range e.spec.Argv {
		a = strings.ReplaceAll(a, "{file}", path)
		a = strings.ReplaceAll(a, "{args}", string(argsJSON))
		argv[i] = a
	}

	id, cleanup, err := e.create(ctx, argv)
	if err != nil {
		return value.Null(), executor.Wrap(executor.ErrRuntime, lang, err)
	}
	defer cleanup()

	if err := e.stageProgram(ctx, id, file, program); err != nil {
		return value.Null(), executor.Wrap(executor.ErrRuntime, lang, err)
	}

	start := time.Now()
	if err := e.cli.ContainerStart(ctx, id, dockercontainer.StartOptions{}); err != nil {
		return value.Null(), executor.Errf(executor.ErrRuntime, lang, "start container: %v", err)
	}

	status, err := e.waitForExit(ctx, id)
	if err != nil {
		e.stopDetached(id)
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return value.Null(), executor.Errf(executor.ErrTimedOut, lang, "%s stopped at deadline", entry)
		case errors.Is(ctx.Err(), context.Canceled):
			return value.Null(), executor.Errf(executor.ErrCancelled, lang, "%s stopped on cancellation", entry)
		default:
			return value.Null(), executor.Wrap(executor.ErrRuntime, lang, err)
		}
	}

	stdout, stderr, err := e.fetchLogs(id)
	if err != nil {
		return value.Null(), executor.Wrap(executor.ErrRuntime, lang, err)
	}
	e.log.Debug("container run", "lang", lang, "entry", entry, "exit", status, "duration", time.Since(start))

	if status != 0 {
		diag := strings.TrimSpace(stderr)
		if diag == "" {
			diag = fmt.Sprintf("exit status %d", status)
		}
		return value.Null(), executor.Errf(executor.ErrRuntime, lang, "%s", diag)
	}
	return decodeLastLine(stdout), nil
}

func (e *Executor) pullImage(ctx context.Context) error {
	reader, err := e.cli.ImagePull(ctx, e.spec.Image, typesimage.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", e.spec.Image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("consume pull output for %s: %w", e.spec.Image, err)
	}
	return nil
}

func (e *Executor) create(ctx context.Context, argv []string) (string, func(), error) {
	hostConfig := &dockercontainer.HostConfig{
		Resources: dockercontainer.Resources{NanoCPUs: 1_000_000_000},
	}
	if e.spec.MemoryBytes > 0 {
		hostConfig.Resources.Memory = e.spec.MemoryBytes
		hostConfig.Resources.MemorySwap = e.spec.MemoryBytes
	}

	resp, err := e.cli.ContainerCreate(
		ctx,
		&dockercontainer.Config{
			Image:           e.spec.Image,
			Cmd:             argv,
			WorkingDir:      e.spec.Workdir,
			NetworkDisabled: true,
			AttachStdout:    true,
			AttachStderr:    true,
		},
		hostConfig,
		nil,
		nil,
		"",
	)
	if err != nil {
		return "", nil, fmt.Errorf("create container: %w", err)
	}
	cleanup := func() {
		_ = e.cli.ContainerRemove(context.Background(), resp.ID, dockercontainer.RemoveOptions{Force: true})
	}
	return resp.ID, cleanup, nil
}

func (e *Executor) stageProgram(ctx context.Context, id, name, program string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(program)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(program)); err != nil {
		return fmt.Errorf("write tar contents: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	return e.cli.CopyToContainer(ctx, id, e.spec.Workdir, bytes.NewReader(buf.Bytes()), types.CopyToContainerOptions{AllowOverwriteDirWithFile: true})
}

func (e *Executor) waitForExit(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, dockercontainer.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return 0, fmt.Errorf("container error: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return 0, fmt.Errorf("wait for container: %w", err)
	case <-ctx.Done():
		return 0, fmt.Errorf("wait for container: %w", ctx.Err())
	}
}

// stopDetached stops a container whose invocation already failed. It runs
// on a background context so a dead deadline cannot stop the stop.
func (e *Executor) stopDetached(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	_ = e.cli.ContainerStop(ctx, id, dockercontainer.StopOptions{})
}

func (e *Executor) fetchLogs(id string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	logs, err := e.cli.ContainerLogs(ctx, id, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("fetch logs: %w", err)
	}
	defer logs.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, logs); err != nil {
		return "", "", fmt.Errorf("demux logs: %w", err)
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

// decodeLastLine mirrors the subprocess backend's success convention: the
// last non-empty stdout line is the JSON result, with a text fallback.
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

// Close discards staged sources. Containers never outlive their Invoke.
func (e *Executor) Close() error {
	e.mu.Lock()
	e.sources = nil
	e.mu.Unlock()
	return e.cli.Close()
}
