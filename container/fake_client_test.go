package container

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	typesimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeClient records every docker call and plays back canned responses, so
// the executor's lifecycle can be tested without a daemon.
type fakeClient struct {
	mu sync.Mutex

	pulls    int
	pullErr  error
	startErr error

	created []dockercontainer.Config
	staged  map[string][]byte // container id -> tar stream
	started []string
	stopped []string
	removed []string
	closed  bool

	exitCode  int64
	waitBlock bool // never deliver a wait response
	logs      []byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{staged: map[string][]byte{}}
}

// setLogs muxes stdout and stderr the way the daemon does for a container
// without a TTY.
func (f *fakeClient) setLogs(stdout, stderr string) {
	var buf bytes.Buffer
	if stdout != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	}
	if stderr != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	}
	f.logs = buf.Bytes()
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) ImagePull(ctx context.Context, ref string, opts typesimage.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeClient) ContainerCreate(ctx context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (dockercontainer.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *config)
	return dockercontainer.CreateResponse{ID: "fake-container"}, nil
}

func (f *fakeClient) ContainerRemove(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeClient) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options types.CopyToContainerOptions) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged[containerID] = data
	return nil
}

func (f *fakeClient) ContainerStart(ctx context.Context, containerID string, options dockercontainer.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeClient) ContainerWait(ctx context.Context, containerID string, condition dockercontainer.WaitCondition) (<-chan dockercontainer.WaitResponse, <-chan error) {
	statusCh := make(chan dockercontainer.WaitResponse, 1)
	errCh := make(chan error, 1)
	f.mu.Lock()
	block := f.waitBlock
	code := f.exitCode
	f.mu.Unlock()
	if !block {
		statusCh <- dockercontainer.WaitResponse{StatusCode: code}
	}
	return statusCh, errCh
}

func (f *fakeClient) ContainerLogs(ctx context.Context, containerID string, options dockercontainer.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeClient) ContainerStop(ctx context.Context, containerID string, options dockercontainer.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	return nil
}
