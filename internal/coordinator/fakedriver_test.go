package coordinator

import (
	"context"
	"sync"

	"github.com/agentserver/sandboxd/internal/rtdriver"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
	"github.com/agentserver/sandboxd/internal/shortid"
)

// fakeDriver is an in-memory stand-in for the Container Driver, letting
// Coordinator tests run without a Docker daemon.
type fakeDriver struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	execFunc   func(argv []string) rtdriver.ExecResult
}

type fakeContainer struct {
	files map[string][]byte
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{containers: make(map[string]*fakeContainer)}
}

func (f *fakeDriver) CreateAndStart(ctx context.Context, opts rtdriver.SandboxOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "container-" + shortid.Generate()
	f.containers[id] = &fakeContainer{files: make(map[string][]byte)}
	return id, nil
}

func (f *fakeDriver) Exec(ctx context.Context, containerID string, argv []string, stdin []byte) (rtdriver.ExecResult, error) {
	f.mu.Lock()
	_, ok := f.containers[containerID]
	fn := f.execFunc
	f.mu.Unlock()
	if !ok {
		return rtdriver.ExecResult{}, sandboxerr.ErrRuntimeUnavailable
	}
	if fn != nil {
		return fn(argv), nil
	}
	return rtdriver.ExecResult{ExitCode: 0, Stdout: []byte("ok"), Stderr: nil}, nil
}

func (f *fakeDriver) CopyInto(ctx context.Context, containerID, path string, data []byte, mode int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return sandboxerr.ErrRuntimeUnavailable
	}
	c.files[path] = data
	return nil
}

func (f *fakeDriver) CopyOut(ctx context.Context, containerID, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil, sandboxerr.ErrRuntimeUnavailable
	}
	data, ok := c.files[path]
	if !ok {
		return nil, sandboxerr.ErrNotFound
	}
	return data, nil
}

func (f *fakeDriver) ListDir(ctx context.Context, containerID, dir string) ([]rtdriver.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil, sandboxerr.ErrRuntimeUnavailable
	}
	var out []rtdriver.DirEntry
	prefix := dir + "/"
	for path, data := range c.files {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			name := path[len(prefix):]
			out = append(out, rtdriver.DirEntry{Name: name, Size: int64(len(data)), Mtime: int64(len(data))})
		}
	}
	return out, nil
}

func (f *fakeDriver) Exists(ctx context.Context, containerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[containerID]
	return ok, nil
}

func (f *fakeDriver) Remove(ctx context.Context, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *fakeDriver) Close() error { return nil }

var _ rtdriver.Driver = (*fakeDriver)(nil)
