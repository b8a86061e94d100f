// Package rtdriver defines the Container Driver capability surface: the
// only boundary in this codebase that names the container runtime.
// Everything above it — the Registry, Coordinator, Reaper — talks to
// containers exclusively through this interface.
package rtdriver

import "context"

// SandboxOptions configures a newly created sandbox container.
type SandboxOptions struct {
	BaseImage     string
	CPUCores      float64
	MemoryLimitMB int64
	Labels        map[string]string
}

// DirEntry describes a single entry returned by ListDir.
type DirEntry struct {
	Name  string
	Size  int64
	Mtime int64 // unix seconds
}

// ExecResult is the outcome of a single exec call.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Driver is the capability surface over the host container runtime.
// Every method may take seconds; all are safe for concurrent use across
// distinct container ids (concurrent calls against the SAME container id
// are the caller's — the Coordinator's — responsibility to serialize).
type Driver interface {
	// CreateAndStart clones opts.BaseImage into a freshly started container
	// running a no-op foreground command, and returns its container id.
	CreateAndStart(ctx context.Context, opts SandboxOptions) (containerID string, err error)

	// Exec runs argv inside the container, optionally piping stdin, capped
	// at the context's deadline. Output is truncated to a fixed cap per
	// stream with a sentinel marker appended.
	Exec(ctx context.Context, containerID string, argv []string, stdin []byte) (ExecResult, error)

	// CopyInto writes data to path inside the container.
	CopyInto(ctx context.Context, containerID, path string, data []byte, mode int64) error

	// CopyOut reads the file at path inside the container.
	CopyOut(ctx context.Context, containerID, path string) ([]byte, error)

	// ListDir lists the entries of a directory inside the container.
	ListDir(ctx context.Context, containerID, path string) ([]DirEntry, error)

	// Exists reports whether the runtime can still address containerID.
	Exists(ctx context.Context, containerID string) (bool, error)

	// Remove force-removes a container. Removing an already-gone container
	// is treated as success.
	Remove(ctx context.Context, containerID string, force bool) error

	// Close releases any resources held by the driver (e.g. the underlying
	// client connection).
	Close() error
}
