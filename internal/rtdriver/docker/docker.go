// Package docker implements the Container Driver against a local Docker
// Engine, adapted from this codebase's Docker/PTY container manager but
// replacing the interactive PTY exec path with a captured-output exec
// suited to one-shot code and package-manager invocations.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"github.com/agentserver/sandboxd/internal/rtdriver"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

const (
	labelManagedBy = "managed-by"
	labelValue     = "sandboxd"

	// outputCap is the per-stream truncation cap on captured exec output.
	outputCap = 1 << 20 // 1 MiB
	truncationSentinel = "\n...[truncated]...\n"

	resultsDir = "/app/results"

	// killGrace bounds the follow-up SIGKILL exec issued against a timed-out
	// process; it runs against a detached context so the caller's own
	// deadline does not also cut this short.
	killGrace = 5 * time.Second
)

// Driver is the Docker-backed Container Driver.
type Driver struct {
	cli *client.Client
}

var _ rtdriver.Driver = (*Driver)(nil)

// New connects to the Docker daemon (via the standard DOCKER_HOST /
// environment resolution), verifies connectivity, and removes any
// sandboxd-managed containers left over from a previous process (orphans).
func New(ctx context.Context) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w: %w", err, sandboxerr.ErrRuntimeUnavailable)
	}
	d := &Driver{cli: cli}
	d.cleanOrphans(ctx)
	return d, nil
}

func (d *Driver) cleanOrphans(ctx context.Context) {
	f := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+labelValue))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		log.Warn().Err(err).Msg("failed to list orphan sandbox containers")
		return
	}
	for _, c := range containers {
		log.Info().Str("container", c.ID[:12]).Msg("removing orphaned sandbox container")
		d.cli.ContainerStop(ctx, c.ID, container.StopOptions{})
		d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
}

// CreateAndStart clones opts.BaseImage into a new container started with a
// no-op foreground command (`sleep infinity`) so it stays alive to accept
// exec calls, running as the image's non-root user.
func (d *Driver) CreateAndStart(ctx context.Context, opts rtdriver.SandboxOptions) (string, error) {
	labels := map[string]string{labelManagedBy: labelValue}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	memBytes := opts.MemoryLimitMB * 1024 * 1024
	nanoCPUs := int64(opts.CPUCores * 1e9)

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      opts.BaseImage,
			Entrypoint: []string{"sleep"},
			Cmd:        []string{"infinity"},
			Labels:     labels,
		},
		&container.HostConfig{
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			Resources: container.Resources{
				Memory:   memBytes,
				NanoCPUs: nanoCPUs,
			},
		},
		nil, nil, "",
	)
	if err != nil {
		return "", mapCreateErr(err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w: %w", err, sandboxerr.ErrRuntimeUnavailable)
	}

	if _, err := d.exec(ctx, resp.ID, []string{"mkdir", "-p", resultsDir}, nil); err != nil {
		d.cli.ContainerStop(ctx, resp.ID, container.StopOptions{})
		d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("provision results dir: %w", err)
	}

	return resp.ID, nil
}

// Exec runs argv inside the container and captures stdout/stderr, bounded
// by ctx's deadline. On timeout the exec process is killed and
// sandboxerr.ErrExecTimeout is returned; the container itself stays alive.
func (d *Driver) Exec(ctx context.Context, containerID string, argv []string, stdin []byte) (rtdriver.ExecResult, error) {
	return d.exec(ctx, containerID, argv, stdin)
}

func (d *Driver) exec(ctx context.Context, containerID string, argv []string, stdin []byte) (rtdriver.ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != nil,
	}
	created, err := d.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return rtdriver.ExecResult{}, mapExecErr(err)
	}

	attached, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return rtdriver.ExecResult{}, mapExecErr(err)
	}
	defer attached.Close()

	if stdin != nil {
		go func() {
			attached.Conn.Write(stdin)
			attached.CloseWrite()
		}()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(capWriter{&stdoutBuf, outputCap}, capWriter{&stderrBuf, outputCap}, attached.Reader)
		copyDone <- err
	}()

	select {
	case <-ctx.Done():
		d.killExecProcess(containerID, created.ID)
		return rtdriver.ExecResult{}, fmt.Errorf("exec %v timed out: %w", argv, sandboxerr.ErrExecTimeout)
	case err := <-copyDone:
		if err != nil && err != io.EOF {
			return rtdriver.ExecResult{}, fmt.Errorf("read exec output: %w: %w", err, sandboxerr.ErrIO)
		}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return rtdriver.ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}

	return rtdriver.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdoutBuf.Bytes(),
		Stderr:   stderrBuf.Bytes(),
	}, nil
}

// killExecProcess SIGKILLs the OS process backing a timed-out exec so it
// does not keep running inside the container after the caller sees
// exec_timeout. Best-effort: inspect or kill failures are logged, never
// returned, since the caller has already moved on.
func (d *Driver) killExecProcess(containerID, execID string) {
	ctx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()

	inspect, err := d.cli.ContainerExecInspect(ctx, execID)
	if err != nil || inspect.Pid == 0 {
		log.Warn().Str("container", containerID).Str("exec", execID).Err(err).Msg("failed to inspect timed-out exec for kill")
		return
	}

	killCfg := container.ExecOptions{Cmd: []string{"kill", "-9", strconv.Itoa(inspect.Pid)}}
	killExec, err := d.cli.ContainerExecCreate(ctx, containerID, killCfg)
	if err != nil {
		log.Warn().Str("container", containerID).Int("pid", inspect.Pid).Err(err).Msg("failed to create kill exec for timed-out process")
		return
	}
	if err := d.cli.ContainerExecStart(ctx, killExec.ID, container.ExecStartOptions{}); err != nil {
		log.Warn().Str("container", containerID).Int("pid", inspect.Pid).Err(err).Msg("failed to kill timed-out exec process")
	}
}

// capWriter truncates writes past limit, appending a sentinel once.
type capWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w capWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		// remaining is exactly 0 only when the buffer filled to the limit
		// without a sentinel; once appended, the sentinel pushes it below 0.
		if remaining == 0 && len(p) > 0 {
			w.buf.WriteString(truncationSentinel)
		}
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		w.buf.WriteString(truncationSentinel)
		return len(p), nil
	}
	return w.buf.Write(p)
}

// CopyInto writes data to path inside the container via a single-entry tar
// stream, the same mechanism Docker's `cp` uses.
func (d *Driver) CopyInto(ctx context.Context, containerID, path string, data []byte, mode int64) error {
	dir, name := splitContainerPath(path)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: name, Size: int64(len(data)), Mode: modeOrDefault(mode),
		ModTime: time.Now(),
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	if err := d.cli.CopyToContainer(ctx, containerID, dir, &buf, dockertypes.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy into container: %w: %w", err, sandboxerr.ErrIO)
	}
	return nil
}

// CopyOut reads the file at path inside the container via a tar stream.
func (d *Driver) CopyOut(ctx context.Context, containerID, path string) ([]byte, error) {
	reader, _, err := d.cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%s: %w", path, sandboxerr.ErrNotFound)
		}
		return nil, fmt.Errorf("copy from container: %w: %w", err, sandboxerr.ErrIO)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("read tar header: %w: %w", err, sandboxerr.ErrIO)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("read tar body: %w: %w", err, sandboxerr.ErrIO)
	}
	return data, nil
}

// ListDir lists entries of path inside the container via a tar stream,
// since the Docker API has no dedicated directory-listing call.
func (d *Driver) ListDir(ctx context.Context, containerID, path string) ([]rtdriver.DirEntry, error) {
	reader, _, err := d.cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%s: %w", path, sandboxerr.ErrNotFound)
		}
		return nil, fmt.Errorf("copy from container: %w: %w", err, sandboxerr.ErrIO)
	}
	defer reader.Close()

	var entries []rtdriver.DirEntry
	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w: %w", err, sandboxerr.ErrIO)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		// The archive's entries are rooted at the directory's own base name
		// ("results/out.txt"); strip it so names are relative to path.
		name := hdr.Name
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		entries = append(entries, rtdriver.DirEntry{
			Name:  name,
			Size:  hdr.Size,
			Mtime: hdr.ModTime.Unix(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Exists reports whether the daemon still knows containerID.
func (d *Driver) Exists(ctx context.Context, containerID string) (bool, error) {
	_, err := d.cli.ContainerInspect(ctx, containerID)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect container: %w: %w", err, sandboxerr.ErrRuntimeUnavailable)
}

// Remove force-removes a container; removing an already-gone container is
// treated as success.
func (d *Driver) Remove(ctx context.Context, containerID string, force bool) error {
	d.cli.ContainerStop(ctx, containerID, container.StopOptions{})
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w: %w", err, sandboxerr.ErrIO)
	}
	return nil
}

// Close releases the underlying Docker client connection.
func (d *Driver) Close() error {
	return d.cli.Close()
}

func mapCreateErr(err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("base image: %w: %w", err, errImageMissing)
	}
	return fmt.Errorf("container create: %w: %w", err, sandboxerr.ErrRuntimeUnavailable)
}

func mapExecErr(err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %w", err, sandboxerr.ErrNotFound)
	}
	return fmt.Errorf("exec: %w: %w", err, sandboxerr.ErrRuntimeUnavailable)
}

var errImageMissing = errors.New("image_missing")

func splitContainerPath(path string) (dir, name string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i+1], path[i+1:]
		}
	}
	return "/", path
}

func modeOrDefault(mode int64) int64 {
	if mode == 0 {
		return 0o644
	}
	return mode
}
