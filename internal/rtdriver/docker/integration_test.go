package docker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentserver/sandboxd/internal/rtdriver"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

// newTestDriver connects to the local Docker daemon, skipping the test when
// none is reachable (CI without Docker-in-Docker, a sandboxed dev machine).
func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := New(ctx)
	if err != nil {
		t.Skipf("docker daemon unavailable, skipping: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDriverLifecycle(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	containerID, err := d.CreateAndStart(ctx, rtdriver.SandboxOptions{
		BaseImage: "alpine:latest", CPUCores: 0.5, MemoryLimitMB: 128,
		Labels: map[string]string{"test": "true"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Remove(context.Background(), containerID, true) })

	ok, err := d.Exists(ctx, containerID)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := d.Exec(ctx, containerID, []string{"echo", "hello"}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, string(res.Stdout), "hello")

	require.NoError(t, d.CopyInto(ctx, containerID, "/app/results/out.txt", []byte("produced"), 0o644))
	data, err := d.CopyOut(ctx, containerID, "/app/results/out.txt")
	require.NoError(t, err)
	require.Equal(t, "produced", string(data))

	entries, err := d.ListDir(ctx, containerID, "/app/results")
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Name == "out.txt" {
			found = true
		}
	}
	require.True(t, found, "ListDir should report the file just written")

	require.NoError(t, d.Remove(ctx, containerID, true))
	ok, err = d.Exists(ctx, containerID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDriverRemoveAlreadyGoneContainerIsSuccess(t *testing.T) {
	d := newTestDriver(t)
	require.NoError(t, d.Remove(context.Background(), "not-a-real-container-id", true))
}

func TestExecTimeoutKillsProcessInsideContainer(t *testing.T) {
	d := newTestDriver(t)
	background := context.Background()

	containerID, err := d.CreateAndStart(background, rtdriver.SandboxOptions{
		BaseImage: "alpine:latest", CPUCores: 0.5, MemoryLimitMB: 128,
		Labels: map[string]string{"test": "true"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Remove(context.Background(), containerID, true) })

	execCtx, cancel := context.WithTimeout(background, 500*time.Millisecond)
	defer cancel()
	_, err = d.Exec(execCtx, containerID, []string{"sh", "-c", "while true; do :; done"}, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, sandboxerr.ErrExecTimeout))

	// Give the follow-up SIGKILL exec a moment to land, then confirm the
	// spinning shell is no longer running inside the container.
	time.Sleep(500 * time.Millisecond)
	res, err := d.Exec(background, containerID, []string{"sh", "-c", "ps aux | grep '[w]hile true'"}, nil)
	require.NoError(t, err)
	require.NotEqual(t, 0, res.ExitCode, "the timed-out process should have been killed, not left running")
}
