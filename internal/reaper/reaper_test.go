package reaper

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentserver/sandboxd/internal/coordinator"
	"github.com/agentserver/sandboxd/internal/db"
	"github.com/agentserver/sandboxd/internal/identity"
	"github.com/agentserver/sandboxd/internal/publish"
	"github.com/agentserver/sandboxd/internal/registry"
	"github.com/agentserver/sandboxd/internal/rtdriver"
	"github.com/agentserver/sandboxd/internal/shortid"
	"github.com/stretchr/testify/assert"
)

// fakeDriver is a minimal Container Driver stand-in; the Reaper only ever
// calls Exists and Remove on it. Guarded by a mutex since
// reconcileMissingContainers now fans its per-sandbox Exists calls out
// concurrently via an errgroup.
type fakeDriver struct {
	mu       sync.Mutex
	existing map[string]bool
}

func newFakeDriver() *fakeDriver { return &fakeDriver{existing: make(map[string]bool)} }

func (f *fakeDriver) CreateAndStart(ctx context.Context, opts rtdriver.SandboxOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "container-" + shortid.Generate()
	f.existing[id] = true
	return id, nil
}
func (f *fakeDriver) Exec(ctx context.Context, containerID string, argv []string, stdin []byte) (rtdriver.ExecResult, error) {
	return rtdriver.ExecResult{ExitCode: 0}, nil
}
func (f *fakeDriver) CopyInto(ctx context.Context, containerID, path string, data []byte, mode int64) error {
	return nil
}
func (f *fakeDriver) CopyOut(ctx context.Context, containerID, path string) ([]byte, error) {
	return nil, nil
}
func (f *fakeDriver) ListDir(ctx context.Context, containerID, path string) ([]rtdriver.DirEntry, error) {
	return nil, nil
}
func (f *fakeDriver) Exists(ctx context.Context, containerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[containerID], nil
}
func (f *fakeDriver) Remove(ctx context.Context, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.existing, containerID)
	return nil
}
func (f *fakeDriver) Close() error { return nil }

var _ rtdriver.Driver = (*fakeDriver)(nil)

func newTestReaper(t *testing.T) (*Reaper, *registry.Registry, *fakeDriver, *coordinator.Coordinator, *identity.User) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping reaper integration test")
	}
	database, err := db.Open(url)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	driver := newFakeDriver()
	reg := registry.New(database, driver)
	pub, err := publish.New(t.TempDir())
	require.NoError(t, err)
	coord := coordinator.New(coordinator.Config{BaseImage: "test-image", ExecTimeout: 5 * time.Second}, reg, driver, pub)

	idStore := identity.New(database)
	user, err := idStore.Register("reaper-test-"+shortid.Generate(), "", "hunter22")
	require.NoError(t, err)

	reap := New(reg, driver, pub, coord, time.Hour, time.Hour, time.Minute)
	return reap, reg, driver, coord, user
}

func TestReconcileMissingContainersRemovesOrphanedRow(t *testing.T) {
	reap, reg, driver, coord, user := newTestReaper(t)
	ctx := context.Background()

	sbx, err := coord.CreateSandbox(ctx, user, "scratch")
	require.NoError(t, err)

	// Simulate the runtime losing track of the container without going
	// through the Coordinator's own delete path.
	delete(driver.existing, sbx.ContainerID)

	reap.reconcileMissingContainers()

	_, err = reg.Get(sbx.ID)
	assert.Error(t, err, "orphaned registry row should have been reconciled away")
}

func TestReconcileMissingContainersLeavesLiveSandboxes(t *testing.T) {
	reap, reg, _, coord, user := newTestReaper(t)
	ctx := context.Background()

	sbx, err := coord.CreateSandbox(ctx, user, "scratch")
	require.NoError(t, err)

	reap.reconcileMissingContainers()

	got, err := reg.Get(sbx.ID)
	require.NoError(t, err)
	assert.Equal(t, sbx.ID, got.ID)
}
