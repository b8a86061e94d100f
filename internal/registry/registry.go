// Package registry implements the Sandbox Registry: the persistent record
// of every sandbox ever created, its owner, and its bound container.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentserver/sandboxd/internal/db"
	"github.com/agentserver/sandboxd/internal/rtdriver"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
	"github.com/agentserver/sandboxd/internal/shortid"
)

// Sandbox is the registry's view of a sandbox row.
type Sandbox struct {
	ID            string
	UserID        string
	Name          string
	ContainerID   string
	CPUCores      float64
	MemoryLimitMB int64
	LastError     string
	CreatedAt     time.Time
	LastUsedAt    time.Time
}

// Registry is the Sandbox Registry.
type Registry struct {
	db     *db.DB
	driver rtdriver.Driver
}

// New constructs a Registry over a database connection and the Container
// Driver it delegates container lifecycle to.
func New(database *db.DB, driver rtdriver.Driver) *Registry {
	return &Registry{db: database, driver: driver}
}

// Create mints a sandbox id, creates and starts its container via the
// Container Driver, and records the pair atomically, rejecting a container
// id already bound to another row (belt-and-suspenders alongside the
// column's UNIQUE constraint). If persistence fails after the container was
// created, the container is removed before returning so no container is
// orphaned without a registry row.
func (r *Registry) Create(ctx context.Context, userID, name string, opts rtdriver.SandboxOptions) (*Sandbox, error) {
	if name == "" {
		name = "sandbox"
	}
	containerID, err := r.driver.CreateAndStart(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	taken, err := r.db.ExistsWithContainerID(containerID)
	if err != nil {
		if rmErr := r.driver.Remove(ctx, containerID, true); rmErr != nil {
			return nil, fmt.Errorf("check container id: %w (and container cleanup failed: %v)", err, rmErr)
		}
		return nil, fmt.Errorf("check container id: %w", err)
	}
	if taken {
		if rmErr := r.driver.Remove(ctx, containerID, true); rmErr != nil {
			log.Warn().Str("container", containerID).Err(rmErr).Msg("failed to remove container reused by the driver")
		}
		return nil, fmt.Errorf("container id %s already bound to a sandbox: %w", containerID, sandboxerr.ErrConflict)
	}

	id := shortid.Generate()
	if err := r.db.CreateSandbox(id, userID, name, containerID, opts.CPUCores, opts.MemoryLimitMB); err != nil {
		if rmErr := r.driver.Remove(ctx, containerID, true); rmErr != nil {
			return nil, fmt.Errorf("create sandbox row: %w (and container cleanup failed: %v)", err, rmErr)
		}
		return nil, fmt.Errorf("create sandbox row: %w", err)
	}

	return r.Get(id)
}

// ListByUser returns every sandbox owned by userID.
func (r *Registry) ListByUser(userID string) ([]*Sandbox, error) {
	rows, err := r.db.ListSandboxesByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	out := make([]*Sandbox, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// ListAll returns every sandbox row, used by the reaper's container
// reconciliation sweep.
func (r *Registry) ListAll() ([]*Sandbox, error) {
	rows, err := r.db.ListAllSandboxes()
	if err != nil {
		return nil, fmt.Errorf("list all sandboxes: %w", err)
	}
	out := make([]*Sandbox, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// Get returns a sandbox by id, or sandboxerr.ErrNotFound.
func (r *Registry) Get(id string) (*Sandbox, error) {
	row, err := r.db.GetSandbox(id)
	if err != nil {
		return nil, fmt.Errorf("get sandbox: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("sandbox %s: %w", id, sandboxerr.ErrNotFound)
	}
	return fromRow(row), nil
}

// Delete removes the registry row. The caller owns container removal.
func (r *Registry) Delete(id string) error {
	if err := r.db.DeleteSandbox(id); err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return nil
}

// Touch sets last_used_at to now.
func (r *Registry) Touch(id string) error {
	if err := r.db.UpdateSandboxActivity(id); err != nil {
		return fmt.Errorf("touch sandbox: %w", err)
	}
	return nil
}

// ListIdle returns every sandbox idle longer than idleTimeout, the query
// backing the Reaper's per-tick sweep.
func (r *Registry) ListIdle(idleTimeout time.Duration) ([]*Sandbox, error) {
	rows, err := r.db.ListIdleSandboxes(idleTimeout)
	if err != nil {
		return nil, fmt.Errorf("list idle sandboxes: %w", err)
	}
	out := make([]*Sandbox, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// RecordError persists the most recent Container Driver error observed for
// a sandbox in its last_error column; it is not mapped through the shared
// error taxonomy and never causes a call to fail. The list_sandboxes
// responses do not include last_error.
func (r *Registry) RecordError(id string, cause error) {
	var text *string
	if cause != nil {
		s := cause.Error()
		text = &s
	}
	_ = r.db.UpdateSandboxLastError(id, text)
}

func fromRow(row *db.Sandbox) *Sandbox {
	s := &Sandbox{
		ID: row.ID, UserID: row.UserID, Name: row.Name,
		CPUCores: row.CPUCores, MemoryLimitMB: row.MemoryLimitMB,
		CreatedAt: row.CreatedAt, LastUsedAt: row.LastUsedAt,
	}
	if row.ContainerID != nil {
		s.ContainerID = *row.ContainerID
	}
	if row.LastError != nil {
		s.LastError = *row.LastError
	}
	return s
}
