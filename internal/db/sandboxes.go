package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Sandbox is the persisted Registry row.
type Sandbox struct {
	ID            string
	UserID        string
	Name          string
	ContainerID   *string
	CPUCores      float64
	MemoryLimitMB int64
	LastError     *string
	CreatedAt     time.Time
	LastUsedAt    time.Time
}

const sandboxColumns = `id, user_id, name, container_id, cpu_cores, memory_limit_mb, last_error, created_at, last_used_at`

func scanSandbox(row *sql.Row) (*Sandbox, error) {
	var s Sandbox
	err := row.Scan(&s.ID, &s.UserID, &s.Name, &s.ContainerID, &s.CPUCores, &s.MemoryLimitMB, &s.LastError, &s.CreatedAt, &s.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSandbox inserts a new sandbox row bound to an already-created
// container. Callers must remove the container if this call fails.
func (d *DB) CreateSandbox(id, userID, name, containerID string, cpuCores float64, memoryLimitMB int64) error {
	_, err := d.Exec(
		`INSERT INTO sandboxes (id, user_id, name, container_id, cpu_cores, memory_limit_mb) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, userID, name, containerID, cpuCores, memoryLimitMB,
	)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	return nil
}

// GetSandbox returns a single sandbox by id, or nil if absent.
func (d *DB) GetSandbox(id string) (*Sandbox, error) {
	row := d.QueryRow(`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1`, id)
	return scanSandbox(row)
}

// ListSandboxesByUser returns every sandbox owned by userID, newest first.
func (d *DB) ListSandboxesByUser(userID string) ([]*Sandbox, error) {
	rows, err := d.Query(`SELECT `+sandboxColumns+` FROM sandboxes WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		var s Sandbox
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.ContainerID, &s.CPUCores, &s.MemoryLimitMB, &s.LastError, &s.CreatedAt, &s.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan sandbox: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// ListAllSandboxes returns every sandbox row, used by the reaper's
// container reconciliation sweep.
func (d *DB) ListAllSandboxes() ([]*Sandbox, error) {
	rows, err := d.Query(`SELECT ` + sandboxColumns + ` FROM sandboxes`)
	if err != nil {
		return nil, fmt.Errorf("list all sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		var s Sandbox
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.ContainerID, &s.CPUCores, &s.MemoryLimitMB, &s.LastError, &s.CreatedAt, &s.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan sandbox: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// ListIdleSandboxes returns every sandbox whose last_used_at is older than
// idleTimeout — the query the Reaper sweeps on each tick.
func (d *DB) ListIdleSandboxes(idleTimeout time.Duration) ([]*Sandbox, error) {
	rows, err := d.Query(
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE last_used_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(idleTimeout.Seconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("list idle sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		var s Sandbox
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.ContainerID, &s.CPUCores, &s.MemoryLimitMB, &s.LastError, &s.CreatedAt, &s.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan sandbox: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// DeleteSandbox removes the registry row. The caller owns container removal.
func (d *DB) DeleteSandbox(id string) error {
	_, err := d.Exec(`DELETE FROM sandboxes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return nil
}

// UpdateSandboxActivity sets last_used_at to now.
func (d *DB) UpdateSandboxActivity(id string) error {
	_, err := d.Exec(`UPDATE sandboxes SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch sandbox: %w", err)
	}
	return nil
}

// UpdateSandboxLastError records the most recent Container Driver error
// observed for a sandbox, or clears it when errText is nil.
func (d *DB) UpdateSandboxLastError(id string, errText *string) error {
	_, err := d.Exec(`UPDATE sandboxes SET last_error = $1 WHERE id = $2`, errText, id)
	if err != nil {
		return fmt.Errorf("update sandbox last_error: %w", err)
	}
	return nil
}

// ExistsWithContainerID reports whether any sandbox already references
// containerID, so callers can reject binding a container to a second
// sandbox.
func (d *DB) ExistsWithContainerID(containerID string) (bool, error) {
	var exists bool
	err := d.QueryRow(`SELECT EXISTS(SELECT 1 FROM sandboxes WHERE container_id = $1)`, containerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check container id: %w", err)
	}
	return exists, nil
}
