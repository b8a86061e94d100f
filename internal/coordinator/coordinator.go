// Package coordinator implements the Execution Coordinator: the component
// that owns per-sandbox locks and install state, routes code/terminal/
// package/upload operations to the Container Driver, publishes result
// files, and keeps the registry's last-used timestamp current.
package coordinator

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentserver/sandboxd/internal/identity"
	"github.com/agentserver/sandboxd/internal/publish"
	"github.com/agentserver/sandboxd/internal/registry"
	"github.com/agentserver/sandboxd/internal/rtdriver"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
	"github.com/agentserver/sandboxd/internal/shortid"
)

const (
	scriptPath      = "/app/script.py"
	resultsDir      = "/app/results"
	defaultCPU      = 1.0
	defaultMemoryMB = 512
)

// Config holds the Coordinator's tunables.
type Config struct {
	BaseImage   string
	ExecTimeout time.Duration
}

// Coordinator is the Execution Coordinator.
type Coordinator struct {
	cfg      Config
	registry *registry.Registry
	driver   rtdriver.Driver
	pub      *publish.Publisher

	locks    *lockTable
	installs *installTable
}

// New constructs a Coordinator. Locks and install state are owned by this
// instance, never package-level globals, so tests can substitute a fresh
// Coordinator per case.
func New(cfg Config, reg *registry.Registry, driver rtdriver.Driver, pub *publish.Publisher) *Coordinator {
	return &Coordinator{
		cfg: cfg, registry: reg, driver: driver, pub: pub,
		locks: newLockTable(), installs: newInstallTable(),
	}
}

// CreateSandbox provisions a new sandbox owned by user.
func (c *Coordinator) CreateSandbox(ctx context.Context, user *identity.User, name string) (*registry.Sandbox, error) {
	opts := rtdriver.SandboxOptions{
		BaseImage: c.cfg.BaseImage, CPUCores: defaultCPU, MemoryLimitMB: defaultMemoryMB,
		Labels: map[string]string{"user-id": user.ID},
	}
	sbx, err := c.registry.Create(ctx, user.ID, name, opts)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	return sbx, nil
}

// ListSandboxes returns every sandbox owned by user.
func (c *Coordinator) ListSandboxes(user *identity.User) ([]*registry.Sandbox, error) {
	return c.registry.ListByUser(user.ID)
}

// DeleteSandbox removes a sandbox's container, registry row, install
// records, and published files. Ownership is checked before the lock is
// taken.
func (c *Coordinator) DeleteSandbox(ctx context.Context, user *identity.User, sandboxID string) error {
	sbx, err := c.authorize(user, sandboxID)
	if err != nil {
		return err
	}

	release := c.locks.acquire(sandboxID)
	defer func() { release(); c.locks.drop(sandboxID) }()

	if err := c.driver.Remove(ctx, sbx.ContainerID, true); err != nil {
		log.Warn().Str("sandbox", sandboxID).Err(err).Msg("failed to remove container during delete; continuing")
	}
	if err := c.registry.Delete(sandboxID); err != nil {
		return fmt.Errorf("delete registry row: %w", err)
	}
	c.installs.dropSandbox(sandboxID)
	if err := c.pub.Forget(sandboxID); err != nil {
		log.Warn().Str("sandbox", sandboxID).Err(err).Msg("failed to forget published files during delete")
	}
	return nil
}

// ExecuteResult is the outcome of execute_code.
type ExecuteResult struct {
	Stdout    string
	Stderr    string
	FileLinks []string
}

// ExecuteCode runs code inside sandboxID, snapshotting /app/results before
// and after the run to detect produced artifacts, which are published and
// returned as stable URLs.
func (c *Coordinator) ExecuteCode(ctx context.Context, user *identity.User, sandboxID, code string) (*ExecuteResult, error) {
	sbx, err := c.authorize(user, sandboxID)
	if err != nil {
		return nil, err
	}

	release := c.locks.acquire(sandboxID)
	defer release()

	if err := c.checkContainerAlive(ctx, sbx); err != nil {
		return nil, err
	}

	before, err := c.driver.ListDir(ctx, sbx.ContainerID, resultsDir)
	if err != nil && sandboxerr.Code(err) != sandboxerr.ErrNotFound {
		return nil, fmt.Errorf("list results before run: %w", err)
	}

	if err := c.driver.CopyInto(ctx, sbx.ContainerID, scriptPath, []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecTimeout)
	defer cancel()
	res, err := c.driver.Exec(execCtx, sbx.ContainerID, []string{"python3", scriptPath}, nil)
	if err != nil {
		c.registry.RecordError(sandboxID, err)
		return nil, err
	}

	after, err := c.driver.ListDir(ctx, sbx.ContainerID, resultsDir)
	if err != nil && sandboxerr.Code(err) != sandboxerr.ErrNotFound {
		return nil, fmt.Errorf("list results after run: %w", err)
	}

	links, err := c.publishProduced(ctx, sbx.ContainerID, sandboxID, before, after)
	if err != nil {
		return nil, err
	}

	if err := c.registry.Touch(sandboxID); err != nil {
		log.Warn().Str("sandbox", sandboxID).Err(err).Msg("failed to touch sandbox")
	}

	return &ExecuteResult{Stdout: string(res.Stdout), Stderr: string(res.Stderr), FileLinks: links}, nil
}

// publishProduced compares before/after directory listings and publishes
// any file that is new or whose (mtime, size) changed.
func (c *Coordinator) publishProduced(ctx context.Context, containerID, sandboxID string, before, after []rtdriver.DirEntry) ([]string, error) {
	prior := make(map[string]rtdriver.DirEntry, len(before))
	for _, e := range before {
		prior[e.Name] = e
	}

	var links []string
	for _, e := range after {
		prev, existed := prior[e.Name]
		produced := !existed || prev.Mtime != e.Mtime || prev.Size != e.Size
		if !produced {
			continue
		}

		data, err := c.driver.CopyOut(ctx, containerID, path.Join(resultsDir, e.Name))
		if err != nil {
			return nil, fmt.Errorf("extract artifact %s: %w", e.Name, err)
		}

		url, err := c.pub.Publish(sandboxID, e.Name, data)
		if err != nil {
			if sandboxerr.Code(err) == sandboxerr.ErrBadPath {
				log.Warn().Str("sandbox", sandboxID).Str("name", e.Name).Msg("refusing to publish unsafe artifact path")
				continue
			}
			return nil, fmt.Errorf("publish artifact %s: %w", e.Name, err)
		}
		links = append(links, url)
	}
	return links, nil
}

// TerminalResult is the outcome of execute_terminal.
type TerminalResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecuteTerminal runs a single shell command inside sandboxID, with no
// file snapshotting.
func (c *Coordinator) ExecuteTerminal(ctx context.Context, user *identity.User, sandboxID, command string) (*TerminalResult, error) {
	sbx, err := c.authorize(user, sandboxID)
	if err != nil {
		return nil, err
	}

	release := c.locks.acquire(sandboxID)
	defer release()

	if err := c.checkContainerAlive(ctx, sbx); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecTimeout)
	defer cancel()
	res, err := c.driver.Exec(execCtx, sbx.ContainerID, []string{"/bin/sh", "-c", command}, nil)
	if err != nil {
		c.registry.RecordError(sandboxID, err)
		return nil, err
	}

	if err := c.registry.Touch(sandboxID); err != nil {
		log.Warn().Str("sandbox", sandboxID).Err(err).Msg("failed to touch sandbox")
	}

	return &TerminalResult{Stdout: string(res.Stdout), Stderr: string(res.Stderr), ExitCode: res.ExitCode}, nil
}

// InstallOutcome is the synchronous response to install_package.
type InstallOutcome struct {
	Status   string
	RecordID string
}

// InstallPackage launches a background package-manager invocation and
// returns immediately. A second concurrent call for the same
// (sandbox, package) joins the in-flight job rather than starting a new one.
func (c *Coordinator) InstallPackage(ctx context.Context, user *identity.User, sandboxID, pkg string) (*InstallOutcome, error) {
	sbx, err := c.authorize(user, sandboxID)
	if err != nil {
		return nil, err
	}

	release := c.locks.acquire(sandboxID)
	recordID := shortid.Generate()
	record, started := c.installs.beginIfAbsent(sandboxID, pkg, recordID)
	release()

	if !started {
		return &InstallOutcome{Status: "already_installed", RecordID: record.ID}, nil
	}

	go c.runInstall(sbx.ContainerID, sandboxID, pkg)

	return &InstallOutcome{Status: "installing", RecordID: record.ID}, nil
}

// runInstall performs the package-manager exec without holding the
// per-sandbox lock, only brief acquisitions to transition install state;
// any panic is recovered and recorded as a failed install so a background
// task can never crash the process.
func (c *Coordinator) runInstall(containerID, sandboxID, pkg string) {
	defer func() {
		if r := recover(); r != nil {
			c.installs.finish(sandboxID, pkg, InstallFailed, "", fmt.Sprintf("panic: %v", r))
			log.Error().Str("sandbox", sandboxID).Str("package", pkg).Interface("panic", r).Msg("install task panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ExecTimeout*4)
	defer cancel()

	res, err := c.driver.Exec(ctx, containerID, []string{"pip", "install", pkg}, nil)
	if err != nil {
		c.installs.finish(sandboxID, pkg, InstallFailed, "", err.Error())
		return
	}
	if res.ExitCode != 0 {
		c.installs.finish(sandboxID, pkg, InstallFailed, tail(res.Stdout), tail(res.Stderr))
		return
	}
	c.installs.finish(sandboxID, pkg, InstallSuccess, tail(res.Stdout), tail(res.Stderr))
}

func tail(b []byte) string {
	const maxTail = 4096
	if len(b) <= maxTail {
		return string(b)
	}
	return string(b[len(b)-maxTail:])
}

// CheckPackageStatus is a lock-free read of an install record.
func (c *Coordinator) CheckPackageStatus(user *identity.User, sandboxID, pkg string) (*InstallRecord, error) {
	if _, err := c.authorize(user, sandboxID); err != nil {
		return nil, err
	}
	record, ok := c.installs.get(sandboxID, pkg)
	if !ok {
		return nil, fmt.Errorf("no install record for %s: %w", pkg, sandboxerr.ErrNotFound)
	}
	cp := *record
	return &cp, nil
}

// UploadFile copies data into the container at destPath
// (default /app/results).
func (c *Coordinator) UploadFile(ctx context.Context, user *identity.User, sandboxID string, data []byte, destPath string) (string, error) {
	sbx, err := c.authorize(user, sandboxID)
	if err != nil {
		return "", err
	}
	if destPath == "" {
		destPath = resultsDir
	}

	release := c.locks.acquire(sandboxID)
	defer release()

	if err := c.checkContainerAlive(ctx, sbx); err != nil {
		return "", err
	}
	if err := c.driver.CopyInto(ctx, sbx.ContainerID, destPath, data, 0o644); err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	if err := c.registry.Touch(sandboxID); err != nil {
		log.Warn().Str("sandbox", sandboxID).Err(err).Msg("failed to touch sandbox")
	}
	return destPath, nil
}

// authorize loads sandboxID and checks that user owns it.
func (c *Coordinator) authorize(user *identity.User, sandboxID string) (*registry.Sandbox, error) {
	sbx, err := c.registry.Get(sandboxID)
	if err != nil {
		return nil, err
	}
	if sbx.UserID != user.ID {
		return nil, fmt.Errorf("sandbox %s: %w", sandboxID, sandboxerr.ErrNotAuthorized)
	}
	return sbx, nil
}

// checkContainerAlive fails a foreground call with runtime_unavailable when
// the runtime has lost the sandbox's container, rather than transparently
// recreating it.
func (c *Coordinator) checkContainerAlive(ctx context.Context, sbx *registry.Sandbox) error {
	ok, err := c.driver.Exists(ctx, sbx.ContainerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sandbox %s container is gone: %w", sbx.ID, sandboxerr.ErrRuntimeUnavailable)
	}
	return nil
}
