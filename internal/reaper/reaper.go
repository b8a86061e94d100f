// Package reaper implements the periodic task that removes containers idle
// beyond the inactivity threshold and prunes published files past their TTL,
// grounded on this codebase's idle-watcher ticker loop.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentserver/sandboxd/internal/identity"
	"github.com/agentserver/sandboxd/internal/publish"
	"github.com/agentserver/sandboxd/internal/registry"
	"github.com/agentserver/sandboxd/internal/rtdriver"
)

// deleter is the subset of Coordinator the Reaper drives; declared locally
// so the Reaper does not import the coordinator package for its full
// surface.
type deleter interface {
	DeleteSandbox(ctx context.Context, user *identity.User, sandboxID string) error
}

// Reaper periodically sweeps the Sandbox Registry and the File Publisher.
type Reaper struct {
	registry            *registry.Registry
	driver              rtdriver.Driver
	pub                 *publish.Publisher
	coordinator         deleter
	inactivityThreshold time.Duration
	fileTTL             time.Duration
	interval            time.Duration

	stop chan struct{}
	done chan struct{}
}

// New constructs a Reaper. It does not start ticking until Start is called.
func New(reg *registry.Registry, driver rtdriver.Driver, pub *publish.Publisher, coord deleter, inactivityThreshold, fileTTL, interval time.Duration) *Reaper {
	return &Reaper{
		registry: reg, driver: driver, pub: pub, coordinator: coord,
		inactivityThreshold: inactivityThreshold, fileTTL: fileTTL, interval: interval,
		stop: make(chan struct{}), done: make(chan struct{}),
	}
}

// Start launches the reaper's ticker loop in a background goroutine.
func (r *Reaper) Start() {
	go r.loop()
}

// Stop signals the loop to exit and waits for it to finish.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick performs one reaper sweep: idle sandboxes are deleted, published
// files past their TTL are pruned, and any registry row whose container the
// runtime has lost is reconciled away.
func (r *Reaper) tick() {
	r.reapIdle()
	if err := r.pub.Prune(time.Now(), r.fileTTL); err != nil {
		log.Warn().Err(err).Msg("reaper: file prune failed")
	}
	r.reconcileMissingContainers()
}

// reapIdle deletes every idle sandbox concurrently, one goroutine per
// sandbox fanned out through an errgroup.Group; a failure on one sandbox
// never blocks or cancels the others, but is surfaced via g.Wait() so the
// tick as a whole can be logged as partially failed.
func (r *Reaper) reapIdle() {
	idle, err := r.registry.ListIdle(r.inactivityThreshold)
	if err != nil {
		log.Warn().Err(err).Msg("reaper: list idle sandboxes failed")
		return
	}

	var g errgroup.Group
	for _, sbx := range idle {
		sbx := sbx
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			owner := &identity.User{ID: sbx.UserID}
			if err := r.coordinator.DeleteSandbox(ctx, owner, sbx.ID); err != nil {
				log.Warn().Str("sandbox", sbx.ID).Err(err).Msg("reaper: failed to delete idle sandbox, will retry next tick")
				return err
			}
			log.Info().Str("sandbox", sbx.ID).Msg("reaper: reaped idle sandbox")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("reaper: at least one idle sandbox failed to reap this tick")
	}
}

// reconcileMissingContainers checks, for each registry row, whether the
// Container Driver still knows its container; if not, the row and its
// files are deleted outright rather than waiting for a foreground call to
// discover it. Rows are checked concurrently via an errgroup.Group, since
// each is an independent driver call and db round-trip.
func (r *Reaper) reconcileMissingContainers() {
	all, err := r.registry.ListAll()
	if err != nil {
		log.Warn().Err(err).Msg("reaper: list all sandboxes failed")
		return
	}

	var g errgroup.Group
	for _, sbx := range all {
		sbx := sbx
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			ok, err := r.driver.Exists(ctx, sbx.ContainerID)
			if err != nil {
				log.Warn().Str("sandbox", sbx.ID).Err(err).Msg("reaper: container existence check failed")
				return err
			}
			if ok {
				return nil
			}
			if err := r.registry.Delete(sbx.ID); err != nil {
				log.Warn().Str("sandbox", sbx.ID).Err(err).Msg("reaper: failed to delete orphaned registry row")
				return err
			}
			if err := r.pub.Forget(sbx.ID); err != nil {
				log.Warn().Str("sandbox", sbx.ID).Err(err).Msg("reaper: failed to forget files for orphaned sandbox")
			}
			log.Info().Str("sandbox", sbx.ID).Msg("reaper: removed registry row for sandbox whose container was lost")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("reaper: at least one sandbox failed reconciliation this tick")
	}
}
