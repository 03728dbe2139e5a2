// Package reconciler brings the job table back to the state derived from
// reservations. It runs at startup and on a schedule, and also prunes settled
// rows past their retention.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roombook/internal/clock"
	"roombook/internal/eventbus"
	"roombook/internal/jobs"
	"roombook/internal/model"
	"roombook/internal/storage"
	logx "roombook/pkg/logx"
)

type Config struct {
	// Window limits a run to reservations starting before now+Window. Zero
	// scans every live reservation.
	Window    time.Duration
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

// Report describes one Run.
type Report struct {
	Scanned  int
	Repaired int
	Changes  jobs.Changes
	Orphans  int
	Took     time.Duration
}

type Reconciler struct {
	store    storage.Store
	registry *jobs.Registry
	clock    clock.Clock
	bus      eventbus.Bus
	log      logx.Logger

	mu  sync.Mutex
	cfg Config
	// run serializes Run so a slow pass never overlaps the next trigger.
	run sync.Mutex
}

func New(store storage.Store, reg *jobs.Registry, clk clock.Clock, bus eventbus.Bus, log logx.Logger, cfg Config) *Reconciler {
	if clk == nil {
		clk = clock.System{}
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Reconciler{
		store:    store,
		registry: reg,
		clock:    clk,
		bus:      bus,
		log:      log.With(logx.String("comp", "reconciler")),
		cfg:      cfg.withDefaults(),
	}
}

func (r *Reconciler) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Reconciler) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Run reconciles every live reservation in the window, one transaction per
// reservation, then sweeps orphaned jobs. On a consistent store it writes
// nothing.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	r.run.Lock()
	defer r.run.Unlock()

	cfg := r.config()
	began := r.clock.Now()
	var rep Report

	var horizon time.Time
	if cfg.Window > 0 {
		horizon = began.Add(cfg.Window)
	}
	live, err := r.store.NonTerminal(ctx, horizon)
	if err != nil {
		return rep, fmt.Errorf("list live reservations: %w", err)
	}

	for _, res := range live {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		var ch jobs.Changes
		err := r.store.Update(ctx, func(tx storage.Tx) error {
			ch = jobs.Changes{}
			cur, err := tx.Get(ctx, res.ID)
			if errors.Is(err, model.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			// Terminal since listing; the sweep below handles leftovers.
			if cur.Status.Terminal() {
				return nil
			}
			ch, err = r.registry.Reconcile(ctx, tx, cur, r.clock.Now())
			return err
		})
		if err != nil {
			// One bad row must not block the rest; the next run retries it.
			r.log.Warn("reconcile reservation failed", logx.Int64("reservation_id", res.ID), logx.Err(err))
			continue
		}
		if !ch.Empty() {
			rep.Repaired++
			rep.Changes.Add(ch)
			r.log.Warn("job set diverged, repaired",
				logx.Int64("reservation_id", res.ID),
				logx.Int("inserted", ch.Inserted),
				logx.Int("updated", ch.Updated),
				logx.Int("deleted", ch.Deleted))
		}
	}

	n, err := r.store.SweepOrphanJobs(ctx)
	if err != nil {
		return rep, fmt.Errorf("sweep orphan jobs: %w", err)
	}
	rep.Orphans = n
	if n > 0 {
		r.log.Warn("orphan jobs removed", logx.Int("count", n))
	}

	rep.Took = r.clock.Now().Sub(began)
	r.log.Debug("reconcile done",
		logx.Int("scanned", rep.Scanned),
		logx.Int("repaired", rep.Repaired),
		logx.Int("orphans", rep.Orphans))
	r.bus.Publish(eventbus.Event{Type: eventbus.ReconcileDone, Time: r.clock.Now(), Data: rep})
	return rep, nil
}

// Prune deletes settled jobs and intents older than the retention.
func (r *Reconciler) Prune(ctx context.Context) (storage.PruneResult, error) {
	cutoff := r.clock.Now().Add(-r.config().Retention)
	pr, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		return pr, fmt.Errorf("prune before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if pr.Jobs > 0 || pr.Intents > 0 {
		r.log.Info("pruned settled rows", logx.Int("jobs", pr.Jobs), logx.Int("intents", pr.Intents))
	}
	return pr, nil
}
