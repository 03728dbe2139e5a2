package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roombook/internal/clock"
	"roombook/internal/eventbus"
	"roombook/internal/model"
	rtsup "roombook/internal/runtime/supervisor"
	"roombook/internal/storage"
	logx "roombook/pkg/logx"

	"github.com/google/uuid"
)

// Handler performs the side effect of a fired job inside the job's
// transaction. Returning an error rolls the transaction back and retries the
// job unless the error is Permanent.
type Handler interface {
	Handle(ctx context.Context, tx storage.Tx, res model.Reservation, job model.Job, now time.Time) error
}

type HandlerFunc func(ctx context.Context, tx storage.Tx, res model.Reservation, job model.Job, now time.Time) error

func (f HandlerFunc) Handle(ctx context.Context, tx storage.Tx, res model.Reservation, job model.Job, now time.Time) error {
	return f(ctx, tx, res, job, now)
}

type DispatcherConfig struct {
	Enabled     bool
	Interval    time.Duration
	Batch       int
	Workers     int
	Lease       time.Duration
	MaxAttempts int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Batch <= 0 {
		c.Batch = 32
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Outcome is what happened to one claimed job.
type Outcome string

const (
	OutcomeFired     Outcome = "fired"
	OutcomeDropped   Outcome = "dropped"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
)

// Stats summarises one RunOnce.
type Stats struct {
	Claimed   int
	ByOutcome map[Outcome]int
}

// Dispatcher claims due jobs and runs them through a Handler.
type Dispatcher struct {
	store   storage.Store
	handler Handler
	pol     Policy
	clock   clock.Clock
	bus     eventbus.Bus
	log     logx.Logger
	owner   string

	mu   sync.Mutex
	cfg  DispatcherConfig
	sup  *rtsup.Supervisor
	wake chan struct{}
}

func NewDispatcher(store storage.Store, h Handler, pol Policy, clk clock.Clock, bus eventbus.Bus, log logx.Logger, cfg DispatcherConfig) *Dispatcher {
	if clk == nil {
		clk = clock.System{}
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Dispatcher{
		store:   store,
		handler: h,
		pol:     pol,
		clock:   clk,
		bus:     bus,
		log:     log.With(logx.String("comp", "dispatcher")),
		owner:   uuid.NewString(),
		cfg:     cfg.withDefaults(),
		wake:    make(chan struct{}, 1),
	}
}

// Owner is the lease owner id this dispatcher claims with.
func (d *Dispatcher) Owner() string { return d.owner }

func (d *Dispatcher) config() DispatcherConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Apply updates batch, workers, interval and attempts for the next poll.
func (d *Dispatcher) Apply(cfg DispatcherConfig) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
	d.Wake()
}

// Wake triggers a poll without waiting for the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.sup != nil {
		d.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(d.log))
	d.sup = sup
	d.mu.Unlock()

	sup.GoRestart("dispatcher.poll", d.loop, rtsup.WithPublishFirstError(true))
	d.log.Info("dispatcher started", logx.String("owner", d.owner), logx.Duration("interval", d.config().Interval))
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	d.log.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) loop(ctx context.Context) error {
	for {
		interval := d.config().Interval
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("dispatch poll failed", logx.Err(err))
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-d.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// RunOnce claims one batch of due jobs and processes it with bounded
// concurrency. It returns when every claimed job is settled.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	cfg := d.config()
	stats := Stats{ByOutcome: map[Outcome]int{}}
	now := d.clock.Now()
	claimed, err := d.store.ClaimDueJobs(ctx, d.owner, now, cfg.Lease, cfg.Batch)
	if err != nil {
		return stats, fmt.Errorf("claim due jobs: %w", err)
	}
	stats.Claimed = len(claimed)
	if len(claimed) == 0 {
		return stats, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, cfg.Workers)
	)
	for _, j := range claimed {
		j := j
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			out := d.process(ctx, j, cfg)
			mu.Lock()
			stats.ByOutcome[out]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return stats, nil
}

func (d *Dispatcher) process(ctx context.Context, claimed model.Job, cfg DispatcherConfig) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.settleError(ctx, claimed, cfg, Permanent(fmt.Errorf("handler panic: %v", r)))
			out = OutcomeFailed
		}
	}()

	now := d.clock.Now()
	log := d.log.With(logx.Int64("reservation_id", claimed.ReservationID), logx.String("kind", string(claimed.Kind)))
	err := d.store.Update(ctx, func(tx storage.Tx) error {
		cur, err := tx.Job(ctx, claimed.Key())
		if errors.Is(err, model.ErrNotFound) {
			out = OutcomeSkipped
			return nil
		}
		if err != nil {
			return err
		}
		// Rewritten or re-leased since the claim.
		if cur.Status != model.JobProcessing || cur.LeaseOwner != d.owner || !cur.FireAt.Equal(claimed.FireAt) {
			out = OutcomeSkipped
			return nil
		}

		res, err := tx.Get(ctx, cur.ReservationID)
		if errors.Is(err, model.ErrNotFound) {
			out = OutcomeCancelled
			return tx.MarkJob(ctx, cur.Key(), model.JobCancelled, "reservation missing", now)
		}
		if err != nil {
			return err
		}
		if res.Status.Terminal() {
			out = OutcomeSkipped
			return tx.MarkJob(ctx, cur.Key(), model.JobDone, "reservation "+string(res.Status), now)
		}
		if cur.Kind.DropWhenStale() && d.pol.Stale(cur, now) {
			out = OutcomeDropped
			return tx.MarkJob(ctx, cur.Key(), model.JobDone, "misfire: late by "+now.Sub(cur.FireAt).Round(time.Second).String(), now)
		}

		if err := d.handler.Handle(ctx, tx, res, cur, now); err != nil {
			return err
		}
		out = OutcomeFired
		// The handler may have rewritten or removed this row; MarkJob is a no-op then.
		after, err := tx.Job(ctx, cur.Key())
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !after.FireAt.Equal(cur.FireAt) || after.Status != model.JobProcessing {
			return nil
		}
		return tx.MarkJob(ctx, cur.Key(), model.JobDone, "", now)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Lease expiry hands the job to the next poll.
			return OutcomeRetry
		}
		return d.settleError(ctx, claimed, cfg, err)
	}

	switch out {
	case OutcomeFired:
		log.Debug("job fired")
		d.publish(eventbus.JobFired, claimed)
	case OutcomeDropped:
		log.Info("stale job dropped", logx.Time("fire_at", claimed.FireAt))
		d.publish(eventbus.JobDropped, claimed)
	}
	return out
}

func (d *Dispatcher) settleError(ctx context.Context, j model.Job, cfg DispatcherConfig, err error) Outcome {
	status, out := model.JobPending, OutcomeRetry
	exhausted := j.Attempts >= cfg.MaxAttempts
	// Status transitions keep retrying transient errors past the limit.
	if IsPermanent(err) || (exhausted && !j.Kind.Transition()) {
		status, out = model.JobFailed, OutcomeFailed
	}
	if merr := d.store.MarkJob(ctx, j.Key(), d.owner, status, err.Error(), d.clock.Now()); merr != nil {
		d.log.Warn("mark job failed", logx.String("job", j.Key().String()), logx.Err(merr))
	}
	fields := []logx.Field{
		logx.Int64("reservation_id", j.ReservationID),
		logx.String("kind", string(j.Kind)),
		logx.Int("attempts", j.Attempts),
		logx.Err(err),
	}
	switch {
	case out == OutcomeFailed:
		d.log.Error("job failed", fields...)
		d.publish(eventbus.JobFailed, j)
	case exhausted:
		d.log.Error("job keeps failing, will retry", fields...)
	default:
		d.log.Warn("job will retry", fields...)
	}
	return out
}

func (d *Dispatcher) publish(typ string, j model.Job) {
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.clock.Now(), Data: j.Key()})
}
