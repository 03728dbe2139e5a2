// Package booking is the reservation lifecycle engine. Every mutation runs in
// one store transaction together with the job rows it implies.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roombook/internal/calendar"
	"roombook/internal/catalog"
	"roombook/internal/clock"
	"roombook/internal/eventbus"
	"roombook/internal/jobs"
	"roombook/internal/model"
	rtsup "roombook/internal/runtime/supervisor"
	"roombook/internal/storage"
	logx "roombook/pkg/logx"
)

type Config struct {
	// OpTimeout bounds each public operation including retries.
	OpTimeout     time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.OpTimeout <= 0 {
		c.OpTimeout = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 50 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Second
	}
	return c
}

type Deps struct {
	Store    storage.Store
	Registry *jobs.Registry
	Calendar *calendar.Calendar
	Catalog  catalog.Catalog
	Clock    clock.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
}

// Engine holds no locks of its own; atomicity comes from store transactions.
type Engine struct {
	store    storage.Store
	registry *jobs.Registry
	cal      *calendar.Calendar
	catalog  catalog.Catalog
	clock    clock.Clock
	bus      eventbus.Bus
	log      logx.Logger
	cfg      Config
}

func New(d Deps, cfg Config) (*Engine, error) {
	if d.Store == nil || d.Registry == nil || d.Calendar == nil || d.Catalog == nil {
		return nil, errors.New("booking: store, registry, calendar and catalog are required")
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	return &Engine{
		store:    d.Store,
		registry: d.Registry,
		cal:      d.Calendar,
		catalog:  d.Catalog,
		clock:    d.Clock,
		bus:      d.Bus,
		log:      d.Log.With(logx.String("comp", "booking")),
		cfg:      cfg.withDefaults(),
	}, nil
}

func (e *Engine) Calendar() *calendar.Calendar { return e.cal }

// Step is the extension increment offered to owners.
func (e *Engine) Step() time.Duration { return e.cal.Step() }

// update runs fn in a write transaction, retrying ErrUnavailable with
// jittered backoff. fn may run more than once and must not publish.
func (e *Engine) update(ctx context.Context, op string, fn func(ctx context.Context, tx storage.Tx, now time.Time) error) error {
	return e.withRetry(ctx, op, func(ctx context.Context) error {
		now := e.clock.Now()
		return e.store.Update(ctx, func(tx storage.Tx) error { return fn(ctx, tx, now) })
	})
}

func (e *Engine) view(ctx context.Context, op string, fn func(ctx context.Context, tx storage.Tx, now time.Time) error) error {
	return e.withRetry(ctx, op, func(ctx context.Context) error {
		now := e.clock.Now()
		return e.store.View(ctx, func(tx storage.Tx) error { return fn(ctx, tx, now) })
	})
}

func (e *Engine) withRetry(ctx context.Context, op string, run func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()

	var err error
	for attempt := 1; ; attempt++ {
		err = run(ctx)
		if err == nil || !errors.Is(err, model.ErrUnavailable) || attempt >= e.cfg.RetryMax {
			break
		}
		wait := rtsup.RetryDelay(e.cfg.RetryBase, e.cfg.RetryMaxDelay, attempt)
		e.log.Debug("store busy, retrying", logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-t.C:
		}
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return err
}

func (e *Engine) publish(typ string, r model.Reservation) {
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.clock.Now(), Data: e.viewOf(r)})
}

// reconcile rewrites r's jobs after a status or interval change.
func (e *Engine) reconcile(ctx context.Context, tx storage.Tx, r model.Reservation, now time.Time) error {
	if _, err := e.registry.Reconcile(ctx, tx, r, now); err != nil {
		return fmt.Errorf("reconcile jobs of %d: %w", r.ID, err)
	}
	return nil
}

func denied(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrPermissionDenied, fmt.Sprintf(format, args...))
}

func gone(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrGone, fmt.Sprintf(format, args...))
}
