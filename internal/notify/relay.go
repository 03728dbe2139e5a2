package notify

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

	"golang.org/x/time/rate"
)

var ErrNoSink = errors.New("notify: no sink configured")

// Config controls outbox delivery.
type Config struct {
	Enabled      bool
	PollInterval time.Duration
	Batch        int
	RatePerSec   int
	// RetryMax is the number of immediate resends within one pass.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// GiveUpAfter is the number of failed passes after which a row is
	// marked failed and no longer retried.
	GiveUpAfter int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Batch <= 0 {
		c.Batch = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.GiveUpAfter <= 0 {
		c.GiveUpAfter = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// FlushStats summarises one Flush.
type FlushStats struct {
	Delivered int
	Retrying  int
	Failed    int
}

// Relay moves intents from the outbox to a Sink. It is safe for concurrent use;
// Flush calls are serialized so a row is never sent twice in parallel.
type Relay struct {
	store storage.Store
	bus   eventbus.Bus
	clock clock.Clock
	log   logx.Logger

	mu      sync.Mutex
	sink    Sink
	cfg     Config
	limiter *rate.Limiter
	sup     *rtsup.Supervisor
	wake    chan struct{}

	flushMu sync.Mutex
}

func NewRelay(store storage.Store, sink Sink, bus eventbus.Bus, clk clock.Clock, log logx.Logger, cfg Config) *Relay {
	if clk == nil {
		clk = clock.System{}
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	r := &Relay{
		store: store,
		sink:  sink,
		bus:   bus,
		clock: clk,
		log:   log.With(logx.String("comp", "relay")),
		wake:  make(chan struct{}, 1),
	}
	r.applyLocked(cfg)
	return r
}

func (r *Relay) Apply(cfg Config) {
	r.mu.Lock()
	r.applyLocked(cfg)
	r.mu.Unlock()
	r.Wake()
}

func (r *Relay) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	r.cfg = cfg
	// Burst = rate so a short spike after an outage does not crawl.
	r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetSink swaps the delivery target, e.g. once the chat front end connects.
func (r *Relay) SetSink(s Sink) {
	r.mu.Lock()
	r.sink = s
	r.mu.Unlock()
	r.Wake()
}

func (r *Relay) snapshot() (Config, *rate.Limiter, Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.limiter, r.sink
}

func (r *Relay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start runs the poll loop. Fired jobs wake it early.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.sup != nil || !r.cfg.Enabled {
		r.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.sup = sup
	r.mu.Unlock()

	events, unsub := r.bus.Subscribe(16)
	sup.Go0("relay.wake", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type == eventbus.JobFired {
					r.Wake()
				}
			}
		}
	})
	sup.GoRestart("relay.poll", r.loop, rtsup.WithPublishFirstError(true))
	r.log.Info("relay started")
}

func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	r.log.Info("relay stopped")
	return err
}

func (r *Relay) loop(ctx context.Context) error {
	for {
		cfg, _, _ := r.snapshot()
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrNoSink) {
			r.log.Warn("intent flush failed", logx.Err(err))
		}
		t := time.NewTimer(cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-r.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// Flush delivers one batch of pending intents in outbox order.
func (r *Relay) Flush(ctx context.Context) (FlushStats, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	var st FlushStats
	cfg, lim, sink := r.snapshot()
	if sink == nil {
		return st, ErrNoSink
	}
	pending, err := r.store.PendingIntents(ctx, cfg.Batch)
	if err != nil {
		return st, fmt.Errorf("load pending intents: %w", err)
	}
	for _, in := range pending {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		sendErr := r.send(ctx, cfg, lim, sink, in)
		if sendErr == nil {
			if err := r.store.MarkIntentDelivered(ctx, in.ID, r.clock.Now()); err != nil {
				return st, fmt.Errorf("mark intent %d delivered: %w", in.ID, err)
			}
			st.Delivered++
			r.bus.Publish(eventbus.Event{Type: eventbus.IntentDelivered, Time: r.clock.Now(), Data: in})
			continue
		}
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		giveUp := in.Attempts+1 >= cfg.GiveUpAfter
		if err := r.store.MarkIntentFailed(ctx, in.ID, sendErr.Error(), giveUp); err != nil {
			return st, fmt.Errorf("mark intent %d failed: %w", in.ID, err)
		}
		fields := []logx.Field{
			logx.Int64("intent_id", in.ID),
			logx.String("kind", string(in.Kind)),
			logx.Int64("reservation_id", in.ReservationID),
			logx.Int("attempts", in.Attempts+1),
			logx.Err(sendErr),
		}
		if giveUp {
			st.Failed++
			r.log.Error("intent delivery gave up", fields...)
			r.bus.Publish(eventbus.Event{Type: eventbus.IntentFailed, Time: r.clock.Now(), Data: in})
		} else {
			st.Retrying++
			r.log.Warn("intent delivery failed", fields...)
		}
	}
	return st, nil
}

func (r *Relay) send(ctx context.Context, cfg Config, lim *rate.Limiter, sink Sink, in model.Intent) error {
	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		lastErr = Deliver(callCtx, sink, in)
		cancel()
		if lastErr == nil {
			return nil
		}
		r.log.Debug("intent send failed", logx.Int64("intent_id", in.ID), logx.Int("attempt", attempt), logx.Err(lastErr))
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(rtsup.RetryDelay(cfg.RetryBase, cfg.RetryMaxDelay, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}
