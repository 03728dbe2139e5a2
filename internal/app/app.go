// Package app wires the booking core, its background services and the front
// ends into one process, and applies config reloads to them.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"roombook/internal/booking"
	"roombook/internal/calendar"
	"roombook/internal/catalog"
	"roombook/internal/clock"
	"roombook/internal/config"
	"roombook/internal/eventbus"
	"roombook/internal/jobs"
	"roombook/internal/notify"
	"roombook/internal/reconciler"
	rtsup "roombook/internal/runtime/supervisor"
	"roombook/internal/scheduler"
	"roombook/internal/storage"
	"roombook/internal/transport/httpapi"
	"roombook/internal/transport/telegram"
	logx "roombook/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

const (
	scheduleReconcile = "reconcile"
	schedulePrune     = "prune"

	// Upper bound for one scheduled reconcile or prune pass.
	maintenanceTimeout = 2 * time.Minute
)

type Option func(*options)

type options struct {
	clock   clock.Clock
	offline bool
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// Offline builds the core without the HTTP API or the Telegram bot, for
// one-shot maintenance commands.
func Offline() Option { return func(o *options) { o.offline = true } }

type App struct {
	cfgm  *config.ConfigManager
	logs  *logx.Service
	log   logx.Logger
	clock clock.Clock
	bus   eventbus.Bus

	store      storage.Store
	catalog    *catalog.Static
	engine     *booking.Engine
	dispatcher *jobs.Dispatcher
	relay      *notify.Relay
	recon      *reconciler.Reconciler
	sched      *scheduler.Service
	http       *httpapi.Server
	bot        *telegram.Bot

	admins atomic.Pointer[[]int64]

	// initial holds the settings the process started with; restart-only
	// sections keep these values until the next start.
	initial       settings
	dispatchOn    bool
	notifierOn    bool
	applied       *config.Config
	sup           *rtsup.Supervisor
	stopOnce      sync.Once
	watchdogEvery time.Duration
}

// New loads the config at path and builds every service without starting
// any goroutines. Migrations run when the store is opened.
func New(path string, opts ...Option) (*App, error) {
	o := options{clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := set.validate(); err != nil {
		return nil, err
	}
	if o.offline {
		set.HTTPEnabled, set.TelegramEnabled = false, false
		set.Logging.Alert.Enabled = false
	}

	logs, log := logx.New(set.Logging, nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:       cfgm,
		logs:       logs,
		log:        log.With(logx.String("comp", "app")),
		clock:      o.clock,
		bus:        eventbus.New(),
		initial:    set,
		dispatchOn: set.Dispatcher.Enabled,
		notifierOn: set.Notifier.Enabled,
		applied:    cfg,
	}
	a.setAdmins(cfg.Admins)

	if err := a.build(set, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(set settings, log logx.Logger) error {
	cal, err := calendar.New(set.Calendar)
	if err != nil {
		return err
	}
	if a.catalog, err = catalog.NewStatic(set.Resources); err != nil {
		return err
	}
	if a.store, err = storage.Open(set.Storage, log); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	reg := jobs.NewRegistry(set.Policy)
	a.engine, err = booking.New(booking.Deps{
		Store:    a.store,
		Registry: reg,
		Calendar: cal,
		Catalog:  a.catalog,
		Clock:    a.clock,
		Bus:      a.bus,
		Log:      log,
	}, set.Engine)
	if err != nil {
		return err
	}

	translator := notify.NewTranslator(a.engine, reg, a.catalog, log)
	a.dispatcher = jobs.NewDispatcher(a.store, translator, set.Policy, a.clock, a.bus, log, set.Dispatcher)

	var sink notify.Sink = notify.LogSink{Log: log.With(logx.String("comp", "intents"))}
	if set.TelegramEnabled {
		a.bot, err = telegram.New(set.Telegram, telegram.Deps{
			Engine:  a.engine,
			Catalog: a.catalog,
			Clock:   a.clock,
			IsAdmin: a.isAdmin,
			Log:     log,
		})
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		sink = a.bot
		a.logs.SetSender(a.bot)
	}
	a.relay = notify.NewRelay(a.store, sink, a.bus, a.clock, log, set.Notifier)
	a.recon = reconciler.New(a.store, reg, a.clock, a.bus, log, set.Reconciler)
	a.sched = scheduler.New(cal.Location(), log)

	if set.HTTPEnabled {
		a.http, err = httpapi.New(httpapi.Deps{
			Engine:  a.engine,
			Catalog: a.catalog,
			Clock:   a.clock,
			IsAdmin: a.isAdmin,
			Health:  func() any { return a.sup.Snapshot() },
			Log:     log,
		}, set.HTTP)
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}
	return nil
}

func (a *App) Engine() *booking.Engine            { return a.engine }
func (a *App) Reconciler() *reconciler.Reconciler { return a.recon }
func (a *App) Config() *config.Config             { return a.cfgm.Get() }

func (a *App) isAdmin(uid int64) bool {
	ids := a.admins.Load()
	return ids != nil && slices.Contains(*ids, uid)
}

func (a *App) setAdmins(ids []int64) {
	cp := slices.Clone(ids)
	a.admins.Store(&cp)
}

// Close releases the store and log outputs of an App that was never started.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// Start reconciles the job table once, then starts the background services
// and front ends. A failed startup reconcile aborts the start.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return fmt.Errorf("app already started")
	}
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	c := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		s, err := mapConfig(cfg)
		if err != nil {
			return err
		}
		return s.validate()
	})

	rep, err := a.recon.Run(c)
	if err != nil {
		a.sup.Cancel()
		return fmt.Errorf("startup reconcile: %w", err)
	}
	a.log.Info("startup reconcile done",
		logx.Int("scanned", rep.Scanned),
		logx.Int("repaired", rep.Repaired),
		logx.Int("orphans", rep.Orphans),
	)

	if a.dispatchOn {
		a.dispatcher.Start(c)
	} else {
		a.log.Warn("dispatcher disabled; lifecycle jobs will not fire in this process")
	}
	a.relay.Start(c)

	if err := a.registerSchedules(a.initial); err != nil {
		a.sup.Cancel()
		return err
	}
	a.sched.Start(c)

	if a.bot != nil {
		a.bot.Start(c)
	}
	if a.http != nil {
		a.sup.GoRestart("http.serve", a.http.Run,
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		ch, unsub := a.bus.Subscribe(64)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	})

	updates := a.cfgm.Subscribe(1)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-updates:
				if !ok {
					return
				}
				// coalesce bursts; only the newest config matters
				for drained := false; !drained; {
					select {
					case next, ok := <-updates:
						if !ok {
							return
						}
						newCfg = next
					default:
						drained = true
					}
				}
				a.applyConfig(newCfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.notifySystemd(c)
	a.log.Info("app started")
	return nil
}

func (a *App) registerSchedules(s settings) error {
	if err := a.sched.Add(scheduleReconcile, s.ReconcileSchedule, maintenanceTimeout, func(ctx context.Context) error {
		_, err := a.recon.Run(ctx)
		return err
	}); err != nil {
		return err
	}
	return a.sched.Add(schedulePrune, s.PruneSchedule, maintenanceTimeout, func(ctx context.Context) error {
		_, err := a.recon.Prune(ctx)
		return err
	})
}

// applyConfig applies the live sections of a reloaded config. Restart-only
// sections are reported and otherwise ignored.
func (a *App) applyConfig(newCfg *config.Config) {
	ch := config.Diff(a.applied, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	s, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	a.applied = newCfg
	changed := func(section string) bool { return slices.Contains(ch.Sections, section) }

	if changed("logging") {
		a.logs.Apply(s.Logging)
	}
	if changed("admins") {
		a.setAdmins(newCfg.Admins)
	}
	if changed("resources") {
		if err := a.catalog.Replace(s.Resources); err != nil {
			a.log.Warn("resources not applied", logx.Err(err))
		}
	}
	if changed("notifier") {
		a.relay.Apply(s.Notifier)
		switch {
		case a.notifierOn && !s.Notifier.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = a.relay.Stop(stopCtx)
			cancel()
		case !a.notifierOn && s.Notifier.Enabled && a.sup != nil:
			a.log.Info("notifier enabled via config")
			a.relay.Start(a.sup.Context())
		}
		a.notifierOn = s.Notifier.Enabled
	}
	if changed("reconciler") {
		a.recon.Apply(s.Reconciler)
		if err := a.registerSchedules(s); err != nil {
			a.log.Warn("reconciler schedules not applied", logx.Err(err))
		}
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("restart required for some changes", logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}

// notifySystemd reports readiness and, when the unit asks for it, pings the
// watchdog at half its interval. Outside systemd both calls are no-ops.
func (a *App) notifySystemd(ctx context.Context) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	a.watchdogEvery = every / 2
	a.sup.GoRestart("systemd.watchdog", func(c context.Context) error {
		t := time.NewTicker(a.watchdogEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					return fmt.Errorf("watchdog ping: %w", err)
				}
			}
		}
	})
	a.log.Info("systemd watchdog enabled", logx.Duration("ping_every", a.watchdogEvery))
}

// Err reports the first error of a supervised goroutine.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop shuts components down front to back, each step bounded so one stuck
// component cannot stall the rest. It is safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			return a.http.Shutdown(c)
		}
		return nil
	})
	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.bot != nil {
			return a.bot.Stop(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("dispatcher", 3*time.Second, a.dispatcher.Stop)
	step("relay", 2*time.Second, a.relay.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
}
