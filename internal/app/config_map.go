package app

import (
	"fmt"
	"strings"
	"time"

	"roombook/internal/booking"
	"roombook/internal/calendar"
	"roombook/internal/catalog"
	"roombook/internal/config"
	"roombook/internal/jobs"
	"roombook/internal/model"
	"roombook/internal/notify"
	"roombook/internal/reconciler"
	"roombook/internal/scheduler"
	"roombook/internal/storage"
	"roombook/internal/transport/httpapi"
	"roombook/internal/transport/telegram"
	logx "roombook/pkg/logx"
)

// settings is a config file resolved into the runtime types of each service.
type settings struct {
	Calendar   calendar.Config
	Policy     jobs.Policy
	Engine     booking.Config
	Dispatcher jobs.DispatcherConfig
	Notifier   notify.Config
	Reconciler reconciler.Config
	// Cron-style triggers for the repair pass and retention pruning.
	ReconcileSchedule string
	PruneSchedule     string
	Storage           storage.Config
	Logging           logx.Config
	Resources         []model.Resource

	HTTPEnabled     bool
	HTTP            httpapi.Config
	TelegramEnabled bool
	Telegram        telegram.Config
}

func mapConfig(cfg *config.Config) (settings, error) {
	var s settings
	if cfg == nil {
		return s, fmt.Errorf("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return s, err
	}
	var err error
	if s.Calendar, err = mapCalendar(cfg.Calendar); err != nil {
		return s, err
	}
	if s.Policy, err = mapPolicy(cfg.Lifecycle); err != nil {
		return s, err
	}
	if s.Engine, err = mapEngine(cfg.Engine); err != nil {
		return s, err
	}
	if s.Dispatcher, err = mapDispatcher(cfg.Dispatcher); err != nil {
		return s, err
	}
	if s.Notifier, err = mapNotifier(cfg.Notifier); err != nil {
		return s, err
	}
	if s.Reconciler, s.ReconcileSchedule, s.PruneSchedule, err = mapReconciler(cfg.Reconciler); err != nil {
		return s, err
	}
	if s.Storage, err = mapStorage(cfg.Storage); err != nil {
		return s, err
	}
	s.Logging = mapLogging(cfg.Logging)
	s.Resources = mapResources(cfg.Resources)

	s.HTTPEnabled = cfg.HTTP.Enabled
	if s.HTTP, err = mapHTTP(cfg.HTTP); err != nil {
		return s, err
	}
	s.TelegramEnabled = cfg.Telegram.Enabled
	if s.Telegram, err = mapTelegram(cfg.Telegram); err != nil {
		return s, err
	}
	return s, nil
}

// validate runs everything a service constructor would reject, without
// building the services.
func (s settings) validate() error {
	if _, err := calendar.New(s.Calendar); err != nil {
		return err
	}
	if err := s.Policy.Validate(); err != nil {
		return err
	}
	if _, err := catalog.NewStatic(s.Resources); err != nil {
		return err
	}
	if err := scheduler.Validate(s.ReconcileSchedule); err != nil {
		return fmt.Errorf("reconciler.schedule: %w", err)
	}
	if err := scheduler.Validate(s.PruneSchedule); err != nil {
		return fmt.Errorf("reconciler.prune_schedule: %w", err)
	}
	return nil
}

func mapCalendar(c config.CalendarConfig) (calendar.Config, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return calendar.Config{}, fmt.Errorf("calendar.timezone: %w", err)
	}
	ws, err := calendar.ParseTimeOfDay(c.WorkStart)
	if err != nil {
		return calendar.Config{}, fmt.Errorf("calendar.work_start: %w", err)
	}
	we, err := calendar.ParseTimeOfDay(c.WorkEnd)
	if err != nil {
		return calendar.Config{}, fmt.Errorf("calendar.work_end: %w", err)
	}
	step, err := config.ParsePositiveDuration("calendar.step", c.Step)
	if err != nil {
		return calendar.Config{}, err
	}
	maxD, err := config.ParsePositiveDuration("calendar.max_duration", c.MaxDuration)
	if err != nil {
		return calendar.Config{}, err
	}
	return calendar.Config{Location: loc, WorkStart: ws, WorkEnd: we, Step: step, MaxDuration: maxD}, nil
}

func mapPolicy(c config.LifecycleConfig) (jobs.Policy, error) {
	def := jobs.DefaultPolicy()
	var p jobs.Policy
	var err error
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"lifecycle.lead_start", c.LeadStart, def.LeadStart, &p.LeadStart},
		{"lifecycle.lead_end", c.LeadEnd, def.LeadEnd, &p.LeadEnd},
		{"lifecycle.confirm_grace", c.ConfirmGrace, def.ConfirmGrace, &p.ConfirmGrace},
		{"lifecycle.misfire_grace", c.MisfireGrace, def.MisfireGrace, &p.MisfireGrace},
		{"lifecycle.extend_prompt_ttl", c.ExtendPromptTTL, def.ExtendPromptTTL, &p.ExtendPromptTTL},
	}
	// An explicit "0s" is kept: a zero lead fires at the boundary itself.
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			*f.dst = f.def
			continue
		}
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return jobs.Policy{}, err
		}
	}
	return p, nil
}

func mapEngine(c config.EngineConfig) (booking.Config, error) {
	op, err := config.ParseDurationField("engine.op_timeout", c.OpTimeout)
	if err != nil {
		return booking.Config{}, err
	}
	base, err := config.ParseDurationField("engine.retry_base", c.RetryBase)
	if err != nil {
		return booking.Config{}, err
	}
	maxD, err := config.ParseDurationField("engine.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return booking.Config{}, err
	}
	return booking.Config{OpTimeout: op, RetryMax: c.RetryMax, RetryBase: base, RetryMaxDelay: maxD}, nil
}

func mapDispatcher(c config.DispatcherConfig) (jobs.DispatcherConfig, error) {
	iv, err := config.ParseDurationField("dispatcher.interval", c.Interval)
	if err != nil {
		return jobs.DispatcherConfig{}, err
	}
	lease, err := config.ParseDurationField("dispatcher.lease", c.Lease)
	if err != nil {
		return jobs.DispatcherConfig{}, err
	}
	return jobs.DispatcherConfig{
		Enabled:     c.Enabled,
		Interval:    iv,
		Batch:       c.Batch,
		Workers:     c.Workers,
		Lease:       lease,
		MaxAttempts: c.MaxAttempts,
	}, nil
}

func mapNotifier(c config.NotifierConfig) (notify.Config, error) {
	poll, err := config.ParseDurationField("notifier.poll_interval", c.PollInterval)
	if err != nil {
		return notify.Config{}, err
	}
	base, err := config.ParseDurationField("notifier.retry_base", c.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	maxD, err := config.ParseDurationField("notifier.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:       c.Enabled,
		PollInterval:  poll,
		Batch:         c.Batch,
		RatePerSec:    c.RatePerSec,
		RetryMax:      c.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxD,
		GiveUpAfter:   c.GiveUpAfter,
	}, nil
}

func mapReconciler(c config.ReconcilerConfig) (reconciler.Config, string, string, error) {
	window, err := config.ParseDurationField("reconciler.window", c.Window)
	if err != nil {
		return reconciler.Config{}, "", "", err
	}
	retention, err := config.ParseDurationField("reconciler.retention", c.Retention)
	if err != nil {
		return reconciler.Config{}, "", "", err
	}
	sched := strings.TrimSpace(c.Schedule)
	if sched == "" {
		sched = "@every 5m"
	}
	prune := strings.TrimSpace(c.PruneSchedule)
	if prune == "" {
		prune = "0 30 3 * * *"
	}
	return reconciler.Config{Window: window, Retention: retention}, sched, prune, nil
}

func mapStorage(c config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "pg" {
		driver = "postgres"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(c.Path),
		DSN:         strings.TrimSpace(c.DSN),
		BusyTimeout: busy,
		MaxConns:    c.MaxConns,
	}, nil
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    c.Alert.Enabled,
			MinLevel:   c.Alert.MinLevel,
			RatePerSec: c.Alert.RatePerSec,
		},
	}
}

func mapResources(in []config.ResourceConfig) []model.Resource {
	out := make([]model.Resource, 0, len(in))
	for _, r := range in {
		out = append(out, model.Resource{
			ID:     r.ID,
			Name:   strings.TrimSpace(r.Name),
			Note:   r.Note,
			Active: r.IsActive(),
		})
	}
	return out
}

func mapHTTP(c config.HTTPConfig) (httpapi.Config, error) {
	rt, err := config.ParseDurationField("http.read_timeout", c.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", c.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{Addr: c.Addr, JWTSecret: c.JWTSecret, ReadTimeout: rt, WriteTimeout: wt}, nil
}

func mapTelegram(c config.TelegramConfig) (telegram.Config, error) {
	pt, err := config.ParseDurationField("telegram.poll_timeout", c.PollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: c.Token, PollTimeout: pt, LogChatID: c.LogChatID}, nil
}
