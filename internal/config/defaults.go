package config

import (
	"fmt"
	"slices"
	"strings"

	logx "roombook/pkg/logx"
)

// Default is a runnable single-node configuration: sqlite on disk, the
// dispatcher and relay on, front ends off.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "INFO",
			Console: true,
			Alert:   LoggingAlert{MinLevel: "ERROR", RatePerSec: 1},
		},
		Calendar: CalendarConfig{
			Timezone:    "Europe/Moscow",
			WorkStart:   "09:00",
			WorkEnd:     "18:00",
			Step:        "30m",
			MaxDuration: "8h",
		},
		Lifecycle: LifecycleConfig{
			LeadStart:       "10m",
			LeadEnd:         "10m",
			ConfirmGrace:    "9m",
			MisfireGrace:    "5m",
			ExtendPromptTTL: "5m",
		},
		Engine: EngineConfig{
			OpTimeout:     "30s",
			RetryMax:      3,
			RetryBase:     "50ms",
			RetryMaxDelay: "1s",
		},
		Dispatcher: DispatcherConfig{
			Enabled:     true,
			Interval:    "10s",
			Batch:       32,
			Workers:     4,
			Lease:       "1m",
			MaxAttempts: 5,
		},
		Reconciler: ReconcilerConfig{
			Schedule:      "@every 5m",
			PruneSchedule: "0 30 3 * * *",
			Retention:     "720h",
		},
		Notifier: NotifierConfig{
			Enabled:       true,
			PollInterval:  "5s",
			Batch:         64,
			RatePerSec:    20,
			RetryBase:     "500ms",
			RetryMaxDelay: "10s",
			GiveUpAfter:   10,
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "./roombook.db", BusyTimeout: "5s"},
		Telegram: TelegramConfig{
			PollTimeout: "10s",
		},
		HTTP: HTTPConfig{
			Addr:         "127.0.0.1:8080",
			ReadTimeout:  "10s",
			WriteTimeout: "30s",
		},
	}
}

// Validate checks the structural rules that do not need the runtime packages.
// Value parsing (zones, times of day, schedules) happens when the config is
// mapped into services.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: unknown level %q", lvl)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when file logging is enabled")
	}
	if c.Logging.Alert.Enabled && c.Telegram.LogChatID == 0 {
		return fmt.Errorf("logging.alert requires telegram.log_chat_id")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for sqlite")
		}
	case "postgres", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}
	if c.HTTP.Enabled {
		if strings.TrimSpace(c.HTTP.Addr) == "" {
			return fmt.Errorf("http.addr is required when http is enabled")
		}
		if len(c.HTTP.JWTSecret) < 16 {
			return fmt.Errorf("http.jwt_secret must be at least 16 bytes")
		}
	}

	if c.Dispatcher.Batch < 0 || c.Dispatcher.Workers < 0 || c.Dispatcher.MaxAttempts < 0 {
		return fmt.Errorf("dispatcher: batch, workers and max_attempts must be >= 0")
	}
	if c.Notifier.Batch < 0 || c.Notifier.RatePerSec < 0 || c.Notifier.GiveUpAfter < 0 || c.Notifier.RetryMax < 0 {
		return fmt.Errorf("notifier: counts must be >= 0")
	}
	if c.Engine.RetryMax < 0 {
		return fmt.Errorf("engine.retry_max must be >= 0")
	}

	ids := make([]int64, 0, len(c.Resources))
	for i, r := range c.Resources {
		if r.ID <= 0 {
			return fmt.Errorf("resources[%d]: id must be > 0", i)
		}
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("resources[%d]: name is required", i)
		}
		if slices.Contains(ids, r.ID) {
			return fmt.Errorf("resources[%d]: duplicate id %d", i, r.ID)
		}
		ids = append(ids, r.ID)
	}
	return nil
}

// IsAdmin reports whether uid is listed under admins.
func (c *Config) IsAdmin(uid int64) bool {
	return c != nil && slices.Contains(c.Admins, uid)
}
