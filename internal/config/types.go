package config

// Config is the on-disk shape of bookingd.yaml (or .json).
//
// All durations are Go duration strings ("500ms", "10s", "5m"). Times of day
// are "HH:MM"; calendar.work_end may be "24:00".
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Calendar   CalendarConfig   `json:"calendar"`
	Lifecycle  LifecycleConfig  `json:"lifecycle"`
	Engine     EngineConfig     `json:"engine"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Notifier   NotifierConfig   `json:"notifier"`
	Storage    StorageConfig    `json:"storage"`
	Telegram   TelegramConfig   `json:"telegram"`
	HTTP       HTTPConfig       `json:"http"`
	Resources  []ResourceConfig `json:"resources"`
	Admins     []int64          `json:"admins,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards records at or above MinLevel to telegram.log_chat_id.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// CalendarConfig is loaded once at start; changing it requires a restart.
type CalendarConfig struct {
	Timezone    string `json:"timezone"`
	WorkStart   string `json:"work_start"`
	WorkEnd     string `json:"work_end"`
	Step        string `json:"step"`
	MaxDuration string `json:"max_duration"`
}

type LifecycleConfig struct {
	LeadStart       string `json:"lead_start"`
	LeadEnd         string `json:"lead_end"`
	ConfirmGrace    string `json:"confirm_grace"`
	MisfireGrace    string `json:"misfire_grace"`
	ExtendPromptTTL string `json:"extend_prompt_ttl"`
}

type EngineConfig struct {
	OpTimeout     string `json:"op_timeout"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

type DispatcherConfig struct {
	Enabled     bool   `json:"enabled"`
	Interval    string `json:"interval"`
	Batch       int    `json:"batch"`
	Workers     int    `json:"workers"`
	Lease       string `json:"lease"`
	MaxAttempts int    `json:"max_attempts"`
}

// ReconcilerConfig drives the periodic repair pass and retention pruning.
// Schedules accept cron ("*/5 * * * *"), "@every 5m" or a bare duration.
type ReconcilerConfig struct {
	Schedule      string `json:"schedule"`
	Window        string `json:"window,omitempty"`
	PruneSchedule string `json:"prune_schedule"`
	Retention     string `json:"retention"`
}

type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	PollInterval  string `json:"poll_interval"`
	Batch         int    `json:"batch"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	GiveUpAfter   int    `json:"give_up_after"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	storage: { driver: sqlite, path: ./roombook.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
	LogChatID   int64  `json:"log_chat_id,omitempty"`
}

// HTTPConfig controls the JSON API. Prefer binding to localhost unless a
// reverse proxy terminates TLS in front of it.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr"`
	JWTSecret    string `json:"jwt_secret"` // do not log
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
}

type ResourceConfig struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Note   string `json:"note,omitempty"`
	Active *bool  `json:"active,omitempty"` // omitted means active
}

func (r ResourceConfig) IsActive() bool { return r.Active == nil || *r.Active }
