package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: DEBUG
calendar:
  timezone: UTC
  work_end: "24:00"
storage:
  driver: memory
resources:
  - {id: 1, name: "Room A"}
  - {id: 2, name: "Room B", active: false}
admins: [7]
`

func TestDecodeYAMLOverDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("bookingd.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v, want DEBUG with console default kept", cfg.Logging)
	}
	if cfg.Calendar.WorkStart != "09:00" || cfg.Calendar.WorkEnd != "24:00" || cfg.Calendar.Timezone != "UTC" {
		t.Fatalf("calendar = %+v", cfg.Calendar)
	}
	if !cfg.Dispatcher.Enabled || cfg.Reconciler.Schedule != "@every 5m" {
		t.Fatalf("defaults lost: dispatcher=%+v reconciler=%+v", cfg.Dispatcher, cfg.Reconciler)
	}
	if len(cfg.Resources) != 2 || !cfg.Resources[0].IsActive() || cfg.Resources[1].IsActive() {
		t.Fatalf("resources = %+v", cfg.Resources)
	}
	if !cfg.IsAdmin(7) || cfg.IsAdmin(8) {
		t.Fatalf("IsAdmin mismatch for %v", cfg.Admins)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
		want string
	}{
		{"unknown key", "c.yaml", "storage: {driver: memory}\nbogus: 1\n", "bogus"},
		{"trailing json", "c.json", `{"storage":{"driver":"memory"}} {}`, "trailing"},
		{"bad driver", "c.yaml", "storage: {driver: mongo}\n", "storage.driver"},
		{"postgres without dsn", "c.yaml", "storage: {driver: postgres}\n", "dsn"},
		{"duplicate resource", "c.yaml", "resources: [{id: 1, name: a}, {id: 1, name: b}]\n", "duplicate"},
		{"short jwt secret", "c.yaml", "http: {enabled: true, jwt_secret: abc}\n", "jwt_secret"},
		{"telegram without token", "c.yaml", "telegram: {enabled: true}\n", "telegram.token"},
		{"bad level", "c.yaml", "logging: {level: LOUD}\n", "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Decode error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("ParseDurationOrDefault = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if _, err := ParsePositiveDuration("x", "0s"); err == nil {
		t.Fatal("expected error for zero duration")
	}
}

func TestDiffSplitsLiveAndRestart(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Logging.Level = "WARN"
	b.Calendar.Step = "15m"
	b.Admins = []int64{1}
	b.HTTP.JWTSecret = "0123456789abcdef"

	ch := Diff(a, b)
	if want := []string{"admins", "calendar", "http", "logging"}; !slices.Equal(ch.Sections, want) {
		t.Fatalf("Sections = %v, want %v", ch.Sections, want)
	}
	if want := []string{"calendar", "http"}; !slices.Equal(ch.Restart, want) {
		t.Fatalf("Restart = %v, want %v", ch.Restart, want)
	}
	if !Diff(a, Default()).Empty() {
		t.Fatal("identical configs should diff empty")
	}
	a.Admins, b.Admins = []int64{1, 2}, []int64{2, 1}
	if slices.Contains(Diff(a, b).Sections, "admins") {
		t.Fatal("admin order should not count as a change")
	}
}

func TestManagerReloadValidatesAndPublishes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bookingd.yaml")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("storage: {driver: memory}\n")

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Logging.Level == "TRACE" {
			return os.ErrInvalid
		}
		return nil
	})
	ctx := context.Background()

	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("Reload unchanged = %v, %v, want false, nil", ok, err)
	}
	write("storage: {driver: memory}\nlogging: {level: TRACE}\n")
	if ok, err := m.Reload(ctx); ok || err == nil {
		t.Fatalf("Reload rejected = %v, %v, want false, error", ok, err)
	}
	if m.Get().Logging.Level != "INFO" {
		t.Fatalf("rejected config was committed: %q", m.Get().Logging.Level)
	}
	write("storage: {driver: memory}\nlogging: {level: WARN}\n")
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("Reload = %v, %v, want true, nil", ok, err)
	}
	select {
	case got := <-ch:
		if got.Logging.Level != "WARN" {
			t.Fatalf("published level = %q, want WARN", got.Logging.Level)
		}
	default:
		t.Fatal("no config published")
	}
}
