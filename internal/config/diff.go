package config

import (
	"reflect"
	"slices"
	"sort"

	logx "roombook/pkg/logx"
)

// Sections applied without a restart. Everything else is read once at start.
var liveSections = []string{"admins", "logging", "notifier", "reconciler", "resources"}

// Change summarises the difference between two configs.
type Change struct {
	Sections []string // every changed top-level key, sorted
	Restart  []string // the subset that only takes effect after a restart
	Fields   []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs section by section. Fields never include secrets:
// for tokens, DSNs and JWT secrets only "is set" flags are reported.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if !slices.Contains(liveSections, section) {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}
	if oldCfg.Calendar != newCfg.Calendar {
		mark("calendar",
			logx.String("calendar.timezone", newCfg.Calendar.Timezone),
			logx.String("calendar.hours", newCfg.Calendar.WorkStart+"-"+newCfg.Calendar.WorkEnd),
			logx.String("calendar.step", newCfg.Calendar.Step),
		)
	}
	if oldCfg.Lifecycle != newCfg.Lifecycle {
		mark("lifecycle")
	}
	if oldCfg.Engine != newCfg.Engine {
		mark("engine")
	}
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		mark("dispatcher", logx.Bool("dispatcher.enabled", newCfg.Dispatcher.Enabled))
	}
	if oldCfg.Reconciler != newCfg.Reconciler {
		mark("reconciler",
			logx.String("reconciler.schedule", newCfg.Reconciler.Schedule),
			logx.String("reconciler.prune_schedule", newCfg.Reconciler.PruneSchedule),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		mark("notifier",
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}
	if oldCfg.Telegram != newCfg.Telegram {
		mark("telegram",
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http",
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.jwt_secret_set", newCfg.HTTP.JWTSecret != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Resources, newCfg.Resources) {
		mark("resources", logx.Int("resources.count", len(newCfg.Resources)))
	}
	if !sameIDs(oldCfg.Admins, newCfg.Admins) {
		mark("admins", logx.Int("admins.count", len(newCfg.Admins)))
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Restart)
	return ch
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
