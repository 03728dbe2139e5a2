package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Spec is a normalized schedule: a cron expression, or a fixed interval that
// is registered as "@every <d>".
type Spec struct {
	Cron  string
	Every time.Duration
}

// Expr is the expression handed to cron.
func (s Spec) Expr() string {
	if s.Every > 0 {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

var hhmm = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseSchedule accepts
//   - cron: "*/5 * * * *", "0 */10 * * * *", "@hourly", "@every 5m"
//   - a Go duration: "5m", "1h30m"
//   - an HH:MM interval: "00:05" is every five minutes
//
// A "cron:" or "every:" prefix forces the interpretation.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Spec{Cron: expr}, nil
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(strings.TrimSpace(s[len("every:"):]))
		return Spec{Every: d}, err
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return Spec{Cron: s}, nil
	}
	d, err := parseInterval(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or a duration like '5m')", raw)
	}
	return Spec{Every: d}, nil
}

func parseInterval(v string) (time.Duration, error) {
	var d time.Duration
	if m := hhmm.FindStringSubmatch(v); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
