// Package calendar implements working-hours arithmetic in a fixed IANA zone.
//
// Wall-clock times that do not exist because of a DST gap are shifted forward
// by one hour; nothing here fails because of a zone transition.
package calendar

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"roombook/internal/model"
)

const minutesPerDay = 24 * 60

// TimeOfDay is a wall-clock time as minutes since local midnight. 24:00 is allowed.
type TimeOfDay struct {
	Minutes int
}

func At(hour, minute int) TimeOfDay { return TimeOfDay{Minutes: hour*60 + minute} }

// ParseTimeOfDay parses "HH:MM" in 00:00..24:00.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || len(mm) != 2 || h < 0 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	t := At(h, m)
	if t.Minutes > minutesPerDay {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (max 24:00)", s)
	}
	return t, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Minutes/60, t.Minutes%60)
}

// Date is a local calendar day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return DateOf(t), nil
}

func (d Date) String() string { return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day) }

func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

// Interval is a half-open span [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

type Config struct {
	Location    *time.Location
	WorkStart   TimeOfDay
	WorkEnd     TimeOfDay
	Step        time.Duration
	MaxDuration time.Duration
}

func (c Config) Validate() error {
	if c.Location == nil {
		return fmt.Errorf("calendar: location is required")
	}
	if c.Step < time.Minute || c.Step%time.Minute != 0 {
		return fmt.Errorf("calendar: step must be a whole number of minutes, got %s", c.Step)
	}
	if minutesPerDay%int(c.Step/time.Minute) != 0 {
		return fmt.Errorf("calendar: step %s must divide a day", c.Step)
	}
	if c.WorkStart.Minutes >= c.WorkEnd.Minutes {
		return fmt.Errorf("calendar: work_start %s must be before work_end %s", c.WorkStart, c.WorkEnd)
	}
	step := int(c.Step / time.Minute)
	if c.WorkStart.Minutes%step != 0 || c.WorkEnd.Minutes%step != 0 {
		return fmt.Errorf("calendar: working hours must align to step %s", c.Step)
	}
	if c.MaxDuration < c.Step || c.MaxDuration%c.Step != 0 {
		return fmt.Errorf("calendar: max_duration %s must be a positive multiple of step %s", c.MaxDuration, c.Step)
	}
	return nil
}

type Calendar struct {
	cfg Config
}

func New(cfg Config) (*Calendar, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calendar{cfg: cfg}, nil
}

func (c *Calendar) Location() *time.Location   { return c.cfg.Location }
func (c *Calendar) Step() time.Duration        { return c.cfg.Step }
func (c *Calendar) MaxDuration() time.Duration { return c.cfg.MaxDuration }

// LocalDate returns the calendar day of t in the configured zone.
func (c *Calendar) LocalDate(t time.Time) Date { return DateOf(t.In(c.cfg.Location)) }

// Combine resolves a wall-clock time on d to an instant. 24:00 maps to the
// following midnight. Times inside a DST gap move forward one hour.
func (c *Calendar) Combine(d Date, tod TimeOfDay) time.Time {
	loc := c.cfg.Location
	if tod.Minutes >= minutesPerDay {
		next := d.AddDays(tod.Minutes / minutesPerDay)
		return c.Combine(next, TimeOfDay{Minutes: tod.Minutes % minutesPerDay})
	}
	h, m := tod.Minutes/60, tod.Minutes%60
	t := time.Date(d.Year, d.Month, d.Day, h, m, 0, 0, loc)
	if t.Hour() == h && t.Minute() == m {
		return t
	}
	return time.Date(d.Year, d.Month, d.Day, h+1, m, 0, 0, loc)
}

func (c *Calendar) wallMinutes(t time.Time) (Date, int) {
	lt := t.In(c.cfg.Location)
	return DateOf(lt), lt.Hour()*60 + lt.Minute()
}

// AlignDown truncates t to the previous step boundary of local wall time.
func (c *Calendar) AlignDown(t time.Time, step time.Duration) time.Time {
	d, mins := c.wallMinutes(t)
	sm := stepMinutes(step)
	return c.Combine(d, TimeOfDay{Minutes: mins - mins%sm})
}

// AlignUp rounds t up to the next step boundary; aligned instants are returned unchanged.
func (c *Calendar) AlignUp(t time.Time, step time.Duration) time.Time {
	if c.aligned(t, step) {
		return t
	}
	d, mins := c.wallMinutes(t)
	sm := stepMinutes(step)
	return c.Combine(d, TimeOfDay{Minutes: mins - mins%sm + sm})
}

// Aligned reports whether t sits on a configured step boundary.
func (c *Calendar) Aligned(t time.Time) bool { return c.aligned(t, c.cfg.Step) }

func (c *Calendar) aligned(t time.Time, step time.Duration) bool {
	lt := t.In(c.cfg.Location)
	if lt.Second() != 0 || lt.Nanosecond() != 0 {
		return false
	}
	return (lt.Hour()*60+lt.Minute())%stepMinutes(step) == 0
}

func stepMinutes(step time.Duration) int {
	sm := int(step / time.Minute)
	if sm <= 0 {
		return 1
	}
	return sm
}

// WorkingDay returns the bookable window of d.
func (c *Calendar) WorkingDay(d Date) Interval {
	return Interval{Start: c.Combine(d, c.cfg.WorkStart), End: c.Combine(d, c.cfg.WorkEnd)}
}

// InWorkingHours reports whether t lies in [WORK_START, WORK_END] of its local day.
func (c *Calendar) InWorkingHours(t time.Time) bool {
	day := c.WorkingDay(c.LocalDate(t))
	return !t.Before(day.Start) && !t.After(day.End)
}

// ValidateInterval checks the reservation shape rules. Errors wrap model.ErrInvalidArgument.
func (c *Calendar) ValidateInterval(start, end time.Time) error {
	if !start.Before(end) {
		return model.Invalid("start %s must be before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if !c.Aligned(start) || !c.Aligned(end) {
		return model.Invalid("start and end must align to %s", c.cfg.Step)
	}
	dur := end.Sub(start)
	if dur%c.cfg.Step != 0 {
		return model.Invalid("duration %s is not a multiple of %s", dur, c.cfg.Step)
	}
	if dur > c.cfg.MaxDuration {
		return model.Invalid("duration %s exceeds %s", dur, c.cfg.MaxDuration)
	}
	day := c.WorkingDay(c.LocalDate(start))
	if start.Before(day.Start) || end.After(day.End) {
		return model.Invalid("interval must lie within working hours %s-%s of one day", c.cfg.WorkStart, c.cfg.WorkEnd)
	}
	return nil
}

// EnumerateSlots returns the free parts of d's working day given busy
// intervals. For the day containing now, the result starts at AlignUp(now).
func (c *Calendar) EnumerateSlots(d Date, busy []Interval, now time.Time) []Interval {
	day := c.WorkingDay(d)
	cursor := day.Start
	if now.After(cursor) {
		cursor = c.AlignUp(now, c.cfg.Step)
	}
	if !cursor.Before(day.End) {
		return nil
	}

	sorted := append([]Interval(nil), busy...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var free []Interval
	for _, b := range sorted {
		if !b.End.After(cursor) {
			continue
		}
		if !b.Start.Before(day.End) {
			break
		}
		if b.Start.After(cursor) {
			free = append(free, Interval{Start: cursor, End: b.Start})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if cursor.Before(day.End) {
		free = append(free, Interval{Start: cursor, End: day.End})
	}
	return free
}
