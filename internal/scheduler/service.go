// Package scheduler fires maintenance work (reconcile, prune) on cron or
// interval schedules. Reservation jobs do not go through here; they live in
// the job table and are polled by the dispatcher.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	logx "roombook/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Func is one scheduled run. Its context is cancelled on Stop or timeout.
type Func func(ctx context.Context) error

type entry struct {
	name    string
	spec    Spec
	timeout time.Duration
	fn      Func
	id      cron.EntryID
}

// ScheduleInfo is a read-only view of one registration.
type ScheduleInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   map[string]*entry
}

func New(loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log:    log.With(logx.String("comp", "scheduler")),
		loc:    loc,
		parser: newParser(),
		defs:   map[string]*entry{},
	}
}

// SecondOptional accepts both 5- and 6-field expressions.
func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Validate reports whether Add would accept raw.
func Validate(raw string) error {
	spec, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	_, err = newParser().Parse(spec.Expr())
	return err
}

// Add registers fn under name, replacing an earlier registration. It may be
// called before or after Start.
func (s *Service) Add(name, schedule string, timeout time.Duration, fn Func) error {
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if _, err := s.parser.Parse(spec.Expr()); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.defs[name]; ok && s.c != nil {
		s.c.Remove(old.id)
	}
	e := &entry{name: name, spec: spec, timeout: timeout, fn: fn}
	s.defs[name] = e
	if s.c != nil {
		return s.registerLocked(e)
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(e.id)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cl := cronLogger{log: s.log}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, e := range s.defs {
		if err := s.registerLocked(e); err != nil {
			s.log.Error("schedule rejected", logx.String("name", e.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop waits for running jobs until ctx ends, then cancels them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	cancel()
	s.log.Info("scheduler stopped")
}

// RunNow runs name synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown schedule %q", name)
	}
	return s.run(ctx, e)
}

func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, e := range s.defs {
		info := ScheduleInfo{Name: e.name, Spec: e.spec.Expr()}
		if s.c != nil {
			ce := s.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) registerLocked(e *entry) error {
	base := s.ctx
	id, err := s.c.AddFunc(e.spec.Expr(), func() {
		if err := s.run(base, e); err != nil && base.Err() == nil {
			s.log.Warn("scheduled run failed", logx.String("name", e.name), logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	e.id = id
	return nil
}

func (s *Service) run(ctx context.Context, e *entry) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	began := time.Now()
	err := e.fn(ctx)
	s.log.Debug("scheduled run", logx.String("name", e.name), logx.Duration("took", time.Since(began)), logx.Bool("ok", err == nil))
	return err
}

// cronLogger routes cron's own logging into logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
