package booking

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"roombook/internal/calendar"
	"roombook/internal/catalog"
	"roombook/internal/clock"
	"roombook/internal/jobs"
	"roombook/internal/model"
	"roombook/internal/notify"
	"roombook/internal/storage"
	logx "roombook/pkg/logx"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

var (
	u1    = model.Actor{ID: 101}
	u2    = model.Actor{ID: 102}
	admin = model.Actor{ID: 900, Admin: true}
)

func testCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.New(calendar.Config{
		Location:    time.UTC,
		WorkStart:   calendar.At(9, 0),
		WorkEnd:     calendar.At(18, 0),
		Step:        30 * time.Minute,
		MaxDuration: 3 * time.Hour,
	})
	if err != nil {
		t.Fatalf("calendar.New error: %v", err)
	}
	return cal
}

func testCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	cat, err := catalog.NewStatic([]model.Resource{
		{ID: 1, Name: "R1", Active: true},
		{ID: 2, Name: "R2", Active: true},
		{ID: 3, Name: "Closed lab", Active: false},
	})
	if err != nil {
		t.Fatalf("NewStatic error: %v", err)
	}
	return cat
}

// harness wires the engine, dispatcher and relay against one store and a
// manual clock, the way the service does.
type harness struct {
	t     *testing.T
	clk   *clock.Manual
	store storage.Store
	reg   *jobs.Registry
	eng   *Engine
	disp  *jobs.Dispatcher
	relay *notify.Relay
	sink  *notify.ChanSink
}

func newHarness(t *testing.T, store storage.Store, clk *clock.Manual) *harness {
	t.Helper()
	cat := testCatalog(t)
	pol := jobs.DefaultPolicy()
	reg := jobs.NewRegistry(pol)
	eng, err := New(Deps{
		Store:    store,
		Registry: reg,
		Calendar: testCalendar(t),
		Catalog:  cat,
		Clock:    clk,
		Log:      logx.Nop(),
	}, Config{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	tr := notify.NewTranslator(eng, reg, cat, logx.Nop())
	sink := notify.NewChanSink(64)
	return &harness{
		t:     t,
		clk:   clk,
		store: store,
		reg:   reg,
		eng:   eng,
		disp:  jobs.NewDispatcher(store, tr, pol, clk, nil, logx.Nop(), jobs.DispatcherConfig{Workers: 1}),
		relay: notify.NewRelay(store, sink, nil, clk, logx.Nop(), notify.Config{RatePerSec: 1000}),
		sink:  sink,
	}
}

func newMemHarness(t *testing.T) *harness {
	t.Helper()
	return newHarness(t, storage.NewMemory(), clock.NewManual(at(9, 0)))
}

func openSQLite(t *testing.T, path string) storage.Store {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "roombook.db")
	}
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// tick moves the clock to now, fires due jobs and delivers their intents.
func (h *harness) tick(now time.Time) []model.Intent {
	h.t.Helper()
	h.clk.Set(now)
	ctx := context.Background()
	if _, err := h.disp.RunOnce(ctx); err != nil {
		h.t.Fatalf("RunOnce at %s: %v", now.Format("15:04"), err)
	}
	if _, err := h.relay.Flush(ctx); err != nil {
		h.t.Fatalf("Flush at %s: %v", now.Format("15:04"), err)
	}
	return h.sink.Drain()
}

func (h *harness) create(actor model.Actor, resource int64, start, end time.Time) model.Reservation {
	h.t.Helper()
	r, err := h.eng.Create(context.Background(), actor, CreateRequest{ResourceID: resource, Start: start, End: end})
	if err != nil {
		h.t.Fatalf("Create(%d, %s-%s) error: %v", resource, start.Format("15:04"), end.Format("15:04"), err)
	}
	return r
}

func (h *harness) get(id int64) model.Reservation {
	h.t.Helper()
	v, err := h.eng.Get(context.Background(), id, admin)
	if err != nil {
		h.t.Fatalf("Get(%d) error: %v", id, err)
	}
	return v.Reservation
}

// jobs returns the open jobs of id keyed by kind.
func (h *harness) jobs(id int64) map[model.JobKind]time.Time {
	h.t.Helper()
	ctx := context.Background()
	out := map[model.JobKind]time.Time{}
	err := h.store.View(ctx, func(tx storage.Tx) error {
		js, err := tx.Jobs(ctx, id)
		for _, j := range js {
			if j.Status.Open() {
				out[j.Kind] = j.FireAt
			}
		}
		return err
	})
	if err != nil {
		h.t.Fatalf("Jobs(%d) error: %v", id, err)
	}
	return out
}

// wantJobs checks the open job set of id against kind → "HH:MM".
func (h *harness) wantJobs(id int64, want map[model.JobKind]string) {
	h.t.Helper()
	got := h.jobs(id)
	if len(got) != len(want) {
		h.t.Fatalf("jobs of %d = %v, want %v", id, fmtJobs(got), want)
	}
	for k, hm := range want {
		if got[k].Format("15:04") != hm {
			h.t.Fatalf("jobs of %d = %v, want %v", id, fmtJobs(got), want)
		}
	}
}

func fmtJobs(js map[model.JobKind]time.Time) map[model.JobKind]string {
	out := make(map[model.JobKind]string, len(js))
	for k, t := range js {
		out[k] = t.Format("15:04")
	}
	return out
}

func kinds(ins []model.Intent) []model.IntentKind {
	out := make([]model.IntentKind, 0, len(ins))
	for _, in := range ins {
		out = append(out, in.Kind)
	}
	return out
}
