package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"roombook/internal/clock"
	"roombook/internal/model"
	"roombook/internal/storage"
	logx "roombook/pkg/logx"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func testPolicy() Policy {
	return Policy{LeadStart: 10 * time.Minute, LeadEnd: 10 * time.Minute, ConfirmGrace: 9 * time.Minute, MisfireGrace: 5 * time.Minute, ExtendPromptTTL: 5 * time.Minute}
}

func TestDerive(t *testing.T) {
	t.Parallel()
	p := testPolicy()
	r := model.Reservation{ID: 1, ResourceID: 3, OwnerID: 9, Start: at(10, 0), End: at(11, 0), Status: model.StatusPending}

	tests := []struct {
		status model.Status
		want   map[model.JobKind]time.Time
	}{
		{model.StatusPending, map[model.JobKind]time.Time{
			model.JobNotifyStart: at(9, 50), model.JobConfirmTimeout: at(10, 9), model.JobAutoFinish: at(11, 0),
		}},
		{model.StatusActive, map[model.JobKind]time.Time{
			model.JobNotifyEnd: at(10, 50), model.JobAutoFinish: at(11, 0),
		}},
		{model.StatusFinished, map[model.JobKind]time.Time{}},
		{model.StatusCancelled, map[model.JobKind]time.Time{}},
	}
	for _, tt := range tests {
		r.Status = tt.status
		got := p.Derive(r)
		if len(got) != len(tt.want) {
			t.Fatalf("Derive(%s) = %d jobs, want %d", tt.status, len(got), len(tt.want))
		}
		for _, pl := range got {
			if !pl.FireAt.Equal(tt.want[pl.Kind]) {
				t.Fatalf("Derive(%s) %s at %s, want %s", tt.status, pl.Kind, pl.FireAt.Format("15:04"), tt.want[pl.Kind].Format("15:04"))
			}
			if pl.Payload.Kind() != pl.Kind {
				t.Fatalf("payload kind %s on %s", pl.Payload.Kind(), pl.Kind)
			}
		}
	}
}

func TestStale(t *testing.T) {
	t.Parallel()
	p := testPolicy()
	tests := []struct {
		name              string
		fireAt, scheduled time.Time
		now               time.Time
		want              bool
	}{
		{"on time", at(9, 50), at(9, 0), at(9, 50), false},
		{"within grace", at(9, 50), at(9, 0), at(9, 55), false},
		{"late", at(9, 50), at(9, 0), at(9, 56), true},
		{"armed late", at(9, 50), at(10, 5), at(10, 6), false},
	}
	for _, tt := range tests {
		j := model.Job{FireAt: tt.fireAt, ScheduledAt: tt.scheduled}
		if got := p.Stale(j, tt.now); got != tt.want {
			t.Fatalf("%s: Stale = %v, want %v", tt.name, got, tt.want)
		}
	}
	if got := p.PromptExpiry(at(10, 50), at(10, 52)); !got.Equal(at(10, 52)) {
		t.Fatalf("PromptExpiry clamps to end, got %s", got)
	}
}

func seed(t *testing.T, st storage.Store, start, end time.Time) model.Reservation {
	t.Helper()
	var r model.Reservation
	err := st.Update(context.Background(), func(tx storage.Tx) error {
		var err error
		r, _, err = tx.ReserveIfFree(context.Background(), model.NewReservation{ResourceID: 1, OwnerID: 9, Start: start, End: end, CreatedAt: at(8, 0)})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return r
}

func reconcile(t *testing.T, st storage.Store, reg *Registry, id int64, now time.Time, mut func(tx storage.Tx) error) Changes {
	t.Helper()
	ctx := context.Background()
	var ch Changes
	err := st.Update(ctx, func(tx storage.Tx) error {
		if mut != nil {
			if err := mut(tx); err != nil {
				return err
			}
		}
		res, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		ch, err = reg.Reconcile(ctx, tx, res, now)
		return err
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return ch
}

func jobsOf(t *testing.T, st storage.Store, id int64) map[model.JobKind]model.Job {
	t.Helper()
	out := map[model.JobKind]model.Job{}
	err := st.View(context.Background(), func(tx storage.Tx) error {
		js, err := tx.Jobs(context.Background(), id)
		for _, j := range js {
			out[j.Kind] = j
		}
		return err
	})
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	return out
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	reg := NewRegistry(testPolicy())
	r := seed(t, st, at(10, 0), at(11, 0))

	if ch := reconcile(t, st, reg, r.ID, at(9, 0), nil); ch.Inserted != 3 || ch.Updated+ch.Deleted != 0 {
		t.Fatalf("first reconcile = %+v, want 3 inserts", ch)
	}
	if ch := reconcile(t, st, reg, r.ID, at(9, 1), nil); !ch.Empty() {
		t.Fatalf("second reconcile = %+v, want no-op", ch)
	}

	// confirm: pending set -> active set
	ch := reconcile(t, st, reg, r.ID, at(9, 51), func(tx storage.Tx) error {
		_, err := tx.TransitionStatus(ctx, r.ID, []model.Status{model.StatusPending}, model.StatusActive, at(9, 51))
		return err
	})
	if ch.Inserted != 1 || ch.Deleted != 2 || ch.Updated != 0 {
		t.Fatalf("confirm reconcile = %+v, want +NOTIFY_END -NOTIFY_START -CONFIRM_TIMEOUT", ch)
	}
	js := jobsOf(t, st, r.ID)
	if _, ok := js[model.JobConfirmTimeout]; ok {
		t.Fatal("CONFIRM_TIMEOUT survived confirm")
	}
	if j := js[model.JobNotifyEnd]; !j.FireAt.Equal(at(10, 50)) || j.Status != model.JobPending {
		t.Fatalf("NOTIFY_END = %+v", j)
	}

	// a fired NOTIFY_END with its prompt follow-up is kept as is
	err := st.Update(ctx, func(tx storage.Tx) error {
		if err := tx.MarkJob(ctx, model.JobKey{ReservationID: r.ID, Kind: model.JobNotifyEnd}, model.JobDone, "", at(10, 50)); err != nil {
			return err
		}
		return reg.Arm(ctx, tx, r.ID, model.JobExtendPromptExpires, at(10, 55), model.ExtendPromptExpiresPayload{End: at(11, 0)}, at(10, 50))
	})
	if err != nil {
		t.Fatalf("arm prompt: %v", err)
	}
	if ch := reconcile(t, st, reg, r.ID, at(10, 51), nil); !ch.Empty() {
		t.Fatalf("reconcile with live prompt = %+v, want no-op", ch)
	}

	// extend: NOTIFY_END and AUTO_FINISH re-armed, prompt withdrawn
	ch = reconcile(t, st, reg, r.ID, at(10, 52), func(tx storage.Tx) error {
		_, err := tx.SetInterval(ctx, r.ID, at(11, 30))
		return err
	})
	if ch.Updated != 2 || ch.Deleted != 1 || ch.Inserted != 0 {
		t.Fatalf("extend reconcile = %+v, want 2 re-arms and prompt removal", ch)
	}
	js = jobsOf(t, st, r.ID)
	if j := js[model.JobNotifyEnd]; !j.FireAt.Equal(at(11, 20)) || j.Status != model.JobPending || !j.ScheduledAt.Equal(at(10, 52)) {
		t.Fatalf("re-armed NOTIFY_END = %+v", j)
	}
	if j := js[model.JobAutoFinish]; !j.FireAt.Equal(at(11, 30)) {
		t.Fatalf("re-armed AUTO_FINISH = %+v", j)
	}

	// terminal: nothing left
	reconcile(t, st, reg, r.ID, at(11, 0), func(tx storage.Tx) error {
		_, err := tx.TransitionStatus(ctx, r.ID, model.Live, model.StatusCancelled, at(11, 0))
		return err
	})
	if js := jobsOf(t, st, r.ID); len(js) != 0 {
		t.Fatalf("terminal reservation keeps jobs: %v", js)
	}
}

func newTestDispatcher(st storage.Store, clk clock.Clock, h Handler) *Dispatcher {
	return NewDispatcher(st, h, testPolicy(), clk, nil, logx.Nop(), DispatcherConfig{Batch: 10, Workers: 2, Lease: time.Minute, MaxAttempts: 2})
}

func TestDispatcherFiresAndDropsStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	reg := NewRegistry(testPolicy())
	clk := clock.NewManual(at(9, 0))
	r := seed(t, st, at(10, 0), at(11, 0))
	reconcile(t, st, reg, r.ID, clk.Now(), nil)

	var fired []model.JobKind
	d := newTestDispatcher(st, clk, HandlerFunc(func(ctx context.Context, tx storage.Tx, res model.Reservation, job model.Job, now time.Time) error {
		fired = append(fired, job.Kind)
		return nil
	}))

	if s, err := d.RunOnce(ctx); err != nil || s.Claimed != 0 {
		t.Fatalf("RunOnce before due = %+v, %v", s, err)
	}

	// NOTIFY_START (9:50) is 20m late by 10:10, CONFIRM_TIMEOUT (10:09) is not droppable
	clk.Set(at(10, 10))
	s, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if s.Claimed != 2 || s.ByOutcome[OutcomeDropped] != 1 || s.ByOutcome[OutcomeFired] != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if len(fired) != 1 || fired[0] != model.JobConfirmTimeout {
		t.Fatalf("fired = %v, want [CONFIRM_TIMEOUT]", fired)
	}
	js := jobsOf(t, st, r.ID)
	if js[model.JobNotifyStart].Status != model.JobDone || js[model.JobConfirmTimeout].Status != model.JobDone {
		t.Fatalf("jobs after run = %+v", js)
	}
	if s, _ := d.RunOnce(ctx); s.Claimed != 0 {
		t.Fatalf("done jobs reclaimed: %+v", s)
	}
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	reg := NewRegistry(testPolicy())
	clk := clock.NewManual(at(8, 0))
	r := seed(t, st, at(10, 0), at(11, 0))
	reconcile(t, st, reg, r.ID, clk.Now(), nil)

	var calls atomic.Int32
	d := newTestDispatcher(st, clk, HandlerFunc(func(ctx context.Context, tx storage.Tx, res model.Reservation, job model.Job, now time.Time) error {
		calls.Add(1)
		return errors.New("front end down")
	}))

	clk.Set(at(9, 50))
	if s, _ := d.RunOnce(ctx); s.ByOutcome[OutcomeRetry] != 1 {
		t.Fatalf("first run = %+v, want retry", s)
	}
	j := jobsOf(t, st, r.ID)[model.JobNotifyStart]
	if j.Status != model.JobPending || j.Attempts != 1 || j.LastError != "front end down" {
		t.Fatalf("after transient failure = %+v", j)
	}
	clk.Advance(time.Minute)
	if s, _ := d.RunOnce(ctx); s.ByOutcome[OutcomeFailed] != 1 {
		t.Fatalf("second run = %+v, want failed at max attempts", s)
	}
	if j := jobsOf(t, st, r.ID)[model.JobNotifyStart]; j.Status != model.JobFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if calls.Load() != 2 {
		t.Fatalf("handler calls = %d, want 2", calls.Load())
	}
}

func TestDispatcherKeepsRetryingTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	reg := NewRegistry(testPolicy())
	clk := clock.NewManual(at(8, 0))
	r := seed(t, st, at(10, 0), at(11, 0))
	reconcile(t, st, reg, r.ID, clk.Now(), nil)

	d := newTestDispatcher(st, clk, HandlerFunc(func(ctx context.Context, tx storage.Tx, res model.Reservation, job model.Job, now time.Time) error {
		return model.ErrUnavailable
	}))

	// MaxAttempts is 2; the status transitions outlive it.
	clk.Set(at(11, 0))
	for i := 0; i < 4; i++ {
		if _, err := d.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		clk.Advance(time.Minute)
	}
	js := jobsOf(t, st, r.ID)
	for _, k := range []model.JobKind{model.JobConfirmTimeout, model.JobAutoFinish} {
		if j := js[k]; j.Status != model.JobPending || j.Attempts != 4 {
			t.Fatalf("%s = %s after %d attempts, want pending after 4", k, j.Status, j.Attempts)
		}
	}
	// The reminder was past its misfire window and never ran.
	if j := js[model.JobNotifyStart]; j.Status != model.JobDone {
		t.Fatalf("NOTIFY_START = %s, want done", j.Status)
	}
}

func TestReconcileRearmsFailedTransition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	reg := NewRegistry(testPolicy())
	r := seed(t, st, at(10, 0), at(11, 0))
	reconcile(t, st, reg, r.ID, at(8, 0), nil)

	err := st.Update(ctx, func(tx storage.Tx) error {
		for _, k := range []model.JobKind{model.JobNotifyStart, model.JobAutoFinish} {
			if err := tx.MarkJob(ctx, model.JobKey{ReservationID: r.ID, Kind: k}, model.JobFailed, "boom", at(9, 0)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if ch := reconcile(t, st, reg, r.ID, at(12, 0), nil); ch.Updated != 1 || ch.Inserted+ch.Deleted != 0 {
		t.Fatalf("reconcile = %+v, want AUTO_FINISH re-armed", ch)
	}
	js := jobsOf(t, st, r.ID)
	if j := js[model.JobAutoFinish]; j.Status != model.JobPending || !j.FireAt.Equal(at(11, 0)) || !j.ScheduledAt.Equal(at(12, 0)) {
		t.Fatalf("AUTO_FINISH = %+v, want pending at 11:00 armed 12:00", j)
	}
	if j := js[model.JobNotifyStart]; j.Status != model.JobFailed {
		t.Fatalf("NOTIFY_START = %s, want failed reminder left alone", j.Status)
	}
	if ch := reconcile(t, st, reg, r.ID, at(12, 1), nil); !ch.Empty() {
		t.Fatalf("second reconcile = %+v, want no-op", ch)
	}
}

func TestDispatcherPermanentAndTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	reg := NewRegistry(testPolicy())
	clk := clock.NewManual(at(8, 0))
	a := seed(t, st, at(10, 0), at(11, 0))
	reconcile(t, st, reg, a.ID, clk.Now(), nil)

	d := newTestDispatcher(st, clk, HandlerFunc(func(ctx context.Context, tx storage.Tx, res model.Reservation, job model.Job, now time.Time) error {
		return Permanent(errors.New("no chat"))
	}))
	clk.Set(at(9, 50))
	if s, _ := d.RunOnce(ctx); s.ByOutcome[OutcomeFailed] != 1 {
		t.Fatalf("permanent = %+v, want failed on first attempt", s)
	}

	// a job left behind on a terminal reservation is settled without running
	err := st.Update(ctx, func(tx storage.Tx) error {
		_, err := tx.TransitionStatus(ctx, a.ID, model.Live, model.StatusCancelled, at(9, 51))
		return err
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	clk.Set(at(10, 9))
	s, err := d.RunOnce(ctx)
	if err != nil || s.ByOutcome[OutcomeSkipped] != 1 {
		t.Fatalf("terminal = %+v, %v, want skipped", s, err)
	}
	if j := jobsOf(t, st, a.ID)[model.JobConfirmTimeout]; j.Status != model.JobDone {
		t.Fatalf("CONFIRM_TIMEOUT on cancelled = %s, want done", j.Status)
	}
}

func TestPermanent(t *testing.T) {
	t.Parallel()
	base := errors.New("x")
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must be nil")
	}
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) || IsPermanent(base) {
		t.Fatalf("Permanent wrapping broken: %v", err)
	}
}
