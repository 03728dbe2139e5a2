package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"roombook/internal/model"
	logx "roombook/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	out := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "book.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
	if dsn := os.Getenv("ROOMBOOK_TEST_PG_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			st, err := Open(Config{Driver: "postgres", DSN: dsn, MaxConns: 4}, logx.Nop())
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			s := st.(*sqlStore)
			if _, err := s.db.Exec(`TRUNCATE reservations, jobs, intents RESTART IDENTITY`); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			return st
		}
	}
	return out
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func reserve(t *testing.T, st Store, res int64, start, end time.Time) model.Reservation {
	t.Helper()
	var r model.Reservation
	err := st.Update(context.Background(), func(tx Tx) error {
		var blocking *model.Reservation
		var err error
		r, blocking, err = tx.ReserveIfFree(context.Background(), model.NewReservation{
			ResourceID: res, OwnerID: 7, Start: start, End: end, CreatedAt: t0,
		})
		if err != nil {
			return err
		}
		if blocking != nil {
			t.Fatalf("unexpected overlap with %d", blocking.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return r
}

func TestReserveIfFree(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := reserve(t, st, 1, t0.Add(time.Hour), t0.Add(2*time.Hour))
		if a.Status != model.StatusPending || a.ID == 0 {
			t.Fatalf("reserve = %+v, want pending with id", a)
		}
		// half-open intervals: touching ends do not overlap
		reserve(t, st, 1, t0.Add(2*time.Hour), t0.Add(3*time.Hour))
		reserve(t, st, 2, t0.Add(time.Hour), t0.Add(2*time.Hour))

		err := st.Update(ctx, func(tx Tx) error {
			_, blocking, err := tx.ReserveIfFree(ctx, model.NewReservation{
				ResourceID: 1, OwnerID: 8, Start: t0.Add(90 * time.Minute), End: t0.Add(150 * time.Minute), CreatedAt: t0,
			})
			if err != nil {
				return err
			}
			if blocking == nil || blocking.ID != a.ID {
				t.Fatalf("blocking = %v, want reservation %d", blocking, a.ID)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}

		// cancelled reservations free the interval
		err = st.Update(ctx, func(tx Tx) error {
			_, err := tx.TransitionStatus(ctx, a.ID, model.Live, model.StatusCancelled, t0)
			return err
		})
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		reserve(t, st, 1, t0.Add(time.Hour), t0.Add(2*time.Hour))
	})
}

func TestTransitionStatus(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		r := reserve(t, st, 1, t0.Add(time.Hour), t0.Add(2*time.Hour))
		at := t0.Add(90 * time.Minute)

		err := st.Update(ctx, func(tx Tx) error {
			if _, err := tx.TransitionStatus(ctx, r.ID, []model.Status{model.StatusPending}, model.StatusActive, at); err != nil {
				return err
			}
			got, err := tx.TransitionStatus(ctx, r.ID, []model.Status{model.StatusActive}, model.StatusFinished, at)
			if err != nil {
				return err
			}
			if got.Status != model.StatusFinished || !got.FinishedAt.Equal(at) {
				t.Fatalf("finished = %+v", got)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}

		err = st.Update(ctx, func(tx Tx) error {
			_, err := tx.TransitionStatus(ctx, r.ID, model.Live, model.StatusCancelled, at)
			return err
		})
		if !errors.Is(err, model.ErrPreconditionFailed) {
			t.Fatalf("transition from terminal = %v, want precondition_failed", err)
		}
		err = st.View(ctx, func(tx Tx) error {
			_, err := tx.Get(ctx, 999)
			return err
		})
		if !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("Get(999) = %v, want not_found", err)
		}
	})
}

func TestFailedUpdateRollsBack(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		boom := errors.New("boom")
		err := st.Update(ctx, func(tx Tx) error {
			if _, _, err := tx.ReserveIfFree(ctx, model.NewReservation{ResourceID: 1, OwnerID: 1, Start: t0, End: t0.Add(time.Hour), CreatedAt: t0}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update = %v, want boom", err)
		}
		live, err := st.NonTerminal(ctx, time.Time{})
		if err != nil {
			t.Fatalf("NonTerminal: %v", err)
		}
		if len(live) != 0 {
			t.Fatalf("rolled back insert is visible: %v", live)
		}
	})
}

func TestSetInterval(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := reserve(t, st, 1, t0, t0.Add(time.Hour))
		b := reserve(t, st, 1, t0.Add(2*time.Hour), t0.Add(3*time.Hour))

		err := st.Update(ctx, func(tx Tx) error {
			_, err := tx.SetInterval(ctx, a.ID, t0.Add(90*time.Minute))
			return err
		})
		if !errors.Is(err, model.ErrPreconditionFailed) {
			t.Fatalf("extend pending = %v, want precondition_failed", err)
		}

		err = st.Update(ctx, func(tx Tx) error {
			if _, err := tx.TransitionStatus(ctx, a.ID, []model.Status{model.StatusPending}, model.StatusActive, t0); err != nil {
				return err
			}
			got, err := tx.SetInterval(ctx, a.ID, t0.Add(2*time.Hour))
			if err != nil {
				return err
			}
			if !got.End.Equal(t0.Add(2 * time.Hour)) {
				t.Fatalf("end = %s", got.End)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("extend: %v", err)
		}

		err = st.Update(ctx, func(tx Tx) error {
			_, err := tx.SetInterval(ctx, a.ID, t0.Add(150*time.Minute))
			return err
		})
		var ce *model.ConflictError
		if !errors.As(err, &ce) || ce.With.ID != b.ID {
			t.Fatalf("extend into next = %v, want conflict with %d", err, b.ID)
		}
		if !errors.Is(err, model.ErrConflict) {
			t.Fatalf("conflict error must unwrap to ErrConflict")
		}
	})
}

func TestListingQueries(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := reserve(t, st, 1, t0, t0.Add(time.Hour))
		b := reserve(t, st, 1, t0.Add(2*time.Hour), t0.Add(3*time.Hour))
		reserve(t, st, 2, t0, t0.Add(time.Hour))

		err := st.View(ctx, func(tx Tx) error {
			next, ok, err := tx.NextReservation(ctx, 1, t0.Add(30*time.Minute), a.ID)
			if err != nil {
				return err
			}
			if !ok || next.ID != b.ID {
				t.Fatalf("NextReservation = %v %v, want %d", next.ID, ok, b.ID)
			}
			got, err := tx.LoadForResource(ctx, 1, t0.Add(30*time.Minute), t0.Add(150*time.Minute))
			if err != nil {
				return err
			}
			if len(got) != 2 || got[0].ID != a.ID {
				t.Fatalf("LoadForResource = %v, want [a b]", got)
			}
			own, err := tx.List(ctx, Filter{OwnerID: 7, Limit: 2})
			if err != nil {
				return err
			}
			if len(own) != 2 {
				t.Fatalf("List limit = %d rows, want 2", len(own))
			}
			if _, err := tx.AppendIntent(ctx, model.Intent{}); !errors.Is(err, ErrReadOnly) {
				t.Fatalf("write in View = %v, want ErrReadOnly", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View: %v", err)
		}

		live, err := st.NonTerminal(ctx, t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("NonTerminal: %v", err)
		}
		if len(live) != 2 {
			t.Fatalf("NonTerminal(before) = %d, want 2", len(live))
		}
	})
}

func putJob(t *testing.T, st Store, j model.Job) {
	t.Helper()
	if err := st.Update(context.Background(), func(tx Tx) error { return tx.UpsertJob(context.Background(), j) }); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
}

func TestClaimAndLease(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		r := reserve(t, st, 1, t0.Add(time.Hour), t0.Add(2*time.Hour))
		due := model.Job{ReservationID: r.ID, Kind: model.JobNotifyStart, FireAt: t0, Payload: []byte(`{}`), Status: model.JobPending, ScheduledAt: t0, UpdatedAt: t0}
		later := model.Job{ReservationID: r.ID, Kind: model.JobAutoFinish, FireAt: t0.Add(2 * time.Hour), Payload: []byte(`{}`), Status: model.JobPending, ScheduledAt: t0, UpdatedAt: t0}
		putJob(t, st, due)
		putJob(t, st, later)

		got, err := st.ClaimDueJobs(ctx, "a", t0, time.Minute, 10)
		if err != nil {
			t.Fatalf("ClaimDueJobs: %v", err)
		}
		if len(got) != 1 || got[0].Kind != model.JobNotifyStart || got[0].Attempts != 1 || got[0].LeaseOwner != "a" {
			t.Fatalf("claimed = %+v", got)
		}

		// held lease is not reclaimed
		if again, _ := st.ClaimDueJobs(ctx, "b", t0.Add(30*time.Second), time.Minute, 10); len(again) != 0 {
			t.Fatalf("claimed leased job twice: %+v", again)
		}
		// expired lease is
		stolen, err := st.ClaimDueJobs(ctx, "b", t0.Add(2*time.Minute), time.Minute, 10)
		if err != nil || len(stolen) != 1 || stolen[0].Attempts != 2 {
			t.Fatalf("reclaim = %+v, %v", stolen, err)
		}

		// the old owner lost the lease; its mark is ignored
		if err := st.MarkJob(ctx, due.Key(), "a", model.JobDone, "", t0.Add(2*time.Minute)); err != nil {
			t.Fatalf("MarkJob: %v", err)
		}
		if err := st.MarkJob(ctx, due.Key(), "b", model.JobFailed, "smtp down", t0.Add(2*time.Minute)); err != nil {
			t.Fatalf("MarkJob: %v", err)
		}
		err = st.View(ctx, func(tx Tx) error {
			j, err := tx.Job(ctx, due.Key())
			if err != nil {
				return err
			}
			if j.Status != model.JobFailed || j.LastError != "smtp down" || j.LeaseOwner != "" {
				t.Fatalf("job = %+v, want failed by b", j)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View: %v", err)
		}
	})
}

func TestSweepAndPrune(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		live := reserve(t, st, 1, t0, t0.Add(time.Hour))
		gone := reserve(t, st, 2, t0, t0.Add(time.Hour))
		putJob(t, st, model.Job{ReservationID: live.ID, Kind: model.JobAutoFinish, FireAt: t0, Payload: []byte(`{}`), Status: model.JobPending, ScheduledAt: t0, UpdatedAt: t0})
		putJob(t, st, model.Job{ReservationID: gone.ID, Kind: model.JobAutoFinish, FireAt: t0, Payload: []byte(`{}`), Status: model.JobPending, ScheduledAt: t0, UpdatedAt: t0})
		putJob(t, st, model.Job{ReservationID: gone.ID, Kind: model.JobNotifyStart, FireAt: t0, Payload: []byte(`{}`), Status: model.JobDone, ScheduledAt: t0, UpdatedAt: t0})
		err := st.Update(ctx, func(tx Tx) error {
			if _, err := tx.TransitionStatus(ctx, gone.ID, model.Live, model.StatusCancelled, t0); err != nil {
				return err
			}
			id, err := tx.AppendIntent(ctx, model.Intent{Kind: model.IntentFinished, ReservationID: live.ID, CreatedAt: t0})
			if err != nil {
				return err
			}
			if id <= 0 {
				t.Fatalf("intent id = %d", id)
			}
			_, err = tx.AppendIntent(ctx, model.Intent{Kind: model.IntentReminder, ReservationID: live.ID, CreatedAt: t0})
			return err
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}

		n, err := st.SweepOrphanJobs(ctx)
		if err != nil || n != 1 {
			t.Fatalf("SweepOrphanJobs = %d, %v, want 1", n, err)
		}

		pending, err := st.PendingIntents(ctx, 10)
		if err != nil || len(pending) != 2 {
			t.Fatalf("PendingIntents = %v, %v", pending, err)
		}
		if pending[0].Kind != model.IntentFinished || pending[0].ReservationID != live.ID {
			t.Fatalf("intent[0] = %+v", pending[0])
		}
		if err := st.MarkIntentDelivered(ctx, pending[0].ID, t0); err != nil {
			t.Fatalf("MarkIntentDelivered: %v", err)
		}
		if err := st.MarkIntentFailed(ctx, pending[1].ID, "chat not found", false); err != nil {
			t.Fatalf("MarkIntentFailed: %v", err)
		}
		pending, _ = st.PendingIntents(ctx, 10)
		if len(pending) != 1 || pending[0].Attempts != 1 || pending[0].LastError != "chat not found" {
			t.Fatalf("retryable intent = %+v", pending)
		}

		pr, err := st.Prune(ctx, t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("Prune: %v", err)
		}
		if pr.Jobs != 1 || pr.Intents != 1 {
			t.Fatalf("Prune = %+v, want 1 job 1 intent", pr)
		}
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("sqlite without path must fail")
	}
	if !ValidDriver("Postgres") || ValidDriver("mongo") {
		t.Fatal("ValidDriver mismatch")
	}
}
