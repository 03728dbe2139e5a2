package booking

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"roombook/internal/clock"
	"roombook/internal/jobs"
	"roombook/internal/model"
	"roombook/internal/reconciler"
	"roombook/internal/storage"
	logx "roombook/pkg/logx"
)

func statusRank(s model.Status) int {
	switch s {
	case model.StatusPending:
		return 0
	case model.StatusActive:
		return 1
	}
	return 2
}

// checker asserts the store-wide invariants after every step of a random run.
type checker struct {
	h    *harness
	pol  jobs.Policy
	rec  *reconciler.Reconciler
	seen map[int64]model.Status
}

func (c *checker) all(t *testing.T) []model.Reservation {
	t.Helper()
	var out []model.Reservation
	for _, res := range []int64{1, 2} {
		vs, err := c.h.eng.ListByResource(context.Background(), res, Window{IncludeTerminal: true})
		if err != nil {
			t.Fatalf("ListByResource(%d): %v", res, err)
		}
		for _, v := range vs {
			out = append(out, v.Reservation)
		}
	}
	return out
}

func (c *checker) check(t *testing.T, step int, op string) {
	t.Helper()
	ctx := context.Background()
	rs := c.all(t)

	for i, a := range rs {
		if !a.Status.Terminal() {
			for _, b := range rs[i+1:] {
				if b.Status.Terminal() || a.ResourceID != b.ResourceID {
					continue
				}
				if a.Start.Before(b.End) && b.Start.Before(a.End) {
					t.Fatalf("step %d (%s): live reservations %d and %d overlap", step, op, a.ID, b.ID)
				}
			}
		}

		prev, ok := c.seen[a.ID]
		if ok && (statusRank(a.Status) < statusRank(prev) || (prev.Terminal() && a.Status != prev)) {
			t.Fatalf("step %d (%s): reservation %d went %s -> %s", step, op, a.ID, prev, a.Status)
		}
		c.seen[a.ID] = a.Status

		want := map[model.JobKind]time.Time{}
		for _, p := range c.pol.Derive(a) {
			want[p.Kind] = p.FireAt
		}
		var js []model.Job
		err := c.h.store.View(ctx, func(tx storage.Tx) error {
			var err error
			js, err = tx.Jobs(ctx, a.ID)
			return err
		})
		if err != nil {
			t.Fatalf("Jobs(%d): %v", a.ID, err)
		}
		got := 0
		for _, j := range js {
			if j.Kind == model.JobExtendPromptExpires {
				if a.Status != model.StatusActive {
					t.Fatalf("step %d (%s): %s reservation %d keeps an extend prompt", step, op, a.Status, a.ID)
				}
				continue
			}
			got++
			if fire, ok := want[j.Kind]; !ok || !fire.Equal(j.FireAt) {
				t.Fatalf("step %d (%s): reservation %d (%s) has %s at %s, want %v",
					step, op, a.ID, a.Status, j.Kind, j.FireAt.Format("15:04"), fmtJobs(want))
			}
		}
		if got != len(want) {
			t.Fatalf("step %d (%s): reservation %d (%s) has %d jobs, want %v", step, op, a.ID, a.Status, got, fmtJobs(want))
		}
	}

	rep, err := c.rec.Run(ctx)
	if err != nil {
		t.Fatalf("step %d (%s): reconcile: %v", step, op, err)
	}
	if rep.Repaired != 0 || rep.Orphans != 0 {
		t.Fatalf("step %d (%s): reconcile on a consistent store = %+v, want no-op", step, op, rep)
	}
}

func runRandomSequence(t *testing.T, store storage.Store, seed int64, steps int) {
	rng := rand.New(rand.NewSource(seed))
	clk := clock.NewManual(at(8, 0))
	h := newHarness(t, store, clk)
	c := &checker{
		h:    h,
		pol:  jobs.DefaultPolicy(),
		rec:  reconciler.New(store, h.reg, clk, nil, logx.Nop(), reconciler.Config{}),
		seen: map[int64]model.Status{},
	}
	ctx := context.Background()
	actors := []model.Actor{u1, u2, admin}
	var ids []int64
	pick := func() int64 {
		if len(ids) == 0 {
			return 1
		}
		return ids[rng.Intn(len(ids))]
	}

	for i := 0; i < steps; i++ {
		actor := actors[rng.Intn(len(actors))]
		var (
			op  string
			err error
		)
		switch n := rng.Intn(10); {
		case n < 3:
			op = "create"
			start := h.eng.Calendar().AlignUp(clk.Now(), 30*time.Minute).Add(time.Duration(rng.Intn(8)) * 30 * time.Minute)
			end := start.Add(time.Duration(1+rng.Intn(4)) * 30 * time.Minute)
			var r model.Reservation
			r, err = h.eng.Create(ctx, actor, CreateRequest{ResourceID: int64(1 + rng.Intn(2)), Start: start, End: end})
			if err == nil {
				ids = append(ids, r.ID)
			}
		case n < 5:
			op = "confirm"
			_, err = h.eng.Confirm(ctx, pick(), actor)
		case n < 6:
			op = "cancel"
			_, err = h.eng.Cancel(ctx, pick(), actor)
		case n < 7:
			op = "finish"
			_, err = h.eng.Finish(ctx, pick(), actor)
		case n < 8:
			op = "extend"
			_, err = h.eng.Extend(ctx, pick(), actor, 30*time.Minute)
		default:
			op = "tick"
			h.tick(clk.Now().Add(time.Duration(1+rng.Intn(15)) * time.Minute))
		}
		if err != nil && model.KindOf(err) == "internal" {
			t.Fatalf("seed %d step %d (%s): unexpected error: %v", seed, i, op, err)
		}
		c.check(t, i, op)
	}
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	t.Parallel()
	drivers := map[string]func(t *testing.T) storage.Store{
		"memory": func(*testing.T) storage.Store { return storage.NewMemory() },
		"sqlite": func(t *testing.T) storage.Store { return openSQLite(t, "") },
	}
	for name, open := range drivers {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			for _, seed := range []int64{1, 7, 42, 1009} {
				runRandomSequence(t, open(t), seed, 150)
			}
		})
	}
}
