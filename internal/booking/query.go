package booking

import (
	"context"
	"time"

	"roombook/internal/calendar"
	"roombook/internal/catalog"
	"roombook/internal/model"
	"roombook/internal/storage"
)

// View is a reservation as shown to front ends.
type View struct {
	model.Reservation
	ResourceName string `json:"resource_name"`
}

// Window narrows a listing to reservations overlapping [From, To). Zero
// bounds are open. Terminal reservations are left out unless asked for.
type Window struct {
	From            time.Time
	To              time.Time
	IncludeTerminal bool
	Limit           int
}

func (w Window) filter() storage.Filter {
	f := storage.Filter{From: w.From, To: w.To, Limit: w.Limit}
	if !w.IncludeTerminal {
		f.Statuses = model.Live
	}
	return f
}

func (e *Engine) viewOf(r model.Reservation) View {
	return View{Reservation: r, ResourceName: catalog.Name(e.catalog, r.ResourceID)}
}

func (e *Engine) views(rs []model.Reservation) []View {
	out := make([]View, 0, len(rs))
	for _, r := range rs {
		out = append(out, e.viewOf(r))
	}
	return out
}

func (e *Engine) list(ctx context.Context, op string, f storage.Filter) ([]View, error) {
	var rs []model.Reservation
	err := e.view(ctx, op, func(ctx context.Context, tx storage.Tx, _ time.Time) error {
		var err error
		rs, err = tx.List(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e.views(rs), nil
}

// Get returns one reservation. Only its owner or an admin may read it.
func (e *Engine) Get(ctx context.Context, id int64, actor model.Actor) (View, error) {
	var r model.Reservation
	err := e.view(ctx, "get", func(ctx context.Context, tx storage.Tx, _ time.Time) error {
		var err error
		r, err = tx.Get(ctx, id)
		return err
	})
	if err != nil {
		return View{}, err
	}
	if r.OwnerID != actor.ID && !actor.Admin {
		return View{}, denied("reservation %d belongs to someone else", id)
	}
	return e.viewOf(r), nil
}

func (e *Engine) ListOwn(ctx context.Context, actor model.Actor, w Window) ([]View, error) {
	f := w.filter()
	f.OwnerID = actor.ID
	return e.list(ctx, "list_own", f)
}

func (e *Engine) ListByResource(ctx context.Context, resourceID int64, w Window) ([]View, error) {
	f := w.filter()
	f.ResourceID = resourceID
	return e.list(ctx, "list_by_resource", f)
}

// ListByDate lists reservations on the local day d, intersected with w.
func (e *Engine) ListByDate(ctx context.Context, d calendar.Date, w Window) ([]View, error) {
	from := e.cal.Combine(d, calendar.At(0, 0))
	to := e.cal.Combine(d.AddDays(1), calendar.At(0, 0))
	if w.From.After(from) {
		from = w.From
	}
	if !w.To.IsZero() && w.To.Before(to) {
		to = w.To
	}
	if !from.Before(to) {
		return []View{}, nil
	}
	w.From, w.To = from, to
	return e.list(ctx, "list_by_date", w.filter())
}

// FreeSlots returns the free parts of resourceID's working day d.
func (e *Engine) FreeSlots(ctx context.Context, resourceID int64, d calendar.Date) ([]calendar.Interval, error) {
	if _, ok := e.catalog.Resource(resourceID); !ok {
		return nil, model.Invalid("unknown resource %d", resourceID)
	}
	day := e.cal.WorkingDay(d)
	var (
		busy []calendar.Interval
		now  time.Time
	)
	err := e.view(ctx, "free_slots", func(ctx context.Context, tx storage.Tx, at time.Time) error {
		rs, err := tx.LoadForResource(ctx, resourceID, day.Start, day.End)
		if err != nil {
			return err
		}
		busy = busy[:0]
		for _, r := range rs {
			busy = append(busy, calendar.Interval{Start: r.Start, End: r.End})
		}
		now = at
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.cal.EnumerateSlots(d, busy, now), nil
}

// Next returns the first live reservation on resourceID starting at or after now.
func (e *Engine) Next(ctx context.Context, resourceID int64) (View, bool, error) {
	var (
		out   model.Reservation
		found bool
	)
	err := e.view(ctx, "next", func(ctx context.Context, tx storage.Tx, now time.Time) error {
		found = false
		from := now
		for {
			r, ok, err := tx.NextReservation(ctx, resourceID, from, 0)
			if err != nil || !ok {
				return err
			}
			if !r.Start.Before(now) {
				out, found = r, true
				return nil
			}
			// r is in progress; live reservations never overlap, so the next
			// one ends after r does.
			from = r.End
		}
	})
	if err != nil || !found {
		return View{}, false, err
	}
	return e.viewOf(out), true, nil
}
