package booking

import (
	"context"
	"time"

	"roombook/internal/calendar"
	"roombook/internal/eventbus"
	"roombook/internal/model"
	"roombook/internal/storage"
	logx "roombook/pkg/logx"
)

// startSlack is how far behind the clock a requested start may be, so a
// booking for "now" made from a slow client still lands.
const startSlack = time.Minute

type CreateRequest struct {
	ResourceID int64
	Start      time.Time
	End        time.Time
	// OwnerID defaults to the actor. Only admins may book for someone else.
	OwnerID int64
}

// Create books [Start, End) on a resource in pending_confirmation.
func (e *Engine) Create(ctx context.Context, actor model.Actor, req CreateRequest) (model.Reservation, error) {
	owner := req.OwnerID
	if owner == 0 {
		owner = actor.ID
	}
	if owner != actor.ID && !actor.Admin {
		return model.Reservation{}, denied("only admins may book for another owner")
	}
	res, ok := e.catalog.Resource(req.ResourceID)
	if !ok {
		return model.Reservation{}, model.Invalid("unknown resource %d", req.ResourceID)
	}
	if !res.Active {
		return model.Reservation{}, model.Invalid("resource %q is not bookable", res.Name)
	}
	if err := e.cal.ValidateInterval(req.Start, req.End); err != nil {
		return model.Reservation{}, err
	}

	var created model.Reservation
	err := e.update(ctx, "create", func(ctx context.Context, tx storage.Tx, now time.Time) error {
		if req.Start.Before(now.Add(-startSlack)) {
			return model.Invalid("start %s is in the past", req.Start.In(e.cal.Location()).Format("2006-01-02 15:04"))
		}
		if !req.End.After(now) {
			return model.Invalid("end %s is in the past", req.End.In(e.cal.Location()).Format("2006-01-02 15:04"))
		}
		r, blocking, err := tx.ReserveIfFree(ctx, model.NewReservation{
			ResourceID: req.ResourceID,
			OwnerID:    owner,
			Start:      req.Start,
			End:        req.End,
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}
		if blocking != nil {
			return &model.ConflictError{With: *blocking}
		}
		created = r
		return e.reconcile(ctx, tx, r, now)
	})
	if err != nil {
		return model.Reservation{}, err
	}
	e.log.Info("reservation created",
		logx.Int64("reservation_id", created.ID), logx.Int64("resource_id", created.ResourceID),
		logx.Int64("owner_id", created.OwnerID), logx.Int64("actor_id", actor.ID),
		logx.Time("start", created.Start), logx.Time("end", created.End))
	e.publish(eventbus.ReservationCreated, created)
	return created, nil
}

// Confirm moves a pending reservation to active. Confirming an active
// reservation succeeds without side effects; a terminal one is Gone.
func (e *Engine) Confirm(ctx context.Context, id int64, actor model.Actor) (model.Reservation, error) {
	var (
		out     model.Reservation
		changed bool
	)
	err := e.update(ctx, "confirm", func(ctx context.Context, tx storage.Tx, now time.Time) error {
		changed = false
		r, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if r.OwnerID != actor.ID {
			return denied("only the owner may confirm reservation %d", id)
		}
		switch r.Status {
		case model.StatusActive:
			out = r
			return nil
		case model.StatusFinished, model.StatusCancelled:
			return gone("reservation %d is %s", id, r.Status)
		}
		r, err = tx.TransitionStatus(ctx, id, []model.Status{model.StatusPending}, model.StatusActive, now)
		if err != nil {
			return err
		}
		out, changed = r, true
		return e.reconcile(ctx, tx, r, now)
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if changed {
		e.log.Info("reservation confirmed", logx.Int64("reservation_id", id), logx.Int64("actor_id", actor.ID))
		e.publish(eventbus.ReservationConfirmed, out)
	}
	return out, nil
}

// Cancel ends a live reservation. Owners may cancel only before start;
// admins may cancel any live reservation.
func (e *Engine) Cancel(ctx context.Context, id int64, actor model.Actor) (model.Reservation, error) {
	var out model.Reservation
	err := e.update(ctx, "cancel", func(ctx context.Context, tx storage.Tx, now time.Time) error {
		r, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if r.OwnerID != actor.ID && !actor.Admin {
			return denied("reservation %d belongs to someone else", id)
		}
		if r.Status.Terminal() {
			return model.Precondition("reservation %d is already %s", id, r.Status)
		}
		if !actor.Admin && !now.Before(r.Start) {
			return model.Precondition("reservation %d has started; finish it instead", id)
		}
		r, err = tx.TransitionStatus(ctx, id, model.Live, model.StatusCancelled, now)
		if err != nil {
			return err
		}
		out = r
		return e.reconcile(ctx, tx, r, now)
	})
	if err != nil {
		return model.Reservation{}, err
	}
	e.log.Info("reservation cancelled", logx.Int64("reservation_id", id), logx.Int64("actor_id", actor.ID), logx.Bool("admin", actor.Admin))
	e.publish(eventbus.ReservationCancelled, out)
	return out, nil
}

// Finish releases an active reservation early. finished_at is min(now, end).
func (e *Engine) Finish(ctx context.Context, id int64, actor model.Actor) (model.Reservation, error) {
	var (
		out     model.Reservation
		changed bool
	)
	err := e.update(ctx, "finish", func(ctx context.Context, tx storage.Tx, now time.Time) error {
		changed = false
		r, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if r.OwnerID != actor.ID {
			return denied("only the owner may finish reservation %d", id)
		}
		if r.Status == model.StatusFinished {
			out = r
			return nil
		}
		if r.Status != model.StatusActive {
			return model.Precondition("reservation %d is %s", id, r.Status)
		}
		if now.Before(r.Start) {
			return model.Precondition("reservation %d has not started; cancel it instead", id)
		}
		r, err = tx.TransitionStatus(ctx, id, []model.Status{model.StatusActive}, model.StatusFinished, minTime(now, r.End))
		if err != nil {
			return err
		}
		out, changed = r, true
		return e.reconcile(ctx, tx, r, now)
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if changed {
		e.log.Info("reservation finished", logx.Int64("reservation_id", id), logx.Int64("actor_id", actor.ID))
		e.publish(eventbus.ReservationFinished, out)
	}
	return out, nil
}

// Extend moves the end of an active reservation forward by delta and returns
// the new end. The result stays within the start's working day and
// MAX_DURATION, and never overlaps the next reservation.
func (e *Engine) Extend(ctx context.Context, id int64, actor model.Actor, delta time.Duration) (time.Time, error) {
	step := e.cal.Step()
	if delta <= 0 || delta%step != 0 {
		return time.Time{}, model.Invalid("extension %s must be a positive multiple of %s", delta, step)
	}
	var out model.Reservation
	err := e.update(ctx, "extend", func(ctx context.Context, tx storage.Tx, now time.Time) error {
		r, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if r.OwnerID != actor.ID {
			return denied("only the owner may extend reservation %d", id)
		}
		if r.Status != model.StatusActive {
			return model.Precondition("reservation %d is %s", id, r.Status)
		}
		if !now.Before(r.End) {
			return model.Precondition("reservation %d has already ended", id)
		}
		newEnd := r.End.Add(delta)
		if newEnd.Sub(r.Start) > e.cal.MaxDuration() {
			return model.Invalid("extended duration %s exceeds %s", newEnd.Sub(r.Start), e.cal.MaxDuration())
		}
		if newEnd.After(e.dayLimit(r.Start)) {
			return model.Invalid("extension past the end of working hours")
		}
		next, ok, err := tx.NextReservation(ctx, r.ResourceID, r.End, r.ID)
		if err != nil {
			return err
		}
		if ok && next.Start.Before(newEnd) {
			return &model.ConflictError{With: next}
		}
		r, err = tx.SetInterval(ctx, id, newEnd)
		if err != nil {
			return err
		}
		out = r
		return e.reconcile(ctx, tx, r, now)
	})
	if err != nil {
		return time.Time{}, err
	}
	e.log.Info("reservation extended", logx.Int64("reservation_id", id), logx.Duration("delta", delta), logx.Time("end", out.End))
	e.publish(eventbus.ReservationExtended, out)
	return out.End, nil
}

// dayLimit is the latest end a reservation starting at start may have:
// WORK_END of its local day, which is at most the following midnight.
func (e *Engine) dayLimit(start time.Time) time.Time {
	d := e.cal.LocalDate(start)
	limit := e.cal.WorkingDay(d).End
	if midnight := e.cal.Combine(d.AddDays(1), calendar.At(0, 0)); midnight.Before(limit) {
		limit = midnight
	}
	return limit
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
