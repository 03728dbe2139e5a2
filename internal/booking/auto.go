package booking

import (
	"context"
	"time"

	"roombook/internal/eventbus"
	"roombook/internal/model"
	"roombook/internal/storage"
	logx "roombook/pkg/logx"
)

// AutoCancelInTx cancels id if it is still pending_confirmation. It reports
// false without error when the owner confirmed first. Callers publish.
func (e *Engine) AutoCancelInTx(ctx context.Context, tx storage.Tx, id int64, now time.Time) (model.Reservation, bool, error) {
	r, err := tx.Get(ctx, id)
	if err != nil {
		return model.Reservation{}, false, err
	}
	if r.Status != model.StatusPending {
		return r, false, nil
	}
	r, err = tx.TransitionStatus(ctx, id, []model.Status{model.StatusPending}, model.StatusCancelled, now)
	if err != nil {
		return model.Reservation{}, false, err
	}
	return r, true, e.reconcile(ctx, tx, r, now)
}

// AutoFinishInTx finishes id at min(now, end) if it is active.
func (e *Engine) AutoFinishInTx(ctx context.Context, tx storage.Tx, id int64, now time.Time) (model.Reservation, bool, error) {
	r, err := tx.Get(ctx, id)
	if err != nil {
		return model.Reservation{}, false, err
	}
	if r.Status != model.StatusActive {
		return r, false, nil
	}
	r, err = tx.TransitionStatus(ctx, id, []model.Status{model.StatusActive}, model.StatusFinished, minTime(now, r.End))
	if err != nil {
		return model.Reservation{}, false, err
	}
	return r, true, e.reconcile(ctx, tx, r, now)
}

// ExtensionFeasible reports whether r could be extended by one step right now:
// the new end stays inside the working day and MAX_DURATION and no live
// reservation holds [end, end+step).
func (e *Engine) ExtensionFeasible(ctx context.Context, tx storage.Tx, r model.Reservation) (bool, error) {
	if r.Status != model.StatusActive {
		return false, nil
	}
	newEnd := r.End.Add(e.cal.Step())
	if newEnd.After(e.dayLimit(r.Start)) || newEnd.Sub(r.Start) > e.cal.MaxDuration() {
		return false, nil
	}
	next, ok, err := tx.NextReservation(ctx, r.ResourceID, r.End, r.ID)
	if err != nil {
		return false, err
	}
	return !ok || !next.Start.Before(newEnd), nil
}

// AutoCancelIfUnconfirmed runs the confirmation timeout for id in its own
// transaction. Normally the CONFIRM_TIMEOUT job does this through
// AutoCancelInTx.
func (e *Engine) AutoCancelIfUnconfirmed(ctx context.Context, id int64) (bool, error) {
	var (
		out model.Reservation
		ok  bool
	)
	err := e.update(ctx, "auto_cancel", func(ctx context.Context, tx storage.Tx, now time.Time) error {
		var err error
		out, ok, err = e.AutoCancelInTx(ctx, tx, id, now)
		return err
	})
	if err != nil || !ok {
		return false, err
	}
	e.log.Info("reservation auto-cancelled", logx.Int64("reservation_id", id))
	e.publish(eventbus.ReservationCancelled, out)
	return true, nil
}

// AutoFinish completes an active reservation in its own transaction.
func (e *Engine) AutoFinish(ctx context.Context, id int64) (bool, error) {
	var (
		out model.Reservation
		ok  bool
	)
	err := e.update(ctx, "auto_finish", func(ctx context.Context, tx storage.Tx, now time.Time) error {
		var err error
		out, ok, err = e.AutoFinishInTx(ctx, tx, id, now)
		return err
	})
	if err != nil || !ok {
		return false, err
	}
	e.log.Info("reservation auto-finished", logx.Int64("reservation_id", id))
	e.publish(eventbus.ReservationFinished, out)
	return true, nil
}
