package jobs

import (
	"context"
	"time"

	"roombook/internal/model"
	"roombook/internal/storage"
)

// Registry brings a reservation's job rows to their derived state. It holds
// no schedule of its own; the job table is the schedule.
type Registry struct {
	pol Policy
}

func NewRegistry(p Policy) *Registry { return &Registry{pol: p} }

func (r *Registry) Policy() Policy { return r.pol }

// Changes counts the row writes made by one Reconcile.
type Changes struct {
	Inserted int
	Updated  int
	Deleted  int
}

func (c Changes) Empty() bool { return c.Inserted == 0 && c.Updated == 0 && c.Deleted == 0 }

func (c *Changes) Add(o Changes) {
	c.Inserted += o.Inserted
	c.Updated += o.Updated
	c.Deleted += o.Deleted
}

// Reconcile upserts and deletes job rows for res in a single pass, inside the
// caller's transaction. Rows whose fire_at already matches are left alone
// whatever their status, so a fired job never fires twice for the same time.
// The exception is a failed status transition on a live reservation: it is
// re-armed, since the reservation cannot leave its status otherwise.
// Running it on a consistent reservation writes nothing.
func (r *Registry) Reconcile(ctx context.Context, tx storage.Tx, res model.Reservation, now time.Time) (Changes, error) {
	var ch Changes
	existing, err := tx.Jobs(ctx, res.ID)
	if err != nil {
		return ch, err
	}

	planned := r.pol.Derive(res)
	want := make(map[model.JobKind]Planned, len(planned))
	for _, p := range planned {
		want[p.Kind] = p
	}

	var (
		prompt    *model.Job
		notifyEnd *model.Job
	)
	for i := range existing {
		j := existing[i]
		if j.Kind == model.JobExtendPromptExpires {
			prompt = &existing[i]
			continue
		}
		p, ok := want[j.Kind]
		if !ok {
			if err := tx.DeleteJob(ctx, j.Key()); err != nil {
				return ch, err
			}
			ch.Deleted++
			continue
		}
		delete(want, j.Kind)
		if !j.FireAt.Equal(p.FireAt) || (j.Status == model.JobFailed && j.Kind.Transition()) {
			if err := r.arm(ctx, tx, res.ID, p, now); err != nil {
				return ch, err
			}
			ch.Updated++
			continue
		}
		if j.Kind == model.JobNotifyEnd {
			notifyEnd = &existing[i]
		}
	}
	for _, p := range planned {
		if _, missing := want[p.Kind]; !missing {
			continue
		}
		if err := r.arm(ctx, tx, res.ID, p, now); err != nil {
			return ch, err
		}
		ch.Inserted++
	}

	// An extension offer outlives its NOTIFY_END only while that row is the
	// fired one for the current end.
	if prompt != nil {
		keep := res.Status == model.StatusActive && notifyEnd != nil && notifyEnd.Status == model.JobDone
		if !keep {
			if err := tx.DeleteJob(ctx, prompt.Key()); err != nil {
				return ch, err
			}
			ch.Deleted++
		}
	}
	return ch, nil
}

// Arm writes a pending row for kind on res, replacing any existing row.
func (r *Registry) Arm(ctx context.Context, tx storage.Tx, reservationID int64, kind model.JobKind, fireAt time.Time, payload model.Payload, now time.Time) error {
	return r.arm(ctx, tx, reservationID, Planned{Kind: kind, FireAt: fireAt, Payload: payload}, now)
}

func (r *Registry) arm(ctx context.Context, tx storage.Tx, reservationID int64, p Planned, now time.Time) error {
	raw, err := model.EncodePayload(p.Payload)
	if err != nil {
		return err
	}
	return tx.UpsertJob(ctx, model.Job{
		ReservationID: reservationID,
		Kind:          p.Kind,
		FireAt:        p.FireAt,
		Payload:       raw,
		Status:        model.JobPending,
		ScheduledAt:   now,
		UpdatedAt:     now,
	})
}
