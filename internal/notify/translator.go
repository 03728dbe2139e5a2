package notify

import (
	"context"
	"fmt"
	"time"

	"roombook/internal/catalog"
	"roombook/internal/jobs"
	"roombook/internal/model"
	"roombook/internal/storage"
	logx "roombook/pkg/logx"
)

// Lifecycle is the part of the booking engine that fired jobs drive. Every
// method runs inside the caller's transaction.
type Lifecycle interface {
	AutoCancelInTx(ctx context.Context, tx storage.Tx, id int64, now time.Time) (model.Reservation, bool, error)
	AutoFinishInTx(ctx context.Context, tx storage.Tx, id int64, now time.Time) (model.Reservation, bool, error)
	ExtensionFeasible(ctx context.Context, tx storage.Tx, r model.Reservation) (bool, error)
	Step() time.Duration
}

// Translator handles fired jobs by running the lifecycle step they stand for
// and appending the resulting intent to the outbox.
type Translator struct {
	life     Lifecycle
	registry *jobs.Registry
	catalog  catalog.Catalog
	log      logx.Logger
}

func NewTranslator(life Lifecycle, reg *jobs.Registry, cat catalog.Catalog, log logx.Logger) *Translator {
	return &Translator{
		life:     life,
		registry: reg,
		catalog:  cat,
		log:      log.With(logx.String("comp", "translator")),
	}
}

var _ jobs.Handler = (*Translator)(nil)

func (t *Translator) Handle(ctx context.Context, tx storage.Tx, res model.Reservation, job model.Job, now time.Time) error {
	if _, err := model.DecodePayload(job.Kind, job.Payload); err != nil {
		return jobs.Permanent(err)
	}

	switch job.Kind {
	case model.JobNotifyStart:
		// Confirmed already; the row only survives when confirm raced the fire.
		if res.Status != model.StatusPending {
			return nil
		}
		in := t.intent(model.IntentConfirmRequest, res, job, now)
		in.ConfirmID = res.ID
		return t.append(ctx, tx, in)

	case model.JobConfirmTimeout:
		r, cancelled, err := t.life.AutoCancelInTx(ctx, tx, res.ID, now)
		if err != nil || !cancelled {
			return err
		}
		t.log.Info("reservation auto-cancelled", logx.Int64("reservation_id", r.ID))
		return t.append(ctx, tx, t.intent(model.IntentAutoCancelled, r, job, now))

	case model.JobNotifyEnd:
		if res.Status != model.StatusActive {
			return nil
		}
		ok, err := t.life.ExtensionFeasible(ctx, tx, res)
		if err != nil {
			return err
		}
		if !ok {
			return t.append(ctx, tx, t.intent(model.IntentReminder, res, job, now))
		}
		in := t.intent(model.IntentExtendPrompt, res, job, now)
		in.CanExtend = true
		in.ExtendStep = t.life.Step()
		if err := t.append(ctx, tx, in); err != nil {
			return err
		}
		expires := t.registry.Policy().PromptExpiry(now, res.End)
		return t.registry.Arm(ctx, tx, res.ID, model.JobExtendPromptExpires, expires,
			model.ExtendPromptExpiresPayload{End: res.End}, now)

	case model.JobAutoFinish:
		r, finished, err := t.life.AutoFinishInTx(ctx, tx, res.ID, now)
		if err != nil || !finished {
			return err
		}
		t.log.Info("reservation auto-finished", logx.Int64("reservation_id", r.ID))
		return t.append(ctx, tx, t.intent(model.IntentFinished, r, job, now))

	case model.JobExtendPromptExpires:
		if res.Status != model.StatusActive {
			return nil
		}
		return t.append(ctx, tx, t.intent(model.IntentExtendPromptExpired, res, job, now))

	default:
		return jobs.Permanent(fmt.Errorf("no handler for job kind %q", job.Kind))
	}
}

func (t *Translator) intent(kind model.IntentKind, r model.Reservation, job model.Job, now time.Time) model.Intent {
	return model.Intent{
		Kind:          kind,
		ReservationID: r.ID,
		ResourceID:    r.ResourceID,
		ResourceName:  catalog.Name(t.catalog, r.ResourceID),
		OwnerID:       r.OwnerID,
		Start:         r.Start,
		End:           r.End,
		JobFireAt:     job.FireAt,
		CreatedAt:     now,
	}
}

func (t *Translator) append(ctx context.Context, tx storage.Tx, in model.Intent) error {
	if _, err := tx.AppendIntent(ctx, in); err != nil {
		return fmt.Errorf("append %s intent: %w", in.Kind, err)
	}
	return nil
}
