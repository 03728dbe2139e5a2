// Package jobs keeps each reservation's timed side effects in the job table
// and fires them when due.
package jobs

import (
	"fmt"
	"time"

	"roombook/internal/model"
)

// Policy holds the lead and grace offsets used to derive fire times.
type Policy struct {
	LeadStart       time.Duration
	LeadEnd         time.Duration
	ConfirmGrace    time.Duration
	MisfireGrace    time.Duration
	ExtendPromptTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		LeadStart:       10 * time.Minute,
		LeadEnd:         10 * time.Minute,
		ConfirmGrace:    9 * time.Minute,
		MisfireGrace:    5 * time.Minute,
		ExtendPromptTTL: 5 * time.Minute,
	}
}

func (p Policy) Validate() error {
	if p.LeadStart < 0 || p.LeadEnd < 0 || p.ConfirmGrace < 0 {
		return fmt.Errorf("lifecycle leads and grace must be >= 0")
	}
	if p.MisfireGrace <= 0 {
		return fmt.Errorf("lifecycle.misfire_grace must be > 0")
	}
	if p.ExtendPromptTTL <= 0 {
		return fmt.Errorf("lifecycle.extend_prompt_ttl must be > 0")
	}
	return nil
}

// Planned is one row the reservation should have.
type Planned struct {
	Kind    model.JobKind
	FireAt  time.Time
	Payload model.Payload
}

// Derive computes the job set a reservation should carry in its current
// status. Terminal reservations carry none. EXTEND_PROMPT_EXPIRES is never
// derived; it is written by the NOTIFY_END handler.
func (p Policy) Derive(r model.Reservation) []Planned {
	switch r.Status {
	case model.StatusPending:
		return []Planned{
			{Kind: model.JobNotifyStart, FireAt: r.Start.Add(-p.LeadStart), Payload: model.NotifyStartPayload{
				ResourceID: r.ResourceID, OwnerID: r.OwnerID, Start: r.Start, End: r.End,
			}},
			{Kind: model.JobConfirmTimeout, FireAt: r.Start.Add(p.ConfirmGrace), Payload: model.ConfirmTimeoutPayload{Start: r.Start}},
			{Kind: model.JobAutoFinish, FireAt: r.End, Payload: model.AutoFinishPayload{End: r.End}},
		}
	case model.StatusActive:
		return []Planned{
			{Kind: model.JobNotifyEnd, FireAt: r.End.Add(-p.LeadEnd), Payload: model.NotifyEndPayload{
				ResourceID: r.ResourceID, OwnerID: r.OwnerID, End: r.End,
			}},
			{Kind: model.JobAutoFinish, FireAt: r.End, Payload: model.AutoFinishPayload{End: r.End}},
		}
	}
	return nil
}

// Stale reports whether a claimed job is past its misfire window. A row armed
// after its fire time counts from when it was armed.
func (p Policy) Stale(j model.Job, now time.Time) bool {
	ref := j.FireAt
	if j.ScheduledAt.After(ref) {
		ref = j.ScheduledAt
	}
	return now.Sub(ref) > p.MisfireGrace
}

// PromptExpiry is when an extension offer made at firedAt lapses.
func (p Policy) PromptExpiry(firedAt, end time.Time) time.Time {
	at := firedAt.Add(p.ExtendPromptTTL)
	if at.After(end) {
		return end
	}
	return at
}
