package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind discriminates time-triggered side effects.
type JobKind string

const (
	JobNotifyStart         JobKind = "NOTIFY_START"
	JobConfirmTimeout      JobKind = "CONFIRM_TIMEOUT"
	JobNotifyEnd           JobKind = "NOTIFY_END"
	JobAutoFinish          JobKind = "AUTO_FINISH"
	JobExtendPromptExpires JobKind = "EXTEND_PROMPT_EXPIRES"
)

// JobKinds lists every kind in a stable order.
var JobKinds = []JobKind{JobNotifyStart, JobConfirmTimeout, JobNotifyEnd, JobAutoFinish, JobExtendPromptExpires}

func (k JobKind) Valid() bool {
	for _, x := range JobKinds {
		if x == k {
			return true
		}
	}
	return false
}

// DropWhenStale reports whether a late fire should be skipped rather than run.
// Reminders are worthless after the fact; state transitions are not.
func (k JobKind) DropWhenStale() bool {
	switch k {
	case JobNotifyStart, JobNotifyEnd, JobExtendPromptExpires:
		return true
	}
	return false
}

// Transition reports whether firing the job changes reservation status.
// Such rows must eventually run, so they are retried and re-armed rather
// than left failed.
func (k JobKind) Transition() bool {
	return k == JobConfirmTimeout || k == JobAutoFinish
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Open() bool { return s == JobPending || s == JobProcessing }

// JobKey is the primary key of a job row.
type JobKey struct {
	ReservationID int64
	Kind          JobKind
}

func (k JobKey) String() string { return fmt.Sprintf("%d/%s", k.ReservationID, k.Kind) }

// Job is one persisted row of the job table.
type Job struct {
	ReservationID  int64
	Kind           JobKind
	FireAt         time.Time
	Payload        json.RawMessage
	Status         JobStatus
	Attempts       int
	LastError      string
	LeaseOwner     string
	LeaseExpiresAt time.Time
	// ScheduledAt is when the row was last (re)armed.
	ScheduledAt time.Time
	UpdatedAt   time.Time
}

func (j Job) Key() JobKey { return JobKey{ReservationID: j.ReservationID, Kind: j.Kind} }

// MaxErrorLen bounds last_error.
const MaxErrorLen = 512

func BoundError(s string) string {
	if len(s) <= MaxErrorLen {
		return s
	}
	return s[:MaxErrorLen-3] + "..."
}

// Payload is the typed body of a job. Each kind has exactly one shape.
type Payload interface {
	Kind() JobKind
}

// NotifyStartPayload asks the owner to confirm before Start.
type NotifyStartPayload struct {
	ResourceID int64     `json:"resource_id"`
	OwnerID    int64     `json:"owner_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

func (NotifyStartPayload) Kind() JobKind { return JobNotifyStart }

type ConfirmTimeoutPayload struct {
	Start time.Time `json:"start"`
}

func (ConfirmTimeoutPayload) Kind() JobKind { return JobConfirmTimeout }

type NotifyEndPayload struct {
	ResourceID int64     `json:"resource_id"`
	OwnerID    int64     `json:"owner_id"`
	End        time.Time `json:"end"`
}

func (NotifyEndPayload) Kind() JobKind { return JobNotifyEnd }

type AutoFinishPayload struct {
	End time.Time `json:"end"`
}

func (AutoFinishPayload) Kind() JobKind { return JobAutoFinish }

type ExtendPromptExpiresPayload struct {
	End time.Time `json:"end"`
}

func (ExtendPromptExpiresPayload) Kind() JobKind { return JobExtendPromptExpires }

// EncodePayload serializes p for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return b, nil
}

// DecodePayload restores the typed payload stored for kind.
func DecodePayload(kind JobKind, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case JobNotifyStart:
		var v NotifyStartPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobConfirmTimeout:
		var v ConfirmTimeoutPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobNotifyEnd:
		var v NotifyEndPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobAutoFinish:
		var v AutoFinishPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobExtendPromptExpires:
		var v ExtendPromptExpiresPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
