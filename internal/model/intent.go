package model

import "time"

// IntentKind tags a record on the intent channel.
type IntentKind string

const (
	IntentReminder            IntentKind = "reminder"
	IntentConfirmRequest      IntentKind = "confirm_request"
	IntentAutoCancelled       IntentKind = "auto_cancelled"
	IntentExtendPrompt        IntentKind = "extend_prompt"
	IntentExtendPromptExpired IntentKind = "extend_prompt_expired"
	IntentFinished            IntentKind = "finished"
)

// Intent is a side effect the front end should carry out. It holds only
// primitive fields; consumers deduplicate on (ReservationID, Kind, JobFireAt).
type Intent struct {
	ID            int64      `json:"id"`
	Kind          IntentKind `json:"kind"`
	ReservationID int64      `json:"reservation_id"`
	ResourceID    int64      `json:"resource_id"`
	ResourceName  string     `json:"resource_name"`
	OwnerID       int64      `json:"owner_id"`
	Start         time.Time  `json:"start"`
	End           time.Time  `json:"end"`
	// ConfirmID correlates a ConfirmRequest with Engine.Confirm.
	ConfirmID int64 `json:"confirm_id,omitempty"`
	CanExtend bool  `json:"can_extend,omitempty"`
	// ExtendStep is the increment offered by an ExtendPrompt.
	ExtendStep time.Duration `json:"extend_step,omitempty"`
	JobFireAt  time.Time     `json:"job_fire_at"`
	CreatedAt  time.Time     `json:"created_at"`

	Attempts    int       `json:"attempts,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	DeliveredAt time.Time `json:"delivered_at,omitzero"`
	Failed      bool      `json:"failed,omitempty"`
}
