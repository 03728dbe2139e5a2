package model

import "time"

// Status is the reservation lifecycle state.
type Status string

const (
	StatusPending   Status = "pending_confirmation"
	StatusActive    Status = "active"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusFinished || s == StatusCancelled }

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusFinished, StatusCancelled:
		return true
	}
	return false
}

// Live lists the statuses that hold a resource.
var Live = []Status{StatusPending, StatusActive}

// Resource is a bookable unit. The catalog owns it; the core never mutates it.
type Resource struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Note   string `json:"note,omitempty"`
	Active bool   `json:"active"`
}

// Reservation asserts that Owner holds Resource over [Start, End).
type Reservation struct {
	ID          int64     `json:"id"`
	ResourceID  int64     `json:"resource_id"`
	OwnerID     int64     `json:"owner_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	CancelledAt time.Time `json:"cancelled_at,omitzero"`
}

// Overlaps reports whether [start, end) intersects the reservation interval.
func (r Reservation) Overlaps(start, end time.Time) bool {
	return r.Start.Before(end) && start.Before(r.End)
}

// NewReservation is the input to Tx.ReserveIfFree.
type NewReservation struct {
	ResourceID int64
	OwnerID    int64
	Start      time.Time
	End        time.Time
	CreatedAt  time.Time
}

// Actor is an authenticated caller. Identity is established by the front end.
type Actor struct {
	ID    int64 `json:"id"`
	Admin bool  `json:"admin,omitempty"`
}

// System is the actor used by timed transitions.
var System = Actor{ID: 0, Admin: true}
