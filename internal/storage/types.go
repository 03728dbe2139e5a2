package storage

import (
	"context"
	"errors"
	"time"

	"roombook/internal/model"
)

var ErrReadOnly = errors.New("storage: write in read-only transaction")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on exit (tests, demos)
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "postgres": PostgreSQL via pgx; DSN is required
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	MaxConns    int           // postgres only; 0 means driver default
}

// Filter selects reservations for listings. Zero fields do not constrain.
type Filter struct {
	OwnerID    int64
	ResourceID int64
	// From/To select reservations overlapping [From, To).
	From     time.Time
	To       time.Time
	Statuses []model.Status
	Limit    int
}

type PruneResult struct {
	Jobs    int
	Intents int
}

// Store is the persistence boundary of the core. Every Update runs as one
// serializable transaction; contention surfaces as model.ErrUnavailable.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error

	// ClaimDueJobs leases up to limit due jobs to owner. A job is due when it is
	// pending with fire_at <= now, or processing with an expired lease.
	ClaimDueJobs(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]model.Job, error)
	// MarkJob settles a job leased to owner. It is a no-op when the lease was lost.
	MarkJob(ctx context.Context, key model.JobKey, owner string, status model.JobStatus, errText string, at time.Time) error

	// NonTerminal lists live reservations starting before startBefore (zero: all).
	NonTerminal(ctx context.Context, startBefore time.Time) ([]model.Reservation, error)
	// SweepOrphanJobs deletes open jobs whose reservation is missing or terminal.
	SweepOrphanJobs(ctx context.Context) (int, error)

	PendingIntents(ctx context.Context, limit int) ([]model.Intent, error)
	MarkIntentDelivered(ctx context.Context, id int64, at time.Time) error
	MarkIntentFailed(ctx context.Context, id int64, errText string, giveUp bool) error

	// Prune removes settled jobs and intents last touched before the cutoff.
	Prune(ctx context.Context, before time.Time) (PruneResult, error)

	Close() error
}

// Tx is the set of primitives available inside a transaction.
type Tx interface {
	Get(ctx context.Context, id int64) (model.Reservation, error)
	// ReserveIfFree inserts a pending reservation unless a live one overlaps.
	// On overlap it returns the blocking reservation and no error.
	ReserveIfFree(ctx context.Context, r model.NewReservation) (model.Reservation, *model.Reservation, error)
	TransitionStatus(ctx context.Context, id int64, from []model.Status, to model.Status, when time.Time) (model.Reservation, error)
	// SetInterval moves the end of an active reservation forward.
	SetInterval(ctx context.Context, id int64, newEnd time.Time) (model.Reservation, error)
	// NextReservation returns the earliest live reservation on the resource
	// ending after from, other than excludeID.
	NextReservation(ctx context.Context, resourceID int64, from time.Time, excludeID int64) (model.Reservation, bool, error)
	LoadForResource(ctx context.Context, resourceID int64, from, to time.Time) ([]model.Reservation, error)
	List(ctx context.Context, f Filter) ([]model.Reservation, error)

	Jobs(ctx context.Context, reservationID int64) ([]model.Job, error)
	Job(ctx context.Context, key model.JobKey) (model.Job, error)
	UpsertJob(ctx context.Context, job model.Job) error
	DeleteJob(ctx context.Context, key model.JobKey) error
	MarkJob(ctx context.Context, key model.JobKey, status model.JobStatus, errText string, at time.Time) error

	AppendIntent(ctx context.Context, in model.Intent) (int64, error)
}
