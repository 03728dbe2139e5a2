package model

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Wrap with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrConflict           = errors.New("conflict")
	ErrGone               = errors.New("gone")
	ErrUnavailable        = errors.New("unavailable")
)

// ConflictError describes the reservation that blocks a write.
type ConflictError struct {
	With Reservation
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: resource %d held by reservation %d [%s, %s)",
		e.With.ResourceID, e.With.ID,
		e.With.Start.Format("2006-01-02 15:04"), e.With.End.Format("15:04"))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Kind names the error kind of err, or "internal" if it has none.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrGone):
		return "gone"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func Precondition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionFailed, fmt.Sprintf(format, args...))
}

func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
