package jobs

import (
	"errors"
	"fmt"
)

// Permanent marks a handler error as non-retryable; the job is marked failed.
//
//	return jobs.Permanent(fmt.Errorf("owner %d has no chat: %w", id, err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
