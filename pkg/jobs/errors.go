package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid job or configuration state.
	ErrValidation = errors.New("jobs validation error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("jobs invalid argument")
	// ErrNotFound classifies missing logical resources (unknown target, missing method, missing record).
	ErrNotFound = errors.New("jobs not found")
	// ErrRetryable classifies transient backend failures that may succeed on retry.
	ErrRetryable = errors.New("jobs retryable error")
	// ErrSerialization classifies malformed payload bytes. Redelivery reproduces the
	// same bytes, so these failures are terminal.
	ErrSerialization = errors.New("jobs serialization error")
	// ErrHandler wraps errors returned by invoked business logic.
	ErrHandler = errors.New("jobs handler error")
	// ErrRedeliveryHazard marks a reserved entry that could not be removed because its
	// stored representation no longer equals the one held by the job.
	ErrRedeliveryHazard = errors.New("jobs redelivery hazard")
	// ErrUnsupported classifies operations the backend does not provide (for example bury).
	ErrUnsupported = errors.New("jobs operation not supported")
	// ErrMaxAttemptsExceeded is the failure reported when a job ran out of attempts.
	ErrMaxAttemptsExceeded = errors.New("jobs max attempts exceeded")
	// ErrClosed classifies operations on a closed connector.
	ErrClosed = errors.New("jobs closed")
)

func jobsError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// Errorf builds an error classified by kind. Backend packages use it so that
// callers can branch with errors.Is.
func Errorf(kind error, format string, args ...any) error {
	return jobsError(kind, fmt.Sprintf(format, args...))
}

// Retryable wraps a backend failure as ErrRetryable, keeping the cause reachable.
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(jobsError(ErrRetryable, op), err)
}

// IsTerminal reports whether err can never succeed on redelivery.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSerialization) || errors.Is(err, ErrMaxAttemptsExceeded)
}
