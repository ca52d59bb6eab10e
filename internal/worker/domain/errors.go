package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a requested status transition is
	// not legal from the job's current status
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInputNotFound is returned when the job's input object does not exist
	// in blob storage
	ErrInputNotFound = errors.New("input object not found")

	// ErrSlotBroken is returned when a worker slot failed to construct its
	// resource context and can no longer run tasks
	ErrSlotBroken = errors.New("worker slot resource unavailable")
)

// RetryableError marks a transient failure whose message should be requeued.
// The wrapper carries classification only; the error text stays the cause's,
// so what gets persisted on the job row reads cleanly.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err was marked retryable.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
