package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyActive is returned when starting a job while another is queued or running
	ErrJobAlreadyActive = errors.New("another job is already queued or running")

	// ErrJobNotClaimable is returned when claiming a job that is not in QUEUED status
	ErrJobNotClaimable = errors.New("job not in QUEUED status")

	// ErrJobNotRunning is returned when resuming or cancelling a job that is already terminal
	ErrJobNotRunning = errors.New("job is not running")

	// ErrInvalidMode is returned for an unknown destination selection mode
	ErrInvalidMode = errors.New("invalid job mode")
)

// TemporaryError wraps transient provider failures that warrant a retry
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string {
	return "temporary: " + e.Err.Error()
}

func (e *TemporaryError) Unwrap() error {
	return e.Err
}

// NewTemporaryError wraps err as retryable
func NewTemporaryError(err error) error {
	return &TemporaryError{Err: err}
}

// IsTemporary reports whether err (or anything it wraps) is a TemporaryError
func IsTemporary(err error) bool {
	var tmp *TemporaryError
	return errors.As(err, &tmp)
}
