package domain

import (
	"errors"

	"github.com/cuongbtq/invoice-assist/internal/worker/extract"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's already claimed
	ErrJobAlreadyClaimed = errors.New("job already claimed or not pending")

	// ErrInvalidMessage is returned when a queue message is malformed
	ErrInvalidMessage = errors.New("invalid job message")

	// ErrMaxRetriesExceeded is returned when a job has exceeded its retry limit
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrUnsupportedFormat and ErrNoText are permanent document failures.
	ErrUnsupportedFormat = extract.ErrUnsupportedFormat
	ErrNoText            = extract.ErrNoText
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrNoText)
}
