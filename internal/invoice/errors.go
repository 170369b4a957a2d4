package invoice

import (
	"errors"
	"fmt"
)

// ValidationError means the backend (or the client, before sending) rejected the
// input. It is not retryable; the user has to pick another file.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Message
}

// NotFoundError means the backend does not know the job id (unknown or expired).
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.JobID)
}

// TransportError wraps transient connectivity failures and unexpected server
// responses. It is the only retryable kind.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProcessingError carries the backend's diagnostic for a job that failed server side.
type ProcessingError struct {
	JobID  string
	Detail string
}

func (e *ProcessingError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("job %s failed during processing", e.JobID)
	}
	return fmt.Sprintf("job %s failed during processing: %s", e.JobID, e.Detail)
}

// PreconditionError is returned when an operation is invoked in a state that does
// not allow it, e.g. fetching results before the job completed.
type PreconditionError struct {
	Op    string
	State string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

// IsRetryable reports whether err is transient and worth another attempt.
func IsRetryable(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}
