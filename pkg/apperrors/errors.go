package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrManifestExists    = errors.New("manifest already exists for run")
	ErrManifestMissing   = errors.New("manifest missing for run")
	ErrDuplicateFilePath = errors.New("duplicate file path in run")
	ErrPathOutsideRoot   = errors.New("file path resolves outside run root")
	ErrUnknownQueue      = errors.New("queue name not in allow-list")
	ErrInvalidPayload    = errors.New("invalid job payload")
	ErrRunFailed         = errors.New("run failed")
)

// PermanentError marks a failure that must not be retried: the job goes
// straight to the dead-letter queue with the structured reason attached.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent: %s", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable satisfies the retry package's RetryableError interface.
func (e *PermanentError) IsRetryable() bool { return false }

// Permanent wraps err as a non-retryable failure with a structured reason.
func Permanent(reason string, err error) *PermanentError {
	return &PermanentError{Reason: reason, Err: err}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// PermanentReason extracts the structured reason from a permanent error,
// or "" when err is not permanent.
func PermanentReason(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}
