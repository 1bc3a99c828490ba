package llm

import (
	"errors"
	"fmt"
)

// APIError wraps a transport or provider failure with explicit retryability
// so the queue's retry policy does not have to guess from message text.
type APIError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm api error: %s", e.Message)
}

// IsRetryable satisfies the retry package's RetryableError interface.
func (e *APIError) IsRetryable() bool { return e.Retryable }

// newAPIError classifies a status code: 429 and 5xx are transient, the rest
// permanent.
func newAPIError(statusCode int, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Message:    message,
		Retryable:  statusCode == 429 || statusCode >= 500,
	}
}

// ParseError means the model responded but no valid JSON could be extracted
// after the client's own retries. Callers fall back to regex extraction.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparsable llm response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse failures are not retryable at the queue level; the fallback path
// handles them.
func (e *ParseError) IsRetryable() bool { return false }

// IsParseError reports whether err is (or wraps) a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
