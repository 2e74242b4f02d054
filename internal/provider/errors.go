package provider

import (
	"errors"
	"fmt"
	"time"
)

// Error is the generic provider failure. Auth and quota failures get their
// own types below so the job processor can route them to the shared health
// state without knowing which provider is in use.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps a failure in the uniform "Error generating completion"
// message carrying the extracted human-readable cause.
func NewError(cause string, err error) *Error {
	return &Error{
		Message: fmt.Sprintf("Error generating completion: %s", cause),
		Err:     err,
	}
}

// AuthError means the provider session is not authenticated. The whole host
// is affected, not just the current job.
type AuthError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *AuthError) Error() string {
	return e.Message
}

// QuotaError means the provider is rate-limited or over its usage cap.
type QuotaError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return e.Message
}

// AsAuthError returns the AuthError in err's chain, if any.
func AsAuthError(err error) (*AuthError, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}

// AsQuotaError returns the QuotaError in err's chain, if any.
func AsQuotaError(err error) (*QuotaError, bool) {
	var quotaErr *QuotaError
	if errors.As(err, &quotaErr) {
		return quotaErr, true
	}
	return nil, false
}
