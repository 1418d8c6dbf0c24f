package news

import (
	"errors"
	"fmt"
)

var (
	// ErrNoIdentifier is returned when a request has neither email nor token
	ErrNoIdentifier = errors.New("email or token is required")

	// ErrInvalidKind is returned for an operation kind other than
	// SUBSCRIBE, UNSUBSCRIBE or SET
	ErrInvalidKind = errors.New("unknown operation kind")

	// ErrUnknownNewsletter is returned under RejectUnknownSlug
	ErrUnknownNewsletter = errors.New("unknown newsletter")

	// ErrNoConfirmAddress means a confirmation was required but no email is known
	ErrNoConfirmAddress = errors.New("no email address for confirmation")
)

// RetryableError marks a failure the caller may retry unchanged
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err, or any error it wraps, is retryable
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
