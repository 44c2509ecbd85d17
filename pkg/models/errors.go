package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ClassifiedError tags an upstream failure with an ErrorClass so callers
// can decide whether to retry, tolerate, or fail the run. Op names the
// failing operation, e.g. "slack/apps" or "credentials/refresh".
type ClassifiedError struct {
	Class ErrorClass
	Op    string
	Err   error

	// RetryAfter carries the platform's own backoff hint, when present
	// (HTTP 429 Retry-After). Zero means no hint.
	RetryAfter time.Duration
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with a class and operation name.
func Classify(class ErrorClass, op string, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Op: op, Err: err}
}

// ClassOf extracts the error class from err's chain. Unclassified errors
// count as internal, and context timeouts as network.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrClassNetwork
	}
	return ErrClassInternal
}

// Retryable reports whether failures of this class are worth retrying
// with backoff. Only transient network trouble and rate limits qualify.
func (c ErrorClass) Retryable() bool {
	return c == ErrClassNetwork || c == ErrClassRateLimit
}
