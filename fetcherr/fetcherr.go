// Package fetcherr defines the error-kind taxonomy used across the
// fetch pipeline (transport failures, timeouts, retryable and fatal
// HTTP responses, decode failures, cancellation, and construction-time
// validation errors), so callers can classify a failure with
// errors.As instead of string matching.
package fetcherr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and reporting purposes.
type Kind int

const (
	// Transport covers connection refused, DNS failure, connection
	// reset. Retryable.
	Transport Kind = iota
	// Timeout covers a per-attempt timeout elapsing. Retryable.
	Timeout
	// HTTPRetryable covers a response status in the configured
	// retryableStatuses set. Retryable.
	HTTPRetryable
	// HTTPFatal covers any other non-2xx response. Not retryable.
	HTTPFatal
	// Decode covers a response body that is not valid JSON. Not
	// retryable: the body was received but cannot be parsed.
	Decode
	// Cancelled covers the caller's cancellation signal firing, or the
	// coordinator shutting down. Not retryable.
	Cancelled
	// Validation covers an invalid URL or invalid configuration at
	// construction time. Fatal, raised at construction.
	Validation
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Timeout:
		return "timeout"
	case HTTPRetryable:
		return "http_retryable"
	case HTTPFatal:
		return "http_fatal"
	case Decode:
		return "decode"
	case Cancelled:
		return "cancelled"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may be retried
// subject to the attempt budget.
func (k Kind) Retryable() bool {
	switch k {
	case Transport, Timeout, HTTPRetryable:
		return true
	default:
		return false
	}
}

// Error is a typed, wrapped error carrying a classification Kind plus
// enough context (operation, URL, HTTP status if any) to diagnose a
// failure without string-matching its message.
type Error struct {
	Kind   Kind
	Op     string // e.g. "fetch", "decode"
	URL    string
	Status int // HTTP status, 0 if not applicable
	Err    error
}

// New wraps err with a classification.
func New(kind Kind, op, url string, err error) *Error {
	return &Error{Kind: kind, Op: op, URL: url, Err: err}
}

// NewHTTP wraps err with an HTTP status code attached.
func NewHTTP(kind Kind, status int, op, url string, err error) *Error {
	return &Error{Kind: kind, Op: op, URL: url, Status: status, Err: err}
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %v", e.Op, e.URL, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.URL, e.Kind, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind carried by err if it is (or wraps) a
// *fetcherr.Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
