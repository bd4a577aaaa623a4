// internal/broker/errors.go
package broker

import (
	"errors"
	"fmt"
)

// Kind buckets broker failures by how the watchdog must react to them.
type Kind string

const (
	// KindNetwork is a transient I/O failure; retried with backoff.
	KindNetwork Kind = "network"
	// KindRateLimit is broker throttling; retried with backoff.
	KindRateLimit Kind = "rate_limit"
	// KindAuth is an expired or invalid credential; surfaced, never
	// retried locally.
	KindAuth Kind = "auth"
	// KindValidation is a malformed request; the triggering tranche is
	// failed without retry.
	KindValidation Kind = "validation"
	// KindRejection is an order the broker or exchange refused; treated
	// like validation.
	KindRejection Kind = "rejection"
)

// Error wraps a broker failure with its kind and the ticker it concerns.
type Error struct {
	Kind   Kind
	Ticker string
	Err    error
}

func (e *Error) Error() string {
	if e.Ticker != "" {
		return fmt.Sprintf("broker %s error for %s: %v", e.Kind, e.Ticker, e.Err)
	}
	return fmt.Sprintf("broker %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the dispatcher may retry this failure.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimit
}

// NewError builds a classified broker error.
func NewError(kind Kind, ticker string, err error) *Error {
	return &Error{Kind: kind, Ticker: ticker, Err: err}
}

// KindOf extracts the failure kind, defaulting unclassified errors to
// network so the caller errs on the side of retrying a transient fault.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindNetwork
}

// IsRetryable reports whether err should be retried with backoff.
// Unclassified failures (raw transport errors, timeouts) count as transient.
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return true
}
