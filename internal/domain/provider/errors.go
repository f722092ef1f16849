package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ErrorKind string

const (
	// KindCredential means the link itself is broken and needs a re-link.
	KindCredential ErrorKind = "credential"
	// KindTransient covers network failures, timeouts and 5xx responses.
	KindTransient ErrorKind = "transient"
	// KindRateLimited means the provider asked us to back off.
	KindRateLimited ErrorKind = "rate_limited"
)

// Error is a classified connector failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

func CredentialError(op string, err error) *Error {
	return &Error{Kind: KindCredential, Op: op, Err: err}
}

func TransientError(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func RateLimitedError(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Err: err, RetryAfter: retryAfter}
}

// Classify returns err as a *Error. Errors the connector did not classify,
// including deadline expiry and cancellation, are treated as transient.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientError(op, fmt.Errorf("timed out: %w", err))
	}
	return TransientError(op, err)
}

// KindOf returns the classified kind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func IsCredential(err error) bool {
	return KindOf(err) == KindCredential
}

func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable()
}

// RetryAfterOf returns the provider-requested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
