// Package apperr defines the error kinds shared by every domain package.
//
// Domain packages declare their own sentinel errors with New so that callers
// can match either the precise error (errors.Is(err, link.ErrSessionExpired))
// or its kind (errors.Is(err, apperr.ErrExpired)).
package apperr

import "errors"

// Kinds. Each domain sentinel matches exactly one of these.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
	ErrExpired    = errors.New("expired")
	ErrUpstream   = errors.New("upstream error")
)

// Error is a sentinel error bound to a kind.
type Error struct {
	kind error
	msg  string
}

// New returns a sentinel error of the given kind.
func New(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

// Unwrap exposes the kind, so errors.Is matches both the sentinel and its kind.
func (e *Error) Unwrap() error {
	return e.kind
}

// KindOf returns the kind of err, or nil if err carries none.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrForbidden, ErrConflict, ErrExpired, ErrUpstream} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
