// Package apperr defines the service error taxonomy. Domain services return
// these; the HTTP layer maps kinds to status codes and renders the
// {"error": {code, message, details}} envelope.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure.
type Kind string

// All error kinds surfaced to callers.
const (
	BadRequest   Kind = "bad_request"
	NotFound     Kind = "not_found"
	Forbidden    Kind = "forbidden"
	Unauthorized Kind = "unauthorized"
	Conflict     Kind = "conflict"
	Validation   Kind = "validation"
	RateLimited  Kind = "rate_limited"
	Internal     Kind = "internal"
)

// Error carries a machine-readable code alongside the human message and
// optional structured details. Server-side specifics (DSNs, stack traces)
// never go in Message or Details.
type Error struct {
	Kind    Kind
	Message string
	Details any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches two taxonomy errors by kind so callers can use errors.Is with
// the kind sentinels below.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind && other.Message == ""
}

// New constructs a taxonomy error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details to the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// Wrap annotates err with a taxonomy kind while preserving the cause chain.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// Kind sentinels for errors.Is checks.
var (
	ErrBadRequest   = &Error{Kind: BadRequest}
	ErrNotFound     = &Error{Kind: NotFound}
	ErrForbidden    = &Error{Kind: Forbidden}
	ErrUnauthorized = &Error{Kind: Unauthorized}
	ErrConflict     = &Error{Kind: Conflict}
	ErrValidation   = &Error{Kind: Validation}
	ErrRateLimited  = &Error{Kind: RateLimited}
)

// KindOf extracts the taxonomy kind from an error chain, defaulting to
// Internal for unclassified errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// AsError extracts the taxonomy error from a chain, or wraps an unclassified
// error as Internal with a generic message.
func AsError(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{Kind: Internal, Message: "internal error", wrapped: err}
}
