// Package adm integrates with the advertising partner: building the fetch
// query from the audience attributes, issuing the HTTP call, and running
// the returned tiles through validation and image rehosting.
package adm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed tile fetch for the front door's status
// mapping and for operators reading the metrics.
type ErrorKind string

const (
	// KindLoadError is a fetch timeout within the startup window. Kept as
	// a separate class so cold-start load shedding is distinguishable from
	// a partner outage.
	KindLoadError ErrorKind = "load_error"
	// KindServerError is any other transport failure or non-2xx status.
	KindServerError ErrorKind = "server_error"
	// KindBadResponse is a 2xx response whose body could not be parsed.
	// The caller caches an empty response to suppress repeat bad calls.
	KindBadResponse ErrorKind = "bad_adm_response"
	// KindValidation is malformed client input.
	KindValidation ErrorKind = "validation"
	// KindInternal is an unexpected local failure.
	KindInternal ErrorKind = "internal"
)

// Error is a classified failure from the partner integration.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// Error implements error.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// NewError builds a classified error wrapping an optional cause.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf returns the classification of err, or KindInternal for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
