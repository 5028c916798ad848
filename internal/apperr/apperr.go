// Package apperr defines the error taxonomy shared by every swapdesk component.
//
// Each domain sentinel is an *Error carrying a Kind (which decides the HTTP
// status) and a stable Code (which selects the localized message). Storage and
// upstream details never leave the process: Respond logs them and sends only
// the localized message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation_error"
	KindConflict        Kind = "conflict"
	KindUpstream        Kind = "upstream_failure"
	KindInternal        Kind = "internal_error"
)

// HTTPStatus maps a kind to its response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Msg is the English fallback used in logs and
// when no catalog entry exists for Code.
type Error struct {
	Kind  Kind
	Code  string
	Msg   string
	Field string
	Err   error
}

// New creates a sentinel error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by code so that copies produced by Wrap and OnField
// still satisfy errors.Is against the original.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Wrap attaches a cause to a sentinel without losing its identity.
func Wrap(sentinel *Error, cause error) *Error {
	cp := *sentinel
	cp.Err = cause
	return &cp
}

// OnField returns a copy of a validation sentinel naming the offending field.
func OnField(sentinel *Error, field string) *Error {
	cp := *sentinel
	cp.Field = field
	return &cp
}

// Validation builds an ad hoc validation error.
func Validation(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: "validation_error", Field: field, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Shared errors used across packages.
var (
	ErrUnauthenticated = New(KindUnauthenticated, "unauthenticated", "authentication required")
	ErrForbidden       = New(KindForbidden, "forbidden", "not allowed to perform this action")
	ErrInvalidRequest  = New(KindValidation, "invalid_request", "invalid request body")
	ErrInternal        = New(KindInternal, "internal_error", "an unexpected error occurred")
)
