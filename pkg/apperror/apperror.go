// Package apperror provides the error taxonomy shared across the
// orchestration core: a stable Kind slug, a human Title, an optional
// Detail, and the wrapped cause, built on top of cockroachdb/errors so
// construction sites keep a stack trace without extra ceremony.
package apperror

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Kind is a stable, log- and metric-friendly identifier for an error's
// category. Unlike Title/Detail it must never change between releases —
// dashboards and alerts key on it.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindAlreadyExists        Kind = "already_exists"
	KindInvalidInput         Kind = "invalid_input"
	KindAccessDenied         Kind = "access_denied"
	KindBackendUnavailable   Kind = "backend_unavailable"
	KindBackendRequestFailed Kind = "backend_request_failed"
	KindTimeout              Kind = "timeout"
	KindConflict             Kind = "conflict"
	KindDatabase             Kind = "database"
	KindSerialization        Kind = "serialization"
	KindInternal             Kind = "internal"
)

// httpStatus maps a Kind to the HTTP status code the internal HTTP
// interface should answer with. Kinds absent from the table map to 500.
var httpStatus = map[Kind]int{
	KindNotFound:             http.StatusNotFound,
	KindAlreadyExists:        http.StatusConflict,
	KindInvalidInput:         http.StatusBadRequest,
	KindAccessDenied:         http.StatusForbidden,
	KindBackendUnavailable:   http.StatusServiceUnavailable,
	KindBackendRequestFailed: http.StatusBadGateway,
	KindTimeout:              http.StatusGatewayTimeout,
	KindConflict:             http.StatusConflict,
	KindDatabase:             http.StatusInternalServerError,
	KindSerialization:        http.StatusInternalServerError,
	KindInternal:             http.StatusInternalServerError,
}

// Error is the error type carried across package boundaries in this
// module. Construct it with New or Wrap, never with a bare struct
// literal, so the Kind/cause invariant holds.
type Error struct {
	Kind   Kind
	Title  string
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Title, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Title)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds a fresh Error carrying a stack trace from this call site.
func New(kind Kind, title string) *Error {
	return &Error{Kind: kind, Title: title, cause: errors.NewWithDepth(1, title)}
}

// Wrap attaches kind/title to an existing cause, preserving its stack
// trace and chain for errors.Is/errors.As.
func Wrap(cause error, kind Kind, title string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Title: title, Detail: cause.Error(), cause: errors.WithStack(cause)}
}

// WithDetail attaches additional human-readable context.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// HTTPStatus returns the status code this error should be reported as
// over the internal HTTP interface.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		if status, ok := httpStatus[appErr.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// is not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err is, or wraps, a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
