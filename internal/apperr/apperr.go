// README: Error kinds shared by every module and their HTTP mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindBadRequest          Kind = "bad_request"
	KindNotFound            Kind = "not_found"
	KindAccessDenied        Kind = "access_denied"
	KindInvalidState        Kind = "invalid_state"
	KindInvalidStatus       Kind = "invalid_status"
	KindNotEligible         Kind = "not_eligible"
	KindNotAvailable        Kind = "not_available"
	KindAlreadyRated        Kind = "already_rated"
	KindConflict            Kind = "conflict"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

// Error carries a stable kind plus a message safe to show to callers.
// Detail is only exposed in development mode.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Detail    string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches on kind so wrapped sentinels and fresh errors of the same kind compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Retryable: kind == KindConflict}
}

// WithDetail returns a copy of e carrying internal detail.
func (e *Error) WithDetail(format string, args ...any) *Error {
	cp := *e
	cp.Detail = fmt.Sprintf(format, args...)
	return &cp
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// From returns the first *Error in err's chain, or an internal error wrapping err.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: "internal error", Detail: err.Error()}
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAccessDenied:
		return http.StatusForbidden
	case KindInvalidState, KindConflict, KindAlreadyRated, KindNotAvailable:
		return http.StatusConflict
	case KindInvalidStatus, KindNotEligible:
		return http.StatusUnprocessableEntity
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
