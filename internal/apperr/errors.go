// Package apperr defines the typed failures surfaced by the auth and webhook core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure so callers can decide on retry and presentation.
type Kind string

const (
	KindInvalidState           Kind = "InvalidState"
	KindInvalidGrant           Kind = "InvalidGrant"
	KindReauthRequired         Kind = "ReauthRequired"
	KindProviderUnavailable    Kind = "ProviderUnavailable"
	KindTemporarilyUnavailable Kind = "TemporarilyUnavailable"
	KindMalformedResponse      Kind = "MalformedResponse"
	KindUnauthenticated        Kind = "Unauthenticated"
	KindDuplicateDiscarded     Kind = "DuplicateDiscarded"
	KindUnroutable             Kind = "Unroutable"
	KindNoSession              Kind = "NoSession"
	KindExpired                Kind = "Expired"
	KindNotAllowListed         Kind = "NotAllowListed"
	KindNotFound               Kind = "NotFound"
	KindBadRequest             Kind = "BadRequest"
	KindInternal               Kind = "Internal"
)

// Error carries a Kind plus an optional cause. RetryAfter is the wait a
// provider asked for, zero when it gave none.
type Error struct {
	Kind       Kind
	Message    string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf reports the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfter returns the provider's requested wait carried by err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Retryable reports whether a local retry may succeed.
func Retryable(err error) bool {
	return KindOf(err) == KindProviderUnavailable
}

// IsDenial reports whether the kind is an access denial.
func IsDenial(kind Kind) bool {
	switch kind {
	case KindNoSession, KindExpired, KindNotAllowListed:
		return true
	}
	return false
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidState, KindBadRequest:
		return http.StatusBadRequest
	case KindInvalidGrant, KindReauthRequired, KindUnauthenticated,
		KindNoSession, KindExpired, KindNotAllowListed:
		return http.StatusUnauthorized
	case KindProviderUnavailable, KindTemporarilyUnavailable:
		return http.StatusBadGateway
	case KindDuplicateDiscarded:
		return http.StatusOK
	case KindUnroutable:
		return http.StatusAccepted
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
