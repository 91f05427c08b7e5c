// Package apperr defines the error kinds surfaced by the execution backbone.
// Internals return wrapped errors; the HTTP boundary maps kinds to status
// codes and the worker maps them to terminal run statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for boundary handling.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUnauthenticated Kind = "unauthenticated"
	KindAuthorization   Kind = "authorization"
	KindSubscription    Kind = "subscription"
	KindCapacity        Kind = "capacity"
	KindStateConflict   Kind = "state_conflict"
	KindTransientIO     Kind = "transient_io"
	KindTimeout         Kind = "timeout"
	KindCancellation    Kind = "cancellation"
	KindCredit          Kind = "credit"
	KindRateLimit       Kind = "rate_limit"
	KindNotFound        Kind = "not_found"
	KindInternal        Kind = "internal"
)

// Error carries a kind, a user-safe message, and an optional field reference
// for validation failures.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Validation creates a validation error referencing a request field.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Field: field}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FieldOf returns the field reference of a validation error, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// HTTPStatus maps an error kind to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindSubscription:
		return http.StatusPaymentRequired
	case KindCapacity, KindStateConflict:
		return http.StatusConflict
	case KindCredit, KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns the message safe to surface to callers. Unclassified
// errors get a generic message so internals never leak.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}
