// Package apperr defines the error kinds every operation of the service can
// fail with. Stores return plain sentinels; services translate them here and
// the HTTP layer maps each kind to a status code.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	Validation         Kind = "VALIDATION_ERROR"
	NotFound           Kind = "NOT_FOUND"
	InsufficientFunds  Kind = "INSUFFICIENT_FUNDS"
	InvalidState       Kind = "INVALID_STATE"
	Unauthorized       Kind = "UNAUTHORIZED"
	AccountLocked      Kind = "ACCOUNT_LOCKED"
	Expired            Kind = "OTP_EXPIRED"
	InvalidCode        Kind = "INVALID_CODE"
	GatewayUnavailable Kind = "GATEWAY_UNAVAILABLE"
	Conflict           Kind = "CONFLICT"
	RateLimited        Kind = "RATE_LIMITED"
	Internal           Kind = "INTERNAL_ERROR"
)

// Error is a classified failure. Message is safe to show to a caller; Err is
// the underlying cause and stays in logs.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// As returns the outermost classified error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or Internal when it carries none.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the caller-facing message for err.
func MessageOf(err error) string {
	if e, ok := As(err); ok && e.Message != "" {
		return e.Message
	}
	return "an unexpected error occurred"
}
