package messaging

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by storage layers when a record does not exist.
var ErrNotFound = errors.New("not found")

// Kind classifies failures so that transports can map them to status codes.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindForbidden
	KindNotFound
	KindUnauthenticated
	KindInvalidState
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindForbidden:
		return "FORBIDDEN"
	case KindNotFound:
		return "NOT_FOUND"
	case KindUnauthenticated:
		return "UNAUTHENTICATED"
	case KindInvalidState:
		return "INVALID_STATE"
	case KindUpstream:
		return "UPSTREAM_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// Error is a classified failure carrying a message that is safe to show to
// users.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) error {
	return newError(KindValidation, format, args...)
}

func Forbiddenf(format string, args ...any) error {
	return newError(KindForbidden, format, args...)
}

func NotFoundf(format string, args ...any) error {
	return newError(KindNotFound, format, args...)
}

func Unauthenticatedf(format string, args ...any) error {
	return newError(KindUnauthenticated, format, args...)
}

func InvalidStatef(format string, args ...any) error {
	return newError(KindInvalidState, format, args...)
}

func Upstreamf(format string, args ...any) error {
	return newError(KindUpstream, format, args...)
}

// Wrap classifies cause under kind with a user facing message.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf returns the kind of err, or KindInternal if err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// MessageOf returns the user facing message of err, or fallback when err is
// unclassified.
func MessageOf(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}
