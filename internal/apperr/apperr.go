package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an application error independently of the storage driver or transport.
type Kind string

const (
	KindValidation            Kind = "validation_error"
	KindUnauthorized          Kind = "unauthorized"
	KindForbidden             Kind = "forbidden"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindPreconditionFailed    Kind = "precondition_failed"
	KindThrottled             Kind = "throttled"
	KindInvalidOrExpiredToken Kind = "invalid_or_expired_token"
	KindAlreadyVerified       Kind = "already_verified"
	KindStorage               Kind = "storage_error"
)

// Error carries a kind, a stable machine code, a client-safe message and an optional cause.
type Error struct {
	kind    Kind
	code    string
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Kind reports the error classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code reports the stable machine-readable code.
func (e *Error) Code() string {
	return e.code
}

// Message reports the human-readable text that is safe to return to clients.
func (e *Error) Message() string {
	return e.message
}

// New constructs an Error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{kind: kind, code: code, message: message}
}

// Wrap constructs an Error of the given kind that retains cause for logging.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{kind: kind, code: code, message: message, cause: cause}
}

func Validation(code, message string) *Error { return New(KindValidation, code, message) }

func Unauthorized(code, message string) *Error { return New(KindUnauthorized, code, message) }

func Forbidden(code, message string) *Error { return New(KindForbidden, code, message) }

func NotFound(code, message string) *Error { return New(KindNotFound, code, message) }

func Conflict(code, message string) *Error { return New(KindConflict, code, message) }

func PreconditionFailed(code, message string) *Error {
	return New(KindPreconditionFailed, code, message)
}

func Throttled(code, message string) *Error { return New(KindThrottled, code, message) }

func InvalidOrExpiredToken(code, message string) *Error {
	return New(KindInvalidOrExpiredToken, code, message)
}

func AlreadyVerified(code, message string) *Error { return New(KindAlreadyVerified, code, message) }

// Storage wraps an unclassified persistence failure. The cause never reaches clients.
func Storage(code string, cause error) *Error {
	return Wrap(KindStorage, code, "internal storage error", cause)
}

// As extracts the first *Error in the chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindStorage for unclassified errors.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.kind
	}
	return KindStorage
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.kind == kind
}
