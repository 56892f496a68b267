package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrAuthDenied        = errors.New("invalid credentials")
	ErrForbidden         = errors.New("forbidden")
	ErrExpired           = errors.New("expired")
	ErrInvalidCode       = errors.New("invalid verification code")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyDecided    = errors.New("request already decided")
	ErrConflict          = errors.New("concurrent modification")
	ErrTransport         = errors.New("backing service unavailable")
)

// Error carries a human readable message on top of a sentinel kind.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

// Unwrap exposes the sentinel kind to errors.Is.
func (e *Error) Unwrap() error {
	return e.Kind
}

func newf(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation returns an ErrValidation with a message.
func Validation(format string, args ...interface{}) error {
	return newf(ErrValidation, format, args...)
}

// NotFound returns an ErrNotFound naming the missing record.
func NotFound(what, id string) error {
	return newf(ErrNotFound, "%s %q not found", what, id)
}

// Forbidden returns an ErrForbidden with a message.
func Forbidden(format string, args ...interface{}) error {
	return newf(ErrForbidden, format, args...)
}

// InvalidTransition reports a state machine edge that does not exist.
func InvalidTransition(what string, from, to string) error {
	return newf(ErrInvalidTransition, "%s cannot move from %s to %s", what, from, to)
}

// AlreadyDecided reports a decision on a request that left its initial state.
func AlreadyDecided(what, id, status string) error {
	return newf(ErrAlreadyDecided, "%s %q is already %s", what, id, status)
}

// Conflict reports a failed conditional write.
func Conflict(collection, id string) error {
	return newf(ErrConflict, "%s/%s was modified concurrently", collection, id)
}

// Transport wraps an I/O failure of a backing service.
func Transport(op string, err error) error {
	return &transportError{op: op, err: err}
}

type transportError struct {
	op  string
	err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *transportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *transportError) Unwrap() error {
	return e.err
}

// PartialFailure is returned when the second half of a two-step change failed
// and the compensating action for the first half failed as well. The store is
// left in the state described by Op.
type PartialFailure struct {
	Op           string
	Cause        error
	Compensation error
}

func (e *PartialFailure) Error() string {
	if e.Compensation == nil {
		return fmt.Sprintf("%s partially applied: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("%s partially applied: %v (compensation failed: %v)", e.Op, e.Cause, e.Compensation)
}

// Unwrap exposes both the original cause and the compensation error.
func (e *PartialFailure) Unwrap() []error {
	if e.Compensation == nil {
		return []error{e.Cause}
	}
	return []error{e.Cause, e.Compensation}
}

// UserMessage maps an error onto the text shown to end users. Transport and
// unknown failures collapse to a generic retry hint.
func UserMessage(err error) string {
	var e *Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthDenied):
		return ErrAuthDenied.Error()
	case errors.Is(err, ErrTransport):
		return "service temporarily unavailable, please try again"
	case errors.As(err, &e):
		return e.Error()
	case errors.Is(err, ErrExpired):
		return "verification code expired, please start over"
	case errors.Is(err, ErrInvalidCode):
		return ErrInvalidCode.Error()
	default:
		return "something went wrong, please try again"
	}
}
