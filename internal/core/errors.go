package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to callers.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "AuthenticationFailure"
	KindAuthorization  ErrorKind = "AuthorizationFailure"
	KindValidation     ErrorKind = "ValidationFailure"
	KindExecution      ErrorKind = "ExecutionFailure"
	KindTimeout        ErrorKind = "Timeout"
	KindStateConflict  ErrorKind = "StateConflict"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsStateConflict reports whether err is a StateConflict.
func IsStateConflict(err error) bool { return IsKind(err, KindStateConflict) }

// IsNotAuthorized reports whether err is an AuthorizationFailure.
func IsNotAuthorized(err error) bool { return IsKind(err, KindAuthorization) }

// WrapMsg classifies err under kind with a caller-facing message.
func WrapMsg(kind ErrorKind, op, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}
