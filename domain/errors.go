package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies federation failures.
type ErrorCode string

const (
	CodeNotFound          ErrorCode = "NotFound"
	CodeKindMismatch      ErrorCode = "KindMismatch"
	CodeMalformed         ErrorCode = "Malformed"
	CodeUnreachable       ErrorCode = "Unreachable"
	CodeBlocked           ErrorCode = "Blocked"
	CodeSignatureInvalid  ErrorCode = "SignatureInvalid"
	CodeUnsupportedKind   ErrorCode = "UnsupportedKind"
	CodeActorUnresolvable ErrorCode = "ActorUnresolvable"
	CodeDeliveryRejected  ErrorCode = "DeliveryRejected"
	CodeDeliveryExhausted ErrorCode = "DeliveryExhausted"
	CodeLimitExceeded     ErrorCode = "LimitExceeded"
	CodeForbidden         ErrorCode = "Forbidden"
)

// Error is a federation error carrying a code and the identifier it concerns.
type Error struct {
	Code ErrorCode
	Ref  string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Ref != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Ref)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound)
// works regardless of Ref and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrKindMismatch      = &Error{Code: CodeKindMismatch}
	ErrMalformed         = &Error{Code: CodeMalformed}
	ErrUnreachable       = &Error{Code: CodeUnreachable}
	ErrBlocked           = &Error{Code: CodeBlocked}
	ErrSignatureInvalid  = &Error{Code: CodeSignatureInvalid}
	ErrUnsupportedKind   = &Error{Code: CodeUnsupportedKind}
	ErrActorUnresolvable = &Error{Code: CodeActorUnresolvable}
	ErrDeliveryRejected  = &Error{Code: CodeDeliveryRejected}
	ErrDeliveryExhausted = &Error{Code: CodeDeliveryExhausted}
	ErrLimitExceeded     = &Error{Code: CodeLimitExceeded}
	ErrForbidden         = &Error{Code: CodeForbidden}
)

// Errorf builds an *Error with a formatted cause.
func Errorf(code ErrorCode, ref string, format string, args ...interface{}) error {
	return &Error{Code: code, Ref: ref, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a code and identifier to an existing error.
func Wrap(code ErrorCode, ref string, err error) error {
	return &Error{Code: code, Ref: ref, Err: err}
}

// CodeOf returns the code of the outermost *Error in the chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
