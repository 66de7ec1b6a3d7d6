package core

import (
	"errors"
	"fmt"
)

// Code is a stable identifier for a class of failure. Callers switch on the
// code, never on the message text.
type Code string

const (
	CodeGeneric         Code = "generic"
	CodeConfiguration   Code = "configuration-missing"
	CodeTransport       Code = "transport-failure"
	CodePermission      Code = "permission-denied"
	CodeReceive         Code = "receive-failure"
	CodeInvalidArgument Code = "invalid-argument"
	CodeNotFound        Code = "not-found"
)

// Error is the error type returned by every relaymux operation.
type Error struct {
	Code   Code
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := "relaymux"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg + " [" + string(e.Code) + "]"
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so errors.Is(err,
// core.ErrTransport) works for every transport failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Detail == "" && t.Err == nil
}

var (
	ErrConfiguration   = &Error{Code: CodeConfiguration}
	ErrTransport       = &Error{Code: CodeTransport}
	ErrPermission      = &Error{Code: CodePermission}
	ErrReceive         = &Error{Code: CodeReceive}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrNotFound        = &Error{Code: CodeNotFound}

	// ErrClosed is returned by drivers when a closed connection or session is used.
	ErrClosed = errors.New("relaymux: connection is closed")

	// ErrUnknownDriver is the cause when no driver is registered for an
	// initial-context-factory name.
	ErrUnknownDriver = errors.New("relaymux: unknown initial-context-factory")
)

// ConfigurationError reports a missing required configuration key.
func ConfigurationError(key string) *Error {
	return &Error{
		Code:   CodeConfiguration,
		Op:     "validate",
		Detail: fmt.Sprintf("missing configuration item %q", key),
	}
}

// TransportError wraps a connect or send failure. The cause is kept.
func TransportError(op string, err error) *Error {
	return &Error{Code: CodeTransport, Op: op, Err: err}
}

// ReceiveError wraps a failure raised while handling one delivered message.
func ReceiveError(op string, err error) *Error {
	return &Error{Code: CodeReceive, Op: op, Err: err}
}

// PermissionError reports a caller that lacks the required role or group.
func PermissionError(detail string) *Error {
	return &Error{Code: CodePermission, Op: "authorize", Detail: detail}
}

// InvalidArgument reports a programming error such as a nil receiver.
func InvalidArgument(op, detail string) *Error {
	return &Error{Code: CodeInvalidArgument, Op: op, Detail: detail}
}

// NotFound reports a lookup of an id that is not registered.
func NotFound(op, detail string) *Error {
	return &Error{Code: CodeNotFound, Op: op, Detail: detail}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeGeneric.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeGeneric
}
