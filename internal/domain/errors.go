package domain

import (
	"errors"
	"fmt"
)

// ErrorCode categorises failures so every layer can map them without string matching.
type ErrorCode string

const (
	CodeNotFound           ErrorCode = "not_found"
	CodeUnauthorized       ErrorCode = "unauthorized"
	CodeInvalidTransition  ErrorCode = "invalid_transition"
	CodeImmutableState     ErrorCode = "immutable_state"
	CodeConflict           ErrorCode = "conflict"
	CodeBusy               ErrorCode = "busy"
	CodePreconditionFailed ErrorCode = "precondition_failed"
	CodeLedgerUnavailable  ErrorCode = "ledger_unavailable"
	CodeRejected           ErrorCode = "rejected"
	CodeStaleRead          ErrorCode = "stale_read"
	CodeInvalidInput       ErrorCode = "invalid_input"
)

// Error is the typed failure shared by the gate, machine, gateway and projection.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound) works
// regardless of the message carried.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrUnauthorized       = &Error{Code: CodeUnauthorized}
	ErrInvalidTransition  = &Error{Code: CodeInvalidTransition}
	ErrImmutableState     = &Error{Code: CodeImmutableState}
	ErrConflict           = &Error{Code: CodeConflict}
	ErrBusy               = &Error{Code: CodeBusy}
	ErrPreconditionFailed = &Error{Code: CodePreconditionFailed}
	ErrLedgerUnavailable  = &Error{Code: CodeLedgerUnavailable}
	ErrRejected           = &Error{Code: CodeRejected}
	ErrStaleRead          = &Error{Code: CodeStaleRead}
	ErrInvalidInput       = &Error{Code: CodeInvalidInput}
)

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// NotExist builds the NotFound error readers see for a missing ledger record.
func NotExist(kind EntityKind) *Error {
	return Errorf(CodeNotFound, "%s does not exist", kind.Title())
}
