package workflow

import (
	"errors"
	"fmt"
)

// Code classifies a workflow failure. Callers branch on the code, never on
// the message text, to pick a user-facing explanation or an HTTP status.
type Code string

const (
	CodeNotReady       Code = "NOT_READY"
	CodeInvalidState   Code = "INVALID_STATE"
	CodeOutOfTurn      Code = "OUT_OF_TURN"
	CodeNotAssigned    Code = "NOT_ASSIGNED"
	CodeAlreadyDecided Code = "ALREADY_DECIDED"
	CodeConflict       Code = "CONFLICT"
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeUnavailable    Code = "UNAVAILABLE"
)

// Error is a recoverable, caller-facing workflow failure.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func fail(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the workflow code from err, unwrapping as needed. Returns
// the empty code for non-workflow errors.
func CodeOf(err error) Code {
	var wfErr *Error
	if errors.As(err, &wfErr) {
		return wfErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given workflow code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
