package model

import (
	"errors"
	"fmt"
)

// ErrorCode constants shared by command results and HTTP responses.
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeInvalidState   = "INVALID_STATE"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeDependencyDown = "DEPENDENCY_UNAVAILABLE"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeRateLimited    = "RATE_LIMITED"
)

// CommandError is a session command failure carrying a taxonomy code.
// Commands return these for caller faults (wrong phase, wrong identity,
// unknown session); infrastructure failures stay plain wrapped errors and
// map to INTERNAL_ERROR at the HTTP boundary.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrInvalidState builds an INVALID_STATE command error.
func ErrInvalidState(format string, args ...any) *CommandError {
	return &CommandError{Code: ErrCodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

// ErrForbidden builds a FORBIDDEN command error. The message is deliberately
// uniform: an authorization failure must not reveal whether a session exists
// for a different identity.
func ErrForbidden() *CommandError {
	return &CommandError{Code: ErrCodeForbidden, Message: "access denied"}
}

// ErrSessionNotFound builds a NOT_FOUND command error with the same uniform
// shape as ErrForbidden.
func ErrSessionNotFound() *CommandError {
	return &CommandError{Code: ErrCodeNotFound, Message: "session not found"}
}

// CodeOf extracts the taxonomy code from an error chain, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternalError
}
