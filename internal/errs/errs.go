package errs

import (
	"errors"
	"fmt"
)

// Stable machine codes surfaced across the caller boundary.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeBackend    = "BACKEND_ERROR"
	CodeTimeout    = "TIMEOUT"
	CodeIntegrity  = "INTEGRITY_ERROR"
	CodeConfig     = "CONFIG_ERROR"
	CodeNotFound   = "NOT_FOUND"
)

// Error carries a stable code alongside a human-readable message.
type Error struct {
	Code    string
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds a coded error.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// CodeOf extracts the machine code from err, or UNKNOWN.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return "UNKNOWN"
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}
