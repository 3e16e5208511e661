// Package errors defines the structured error type shared by repositories, services and the
// admin CLI.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a job, batch or scope does not exist.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates a uniqueness conflict, e.g. a reused correlation id.
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeForeignKey indicates a reference to a missing parent row.
	ErrCodeForeignKey ErrorCode = "foreign_key"
	// ErrCodeInvalidState indicates the entity is not in a state that allows the operation.
	ErrCodeInvalidState ErrorCode = "invalid_state"
	// ErrCodeTransient indicates a retryable store failure (serialization, deadlock, lock timeout).
	ErrCodeTransient ErrorCode = "transient"
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
)

// AppError is a coded error with an optional cause. It supports errors.Is and errors.As
// through Unwrap.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	// Field names the offending input or column, when known.
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError without a cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// NotFoundf creates a NotFound error with a formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf(format, args...))
}

// Conflictf creates a Conflict error with a formatted message.
func Conflictf(format string, args ...any) *AppError {
	return New(ErrCodeConflict, fmt.Sprintf(format, args...))
}

// Validationf creates a Validation error with a formatted message.
func Validationf(format string, args ...any) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf(format, args...))
}

// InvalidStatef creates an InvalidState error with a formatted message.
func InvalidStatef(format string, args ...any) *AppError {
	return New(ErrCodeInvalidState, fmt.Sprintf(format, args...))
}

// Wrap wraps err with an AppError, preserving the cause. A nil err yields nil.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps err with an AppError and a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Code returns the ErrorCode of err, or "" if err carries none.
func Code(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Field returns the Field of err, or "".
func Field(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return Code(err) == ErrCodeNotFound }

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool { return Code(err) == ErrCodeConflict }

// IsValidation reports whether err is a Validation error.
func IsValidation(err error) bool { return Code(err) == ErrCodeValidation }

// IsInvalidState reports whether err is an InvalidState error.
func IsInvalidState(err error) bool { return Code(err) == ErrCodeInvalidState }

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool { return Code(err) == ErrCodeTransient }
