// Package apperrors provides structured errors for the batch error taxonomy.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrExecution  = errors.New("execution error")
	ErrFatal      = errors.New("fatal error")
	ErrCancelled  = errors.New("cancelled")
	ErrInternal   = errors.New("internal error")
)

// Kind refines a sentinel, e.g. "OutOfRange" for validation or "Timeout" for execution.
type Kind string

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Kind     Kind   // Taxonomy tag within the sentinel class
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "membrane_config.chol_value")
	Op       string // Operation that failed (e.g., "loader.readDir")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is().
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a per-spec validation error for a field.
func Validation(kind Kind, field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Kind:     kind,
		Message:  message,
		Field:    field,
	}
}

// Execution creates a per-job execution error.
func Execution(kind Kind, message string, cause error) error {
	return &Error{
		Sentinel: ErrExecution,
		Kind:     kind,
		Message:  message,
		Cause:    cause,
	}
}

// Fatal creates a batch-level error that aborts the run before scheduling.
func Fatal(op, message string) error {
	return &Error{
		Sentinel: ErrFatal,
		Message:  fmt.Sprintf("%s: %s", op, message),
		Op:       op,
	}
}

// FatalCause wraps an underlying failure as a batch-level error.
func FatalCause(op string, cause error) error {
	return &Error{
		Sentinel: ErrFatal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Cancelled marks a run stopped by the user.
func Cancelled(cause error) error {
	return &Error{
		Sentinel: ErrCancelled,
		Message:  "run cancelled by user",
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}
