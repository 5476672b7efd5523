// Package apperrors provides the reconciliation error taxonomy with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrConflict            = errors.New("conflict")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrTerminalConflict    = errors.New("terminal state conflict")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	JobID    string // Job the error refers to, if any
	Field    string // For validation errors (e.g., "status", "id")
	Op       string // Operation that failed (e.g., "replicate.GetTraining")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Sentinel, e.Cause}
	}
	return []error{e.Sentinel}
}

// NotFound creates a not found error for a job.
func NotFound(jobID string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("training job %s not found", jobID),
		JobID:    jobID,
	}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Conflict reports that an optimistic write lost the race.
func Conflict(jobID, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("training job %s: %s", jobID, reason),
		JobID:    jobID,
	}
}

// ProviderUnavailable wraps a timeout or failure talking to a provider.
func ProviderUnavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrProviderUnavailable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// TerminalConflict reports an observation contradicting a finished job.
func TerminalConflict(jobID, stored, observed string) error {
	return &Error{
		Sentinel: ErrTerminalConflict,
		Message:  fmt.Sprintf("training job %s is %s, ignoring %s", jobID, stored, observed),
		JobID:    jobID,
	}
}
