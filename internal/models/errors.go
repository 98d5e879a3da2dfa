package models

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	ErrInvalidModel            ErrorType = "INVALID_MODEL"
	ErrRecordValidation        ErrorType = "RECORD_VALIDATION_FAILURE"
	ErrKeyPathValidation       ErrorType = "KEYPATH_VALIDATION_FAILURE"
	ErrMissingParent           ErrorType = "MISSING_PARENT"
	ErrScopeViolation          ErrorType = "SCOPE_VIOLATION"
	ErrUnknownOperation        ErrorType = "UNKNOWN_OPERATION"
	ErrUnknown                 ErrorType = "UNKNOWN_ERROR"
	ErrMaxRetries              ErrorType = "MAX_RETRIES"
	ErrCustomValidationFailure ErrorType = "CUSTOM_VALIDATION_FAILED"
)

// GenericUnknownMessage is what clients see for unclassified failures
const GenericUnknownMessage = "an unexpected error occurred while applying the change"

// SyncError is a classified failure. Only UNKNOWN_ERROR is retryable.
type SyncError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

func (e *SyncError) Retryable() bool {
	return e.Type == ErrUnknown
}

// PushError converts the error to its wire form. Causes are never exposed.
func (e *SyncError) PushError() *PushError {
	return &PushError{Type: e.Type, Message: e.Message, Retryable: e.Retryable()}
}

// Permanent builds a non-retryable error of the given type
func Permanent(t ErrorType, format string, args ...any) *SyncError {
	return &SyncError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Unknown wraps an unclassified failure with the generic client-facing message
func Unknown(cause error) *SyncError {
	return &SyncError{Type: ErrUnknown, Message: GenericUnknownMessage, Cause: cause}
}

// AsSyncError classifies err. Anything that is not already a SyncError is UNKNOWN_ERROR.
func AsSyncError(err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return Unknown(err)
}

// IsPermanent reports whether err carries a non-retryable classification
func IsPermanent(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && !se.Retryable()
}
