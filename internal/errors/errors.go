// Package errors provides error code definitions shared across the sync core.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique application error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Record errors
	ErrRecordNotFound ErrorCode = "RECORD_NOT_FOUND"
	ErrRecordInvalid  ErrorCode = "RECORD_INVALID"

	// Sync errors
	ErrSyncTransient     ErrorCode = "SYNC_TRANSIENT"
	ErrSyncRejected      ErrorCode = "SYNC_REJECTED"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"
	ErrSyncOffline       ErrorCode = "SYNC_OFFLINE"
	ErrSyncInProgress    ErrorCode = "SYNC_IN_PROGRESS"
	ErrQueueFull         ErrorCode = "QUEUE_FULL"
	ErrOperationNotFound ErrorCode = "OPERATION_NOT_FOUND"
	ErrUnresolvedDep     ErrorCode = "UNRESOLVED_DEPENDENCY"
	ErrIDConflict        ErrorCode = "ID_CONFLICT"

	// Upload errors
	ErrUploadFailed ErrorCode = "UPLOAD_FAILED"
	ErrBlobMissing  ErrorCode = "BLOB_MISSING"
	ErrPreview      ErrorCode = "PREVIEW_FAILED"

	// Annotation errors
	ErrAnnotationCodec ErrorCode = "ANNOTATION_CODEC_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the ErrorCode from an error, or ErrInternal when unknown.
func Code(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether an error should leave a pending operation in
// the queue for retry on the next sync cycle. Errors with no code attached
// are treated as transient: the queue never drops work on an unknown failure.
func IsTransient(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return true
	}
	switch appErr.Code {
	case ErrSyncTransient, ErrSyncTimeout, ErrSyncOffline:
		return true
	case ErrSyncRejected, ErrValidation, ErrRecordInvalid, ErrIDConflict:
		return false
	default:
		return true
	}
}
