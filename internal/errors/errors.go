// Package errors provides the normalized error shapes surfaced by the local
// store, the migration manager and the sync engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase        ErrorCode = "DATABASE_ERROR"
	ErrDatabaseBlocked ErrorCode = "DATABASE_BLOCKED"
	ErrQuotaExceeded   ErrorCode = "QUOTA_EXCEEDED"
	ErrConstraint      ErrorCode = "CONSTRAINT_VIOLATION"
	ErrMigration       ErrorCode = "MIGRATION_FAILED"

	// Queue errors
	ErrQueueFull ErrorCode = "QUEUE_FULL"

	// Sync errors
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncConflict      ErrorCode = "SYNC_CONFLICT"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"
	ErrSyncOffline       ErrorCode = "SYNC_OFFLINE"
	ErrSyncInProgress    ErrorCode = "SYNC_IN_PROGRESS"
)

// ErrorType classifies the subsystem (and for database errors, the engine
// condition) an error originated from.
type ErrorType string

const (
	TypeConnection  ErrorType = "connection"
	TypeBlocked     ErrorType = "blocked"
	TypeQuota       ErrorType = "quota"
	TypeConstraint  ErrorType = "constraint"
	TypeNotFound    ErrorType = "not_found"
	TypeQuery       ErrorType = "query"
	TypeTransaction ErrorType = "transaction"
	TypeMigration   ErrorType = "migration"
	TypeSync        ErrorType = "sync"
)

// AppError represents an application error with code and message.
// Type and Details are optional; database errors always carry a Type.
type AppError struct {
	Code    ErrorCode
	Type    ErrorType
	Message string
	Details map[string]interface{}
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

// WithDetail sets a detail key and returns the error for chaining.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Retryable reports whether the condition is expected to clear on its own.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case ErrDatabaseBlocked, ErrSyncTimeout, ErrSyncOffline, ErrSyncFailed, ErrSyncConflict:
		return true
	}
	return false
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

// Database builds a DatabaseError{type, message, code, details}.
func Database(typ ErrorType, code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Type:    typ,
		Message: message,
		Err:     err,
	}
}

// Migration builds a MigrationError for the given schema version.
func Migration(version int, direction, message string, err error) *AppError {
	return &AppError{
		Code:    ErrMigration,
		Type:    TypeMigration,
		Message: message,
		Err:     err,
		Details: map[string]interface{}{
			"version":   version,
			"direction": direction,
		},
	}
}

// Sync builds a SyncError scoped to one queued operation.
func Sync(code ErrorCode, operation, table, recordID string, err error) *AppError {
	return &AppError{
		Code:    code,
		Type:    TypeSync,
		Message: fmt.Sprintf("%s %s/%s", operation, table, recordID),
		Err:     err,
		Details: map[string]interface{}{
			"operation": operation,
			"table":     table,
			"recordId":  recordID,
		},
	}
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is checks if an error (or anything it wraps) carries a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsType checks if an error (or anything it wraps) carries a specific type.
func IsType(err error, typ ErrorType) bool {
	if appErr, ok := As(err); ok {
		return appErr.Type == typ
	}
	return false
}
