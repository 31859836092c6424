package storage

import (
	"errors"
	"fmt"
)

// StorageError represents a failure in the storage engine.
//
// Storage errors include:
//   - Backend unavailable: permissions, quota, missing data directory
//   - WAL corrupt: log unreadable (triggers best-effort skip, not crash)
//   - Migration failed: a named step errored (flag left unset, retried next launch)
//   - Backup failed: snapshot I/O failed (logged, non-fatal)
//   - Restore failed: explicit operator action failed (surfaced directly)
type StorageError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Collection identifies the affected collection, if any.
	Collection string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes storage errors.
type ErrorCode string

const (
	// CodeUnavailable indicates the backend cannot be reached.
	CodeUnavailable ErrorCode = "UNAVAILABLE"

	// CodeWALCorrupt indicates the write-ahead log is unreadable.
	CodeWALCorrupt ErrorCode = "WAL_CORRUPT"

	// CodeMigrationFailed indicates a named migration step errored.
	CodeMigrationFailed ErrorCode = "MIGRATION_FAILED"

	// CodeBackupFailed indicates snapshot creation errored.
	CodeBackupFailed ErrorCode = "BACKUP_FAILED"

	// CodeRestoreFailed indicates snapshot restoration errored.
	CodeRestoreFailed ErrorCode = "RESTORE_FAILED"
)

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("%s: %s (collection=%s)", e.Code, e.Message, e.Collection)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsUnavailable returns true if the error indicates an unreachable backend.
// Uses errors.As to handle wrapped errors.
func IsUnavailable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code == CodeUnavailable
	}
	return false
}

// IsWALCorrupt returns true if the error indicates an unreadable WAL.
func IsWALCorrupt(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code == CodeWALCorrupt
	}
	return false
}

// NewUnavailable creates a StorageError for an unreachable backend.
func NewUnavailable(collection string, err error) *StorageError {
	return &StorageError{
		Code:       CodeUnavailable,
		Message:    "storage backend unavailable",
		Collection: collection,
		Err:        err,
	}
}

// NewWALCorrupt creates a StorageError for an unreadable WAL.
func NewWALCorrupt(msg string, err error) *StorageError {
	return &StorageError{
		Code:    CodeWALCorrupt,
		Message: msg,
		Err:     err,
	}
}
