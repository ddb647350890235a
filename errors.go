package mutuelle

import (
	"errors"
	"fmt"
)

// Common errors returned by the mutuelle client.
var (
	// ErrNotFound is returned when a record or queue entry does not exist locally.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when creating a record whose ID already exists locally.
	ErrDuplicate = errors.New("record already exists")

	// ErrUnknownTable is returned for a table name outside the mirrored set.
	ErrUnknownTable = errors.New("unknown table")

	// ErrInvalidRecord is returned when a record payload cannot be encoded or decoded.
	ErrInvalidRecord = errors.New("invalid record payload")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned when a network operation is attempted while offline.
	ErrOffline = errors.New("operation unavailable while offline")

	// ErrSyncInProgress is returned when a sync pass is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNoRemote is returned when no remote backend is configured.
	ErrNoRemote = errors.New("no remote backend configured")
)

// ValidationError is returned when configuration or entity validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// SyncError is returned when a remote call fails.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Operation  string
	Table      Table
	StatusCode int
	// Permanent marks failures that retrying cannot fix (rejected payload,
	// constraint violation). Such entries skip straight to the failed state.
	Permanent bool
	Err       error
}

func (e *SyncError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("sync: %s %s failed (status %d): %v", e.Operation, e.Table, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sync: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a SyncError marked permanent.
func IsPermanent(err error) bool {
	var syncErr *SyncError
	return errors.As(err, &syncErr) && syncErr.Permanent
}
