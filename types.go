package mutuelle

import (
	"encoding/json"
	"time"
)

// SyncStatus is the per-record sync state.
type SyncStatus string

const (
	// SyncStatusSynced means the local copy is known to match the server.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusPending means a local mutation has not been confirmed remotely.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusConflict means the record is pending locally and the server
	// copy changed since it was last observed.
	SyncStatusConflict SyncStatus = "conflict"
)

// IsValid reports whether s is a known sync status.
func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncStatusSynced, SyncStatusPending, SyncStatusConflict:
		return true
	}
	return false
}

// Operation is the kind of a queued mutation.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// IsValid reports whether op is a known operation.
func (op Operation) IsValid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// Row is a remote table row as exchanged with the backend.
type Row map[string]any

// Record is one locally mirrored row plus its sync metadata.
type Record struct {
	Table           Table           `json:"table"`
	ID              string          `json:"id"`
	Data            json.RawMessage `json:"data"`
	SyncStatus      SyncStatus      `json:"sync_status"`
	LocalUpdatedAt  time.Time       `json:"local_updated_at"`
	ServerUpdatedAt *time.Time      `json:"server_updated_at,omitempty"`
}

// EntryState is the tagged state of a queue entry.
type EntryState string

const (
	// EntryActive entries are retried by push passes.
	EntryActive EntryState = "active"
	// EntryFailed entries exhausted their retry budget and wait for an operator.
	EntryFailed EntryState = "failed"
)

// QueueEntry is one not-yet-confirmed local mutation.
type QueueEntry struct {
	ID             int64           `json:"id"`
	Table          Table           `json:"table"`
	RecordID       string          `json:"record_id"`
	Operation      Operation       `json:"operation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	RetryCount     int             `json:"retry_count"`
	State          EntryState      `json:"state"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Due reports whether an active entry may be attempted at now.
func (e QueueEntry) Due(now time.Time) bool {
	if e.State != EntryActive {
		return false
	}
	return e.NextAttemptAt == nil || !now.Before(*e.NextAttemptAt)
}

// Mutation describes a local write and the queue entry it produces.
type Mutation struct {
	Table     Table
	RecordID  string
	Operation Operation
	Data      json.RawMessage
	At        time.Time
}

// Status is the process-wide sync status broadcast to subscribers.
type Status struct {
	Online       bool       `json:"online"`
	Syncing      bool       `json:"syncing"`
	PendingCount int        `json:"pending_count"`
	FailedCount  int        `json:"failed_count"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
}

// ResultKind tags a MutationResult.
type ResultKind string

const (
	// ResultOk means the remote acknowledged the change.
	ResultOk ResultKind = "ok"
	// ResultPending means the change is stored locally and queued for upload.
	ResultPending ResultKind = "pending"
	// ResultFailed means the queued change reached the terminal failed state.
	ResultFailed ResultKind = "failed"
)

// MutationResult is returned by every façade mutation.
type MutationResult struct {
	Kind     ResultKind `json:"kind"`
	RecordID string     `json:"record_id"`
	EntryID  int64      `json:"entry_id"`
	Error    string     `json:"error,omitempty"`
}

// Ok reports whether the mutation was acknowledged remotely.
func (r MutationResult) Ok() bool { return r.Kind == ResultOk }

// TableSync is the per-table pull bookkeeping used for diagnostics.
type TableSync struct {
	Table      Table     `json:"table"`
	LastSyncAt time.Time `json:"last_sync_at"`
	Status     string    `json:"status"`
	LastError  string    `json:"last_error,omitempty"`
	RowCount   int       `json:"row_count"`
}

const (
	tableSyncOK    = "ok"
	tableSyncError = "error"
)

// MergeResult counts what a pull did to one table.
type MergeResult struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
	Invalid   int `json:"invalid"`
}

// StoreStats summarizes the local mirror.
type StoreStats struct {
	RecordCount    int           `json:"record_count"`
	ByTable        map[Table]int `json:"by_table"`
	PendingCount   int           `json:"pending_count"`
	FailedCount    int           `json:"failed_count"`
	ConflictCount  int           `json:"conflict_count"`
	LastSync       time.Time     `json:"last_sync"`
	BootstrappedAt time.Time     `json:"bootstrapped_at"`
	SchemaVersion  string        `json:"schema_version"`
}

// HealthStatus reports the health of the client.
type HealthStatus struct {
	Healthy         bool   `json:"healthy"`
	StoreOK         bool   `json:"store_ok"`
	RemoteReachable bool   `json:"remote_reachable"`
	Error           string `json:"error,omitempty"`
}
