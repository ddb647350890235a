package mutuelle

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/mutuelle/internal/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const schemaVersion = "3"

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the local SQLite mirror: one logical collection per table, the
// pending change queue, and sync bookkeeping. It never performs network I/O.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewStore opens or creates a local mirror at path.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps transactions and reads on one SQLite handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Get returns one record. Returns ErrNotFound when absent.
func (s *Store) Get(table Table, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`
		SELECT table_name, id, data, sync_status, local_updated_at, server_updated_at
		FROM records WHERE table_name = ? AND id = ?
	`, string(table), id)
	return scanRecord(row)
}

// GetAll returns every record of a table ordered by ID.
func (s *Store) GetAll(table Table) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT table_name, id, data, sync_status, local_updated_at, server_updated_at
		FROM records WHERE table_name = ? ORDER BY id
	`, string(table))
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", table, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Put upserts a record as-is, without touching the queue.
func (s *Store) Put(rec Record) error {
	if !rec.SyncStatus.IsValid() {
		return fmt.Errorf("store: put: invalid sync status %q", rec.SyncStatus)
	}
	if rec.ID == "" {
		return fmt.Errorf("store: put: %w: empty id", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if rec.LocalUpdatedAt.IsZero() {
		rec.LocalUpdatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO records (table_name, id, data, sync_status, local_updated_at, server_updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
			data = excluded.data,
			sync_status = excluded.sync_status,
			local_updated_at = excluded.local_updated_at,
			server_updated_at = excluded.server_updated_at
	`, string(rec.Table), rec.ID, string(rec.Data), string(rec.SyncStatus),
		formatTime(rec.LocalUpdatedAt), formatTimePtr(rec.ServerUpdatedAt))
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

// Delete removes one record without touching the queue. Returns ErrNotFound when absent.
func (s *Store) Delete(table Table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`DELETE FROM records WHERE table_name = ? AND id = ?`, string(table), id)
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every record of a table.
func (s *Store) Clear(table Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM records WHERE table_name = ?`, string(table)); err != nil {
		return fmt.Errorf("store: clear %s: %w", table, err)
	}
	return nil
}

// ApplyMutation writes a local mutation and appends its queue entry in one
// transaction. The record is left pending until the entry is confirmed.
func (s *Store) ApplyMutation(m Mutation) (*QueueEntry, error) {
	if !m.Operation.IsValid() {
		return nil, fmt.Errorf("store: invalid operation %q", m.Operation)
	}
	if m.RecordID == "" {
		return nil, fmt.Errorf("store: %w: empty record id", ErrInvalidRecord)
	}
	if m.At.IsZero() {
		m.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := formatTime(m.At)
	switch m.Operation {
	case OpInsert:
		var exists int
		err := tx.QueryRow(`SELECT COUNT(*) FROM records WHERE table_name = ? AND id = ?`,
			string(m.Table), m.RecordID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("store: check existing: %w", err)
		}
		if exists > 0 {
			return nil, ErrDuplicate
		}
		_, err = tx.Exec(`
			INSERT INTO records (table_name, id, data, sync_status, local_updated_at)
			VALUES (?, ?, ?, 'pending', ?)
		`, string(m.Table), m.RecordID, string(m.Data), at)
		if err != nil {
			return nil, fmt.Errorf("store: insert %s/%s: %w", m.Table, m.RecordID, err)
		}

	case OpUpdate:
		res, err := tx.Exec(`
			UPDATE records
			SET data = ?,
			    sync_status = CASE WHEN sync_status = 'conflict' THEN 'conflict' ELSE 'pending' END,
			    local_updated_at = ?
			WHERE table_name = ? AND id = ?
		`, string(m.Data), at, string(m.Table), m.RecordID)
		if err != nil {
			return nil, fmt.Errorf("store: update %s/%s: %w", m.Table, m.RecordID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrNotFound
		}

	case OpDelete:
		res, err := tx.Exec(`DELETE FROM records WHERE table_name = ? AND id = ?`,
			string(m.Table), m.RecordID)
		if err != nil {
			return nil, fmt.Errorf("store: delete %s/%s: %w", m.Table, m.RecordID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrNotFound
		}
	}

	entry := QueueEntry{
		Table:          m.Table,
		RecordID:       m.RecordID,
		Operation:      m.Operation,
		Payload:        m.Data,
		CreatedAt:      m.At.UTC(),
		State:          EntryActive,
		IdempotencyKey: uuid.NewString(),
	}
	var payload *string
	if len(m.Data) > 0 && m.Operation != OpDelete {
		p := string(m.Data)
		payload = &p
	} else {
		entry.Payload = nil
	}

	res, err := tx.Exec(`
		INSERT INTO pending_changes (table_name, record_id, operation, payload, created_at, state, idempotency_key)
		VALUES (?, ?, ?, ?, ?, 'active', ?)
	`, string(m.Table), m.RecordID, string(m.Operation), payload, at, entry.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("store: enqueue: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: enqueue id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit mutation: %w", err)
	}
	return &entry, nil
}

type localState struct {
	status          SyncStatus
	serverUpdatedAt *time.Time
}

// MergeRemote reconciles a full remote scan of one table with the mirror.
//
// Rows absent locally are inserted as synced; synced rows are overwritten.
// Rows that are pending, in conflict, or still referenced by a queue entry
// are left untouched. With detectConflicts, a pending row whose server
// timestamp moved since it was last observed is flagged as conflict.
// Local rows missing from the scan are kept.
func (s *Store) MergeRemote(table Table, rows []Row, detectConflicts bool) (MergeResult, error) {
	var result MergeResult

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return result, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return result, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	locals, err := loadLocalStates(tx, table)
	if err != nil {
		return result, err
	}
	queued, err := loadQueuedIDs(tx, table)
	if err != nil {
		return result, err
	}

	now := formatTime(time.Now())
	for _, row := range rows {
		id := RowID(row)
		if id == "" {
			result.Invalid++
			continue
		}
		data, err := json.Marshal(row)
		if err != nil {
			result.Invalid++
			continue
		}
		remoteTS := ServerTimestamp(row)
		local, exists := locals[id]

		if queued[id] || (exists && local.status != SyncStatusSynced) {
			result.Skipped++
			if detectConflicts && exists && local.status == SyncStatusPending &&
				serverMoved(local.serverUpdatedAt, remoteTS) {
				if _, err := tx.Exec(`
					UPDATE records SET sync_status = 'conflict'
					WHERE table_name = ? AND id = ?
				`, string(table), id); err != nil {
					return result, fmt.Errorf("store: flag conflict %s/%s: %w", table, id, err)
				}
				result.Conflicts++
			}
			continue
		}

		_, err = tx.Exec(`
			INSERT INTO records (table_name, id, data, sync_status, local_updated_at, server_updated_at)
			VALUES (?, ?, ?, 'synced', ?, ?)
			ON CONFLICT(table_name, id) DO UPDATE SET
				data = excluded.data,
				sync_status = 'synced',
				server_updated_at = excluded.server_updated_at
		`, string(table), id, string(data), now, formatTimePtr(remoteTS))
		if err != nil {
			return result, fmt.Errorf("store: merge %s/%s: %w", table, id, err)
		}
		if exists {
			result.Updated++
		} else {
			result.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("store: commit merge: %w", err)
	}
	return result, nil
}

// ReplaceAll wipes every table and the queue, then installs snapshot as
// synced records, in a single transaction.
func (s *Store) ReplaceAll(snapshot map[Table][]Row) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM records`); err != nil {
		return 0, fmt.Errorf("store: wipe records: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM pending_changes`); err != nil {
		return 0, fmt.Errorf("store: wipe queue: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO records (table_name, id, data, sync_status, local_updated_at, server_updated_at)
		VALUES (?, ?, ?, 'synced', ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("store: prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	total := 0
	for table, rows := range snapshot {
		count := 0
		for _, row := range rows {
			id := RowID(row)
			if id == "" {
				continue
			}
			data, err := json.Marshal(row)
			if err != nil {
				return 0, fmt.Errorf("store: encode %s/%s: %w", table, id, err)
			}
			if _, err := stmt.Exec(string(table), id, string(data), formatTime(now), formatTimePtr(ServerTimestamp(row))); err != nil {
				return 0, fmt.Errorf("store: insert %s/%s: %w", table, id, err)
			}
			count++
		}
		if err := upsertTableSync(tx, TableSync{
			Table:      table,
			LastSyncAt: now,
			Status:     tableSyncOK,
			RowCount:   count,
		}); err != nil {
			return 0, err
		}
		total += count
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit snapshot: %w", err)
	}
	return total, nil
}

// Stats returns store statistics.
func (s *Store) Stats() (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &StoreStats{
		ByTable:       make(map[Table]int),
		SchemaVersion: schemaVersion,
	}

	rows, err := s.db.Query(`SELECT table_name, COUNT(*) FROM records GROUP BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("store: count records: %w", err)
	}
	for rows.Next() {
		var table string
		var n int
		if err := rows.Scan(&table, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByTable[Table(table)] = n
		stats.RecordCount += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_changes`).Scan(&stats.PendingCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_changes WHERE state = 'failed'`).Scan(&stats.FailedCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE sync_status = 'conflict'`).Scan(&stats.ConflictCount); err != nil {
		return nil, err
	}

	if v, _ := s.getMetadata(metaLastSync); v != "" {
		stats.LastSync, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, _ := s.getMetadata(metaBootstrappedAt); v != "" {
		stats.BootstrappedAt, _ = time.Parse(time.RFC3339Nano, v)
	}

	return stats, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

func loadLocalStates(tx *sql.Tx, table Table) (map[string]localState, error) {
	rows, err := tx.Query(`
		SELECT id, sync_status, server_updated_at FROM records WHERE table_name = ?
	`, string(table))
	if err != nil {
		return nil, fmt.Errorf("store: load local %s: %w", table, err)
	}
	defer rows.Close()

	locals := make(map[string]localState)
	for rows.Next() {
		var (
			id       string
			status   string
			serverTS sql.NullString
		)
		if err := rows.Scan(&id, &status, &serverTS); err != nil {
			return nil, err
		}
		locals[id] = localState{status: SyncStatus(status), serverUpdatedAt: parseNullTime(serverTS)}
	}
	return locals, rows.Err()
}

func loadQueuedIDs(tx *sql.Tx, table Table) (map[string]bool, error) {
	rows, err := tx.Query(`SELECT DISTINCT record_id FROM pending_changes WHERE table_name = ?`, string(table))
	if err != nil {
		return nil, fmt.Errorf("store: load queued %s: %w", table, err)
	}
	defer rows.Close()

	queued := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		queued[id] = true
	}
	return queued, rows.Err()
}

// serverMoved reports whether the remote timestamp is newer than the last one seen.
// A record that never observed the server cannot be in conflict.
func serverMoved(seen, remote *time.Time) bool {
	return seen != nil && remote != nil && remote.After(*seen)
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec      Record
		table    string
		data     string
		status   string
		localTS  string
		serverTS sql.NullString
	)
	err := sc.Scan(&table, &rec.ID, &data, &status, &localTS, &serverTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Table = Table(table)
	rec.Data = json.RawMessage(data)
	rec.SyncStatus = SyncStatus(status)
	rec.LocalUpdatedAt, _ = time.Parse(time.RFC3339Nano, localTS)
	rec.ServerUpdatedAt = parseNullTime(serverTS)
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
