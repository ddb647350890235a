package mutuelle

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Metadata keys.
const (
	metaLastSync       = "last_sync"
	metaBootstrappedAt = "bootstrapped_at"
	metaDeviceID       = "device_id"
)

// GetMetadata returns a metadata value, or "" when the key is unset.
func (s *Store) GetMetadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}
	return s.getMetadata(key)
}

func (s *Store) getMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMetadata sets a metadata value.
func (s *Store) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set metadata %s: %w", key, err)
	}
	return nil
}

// RecordTableSync stores the outcome of the latest pull of one table.
func (s *Store) RecordTableSync(ts TableSync) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTableSync(tx, ts); err != nil {
		return err
	}
	return tx.Commit()
}

// TableSyncs returns the bookkeeping rows for every table pulled at least once.
func (s *Store) TableSyncs() ([]TableSync, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT table_name, last_sync_at, status, last_error, row_count
		FROM table_sync ORDER BY table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("store: query table_sync: %w", err)
	}
	defer rows.Close()

	var out []TableSync
	for rows.Next() {
		var (
			ts        TableSync
			table     string
			lastSync  string
			lastError sql.NullString
		)
		if err := rows.Scan(&table, &lastSync, &ts.Status, &lastError, &ts.RowCount); err != nil {
			return nil, err
		}
		ts.Table = Table(table)
		ts.LastSyncAt, _ = time.Parse(time.RFC3339Nano, lastSync)
		ts.LastError = lastError.String
		out = append(out, ts)
	}
	return out, rows.Err()
}

func upsertTableSync(tx *sql.Tx, ts TableSync) error {
	if ts.LastSyncAt.IsZero() {
		ts.LastSyncAt = time.Now()
	}
	var lastError *string
	if ts.LastError != "" {
		lastError = &ts.LastError
	}
	_, err := tx.Exec(`
		INSERT INTO table_sync (table_name, last_sync_at, status, last_error, row_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			status = excluded.status,
			last_error = excluded.last_error,
			row_count = CASE WHEN excluded.status = 'ok' THEN excluded.row_count ELSE table_sync.row_count END
	`, string(ts.Table), formatTime(ts.LastSyncAt), ts.Status, lastError, ts.RowCount)
	if err != nil {
		return fmt.Errorf("store: record table sync %s: %w", ts.Table, err)
	}
	return nil
}
