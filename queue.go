package mutuelle

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const queueColumns = `id, table_name, record_id, operation, payload, created_at,
	retry_count, state, next_attempt_at, last_error, idempotency_key`

// Drain returns every queue entry, active and failed, in creation order.
// Entries are never reordered or coalesced; the autoincrement id is the
// creation order even if the wall clock moves backwards.
func (s *Store) Drain() ([]QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT ` + queueColumns + ` FROM pending_changes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: drain queue: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// QueueEntry returns one entry. Returns ErrNotFound once it has been removed.
func (s *Store) QueueEntry(id int64) (*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`SELECT `+queueColumns+` FROM pending_changes WHERE id = ?`, id)
	return scanQueueEntry(row)
}

// RemoveEntry deletes an entry without touching its record.
func (s *Store) RemoveEntry(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`DELETE FROM pending_changes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: remove entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteEntry removes a remotely confirmed entry. When it was the last
// entry for its record, the record becomes synced; serverUpdatedAt is
// refreshed either way.
func (s *Store) CompleteEntry(id int64, serverUpdatedAt time.Time) error {
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

	var table, recordID string
	err = tx.QueryRow(`SELECT table_name, record_id FROM pending_changes WHERE id = ?`, id).Scan(&table, &recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: load entry %d: %w", id, err)
	}

	if _, err := tx.Exec(`DELETE FROM pending_changes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: remove entry %d: %w", id, err)
	}

	remaining, err := countRecordEntries(tx, table, recordID)
	if err != nil {
		return err
	}

	ts := formatTime(serverUpdatedAt)
	if remaining == 0 {
		_, err = tx.Exec(`
			UPDATE records SET sync_status = 'synced', server_updated_at = ?
			WHERE table_name = ? AND id = ?
		`, ts, table, recordID)
	} else {
		_, err = tx.Exec(`
			UPDATE records SET server_updated_at = ?
			WHERE table_name = ? AND id = ?
		`, ts, table, recordID)
	}
	if err != nil {
		return fmt.Errorf("store: confirm record %s/%s: %w", table, recordID, err)
	}

	return tx.Commit()
}

// BumpRetry records a failed attempt and schedules the next one.
func (s *Store) BumpRetry(id int64, cause string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`
		UPDATE pending_changes
		SET retry_count = retry_count + 1, next_attempt_at = ?, last_error = ?
		WHERE id = ? AND state = 'active'
	`, formatTime(nextAttemptAt), cause, id)
	if err != nil {
		return fmt.Errorf("store: bump retry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailEntry moves an entry to the terminal failed state. Push passes skip it
// until RetryFailed re-arms it.
func (s *Store) FailEntry(id int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`
		UPDATE pending_changes
		SET retry_count = retry_count + 1, state = 'failed', next_attempt_at = NULL, last_error = ?
		WHERE id = ?
	`, cause, id)
	if err != nil {
		return fmt.Errorf("store: fail entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryFailed re-arms failed entries with a fresh retry budget. With no ids,
// every failed entry is re-armed. Returns the number of entries re-armed.
func (s *Store) RetryFailed(ids ...int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	query := `
		UPDATE pending_changes
		SET state = 'active', retry_count = 0, next_attempt_at = NULL
		WHERE state = 'failed'`
	args := []any{}
	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += fmt.Sprintf(" AND id IN (%s)", strings.Join(placeholders, ","))
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: retry failed entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DiscardEntry drops an entry without delivering it. When no other entry
// references the record, the record is marked synced so the next pull
// restores the server copy, except for a discarded insert: the server never
// had that row, so the local record is deleted.
func (s *Store) DiscardEntry(id int64) error {
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

	var table, recordID string
	var op Operation
	err = tx.QueryRow(`SELECT table_name, record_id, operation FROM pending_changes WHERE id = ?`, id).Scan(&table, &recordID, &op)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: load entry %d: %w", id, err)
	}

	if _, err := tx.Exec(`DELETE FROM pending_changes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: discard entry %d: %w", id, err)
	}

	remaining, err := countRecordEntries(tx, table, recordID)
	if err != nil {
		return err
	}
	switch {
	case remaining > 0:
	case op == OpInsert:
		if _, err := tx.Exec(`DELETE FROM records WHERE table_name = ? AND id = ?`, table, recordID); err != nil {
			return fmt.Errorf("store: drop undelivered record %s/%s: %w", table, recordID, err)
		}
	default:
		if _, err := tx.Exec(`
			UPDATE records SET sync_status = 'synced'
			WHERE table_name = ? AND id = ?
		`, table, recordID); err != nil {
			return fmt.Errorf("store: reset record %s/%s: %w", table, recordID, err)
		}
	}

	return tx.Commit()
}

// CountPending returns the queue length, failed entries included.
func (s *Store) CountPending() (int, error) {
	return s.countEntries(`SELECT COUNT(*) FROM pending_changes`)
}

// CountFailed returns the number of entries in the failed state.
func (s *Store) CountFailed() (int, error) {
	return s.countEntries(`SELECT COUNT(*) FROM pending_changes WHERE state = 'failed'`)
}

func (s *Store) countEntries(query string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	if err := s.db.QueryRow(query).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count queue: %w", err)
	}
	return n, nil
}

func countRecordEntries(tx *sql.Tx, table, recordID string) (int, error) {
	var n int
	err := tx.QueryRow(`
		SELECT COUNT(*) FROM pending_changes WHERE table_name = ? AND record_id = ?
	`, table, recordID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count entries for %s/%s: %w", table, recordID, err)
	}
	return n, nil
}

func scanQueueEntry(sc scanner) (*QueueEntry, error) {
	var (
		entry       QueueEntry
		table       string
		operation   string
		payload     sql.NullString
		createdAt   string
		state       string
		nextAttempt sql.NullString
		lastError   sql.NullString
	)
	err := sc.Scan(&entry.ID, &table, &entry.RecordID, &operation, &payload, &createdAt,
		&entry.RetryCount, &state, &nextAttempt, &lastError, &entry.IdempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	entry.Table = Table(table)
	entry.Operation = Operation(operation)
	if payload.Valid {
		entry.Payload = []byte(payload.String)
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	entry.State = EntryState(state)
	entry.NextAttemptAt = parseNullTime(nextAttempt)
	entry.LastError = lastError.String
	return &entry, nil
}
