package mutuelle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore opens a store in a temp directory, closed at cleanup.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// newTestEngine creates an online engine with a fast retry policy.
func newTestEngine(t *testing.T, store *Store, remote Remote, opts ...EngineOption) *Engine {
	t.Helper()
	base := []EngineOption{
		WithEngineLogger(discardLogger()),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour}),
	}
	e := NewEngine(store, remote, append(base, opts...)...)
	if remote != nil {
		e.setOnline(true)
	}
	return e
}

// mustMutate applies a mutation, failing the test on error.
func mustMutate(t *testing.T, store *Store, table Table, id string, op Operation, data map[string]any) *QueueEntry {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		var err error
		if raw, err = json.Marshal(data); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	entry, err := store.ApplyMutation(Mutation{Table: table, RecordID: id, Operation: op, Data: raw})
	if err != nil {
		t.Fatalf("ApplyMutation(%s %s/%s) failed: %v", op, table, id, err)
	}
	return entry
}

// fakeRemote is an in-memory backend with per-call hooks.
type fakeRemote struct {
	mu     sync.Mutex
	tables map[Table]map[string]Row
	keys   map[string]Row
	calls  []string

	insertErr func(table Table, row Row) error
	updateErr func(table Table, id string) error
	deleteErr func(table Table, id string) error
	readErr   func(table Table) error
	readHook  func(table Table)
	pingErr   error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		tables: make(map[Table]map[string]Row),
		keys:   make(map[string]Row),
	}
}

func (f *fakeRemote) seed(table Table, rows ...Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.tableLocked(table)[RowID(r)] = copyRow(r)
	}
}

func (f *fakeRemote) row(table Table, id string) (Row, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.tables[table][id]
	return copyRow(r), ok
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) tableLocked(table Table) map[string]Row {
	t, ok := f.tables[table]
	if !ok {
		t = make(map[string]Row)
		f.tables[table] = t
	}
	return t
}

func (f *fakeRemote) ReadAll(ctx context.Context, table Table) ([]Row, error) {
	if f.readHook != nil {
		f.readHook(table)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("read %s", table))
	if f.readErr != nil {
		if err := f.readErr(table); err != nil {
			return nil, err
		}
	}
	rows := make([]Row, 0, len(f.tables[table]))
	for _, r := range f.tables[table] {
		rows = append(rows, copyRow(r))
	}
	sort.Slice(rows, func(i, j int) bool { return RowID(rows[i]) < RowID(rows[j]) })
	return rows, nil
}

func (f *fakeRemote) Insert(ctx context.Context, table Table, row Row, key string) (Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("insert %s/%s", table, RowID(row)))
	if f.insertErr != nil {
		if err := f.insertErr(table, row); err != nil {
			return nil, err
		}
	}
	if prev, ok := f.keys[key]; ok {
		return copyRow(prev), nil
	}
	stored := copyRow(row)
	f.tableLocked(table)[RowID(row)] = stored
	f.keys[key] = stored
	return copyRow(stored), nil
}

func (f *fakeRemote) Update(ctx context.Context, table Table, id string, row Row, key string) (Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("update %s/%s", table, id))
	if f.updateErr != nil {
		if err := f.updateErr(table, id); err != nil {
			return nil, err
		}
	}
	existing, ok := f.tableLocked(table)[id]
	if !ok {
		return nil, &SyncError{Operation: "update", Table: table, StatusCode: 404, Permanent: true, Err: errors.New("no such row")}
	}
	for k, v := range row {
		existing[k] = v
	}
	return copyRow(existing), nil
}

func (f *fakeRemote) Delete(ctx context.Context, table Table, id string, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("delete %s/%s", table, id))
	if f.deleteErr != nil {
		if err := f.deleteErr(table, id); err != nil {
			return err
		}
	}
	delete(f.tableLocked(table), id)
	return nil
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func copyRow(r Row) Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// errTransient is a retryable remote failure.
var errTransient = &SyncError{Operation: "push", StatusCode: 503, Err: errors.New("service unavailable")}

// errRejected is a permanent remote failure.
var errRejected = &SyncError{Operation: "push", StatusCode: 422, Permanent: true, Err: errors.New("constraint violation")}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
