package mutuelle

import (
	"errors"
	"testing"
	"time"
)

func TestQueue_DrainIsCreationOrder(t *testing.T) {
	store := newTestStore(t)

	// Wall clock going backwards must not reorder the queue.
	later := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)
	if _, err := store.ApplyMutation(Mutation{Table: TableContracts, RecordID: "A", Operation: OpInsert, Data: []byte(`{"id":"A"}`), At: later}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ApplyMutation(Mutation{Table: TableContracts, RecordID: "B", Operation: OpInsert, Data: []byte(`{"id":"B"}`), At: earlier}); err != nil {
		t.Fatal(err)
	}

	entries, err := store.Drain()
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(entries) != 2 || entries[0].RecordID != "A" || entries[1].RecordID != "B" {
		t.Errorf("unexpected order: %+v", entries)
	}
}

func TestQueue_CompleteEntry_SyncsOnLastEntry(t *testing.T) {
	store := newTestStore(t)
	first := mustMutate(t, store, TableContracts, "C1", OpInsert, map[string]any{"id": "C1", "amount": 100})
	second := mustMutate(t, store, TableContracts, "C1", OpUpdate, map[string]any{"id": "C1", "amount": 150})

	ack := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := store.CompleteEntry(first.ID, ack); err != nil {
		t.Fatalf("CompleteEntry failed: %v", err)
	}
	rec, _ := store.Get(TableContracts, "C1")
	if rec.SyncStatus != SyncStatusPending {
		t.Errorf("status after first ack = %q, want pending", rec.SyncStatus)
	}
	if rec.ServerUpdatedAt == nil || !rec.ServerUpdatedAt.Equal(ack) {
		t.Errorf("ServerUpdatedAt = %v, want %v", rec.ServerUpdatedAt, ack)
	}

	if err := store.CompleteEntry(second.ID, ack.Add(time.Minute)); err != nil {
		t.Fatalf("CompleteEntry failed: %v", err)
	}
	rec, _ = store.Get(TableContracts, "C1")
	if rec.SyncStatus != SyncStatusSynced {
		t.Errorf("status after last ack = %q, want synced", rec.SyncStatus)
	}

	if err := store.CompleteEntry(second.ID, ack); !errors.Is(err, ErrNotFound) {
		t.Errorf("completing twice: expected ErrNotFound, got %v", err)
	}
}

func TestQueue_BumpRetry(t *testing.T) {
	store := newTestStore(t)
	entry := mustMutate(t, store, TableContracts, "C1", OpInsert, map[string]any{"id": "C1"})

	next := time.Now().Add(time.Minute)
	if err := store.BumpRetry(entry.ID, "timeout", next); err != nil {
		t.Fatalf("BumpRetry failed: %v", err)
	}

	got, err := store.QueueEntry(entry.ID)
	if err != nil {
		t.Fatalf("QueueEntry failed: %v", err)
	}
	if got.RetryCount != 1 || got.LastError != "timeout" || got.State != EntryActive {
		t.Errorf("unexpected entry: %+v", got)
	}
	if got.NextAttemptAt == nil || got.NextAttemptAt.Unix() != next.Unix() {
		t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, next)
	}
	if got.Due(time.Now()) {
		t.Error("entry should not be due before next attempt")
	}
	if !got.Due(next.Add(time.Second)) {
		t.Error("entry should be due after next attempt")
	}
}

func TestQueue_FailRetryDiscard(t *testing.T) {
	store := newTestStore(t)
	a := mustMutate(t, store, TableContracts, "A", OpInsert, map[string]any{"id": "A"})
	b := mustMutate(t, store, TableContracts, "B", OpInsert, map[string]any{"id": "B"})

	if err := store.FailEntry(a.ID, "rejected"); err != nil {
		t.Fatal(err)
	}
	if err := store.FailEntry(b.ID, "rejected"); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.CountFailed(); n != 2 {
		t.Errorf("CountFailed = %d, want 2", n)
	}
	if n, _ := store.CountPending(); n != 2 {
		t.Errorf("CountPending = %d, want 2 (failed entries count)", n)
	}

	// BumpRetry only applies to active entries.
	if err := store.BumpRetry(a.ID, "x", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("BumpRetry on failed entry: expected ErrNotFound, got %v", err)
	}

	n, err := store.RetryFailed(a.ID)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("re-armed %d, want 1", n)
	}
	got, _ := store.QueueEntry(a.ID)
	if got.State != EntryActive || got.RetryCount != 0 || got.NextAttemptAt != nil {
		t.Errorf("re-armed entry: %+v", got)
	}

	if err := store.DiscardEntry(b.ID); err != nil {
		t.Fatalf("DiscardEntry failed: %v", err)
	}
	// B was never delivered, so no server copy exists to fall back to.
	if _, err := store.Get(TableContracts, "B"); !errors.Is(err, ErrNotFound) {
		t.Errorf("discarded insert: expected local record gone, got %v", err)
	}
	if err := store.DiscardEntry(b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("discard twice: expected ErrNotFound, got %v", err)
	}
}

func TestQueue_RetryFailed_AllWhenNoIDs(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"A", "B", "C"} {
		e := mustMutate(t, store, TableProviders, id, OpInsert, map[string]any{"id": id})
		if id != "C" {
			if err := store.FailEntry(e.ID, "bad"); err != nil {
				t.Fatal(err)
			}
		}
	}

	n, err := store.RetryFailed()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("re-armed %d, want 2", n)
	}
	if failed, _ := store.CountFailed(); failed != 0 {
		t.Errorf("CountFailed = %d, want 0", failed)
	}
}

func TestQueue_DiscardEntry_KeepsPendingWhileOthersRemain(t *testing.T) {
	store := newTestStore(t)
	first := mustMutate(t, store, TableContracts, "C1", OpInsert, map[string]any{"id": "C1"})
	mustMutate(t, store, TableContracts, "C1", OpUpdate, map[string]any{"id": "C1", "amount": 2})

	if err := store.DiscardEntry(first.ID); err != nil {
		t.Fatal(err)
	}
	rec, _ := store.Get(TableContracts, "C1")
	if rec.SyncStatus != SyncStatusPending {
		t.Errorf("status = %q, want pending", rec.SyncStatus)
	}
}

func TestQueue_DiscardEntry_UpdateRevertsToSynced(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.MergeRemote(TableContracts, []Row{{"id": "C1", "amount": 1, "updated_at": "2024-01-01T00:00:00Z"}}, true); err != nil {
		t.Fatal(err)
	}
	e := mustMutate(t, store, TableContracts, "C1", OpUpdate, map[string]any{"id": "C1", "amount": 2})

	if err := store.DiscardEntry(e.ID); err != nil {
		t.Fatal(err)
	}
	rec, err := store.Get(TableContracts, "C1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.SyncStatus != SyncStatusSynced {
		t.Errorf("status = %q, want synced", rec.SyncStatus)
	}
}
