package mutuelle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	cfg := Config{LocalPath: filepath.Join(t.TempDir(), "mirror.db")}
	c, err := New(cfg, append([]Option{WithLogger(discardLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{
		LocalPath:   filepath.Join(t.TempDir(), "mirror.db"),
		RemoteURL:   "http://backend",
		DatabaseURL: "postgres://backend",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestNew_StartsOfflineWithoutAutoSync(t *testing.T) {
	c := newTestClient(t, WithRemote(newFakeRemote()))

	if c.SyncStatus().Online {
		t.Error("client should start offline")
	}
	if c.Profile() == "" {
		t.Error("profile should be resolved")
	}
	if _, err := c.Pull(context.Background()); !errors.Is(err, ErrOffline) {
		t.Errorf("Pull while offline: expected ErrOffline, got %v", err)
	}
}

// A contract created offline is delivered once the client goes online and
// survives the following pull untouched.
func TestClient_OfflineCreateThenReconnect(t *testing.T) {
	remote := newFakeRemote()
	c := newTestClient(t, WithRemote(remote))
	ctx := context.Background()

	created := &Contract{Base: Base{ID: "C1"}, Number: "MUT-001", HolderName: "Durand", MonthlyPremium: 38.5}
	res, err := c.Contracts().Create(ctx, created)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.Kind != ResultPending {
		t.Errorf("offline create = %+v, want pending", res)
	}
	if got := c.SyncStatus().PendingCount; got != 1 {
		t.Fatalf("PendingCount = %d, want 1", got)
	}

	if err := c.SetOnline(ctx, true); err != nil {
		t.Fatalf("SetOnline failed: %v", err)
	}

	status := c.SyncStatus()
	if status.PendingCount != 0 || !status.Online || status.LastSyncAt == nil {
		t.Errorf("status after reconnect = %+v", status)
	}
	item, err := c.Contracts().Get(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if item.SyncStatus != SyncStatusSynced {
		t.Errorf("C1 status = %q, want synced", item.SyncStatus)
	}

	report, err := c.Pull(ctx, TableContracts)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if err := report.Err(); err != nil {
		t.Fatalf("Pull table error: %v", err)
	}
	after, err := c.Contracts().Get(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if after.SyncStatus != SyncStatusSynced {
		t.Errorf("C1 status after pull = %q", after.SyncStatus)
	}
	v := after.Value
	if v.Number != created.Number || v.HolderName != created.HolderName ||
		v.MonthlyPremium != created.MonthlyPremium || !v.UpdatedAt.Equal(created.UpdatedAt) {
		t.Errorf("C1 changed by pull: %+v, want %+v", v, *created)
	}
}

// Changes queued in an earlier offline session are pushed as soon as a
// client starts online, without waiting for the periodic sync.
func TestClient_StartOnlinePushesLeftoverQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	ctx := context.Background()

	offline, err := New(Config{LocalPath: path}, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := offline.Contracts().Create(ctx, &Contract{Base: Base{ID: "C7"}, Number: "MUT-007"}); err != nil {
		t.Fatal(err)
	}
	if err := offline.Close(); err != nil {
		t.Fatal(err)
	}

	remote := newFakeRemote()
	c, err := New(Config{
		LocalPath:     path,
		AutoSync:      true,
		StartOnline:   true,
		SyncInterval:  time.Hour,
		ProbeInterval: time.Hour,
	}, WithRemote(remote), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := remote.row(TableContracts, "C7"); ok && c.SyncStatus().PendingCount == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("C7 not pushed at startup; status = %+v, calls = %v", c.SyncStatus(), remote.callLog())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_RetryAndDiscardFailedChanges(t *testing.T) {
	remote := newFakeRemote()
	reject := true
	remote.insertErr = func(Table, Row) error {
		if reject {
			return errRejected
		}
		return nil
	}
	c := newTestClient(t, WithRemote(remote))
	ctx := context.Background()
	if err := c.SetOnline(ctx, true); err != nil {
		t.Fatal(err)
	}

	resA, _ := c.Providers().Create(ctx, &Provider{Base: Base{ID: "P1"}, Name: "Clinique A"})
	resB, _ := c.Providers().Create(ctx, &Provider{Base: Base{ID: "P2"}, Name: "Clinique B"})
	if resA.Kind != ResultFailed || resB.Kind != ResultFailed {
		t.Fatalf("results = %+v %+v, want failed", resA, resB)
	}
	if st := c.SyncStatus(); st.FailedCount != 2 || st.PendingCount != 2 {
		t.Errorf("status = %+v", st)
	}

	reject = false
	n, err := c.RetryFailed(ctx, resA.EntryID)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("re-armed %d, want 1", n)
	}
	if _, ok := remote.row(TableProviders, "P1"); !ok {
		t.Error("P1 should be delivered after retry")
	}

	if err := c.DiscardChange(resB.EntryID); err != nil {
		t.Fatalf("DiscardChange failed: %v", err)
	}
	if err := c.DiscardChange(resB.EntryID); !errors.Is(err, ErrNotFound) {
		t.Errorf("discard twice: expected ErrNotFound, got %v", err)
	}
	queue, err := c.Queue()
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 0 {
		t.Errorf("queue = %+v, want empty", queue)
	}
	if _, ok := remote.row(TableProviders, "P2"); ok {
		t.Error("discarded change must not reach the remote")
	}
}

func TestClient_DiscardUndeliveredInsertDropsRecord(t *testing.T) {
	remote := newFakeRemote()
	remote.insertErr = func(Table, Row) error { return errRejected }
	c := newTestClient(t, WithRemote(remote))
	ctx := context.Background()
	if err := c.SetOnline(ctx, true); err != nil {
		t.Fatal(err)
	}

	res, _ := c.Providers().Create(ctx, &Provider{Base: Base{ID: "P9"}, Name: "Cabinet"})
	if res.Kind != ResultFailed {
		t.Fatalf("result = %+v, want failed", res)
	}
	if err := c.DiscardChange(res.EntryID); err != nil {
		t.Fatalf("DiscardChange failed: %v", err)
	}
	if _, err := c.Pull(ctx, TableProviders); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	if _, err := c.Providers().Get(ctx, "P9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("P9 after discard: expected ErrNotFound, got %v", err)
	}
	if items := c.Providers().List(ctx); len(items) != 0 {
		t.Errorf("providers = %+v, want none", items)
	}
	if _, err := c.Providers().Update(ctx, "P9", func(*Provider) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(P9): expected ErrNotFound, got %v", err)
	}
}

func TestClient_ContractDetails(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	must := func(_ MutationResult, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(c.Contracts().Create(ctx, &Contract{Base: Base{ID: "C1"}, Number: "MUT-001"}))
	must(c.Contracts().Create(ctx, &Contract{Base: Base{ID: "C2"}, Number: "MUT-002"}))
	must(c.InsuredPersons().Create(ctx, &InsuredPerson{ContractID: "C1", FirstName: "Léa", LastName: "Martin"}))
	must(c.InsuredPersons().Create(ctx, &InsuredPerson{ContractID: "C1", FirstName: "Paul", LastName: "Bernard"}))
	must(c.Beneficiaries().Create(ctx, &Beneficiary{ContractID: "C1", FullName: "Anne Martin", SharePercent: 100}))
	must(c.ReimbursementCeilings().Create(ctx, &ReimbursementCeiling{ContractID: "C2", CareType: "optique", Year: 2024, AnnualLimit: 300}))

	details := c.ContractDetails(ctx)
	if len(details) != 2 {
		t.Fatalf("got %d contracts, want 2", len(details))
	}
	byID := map[string]ContractDetails{}
	for _, d := range details {
		byID[d.Contract.Value.ID] = d
	}
	c1 := byID["C1"]
	if len(c1.InsuredPersons) != 2 || c1.InsuredPersons[0].LastName != "Bernard" {
		t.Errorf("C1 persons = %+v", c1.InsuredPersons)
	}
	if len(c1.Beneficiaries) != 1 || len(c1.Ceilings) != 0 {
		t.Errorf("C1 details = %+v", c1)
	}
	if len(byID["C2"].Ceilings) != 1 {
		t.Errorf("C2 ceilings = %+v", byID["C2"].Ceilings)
	}

	one, err := c.ContractDetail(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if len(one.InsuredPersons) != 2 {
		t.Errorf("ContractDetail persons = %+v", one.InsuredPersons)
	}
	if _, err := c.ContractDetail(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_RecordsAndStats(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Documents().Create(ctx, &Document{Kind: "attestation", FileName: "a.pdf"}); err != nil {
		t.Fatal(err)
	}
	recs, err := c.Records(TableDocuments)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].SyncStatus != SyncStatusPending {
		t.Errorf("records = %+v", recs)
	}
	if _, err := c.Records(Table("unknown")); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("expected ErrUnknownTable, got %v", err)
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.RecordCount != 1 || stats.PendingCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestClient_HealthCheck(t *testing.T) {
	remote := newFakeRemote()
	c := newTestClient(t, WithRemote(remote))
	ctx := context.Background()

	h := c.HealthCheck(ctx)
	if !h.Healthy || !h.StoreOK || !h.RemoteReachable {
		t.Errorf("health = %+v", h)
	}

	remote.mu.Lock()
	remote.pingErr = errTransient
	remote.mu.Unlock()
	h = c.HealthCheck(ctx)
	if !h.Healthy || h.RemoteReachable || h.Error == "" {
		t.Errorf("health with unreachable remote = %+v", h)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	if err := c.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	h := c.HealthCheck(context.Background())
	if h.Healthy || h.StoreOK {
		t.Errorf("health after close = %+v", h)
	}
}
