package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hyperengineering/mutuelle"
	"github.com/hyperengineering/mutuelle/internal/profile"
)

// testEnv points the CLI at a fresh mirror with no backend.
// Returns the mirror path.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "mirror.db")

	t.Setenv("HOME", dir)
	t.Setenv("MUTUELLE_DB_PATH", dbPath)
	for _, k := range []string{
		"MUTUELLE_REMOTE_URL", "MUTUELLE_DATABASE_URL", "MUTUELLE_API_KEY",
		"MUTUELLE_REDIS_URL", "MUTUELLE_NOTIFY_URL", "MUTUELLE_PROFILE", "MUTUELLE_LOG",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("MUTUELLE_DEVICE_ID", "test-device")
	t.Cleanup(setMockTTY(false))
	return dbPath
}

// resetFlags restores every flag to its default between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	cfgFile = ""

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

// seedContract queues an offline insert directly through the library.
func seedContract(t *testing.T, dbPath, id string) {
	t.Helper()
	client, err := mutuelle.New(mutuelle.Config{LocalPath: dbPath})
	if err != nil {
		t.Fatalf("mutuelle.New() returned error: %v", err)
	}
	defer client.Close()
	if _, err := client.Contracts().Create(context.Background(), &mutuelle.Contract{
		Base:   mutuelle.Base{ID: id},
		Number: "MUT-" + id,
	}); err != nil {
		t.Fatalf("Create() returned error: %v", err)
	}
}

func TestCLI_Help_ListsAllCommands(t *testing.T) {
	testEnv(t)

	out, err := runCLI(t, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{"status", "sync", "resync", "bootstrap", "queue", "records", "tables", "profiles", "serve", "mcp", "version"} {
		if !strings.Contains(out, name) {
			t.Errorf("--help output should contain %q command", name)
		}
	}
}

func TestCLI_Version_JSON(t *testing.T) {
	testEnv(t)

	out, err := runCLI(t, "version", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if info.Version != "dev" || info.Go == "" {
		t.Errorf("unexpected version info: %+v", info)
	}
}

func TestCLI_Status_EmptyMirror(t *testing.T) {
	testEnv(t)

	out, err := runCLI(t, "status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Local Mirror", "Records:", "0 (0 failed)", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestCLI_Status_JSON(t *testing.T) {
	dbPath := testEnv(t)
	seedContract(t, dbPath, "C1")

	out, err := runCLI(t, "status", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res statusResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if res.Status.PendingCount != 1 || res.Stats.RecordCount != 1 {
		t.Errorf("unexpected status: %+v", res)
	}
}

func TestCLI_Sync_RequiresBackend(t *testing.T) {
	testEnv(t)

	for _, args := range [][]string{{"sync"}, {"resync", "--yes"}, {"bootstrap"}} {
		_, err := runCLI(t, args...)
		if err == nil || !strings.Contains(err.Error(), "no backend configured") {
			t.Errorf("%v: expected missing backend error, got %v", args, err)
		}
	}
}

func TestCLI_Records(t *testing.T) {
	dbPath := testEnv(t)
	seedContract(t, dbPath, "C1")

	out, err := runCLI(t, "records", "contracts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "C1") || !strings.Contains(out, "pending") {
		t.Errorf("records output:\n%s", out)
	}

	out, err = runCLI(t, "records", "contracts", "--status", "synced")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No records") {
		t.Errorf("status filter not applied:\n%s", out)
	}

	if _, err := runCLI(t, "records", "sessions"); !errors.Is(err, mutuelle.ErrUnknownTable) {
		t.Errorf("expected ErrUnknownTable, got %v", err)
	}
	if _, err := runCLI(t, "records", "contracts", "--status", "lost"); err == nil {
		t.Error("expected error for invalid --status")
	}
}

func TestCLI_Tables_ListsEveryTable(t *testing.T) {
	testEnv(t)

	out, err := runCLI(t, "tables")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, table := range mutuelle.AllTables() {
		if !strings.Contains(out, string(table)) {
			t.Errorf("tables output missing %s", table)
		}
	}
}

func TestCLI_Profiles_CreateAndList(t *testing.T) {
	testEnv(t)

	out, err := runCLI(t, "profiles")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No profiles yet") {
		t.Errorf("empty profile list output: %q", out)
	}

	out, err = runCLI(t, "profiles", "create", "lyon/claims")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Created profile lyon/claims") || !strings.Contains(out, "lyon__claims") {
		t.Errorf("create output: %q", out)
	}

	out, err = runCLI(t, "profiles", "list", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var infos []profileInfo
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(infos) != 1 || infos[0].ID != "lyon/claims" || infos[0].SizeBytes == 0 || infos[0].Current {
		t.Errorf("profiles = %+v", infos)
	}

	if _, err := runCLI(t, "profiles", "create", "lyon/claims"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("duplicate create: expected already exists, got %v", err)
	}
	if _, err := runCLI(t, "profiles", "create", "default"); !errors.Is(err, profile.ErrReservedID) {
		t.Errorf("create default: expected ErrReservedID, got %v", err)
	}
	if _, err := runCLI(t, "profiles", "create", "Lyon"); !errors.Is(err, profile.ErrInvalidID) {
		t.Errorf("create Lyon: expected ErrInvalidID, got %v", err)
	}
}

func TestCLI_Queue_ListAndDiscard(t *testing.T) {
	dbPath := testEnv(t)
	seedContract(t, dbPath, "C1")

	out, err := runCLI(t, "queue", "list", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var entries []mutuelle.QueueEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(entries) != 1 || entries[0].RecordID != "C1" || entries[0].Operation != mutuelle.OpInsert {
		t.Fatalf("unexpected queue: %+v", entries)
	}

	id := entries[0].ID
	idArg := strconv.FormatInt(id, 10)

	if _, err := runCLI(t, "queue", "discard", idArg); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("discard without --yes off a terminal should refuse, got %v", err)
	}

	out, err = runCLI(t, "queue", "discard", idArg, "--yes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Discarded change #"+idArg) {
		t.Errorf("discard output: %q", out)
	}

	out, err = runCLI(t, "queue", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No pending changes.") {
		t.Errorf("queue should be empty:\n%s", out)
	}

	if _, err := runCLI(t, "queue", "discard", idArg, "--yes"); !errors.Is(err, mutuelle.ErrNotFound) {
		t.Errorf("second discard: expected ErrNotFound, got %v", err)
	}
}

func TestCLI_QueueRetry_InvalidID(t *testing.T) {
	testEnv(t)

	_, err := runCLI(t, "queue", "retry", "abc")
	if err == nil || !strings.Contains(err.Error(), `invalid change id "abc"`) {
		t.Errorf("expected invalid id error, got %v", err)
	}

	out, err := runCLI(t, "queue", "retry")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No failed changes") {
		t.Errorf("retry output: %q", out)
	}
}

// restBackend is a minimal in-memory REST backend.
type restBackend struct {
	mu   sync.Mutex
	rows map[string][]map[string]any
}

func (b *restBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	table := strings.TrimPrefix(r.URL.Path, "/")
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		if table == "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		rows := b.rows[table]
		if rows == nil || r.URL.Query().Get("offset") != "0" {
			rows = []map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(rows)
	case http.MethodPost:
		var row map[string]any
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &row); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.rows[table] = append(b.rows[table], row)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode([]map[string]any{row})
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func TestCLI_Sync_PushesQueuedChanges(t *testing.T) {
	dbPath := testEnv(t)
	seedContract(t, dbPath, "C1")

	backend := &restBackend{rows: map[string][]map[string]any{}}
	server := httptest.NewServer(backend)
	defer server.Close()
	t.Setenv("MUTUELLE_REMOTE_URL", server.URL)

	out, err := runCLI(t, "sync")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Pushed 1 of 1 changes") {
		t.Errorf("sync output:\n%s", out)
	}

	backend.mu.Lock()
	got := len(backend.rows["contracts"])
	backend.mu.Unlock()
	if got != 1 {
		t.Errorf("backend has %d contracts, want 1", got)
	}

	out, err = runCLI(t, "records", "contracts", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var records []mutuelle.Record
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(records) != 1 || records[0].SyncStatus != mutuelle.SyncStatusSynced {
		t.Errorf("records after sync: %+v", records)
	}

	if _, err := runCLI(t, "resync"); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("resync without --yes off a terminal should refuse, got %v", err)
	}
}

func TestOutputError_Suggestions(t *testing.T) {
	testEnv(t)
	t.Setenv("MUTUELLE_API_KEY", "s3cret")

	var buf bytes.Buffer
	outputError(&buf, errors.Join(errors.New("auth s3cret rejected"), mutuelle.ErrOffline))
	got := buf.String()
	if strings.Contains(got, "s3cret") {
		t.Errorf("API key leaked: %q", got)
	}
	if !strings.Contains(got, "[REDACTED]") || !strings.Contains(got, "Suggestion: Check connectivity") {
		t.Errorf("unexpected error output: %q", got)
	}
}
