package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/hyperengineering/mutuelle"
)

func TestHTTPClient_ReadAll_Pages(t *testing.T) {
	var pages atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contracts" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("order"); got != "id.asc" {
			t.Errorf("order = %q", got)
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		pages.Add(1)

		total := 5
		var rows []map[string]any
		for i := offset; i < total && i < offset+2; i++ {
			rows = append(rows, map[string]any{"id": fmt.Sprintf("C%d", i), "amount": 10})
		}
		if rows == nil {
			rows = []map[string]any{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-key", "").WithPageSize(2)
	rows, err := client.ReadAll(context.Background(), mutuelle.TableContracts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("got %d rows, want 5", len(rows))
	}
	if n, ok := rows[0]["amount"].(json.Number); !ok || n.String() != "10" {
		t.Errorf("amount = %#v, want json.Number", rows[0]["amount"])
	}
	if got := pages.Load(); got != 3 {
		t.Errorf("requested %d pages, want 3", got)
	}
}

func TestHTTPClient_Insert_UpsertsWithIdempotencyKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/providers" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "key-1" {
			t.Errorf("Idempotency-Key = %q", got)
		}
		if got := r.Header.Get("Prefer"); got != "return=representation,resolution=merge-duplicates" {
			t.Errorf("Prefer = %q", got)
		}
		var row map[string]any
		_ = json.NewDecoder(r.Body).Decode(&row)
		row["updated_at"] = "2024-05-01T08:00:00Z"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode([]map[string]any{row})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", "dev-1")
	got, err := client.Insert(context.Background(), mutuelle.TableProviders, mutuelle.Row{"id": "P1", "name": "Clinique"}, "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["name"] != "Clinique" || got["updated_at"] != "2024-05-01T08:00:00Z" {
		t.Errorf("returned row = %v", got)
	}
}

func TestHTTPClient_Update_MissingRowIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if got := r.URL.Query().Get("id"); got != "eq.C9" {
			t.Errorf("id filter = %q", got)
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", "")
	_, err := client.Update(context.Background(), mutuelle.TableContracts, "C9", mutuelle.Row{"amount": 1}, "key")

	var syncErr *mutuelle.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected SyncError, got %v", err)
	}
	if syncErr.StatusCode != http.StatusNotFound || !syncErr.Permanent {
		t.Errorf("SyncError = %+v, want permanent 404", syncErr)
	}
}

func TestHTTPClient_Delete(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method: %s", r.Method)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", "")
	ctx := context.Background()

	if err := client.Delete(ctx, mutuelle.TableDocuments, "D1", "key"); err != nil {
		t.Errorf("delete: %v", err)
	}
	status.Store(http.StatusNotFound)
	if err := client.Delete(ctx, mutuelle.TableDocuments, "D1", "key"); err != nil {
		t.Errorf("delete of missing row should succeed: %v", err)
	}
	status.Store(http.StatusInternalServerError)
	if err := client.Delete(ctx, mutuelle.TableDocuments, "D1", "key"); err == nil || mutuelle.IsPermanent(err) {
		t.Errorf("5xx should be a transient error, got %v", err)
	}
}

func TestHTTPClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusConflict, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			defer server.Close()

			client := NewHTTPClient(server.URL, "k", "")
			_, err := client.Insert(context.Background(), mutuelle.TableContracts, mutuelle.Row{"id": "C1"}, "key")

			var syncErr *mutuelle.SyncError
			if !errors.As(err, &syncErr) {
				t.Fatalf("expected SyncError, got %T", err)
			}
			if syncErr.StatusCode != tt.status || syncErr.Permanent != tt.permanent {
				t.Errorf("SyncError = %+v, want status %d permanent %v", syncErr, tt.status, tt.permanent)
			}
		})
	}
}

func TestHTTPClient_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Mutuelle-Device") != "dev-1" {
			t.Errorf("missing device header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := NewHTTPClient(server.URL, "k", "dev-1").Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestHTTPClient_NetworkError(t *testing.T) {
	client := NewHTTPClient("http://localhost:1", "k", "")
	err := client.Ping(context.Background())

	var syncErr *mutuelle.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected SyncError, got %T", err)
	}
	if syncErr.Permanent {
		t.Error("network errors must be retryable")
	}
}
