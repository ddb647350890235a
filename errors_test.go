package mutuelle

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSyncError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("push: %w", &SyncError{Operation: "insert", Table: TableContracts, StatusCode: 502, Err: cause})

	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
	var se *SyncError
	if !errors.As(err, &se) || se.StatusCode != 502 {
		t.Fatalf("errors.As = %+v", se)
	}
	if !strings.Contains(se.Error(), "contracts") || !strings.Contains(se.Error(), "502") {
		t.Errorf("Error() = %q", se.Error())
	}

	noTable := &SyncError{Operation: "ping", Err: cause}
	if !strings.HasPrefix(noTable.Error(), "sync: ping failed") {
		t.Errorf("Error() = %q", noTable.Error())
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"transient", errTransient, false},
		{"rejected", errRejected, true},
		{"wrapped rejected", fmt.Errorf("deliver: %w", errRejected), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := error(&ValidationError{Field: "amount", Message: "must be > 0"})
	if err.Error() != "validation: amount: must be > 0" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestParseTable(t *testing.T) {
	if tbl, err := ParseTable("care_authorizations"); err != nil || tbl != TableCareAuthorizations {
		t.Errorf("ParseTable = %q, %v", tbl, err)
	}
	if _, err := ParseTable("sessions"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("expected ErrUnknownTable, got %v", err)
	}
	if len(AllTables()) != 12 {
		t.Errorf("AllTables has %d entries, want 12", len(AllTables()))
	}
}
