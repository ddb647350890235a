package profile_test

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/hyperengineering/mutuelle/internal/profile"
)

func TestEncodeDecodePath(t *testing.T) {
	tests := []struct {
		id      string
		encoded string
	}{
		{"agency", "agency"},
		{"lyon/claims", "lyon__claims"},
		{"fr/lyon/claims", "fr__lyon__claims"},
	}

	for _, tt := range tests {
		if got := profile.EncodePath(tt.id); got != tt.encoded {
			t.Errorf("EncodePath(%q) = %q, want %q", tt.id, got, tt.encoded)
		}
		if got := profile.DecodePath(tt.encoded); got != tt.id {
			t.Errorf("DecodePath(%q) = %q, want %q", tt.encoded, got, tt.id)
		}
	}
}

func TestDefaultRoot_UnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	root := profile.DefaultRoot()
	want := filepath.Join(home, ".mutuelle", "profiles")
	if root != want {
		t.Errorf("DefaultRoot() = %q, want %q", root, want)
	}
}

func TestDBPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got := profile.DBPath("lyon/claims")
	if !strings.HasSuffix(got, filepath.Join("lyon__claims", "mirror.db")) {
		t.Errorf("DBPath = %q, want suffix lyon__claims/mirror.db", got)
	}
}

func TestList(t *testing.T) {
	root := t.TempDir()

	for _, id := range []string{"default", "lyon/claims"} {
		path := profile.DBPathIn(root, id)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// A directory without a database is not a profile.
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	ids, err := profile.List(root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "default" || ids[1] != "lyon/claims" {
		t.Errorf("List = %v, want [default lyon/claims]", ids)
	}
}

func TestList_MissingRoot(t *testing.T) {
	ids, err := profile.List(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("List on missing root: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("List = %v, want empty", ids)
	}
}
