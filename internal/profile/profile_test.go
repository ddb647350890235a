package profile_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/hyperengineering/mutuelle/internal/profile"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "agency", false},
		{"with hyphen", "head-office", false},
		{"numeric", "2024", false},
		{"single char", "a", false},
		{"two segments", "lyon/claims", false},
		{"three segments", "fr/lyon/claims", false},
		{"default", "default", false},

		{"empty", "", true},
		{"uppercase", "Lyon", true},
		{"leading hyphen", "-lyon", true},
		{"trailing hyphen", "lyon-", true},
		{"consecutive hyphens", "lyon--claims", true},
		{"underscore", "lyon_claims", true},
		{"leading underscore", "_system", true},
		{"space", "lyon claims", true},
		{"four segments", "a/b/c/d", true},
		{"leading slash", "/lyon", true},
		{"trailing slash", "lyon/", true},
		{"empty segment", "lyon//claims", true},
		{"segment too long", strings.Repeat("a", 49), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := profile.Validate(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, profile.ErrInvalidID) {
				t.Errorf("Validate(%q) error = %v, want ErrInvalidID", tt.id, err)
			}
		})
	}
}

func TestValidate_SegmentBoundary(t *testing.T) {
	if err := profile.Validate(strings.Repeat("a", 48)); err != nil {
		t.Errorf("48-char segment should be valid: %v", err)
	}
}

func TestValidateForCreation_RejectsReserved(t *testing.T) {
	if err := profile.ValidateForCreation("default"); !errors.Is(err, profile.ErrReservedID) {
		t.Errorf("ValidateForCreation(default) = %v, want ErrReservedID", err)
	}
	if err := profile.ValidateForCreation("Lyon"); !errors.Is(err, profile.ErrInvalidID) {
		t.Errorf("ValidateForCreation(Lyon) = %v, want ErrInvalidID", err)
	}
	if err := profile.ValidateForCreation("lyon"); err != nil {
		t.Errorf("ValidateForCreation(lyon) unexpected error: %v", err)
	}
}
