package profile_test

import (
	"testing"

	"github.com/hyperengineering/mutuelle/internal/profile"
)

func TestResolve_ExplicitWins(t *testing.T) {
	t.Setenv(profile.EnvVar, "from-env")

	got, err := profile.Resolve("explicit")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "explicit" {
		t.Errorf("Resolve = %q, want explicit", got)
	}
}

func TestResolve_Env(t *testing.T) {
	t.Setenv(profile.EnvVar, "lyon/claims")

	got, err := profile.Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "lyon/claims" {
		t.Errorf("Resolve = %q, want lyon/claims", got)
	}
}

func TestResolve_Default(t *testing.T) {
	t.Setenv(profile.EnvVar, "")

	got, err := profile.Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != profile.DefaultID {
		t.Errorf("Resolve = %q, want %q", got, profile.DefaultID)
	}
}

func TestResolve_InvalidInputs(t *testing.T) {
	if _, err := profile.Resolve("Bad ID"); err == nil {
		t.Error("expected error for invalid explicit profile")
	}

	t.Setenv(profile.EnvVar, "Bad ID")
	if _, err := profile.Resolve(""); err == nil {
		t.Error("expected error for invalid env profile")
	}
}
