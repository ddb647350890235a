// Package profile resolves and validates mirror profiles.
//
// A profile is an isolated local mirror (one SQLite file) for one back-office
// deployment, for example a regional agency. Profiles are addressed by an ID
// such as "default" or "lyon/claims".
package profile

import (
	"errors"
	"regexp"
	"strings"
)

// DefaultID is the profile used when none is configured.
const DefaultID = "default"

// EnvVar names the environment variable consulted by Resolve.
const EnvVar = "MUTUELLE_PROFILE"

var (
	// ErrInvalidID indicates the profile ID format is invalid.
	ErrInvalidID = errors.New("invalid profile ID: must be lowercase alphanumeric with hyphens, 1-3 path segments")

	// ErrReservedID is returned when creating the implicit default profile.
	ErrReservedID = errors.New("reserved profile ID: the default mirror is created on first use")
)

// idRegex validates <segment>[/<segment>]{0,2}. Segments are 1-48 characters
// of a-z, 0-9 and inner hyphens.
var idRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,46}[a-z0-9])?(\/[a-z0-9]([a-z0-9-]{0,46}[a-z0-9])?){0,2}$`)

const maxIDLength = 128

// Validate checks a profile ID.
func Validate(id string) error {
	if id == "" || len(id) > maxIDLength || strings.Contains(id, "--") || !idRegex.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

// IsReserved reports whether id names the implicit default profile.
func IsReserved(id string) bool {
	return id == DefaultID
}

// ValidateForCreation rejects malformed IDs and the default profile.
func ValidateForCreation(id string) error {
	if err := Validate(id); err != nil {
		return err
	}
	if IsReserved(id) {
		return ErrReservedID
	}
	return nil
}
