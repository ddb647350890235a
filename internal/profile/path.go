package profile

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DBFileName is the SQLite file name inside a profile directory.
const DBFileName = "mirror.db"

// DefaultRoot returns the directory holding every profile.
// Defaults to ~/.mutuelle/profiles, or ./.mutuelle/profiles without a home directory.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".mutuelle", "profiles")
	}
	return filepath.Join(home, ".mutuelle", "profiles")
}

// EncodePath turns a profile ID into a single directory name ("lyon/claims" -> "lyon__claims").
func EncodePath(id string) string {
	return strings.ReplaceAll(id, "/", "__")
}

// DecodePath reverses EncodePath.
func DecodePath(encoded string) string {
	return strings.ReplaceAll(encoded, "__", "/")
}

// DBPath returns the mirror database path for a profile under DefaultRoot.
func DBPath(id string) string {
	return DBPathIn(DefaultRoot(), id)
}

// DBPathIn returns the mirror database path for a profile under root.
func DBPathIn(root, id string) string {
	return filepath.Join(root, EncodePath(id), DBFileName)
}

// List returns the sorted IDs of profiles that have a mirror database under root.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), DBFileName)); err != nil {
			continue
		}
		ids = append(ids, DecodePath(e.Name()))
	}
	sort.Strings(ids)
	return ids, nil
}
