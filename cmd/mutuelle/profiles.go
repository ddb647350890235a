package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/mutuelle"
	"github.com/hyperengineering/mutuelle/internal/profile"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List and create local mirror profiles",
	Long: `A profile is a separate local mirror, one per back-office deployment or
agency. Select one with --profile or MUTUELLE_PROFILE.`,
	Args: cobra.NoArgs,
	RunE: runProfilesList,
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles that have a local mirror",
	Args:  cobra.NoArgs,
	RunE:  runProfilesList,
}

var profilesCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create an empty mirror for a new profile",
	Example: `  mutuelle profiles create lyon
  mutuelle profiles create lyon/claims`,
	Args: cobra.ExactArgs(1),
	RunE: runProfilesCreate,
}

func init() {
	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesCreateCmd)
}

type profileInfo struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Current   bool   `json:"current"`
}

func runProfilesList(cmd *cobra.Command, args []string) error {
	ids, err := profile.List(profile.DefaultRoot())
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	current := loadConfig().WithDefaults().Profile

	infos := make([]profileInfo, 0, len(ids))
	for _, id := range ids {
		info := profileInfo{ID: id, Path: profile.DBPath(id), Current: id == current}
		if fi, err := os.Stat(info.Path); err == nil {
			info.SizeBytes = fi.Size()
		}
		infos = append(infos, info)
	}

	if outputJSON {
		return outputAsJSON(cmd, infos)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		printInfo(out, "No profiles yet; the %s mirror is created on first use.", profile.DefaultID)
		return nil
	}
	rows := make([][]string, len(infos))
	for i, info := range infos {
		marker := ""
		if info.Current {
			marker = "*"
		}
		rows[i] = []string{marker, info.ID, fmt.Sprintf("%.1f KiB", float64(info.SizeBytes)/1024), info.Path}
	}
	fmt.Fprintln(out, renderTable([]string{"", "PROFILE", "SIZE", "PATH"}, rows))
	return nil
}

func runProfilesCreate(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := profile.ValidateForCreation(id); err != nil {
		return fmt.Errorf("create profile %q: %w", id, err)
	}
	path := profile.DBPath(id)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("create profile %q: already exists at %s", id, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("create profile %q: %w", id, err)
	}

	// The new mirror starts empty and offline; bootstrap fills it later.
	cfg := mutuelle.Config{
		Profile:   id,
		LocalPath: path,
		DeviceID:  loadConfig().DeviceID,
	}
	_, release, err := openClient(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	release()

	if outputJSON {
		return outputAsJSON(cmd, profileInfo{ID: id, Path: path})
	}
	out := cmd.OutOrStdout()
	printSuccess(out, "Created profile %s", id)
	printMuted(out, "Mirror: %s", path)
	printMuted(out, "Run 'mutuelle bootstrap --profile %s' to download the tables.", id)
	return nil
}
