package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/mutuelle"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local mirror and sync status",
	Long:  `Display pending changes, last sync time and local mirror statistics.`,
	Example: `  mutuelle status
  mutuelle status --health
  mutuelle status --json`,
	RunE: runStatus,
}

var statusHealth bool

func init() {
	statusCmd.Flags().BoolVar(&statusHealth, "health", false, "Also check store and backend health")
}

type statusResult struct {
	Profile string                 `json:"profile"`
	Status  mutuelle.Status        `json:"status"`
	Stats   *mutuelle.StoreStats   `json:"stats"`
	Health  *mutuelle.HealthStatus `json:"health,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	client, release, err := openClient(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer release()

	stats, err := client.Stats()
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	res := statusResult{Profile: client.Profile(), Status: client.SyncStatus(), Stats: stats}
	if statusHealth {
		h := client.HealthCheck(ctx)
		res.Health = &h
	}

	if outputJSON {
		return outputAsJSON(cmd, res)
	}

	out := cmd.OutOrStdout()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Profile:        %s\n", res.Profile)
	fmt.Fprintf(&sb, "Records:        %d\n", stats.RecordCount)
	fmt.Fprintf(&sb, "Pending:        %d (%d failed)\n", res.Status.PendingCount, res.Status.FailedCount)
	fmt.Fprintf(&sb, "Conflicts:      %d\n", stats.ConflictCount)
	lastSync := stats.LastSync
	fmt.Fprintf(&sb, "Last sync:      %s\n", formatTime(&lastSync))
	bootstrapped := stats.BootstrappedAt
	fmt.Fprintf(&sb, "Bootstrapped:   %s\n", formatTime(&bootstrapped))
	fmt.Fprintf(&sb, "Schema version: %s", stats.SchemaVersion)
	fmt.Fprintln(out, renderPanel("Local Mirror", sb.String()))

	if res.Health != nil {
		fmt.Fprintln(out)
		h := res.Health
		if h.Healthy {
			printSuccess(out, "Healthy")
		} else {
			printError(out, "Unhealthy")
		}
		printField(out, "Store OK:", 18, fmt.Sprint(h.StoreOK))
		printField(out, "Backend reachable:", 18, fmt.Sprint(h.RemoteReachable))
		if h.Error != "" {
			printField(out, "Error:", 18, h.Error)
		}
	}
	return nil
}
