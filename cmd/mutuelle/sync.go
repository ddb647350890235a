package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/mutuelle"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending changes and refresh tables",
	Long: `Replay pending changes against the backend in order, then refresh every
table from the server. Records with local changes are never overwritten.`,
	Example: `  mutuelle sync
  mutuelle sync --force          # ignore retry backoff
  mutuelle sync --push           # push only
  mutuelle sync --pull -t contracts -t documents`,
	RunE: runSync,
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Discard the local mirror and reload it from the backend",
	Long: `Wipe every local record and pending change, then download every table
again. Pending changes that were never delivered are lost.`,
	RunE: runResync,
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Download every table into a new mirror",
	Long: `Download every table in parallel. Does nothing if a previous bootstrap
completed, unless --force is given.`,
	RunE: runBootstrap,
}

var (
	syncForce  bool
	syncPush   bool
	syncPull   bool
	syncTables []string

	bootstrapForce       bool
	bootstrapConcurrency int
)

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "Ignore retry backoff")
	syncCmd.Flags().BoolVar(&syncPush, "push", false, "Push pending changes only")
	syncCmd.Flags().BoolVar(&syncPull, "pull", false, "Refresh tables only")
	syncCmd.Flags().StringSliceVarP(&syncTables, "table", "t", nil, "Tables to refresh with --pull (default: all)")

	resyncCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Skip the confirmation prompt")

	bootstrapCmd.Flags().BoolVar(&bootstrapForce, "force", false, "Run even if already bootstrapped")
	bootstrapCmd.Flags().IntVar(&bootstrapConcurrency, "concurrency", 4, "Parallel table downloads")
}

func parseTables(names []string) ([]mutuelle.Table, error) {
	tables := make([]mutuelle.Table, 0, len(names))
	for _, n := range names {
		t, err := mutuelle.ParseTable(n)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if err := requireBackend(cfg); err != nil {
		return err
	}
	if syncPush && syncPull {
		return errors.New("--push and --pull are exclusive")
	}
	tables, err := parseTables(syncTables)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	client, release, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	out := cmd.OutOrStdout()
	start := time.Now()

	switch {
	case syncPush:
		report, err := withSpinner(cmd.ErrOrStderr(), "Pushing pending changes", func() (*mutuelle.PushReport, error) {
			return client.Push(ctx)
		})
		if err != nil {
			return fmt.Errorf("push: %w", err)
		}
		if outputJSON {
			return outputAsJSON(cmd, report)
		}
		outputPushReport(out, report)

	case syncPull:
		report, err := withSpinner(cmd.ErrOrStderr(), "Refreshing tables", func() (*mutuelle.PullReport, error) {
			return client.Pull(ctx, tables...)
		})
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		if outputJSON {
			return outputAsJSON(cmd, report)
		}
		outputPullReport(out, report)

	default:
		run := client.Sync
		if syncForce {
			run = client.ForceSync
		}
		report, err := withSpinner(cmd.ErrOrStderr(), "Synchronizing", func() (*mutuelle.SyncReport, error) {
			return run(ctx)
		})
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		if outputJSON {
			return outputAsJSON(cmd, report)
		}
		outputPushReport(out, report.Push)
		outputPullReport(out, report.Pull)
	}

	printMuted(out, "Done in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

// confirm asks a yes/no question unless --yes was given. Off a terminal it
// refuses instead of blocking on stdin.
func confirm(title, description string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !isTTY() {
		return false, errors.New("confirmation required: rerun with --yes")
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}

const resyncWarning = `## Full resync

This **deletes every local record and pending change**, then downloads all
tables again.

- Changes still in the queue are lost.
- Run ` + "`mutuelle queue list`" + ` first to review them.
`

func runResync(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if err := requireBackend(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	client, release, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	out := cmd.OutOrStdout()
	if !assumeYes && !outputJSON {
		fmt.Fprintln(out, renderMarkdown(resyncWarning))
	}
	pending := client.SyncStatus().PendingCount
	ok, err := confirm("Discard the local mirror?", fmt.Sprintf("%d pending changes will be lost.", pending))
	if err != nil {
		return err
	}
	if !ok {
		printInfo(out, "Resync cancelled.")
		return nil
	}

	report, err := withSpinner(cmd.ErrOrStderr(), "Reloading every table", func() (*mutuelle.PullReport, error) {
		return client.ForceFullSync(ctx)
	})
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, report)
	}
	outputPullReport(out, report)
	printSuccess(out, "Local mirror reloaded")
	return nil
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if err := requireBackend(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	client, release, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	out := cmd.OutOrStdout()
	report, err := withSpinner(cmd.ErrOrStderr(), "Downloading tables", func() (*mutuelle.BootstrapReport, error) {
		return client.Bootstrap(ctx, mutuelle.BootstrapOptions{
			Force:       bootstrapForce,
			Concurrency: bootstrapConcurrency,
		})
	})
	if report == nil {
		return err
	}
	if outputJSON {
		if jerr := outputAsJSON(cmd, report); jerr != nil {
			return jerr
		}
		return err
	}
	if report.Skipped {
		printInfo(out, "Already bootstrapped; use --force to download again.")
		return nil
	}
	outputPullReport(out, &mutuelle.PullReport{Tables: report.Tables, Errors: report.Failed})
	if err != nil {
		printWarning(out, "Bootstrap incomplete; rerun to fetch the failed tables.")
		return err
	}
	printSuccess(out, "Bootstrap complete in %s", report.Duration.Round(time.Millisecond))
	return nil
}
