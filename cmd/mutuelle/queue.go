package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage pending changes",
	Long: `Pending changes are local edits waiting to be delivered to the backend,
replayed in the order they were made. Changes the backend rejected, or that
ran out of retries, are marked failed and wait for an operator.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending and failed changes",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [id...]",
	Short: "Re-arm failed changes",
	Long:  `Re-arm failed changes, all of them when no id is given, and push right away.`,
	Example: `  mutuelle queue retry
  mutuelle queue retry 12 15`,
	RunE: runQueueRetry,
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a pending change without delivering it",
	Long: `Drop a pending change. The record returns to its last synced state on the
next refresh; a record created locally and never delivered is removed.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueDiscard,
}

func init() {
	queueDiscardCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Skip the confirmation prompt")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDiscardCmd)
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid change id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	client, release, err := openClient(cmd.Context(), loadConfig())
	if err != nil {
		return err
	}
	defer release()

	entries, err := client.Queue()
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, entries)
	}
	outputQueue(cmd.OutOrStdout(), entries)
	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	client, release, err := openClient(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer release()

	n, err := client.RetryFailed(ctx, ids...)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]int{"rearmed": n})
	}

	out := cmd.OutOrStdout()
	if n == 0 {
		printInfo(out, "No failed changes to retry.")
		return nil
	}
	printSuccess(out, "Re-armed %d failed changes", n)
	if st := client.SyncStatus(); st.PendingCount > 0 {
		printMuted(out, "%d changes still pending", st.PendingCount)
	}
	return nil
}

func runQueueDiscard(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	id := ids[0]

	client, release, err := openClient(cmd.Context(), loadConfig())
	if err != nil {
		return err
	}
	defer release()

	ok, err := confirm(fmt.Sprintf("Discard change #%d?", id), "The change will never reach the backend.")
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !ok {
		printInfo(out, "Kept change #%d.", id)
		return nil
	}

	if err := client.DiscardChange(id); err != nil {
		return fmt.Errorf("discard #%d: %w", id, err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]int64{"discarded": id})
	}
	printSuccess(out, "Discarded change #%d", id)
	return nil
}
