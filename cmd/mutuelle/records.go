package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/mutuelle"
)

var recordsCmd = &cobra.Command{
	Use:   "records <table>",
	Short: "List records of a table from the local mirror",
	Example: `  mutuelle records contracts
  mutuelle records reimbursements --status pending --json`,
	Args: cobra.ExactArgs(1),
	RunE: runRecords,
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Show per-table refresh state",
	Args:  cobra.NoArgs,
	RunE:  runTables,
}

var (
	recordsLimit  int
	recordsStatus string
)

func init() {
	recordsCmd.Flags().IntVarP(&recordsLimit, "limit", "n", 50, "Maximum number of records (0 for all)")
	recordsCmd.Flags().StringVar(&recordsStatus, "status", "", "Only records with this sync status (synced, pending, conflict)")
}

func runRecords(cmd *cobra.Command, args []string) error {
	table, err := mutuelle.ParseTable(args[0])
	if err != nil {
		return err
	}
	status := mutuelle.SyncStatus(recordsStatus)
	if status != "" && !status.IsValid() {
		return fmt.Errorf("invalid --status %q", recordsStatus)
	}

	client, release, err := openClient(cmd.Context(), loadConfig())
	if err != nil {
		return err
	}
	defer release()

	all, err := client.Records(table)
	if err != nil {
		return err
	}
	records := make([]mutuelle.Record, 0, len(all))
	for _, r := range all {
		if status == "" || r.SyncStatus == status {
			records = append(records, r)
		}
	}
	total := len(records)
	if recordsLimit > 0 && total > recordsLimit {
		records = records[:recordsLimit]
	}

	if outputJSON {
		return outputAsJSON(cmd, records)
	}

	out := cmd.OutOrStdout()
	if total == 0 {
		printInfo(out, "No records in %s.", table)
		return nil
	}
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{r.ID, string(r.SyncStatus), r.LocalUpdatedAt.Local().Format("2006-01-02 15:04"), truncate(string(r.Data), 60)}
	}
	fmt.Fprintln(out, renderTable([]string{"ID", "STATUS", "UPDATED", "DATA"}, rows))
	if len(records) < total {
		printMuted(out, "Showing %d of %d records; use --limit 0 for all.", len(records), total)
	}
	return nil
}

func runTables(cmd *cobra.Command, args []string) error {
	client, release, err := openClient(cmd.Context(), loadConfig())
	if err != nil {
		return err
	}
	defer release()

	syncs, err := client.TableSyncs()
	if err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, syncs)
	}

	byTable := make(map[mutuelle.Table]mutuelle.TableSync, len(syncs))
	for _, ts := range syncs {
		byTable[ts.Table] = ts
	}

	var sb strings.Builder
	sb.WriteString("| Table | Status | Rows | Last refresh | Error |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	for _, t := range mutuelle.AllTables() {
		ts, ok := byTable[t]
		if !ok {
			fmt.Fprintf(&sb, "| %s | never | - | - | |\n", t)
			continue
		}
		last := ts.LastSyncAt
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n",
			t, ts.Status, strconv.Itoa(ts.RowCount), formatTime(&last), strings.ReplaceAll(ts.LastError, "|", "/"))
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderMarkdown(sb.String()))
	return nil
}
