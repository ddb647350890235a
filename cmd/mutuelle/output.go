package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/mutuelle"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to w, with a hint for the errors a user can act on.
func outputError(w io.Writer, err error) {
	msg := scrubSensitiveData(err.Error())

	var suggestion string
	var verr *mutuelle.ValidationError
	switch {
	case errors.Is(err, mutuelle.ErrOffline):
		suggestion = "Check connectivity to the backend and retry."
	case errors.Is(err, mutuelle.ErrNoRemote):
		suggestion = "Set MUTUELLE_REMOTE_URL or MUTUELLE_DATABASE_URL."
	case errors.Is(err, mutuelle.ErrSyncInProgress):
		suggestion = "Another sync pass is running; retry in a moment."
	case errors.Is(err, mutuelle.ErrUnknownTable):
		suggestion = "Run 'mutuelle tables' to list table names."
	case errors.As(err, &verr):
		suggestion = "Fix the " + verr.Field + " setting."
	}

	if isTTY() {
		fmt.Fprintln(w, renderErrorPanel(msg, "", suggestion))
		return
	}
	fmt.Fprintf(w, "Error: %s\n", msg)
	if suggestion != "" {
		fmt.Fprintf(w, "Suggestion: %s\n", suggestion)
	}
}

// scrubSensitiveData removes the API key and URL credentials from messages.
func scrubSensitiveData(msg string) string {
	if key := v.GetString("api-key"); key != "" {
		msg = strings.ReplaceAll(msg, key, "[REDACTED]")
	}
	for _, k := range []string{"database-url", "redis-url"} {
		if u := v.GetString(k); u != "" {
			msg = strings.ReplaceAll(msg, u, "[REDACTED]")
		}
	}
	return msg
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s ago)", t.Local().Format("2006-01-02 15:04:05"), time.Since(*t).Round(time.Second))
}

func outputPushReport(w io.Writer, p *mutuelle.PushReport) {
	if p == nil {
		return
	}
	if p.Attempted == 0 && p.Remaining == 0 {
		printMuted(w, "Nothing to push.")
		return
	}
	printSuccess(w, "Pushed %d of %d changes", p.Pushed, p.Attempted)
	if p.Retrying > 0 {
		printWarning(w, "%d changes will be retried", p.Retrying)
	}
	if p.Failed > 0 {
		printError(w, "%d changes failed; see 'mutuelle queue list'", p.Failed)
	}
	if p.Deferred > 0 {
		printMuted(w, "%d changes deferred behind earlier ones", p.Deferred)
	}
}

func outputPullReport(w io.Writer, p *mutuelle.PullReport) {
	if p == nil {
		return
	}
	headers := []string{"TABLE", "INSERTED", "UPDATED", "SKIPPED", "CONFLICTS", "ERROR"}
	var rows [][]string
	for _, t := range mutuelle.AllTables() {
		m, ok := p.Tables[t]
		errMsg, failed := p.Errors[t]
		if !ok && !failed {
			continue
		}
		rows = append(rows, []string{
			string(t),
			strconv.Itoa(m.Inserted),
			strconv.Itoa(m.Updated),
			strconv.Itoa(m.Skipped),
			strconv.Itoa(m.Conflicts),
			errMsg,
		})
	}
	if len(rows) > 0 {
		fmt.Fprintln(w, renderTable(headers, rows))
	}
	if len(p.Errors) > 0 {
		printWarning(w, "%d tables failed to refresh", len(p.Errors))
	}
}

func outputQueue(w io.Writer, entries []mutuelle.QueueEntry) {
	if len(entries) == 0 {
		printSuccess(w, "No pending changes.")
		return
	}
	headers := []string{"ID", "OP", "TABLE", "RECORD", "STATE", "RETRIES", "LAST ERROR"}
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{
			strconv.FormatInt(e.ID, 10),
			string(e.Operation),
			string(e.Table),
			e.RecordID,
			string(e.State),
			strconv.Itoa(e.RetryCount),
			truncate(e.LastError, 48),
		}
	}
	fmt.Fprintln(w, renderTable(headers, rows))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
