// Package mcp exposes a mutuelle client as MCP (Model Context Protocol)
// tools so an agent can inspect the local mirror and drive synchronization.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hyperengineering/mutuelle"
)

// defaultListLimit caps mutuelle_list output when no limit is given.
const defaultListLimit = 20

// Server wraps the MCP server with mutuelle tools.
type Server struct {
	client    *mutuelle.Client
	mcpServer *server.MCPServer
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{Name: "mutuelle_status", Description: "Show connectivity, pending changes and per-table sync state of the local mirror"},
	{Name: "mutuelle_sync", Description: "Push pending changes then pull every table from the back-office"},
	{Name: "mutuelle_full_sync", Description: "Discard the local mirror and reload every table from the back-office"},
	{Name: "mutuelle_list", Description: "List records of one table from the local mirror"},
	{Name: "mutuelle_queue", Description: "List pending and failed changes in replay order"},
	{Name: "mutuelle_retry", Description: "Re-arm failed changes so the next push delivers them"},
	{Name: "mutuelle_discard", Description: "Drop one pending change without delivering it"},
}

// NewServer creates a new MCP server with mutuelle tools registered.
func NewServer(client *mutuelle.Client) *Server {
	s := &Server{client: client}
	s.mcpServer = server.NewMCPServer(
		"mutuelle",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdin/stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	out := make([]ToolInfo, len(tools))
	copy(out, tools)
	return out
}

// CallTool executes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "mutuelle_status":
		return s.handleStatus(ctx, args)
	case "mutuelle_sync":
		return s.handleSync(ctx, args)
	case "mutuelle_full_sync":
		return s.handleFullSync(ctx, args)
	case "mutuelle_list":
		return s.handleList(ctx, args)
	case "mutuelle_queue":
		return s.handleQueue(ctx, args)
	case "mutuelle_retry":
		return s.handleRetry(ctx, args)
	case "mutuelle_discard":
		return s.handleDiscard(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	tableNames := make([]string, 0, len(mutuelle.AllTables()))
	for _, t := range mutuelle.AllTables() {
		tableNames = append(tableNames, string(t))
	}

	s.mcpServer.AddTool(mcp.NewTool("mutuelle_status",
		mcp.WithDescription(tools[0].Description),
	), s.wrap("mutuelle_status"))

	s.mcpServer.AddTool(mcp.NewTool("mutuelle_sync",
		mcp.WithDescription(tools[1].Description+". Requires the client to be online."),
		mcp.WithBoolean("force",
			mcp.Description("Ignore retry backoff on pending changes (default: false)"),
		),
	), s.wrap("mutuelle_sync"))

	s.mcpServer.AddTool(mcp.NewTool("mutuelle_full_sync",
		mcp.WithDescription(tools[2].Description+". Pending changes are lost."),
		mcp.WithBoolean("confirm",
			mcp.Description("Must be true; the local mirror and queue are wiped"),
			mcp.Required(),
		),
	), s.wrap("mutuelle_full_sync"))

	s.mcpServer.AddTool(mcp.NewTool("mutuelle_list",
		mcp.WithDescription(tools[3].Description),
		mcp.WithString("table",
			mcp.Description("Table name"),
			mcp.Required(),
			mcp.Enum(tableNames...),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum number of records (default: %d)", defaultListLimit)),
		),
	), s.wrap("mutuelle_list"))

	s.mcpServer.AddTool(mcp.NewTool("mutuelle_queue",
		mcp.WithDescription(tools[4].Description),
	), s.wrap("mutuelle_queue"))

	s.mcpServer.AddTool(mcp.NewTool("mutuelle_retry",
		mcp.WithDescription(tools[5].Description),
		mcp.WithArray("ids",
			mcp.Description("Queue entry ids to re-arm (default: every failed change)"),
			mcp.WithNumberItems(),
		),
	), s.wrap("mutuelle_retry"))

	s.mcpServer.AddTool(mcp.NewTool("mutuelle_discard",
		mcp.WithDescription(tools[6].Description+". The record is kept as last synced."),
		mcp.WithNumber("id",
			mcp.Description("Queue entry id"),
			mcp.Required(),
		),
	), s.wrap("mutuelle_discard"))
}

func (s *Server) wrap(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.CallTool(ctx, name, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

func errorResult(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

func (s *Server) handleStatus(ctx context.Context, args map[string]any) (*ToolResult, error) {
	st := s.client.SyncStatus()
	syncs, err := s.client.TableSyncs()
	if err != nil {
		return errorResult("status failed: %v", err), nil
	}

	var sb strings.Builder
	online := "offline"
	if st.Online {
		online = "online"
	}
	fmt.Fprintf(&sb, "Profile: %s (%s)\n", s.client.Profile(), online)
	fmt.Fprintf(&sb, "Pending changes: %d (%d failed)\n", st.PendingCount, st.FailedCount)
	if st.LastSyncAt != nil {
		fmt.Fprintf(&sb, "Last sync: %s\n", st.LastSyncAt.Format("2006-01-02 15:04:05"))
	} else {
		sb.WriteString("Last sync: never\n")
	}
	if st.Syncing {
		sb.WriteString("A sync pass is running.\n")
	}
	if len(syncs) > 0 {
		sb.WriteString("\nTables:\n")
		for _, ts := range syncs {
			fmt.Fprintf(&sb, "  %-24s %-6s %5d rows", ts.Table, ts.Status, ts.RowCount)
			if ts.LastError != "" {
				fmt.Fprintf(&sb, "  (%s)", ts.LastError)
			}
			sb.WriteString("\n")
		}
	}
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	run := s.client.Sync
	if force, _ := args["force"].(bool); force {
		run = s.client.ForceSync
	}
	report, err := run(ctx)
	if err != nil {
		return errorResult("sync failed: %v", err), nil
	}
	return &ToolResult{Content: formatSyncReport(report)}, nil
}

func (s *Server) handleFullSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	if confirm, _ := args["confirm"].(bool); !confirm {
		return errorResult("full sync wipes the local mirror and pending changes; pass confirm=true"), nil
	}
	report, err := s.client.ForceFullSync(ctx)
	if err != nil {
		return errorResult("full sync failed: %v", err), nil
	}
	return &ToolResult{Content: "Full sync completed.\n" + formatPullReport(report)}, nil
}

func (s *Server) handleList(ctx context.Context, args map[string]any) (*ToolResult, error) {
	name, _ := args["table"].(string)
	if name == "" {
		return errorResult("table is required"), nil
	}
	table, err := mutuelle.ParseTable(name)
	if err != nil {
		return errorResult("%v", err), nil
	}
	limit := defaultListLimit
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	records, err := s.client.Records(table)
	if err != nil {
		return errorResult("list failed: %v", err), nil
	}
	if len(records) == 0 {
		return &ToolResult{Content: fmt.Sprintf("No records in %s.", table)}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d records in %s", len(records), table)
	if len(records) > limit {
		fmt.Fprintf(&sb, " (showing %d)", limit)
		records = records[:limit]
	}
	sb.WriteString(":\n\n")
	for _, r := range records {
		fmt.Fprintf(&sb, "[%s] %s\n    %s\n", r.SyncStatus, r.ID, truncate(string(r.Data), 200))
	}
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleQueue(ctx context.Context, args map[string]any) (*ToolResult, error) {
	entries, err := s.client.Queue()
	if err != nil {
		return errorResult("queue failed: %v", err), nil
	}
	if len(entries) == 0 {
		return &ToolResult{Content: "No pending changes."}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pending changes:\n\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&sb, "#%d %s %s/%s [%s, %d retries]\n", e.ID, e.Operation, e.Table, e.RecordID, e.State, e.RetryCount)
		if e.LastError != "" {
			fmt.Fprintf(&sb, "    last error: %s\n", e.LastError)
		}
	}
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleRetry(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ids, err := toInt64Slice(args["ids"])
	if err != nil {
		return errorResult("%v", err), nil
	}
	n, err := s.client.RetryFailed(ctx, ids...)
	if err != nil {
		return errorResult("retry failed: %v", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Re-armed %d failed changes.", n)}, nil
}

func (s *Server) handleDiscard(ctx context.Context, args map[string]any) (*ToolResult, error) {
	raw, ok := args["id"].(float64)
	if !ok || raw != float64(int64(raw)) {
		return errorResult("id must be an integer"), nil
	}
	id := int64(raw)
	if err := s.client.DiscardChange(id); err != nil {
		if errors.Is(err, mutuelle.ErrNotFound) {
			return errorResult("no pending change #%d", id), nil
		}
		return errorResult("discard failed: %v", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Discarded change #%d.", id)}, nil
}

func formatSyncReport(r *mutuelle.SyncReport) string {
	var sb strings.Builder
	sb.WriteString("Sync completed.\n")
	if p := r.Push; p != nil {
		fmt.Fprintf(&sb, "Push: %d delivered, %d retrying, %d failed, %d deferred, %d remaining\n",
			p.Pushed, p.Retrying, p.Failed, p.Deferred, p.Remaining)
	}
	if r.Pull != nil {
		sb.WriteString(formatPullReport(r.Pull))
	}
	return sb.String()
}

func formatPullReport(r *mutuelle.PullReport) string {
	var sb strings.Builder
	for _, t := range mutuelle.AllTables() {
		if m, ok := r.Tables[t]; ok {
			fmt.Fprintf(&sb, "  %-24s +%d ~%d skipped %d conflicts %d\n", t, m.Inserted, m.Updated, m.Skipped, m.Conflicts)
		}
		if e, ok := r.Errors[t]; ok {
			fmt.Fprintf(&sb, "  %-24s error: %s\n", t, e)
		}
	}
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// toInt64Slice converts a JSON array of numbers to ids.
func toInt64Slice(v any) ([]int64, error) {
	switch arr := v.(type) {
	case nil:
		return nil, nil
	case []int64:
		return arr, nil
	case []any:
		out := make([]int64, 0, len(arr))
		for _, item := range arr {
			f, ok := item.(float64)
			if !ok || f != float64(int64(f)) {
				return nil, fmt.Errorf("ids must be integers, got %v", item)
			}
			out = append(out, int64(f))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("ids must be an array")
	}
}
