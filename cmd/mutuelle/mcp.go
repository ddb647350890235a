package main

import (
	"github.com/spf13/cobra"

	mutuellemcp "github.com/hyperengineering/mutuelle/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server for agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio so an agent can
inspect the local mirror and drive synchronization.

Example client configuration:

  {
    "mcpServers": {
      "mutuelle": {
        "command": "mutuelle",
        "args": ["mcp"],
        "env": {
          "MUTUELLE_PROFILE": "lyon/claims",
          "MUTUELLE_REMOTE_URL": "https://backoffice.example/rest/v1"
        }
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	// Logs go to stderr or the log file; stdout carries the protocol.
	client, release, err := openClient(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer release()

	return mutuellemcp.NewServer(client).Run()
}
