package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/mutuelle/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine with an HTTP API",
	Long: `Keep the mirror in sync in the background (connectivity probing, periodic
passes and change notifications) and serve status, sync control and table
reads over HTTP for a UI shell. GET /ws streams status changes.`,
	Example: `  mutuelle serve --addr 127.0.0.1:8787
  mutuelle serve --origin "app.mutuelle.local"`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveAddr    string
	serveOrigins []string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8787", "Listen address")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "origin", nil, "Allowed WebSocket origin patterns")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	cfg.AutoSync = true
	cfg.StartOnline = false
	cfg.BootstrapOnStart = true

	client, release, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	logger := client.Logger()
	if cfg.IsOffline() {
		logger.Warn("no backend configured; serving the local mirror only")
	}

	server := api.NewServer(client,
		api.WithLogger(logger),
		api.WithOriginPatterns(serveOrigins...),
	)
	return server.ListenAndServe(ctx, serveAddr)
}
