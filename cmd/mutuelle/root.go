package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hyperengineering/mutuelle"
)

var (
	cfgFile    string
	outputJSON bool
	assumeYes  bool

	// v layers flags over MUTUELLE_* environment variables over the config file.
	v = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "mutuelle",
	Short: "Mutuelle - offline-first back-office mirror",
	Long: `Mutuelle keeps a local SQLite mirror of the insurance back-office and
synchronizes it with the server: offline edits are queued and replayed in
order once the backend is reachable.

Configuration is read from flags, MUTUELLE_* environment variables (a .env
file in the working directory is loaded first) and ~/.mutuelle/config.yaml.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ~/.mutuelle/config.yaml)")
	pf.String("db-path", "", "Path to the local mirror (default: derived from profile)")
	pf.String("profile", "", "Profile selecting the local mirror")
	pf.String("remote-url", "", "Base URL of the REST backend")
	pf.String("api-key", "", "API key for the REST backend")
	pf.String("database-url", "", "Postgres URL, instead of the REST backend")
	pf.String("redis-url", "", "Redis URL for change notifications")
	pf.String("notify-url", "", "WebSocket URL for change notifications")
	pf.String("device-id", "", "Device identifier (default: hostname)")
	pf.Bool("debug", false, "Enable debug logging")
	pf.String("log", "", "Write logs to a rotating file")
	pf.BoolVar(&outputJSON, "json", false, "Output as JSON")

	v.SetEnvPrefix("MUTUELLE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(pf)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig reads the config file, if any. A missing default file is fine.
func initConfig() error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(filepath.Join(home, ".mutuelle"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && cfgFile == "" {
			return nil
		}
		return err
	}
	return nil
}

// loadConfig builds the client configuration for one-shot commands: no
// background loops, online from the start when a backend is configured.
func loadConfig() mutuelle.Config {
	cfg := mutuelle.DefaultConfig()
	cfg.LocalPath = v.GetString("db-path")
	cfg.Profile = v.GetString("profile")
	cfg.RemoteURL = v.GetString("remote-url")
	cfg.APIKey = v.GetString("api-key")
	cfg.DatabaseURL = v.GetString("database-url")
	cfg.RedisURL = v.GetString("redis-url")
	cfg.NotifyURL = v.GetString("notify-url")
	if id := v.GetString("device-id"); id != "" {
		cfg.DeviceID = id
	}
	cfg.Debug = v.GetBool("debug")
	cfg.LogPath = v.GetString("log")
	if n := v.GetInt("max-attempts"); n != 0 {
		cfg.MaxAttempts = n
	}
	if d := v.GetDuration("sync-interval"); d > 0 {
		cfg.SyncInterval = d
	}

	cfg.AutoSync = false
	cfg.StartOnline = !cfg.IsOffline()
	return cfg
}
