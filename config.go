package mutuelle

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/mutuelle/internal/profile"
)

// Config configures the mutuelle client.
type Config struct {
	// LocalPath is the path to the local SQLite mirror.
	// If empty, it is derived from Profile.
	LocalPath string

	// Profile selects the local mirror ("default", "lyon/claims", ...).
	// If empty, resolved as MUTUELLE_PROFILE env > "default".
	Profile string

	// RemoteURL is the base URL of the REST backend.
	RemoteURL string

	// APIKey authenticates with the REST backend.
	APIKey string

	// DatabaseURL connects directly to a Postgres backend instead of REST.
	DatabaseURL string

	// RedisURL enables change notifications over Redis pub/sub.
	RedisURL string

	// NotifyURL enables change notifications over a WebSocket feed.
	NotifyURL string

	// DeviceID identifies this device in logs and notifications.
	// Defaults to the hostname.
	DeviceID string

	// SyncInterval is how often a background sync pass runs.
	// Defaults to 2 minutes.
	SyncInterval time.Duration

	// ProbeInterval is how often connectivity is checked.
	// Defaults to 15 seconds.
	ProbeInterval time.Duration

	// AutoSync enables background sync, probing and notifications.
	AutoSync bool

	// StartOnline assumes connectivity at startup instead of waiting for a probe.
	StartOnline bool

	// BootstrapOnStart downloads every table once when the mirror is new.
	BootstrapOnStart bool

	// MaxAttempts is the number of failed pushes before an entry is
	// marked failed. Zero uses the default; negative retries forever.
	MaxAttempts int

	// RetryBaseDelay is the backoff after the first failed push.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff between pushes.
	RetryMaxDelay time.Duration

	// DisableConflictDetection keeps pending records pending even when the
	// server copy moved underneath them.
	DisableConflictDetection bool

	// Debug enables debug-level logging.
	Debug bool

	// LogPath writes logs to a rotating file instead of stderr.
	LogPath string

	// LogFormat is "text" (default) or "json".
	LogFormat string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	policy := DefaultRetryPolicy()
	return Config{
		Profile:        profile.DefaultID,
		LocalPath:      profile.DBPath(profile.DefaultID),
		DeviceID:       hostname,
		SyncInterval:   2 * time.Minute,
		ProbeInterval:  15 * time.Second,
		AutoSync:       true,
		MaxAttempts:    policy.MaxAttempts,
		RetryBaseDelay: policy.BaseDelay,
		RetryMaxDelay:  policy.MaxDelay,
		LogFormat:      "text",
	}
}

// ConfigFromEnv reads configuration from environment variables on top of
// DefaultConfig.
//
//	MUTUELLE_DB_PATH        → LocalPath
//	MUTUELLE_PROFILE        → Profile
//	MUTUELLE_REMOTE_URL     → RemoteURL
//	MUTUELLE_API_KEY        → APIKey
//	MUTUELLE_DATABASE_URL   → DatabaseURL
//	MUTUELLE_REDIS_URL      → RedisURL
//	MUTUELLE_NOTIFY_URL     → NotifyURL
//	MUTUELLE_DEVICE_ID      → DeviceID
//	MUTUELLE_SYNC_INTERVAL  → SyncInterval (Go duration)
//	MUTUELLE_MAX_ATTEMPTS   → MaxAttempts
//	MUTUELLE_AUTO_SYNC      → AutoSync ("0" or "false" disables)
//	MUTUELLE_DEBUG          → Debug (any non-empty value enables)
//	MUTUELLE_LOG            → LogPath
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.LocalPath = ""
	cfg.Profile = os.Getenv(profile.EnvVar)

	if v := os.Getenv("MUTUELLE_DB_PATH"); v != "" {
		cfg.LocalPath = v
	}
	cfg.RemoteURL = os.Getenv("MUTUELLE_REMOTE_URL")
	cfg.APIKey = os.Getenv("MUTUELLE_API_KEY")
	cfg.DatabaseURL = os.Getenv("MUTUELLE_DATABASE_URL")
	cfg.RedisURL = os.Getenv("MUTUELLE_REDIS_URL")
	cfg.NotifyURL = os.Getenv("MUTUELLE_NOTIFY_URL")
	if v := os.Getenv("MUTUELLE_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("MUTUELLE_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncInterval = d
		}
	}
	if v := os.Getenv("MUTUELLE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}
	switch strings.ToLower(os.Getenv("MUTUELLE_AUTO_SYNC")) {
	case "0", "false", "no", "off":
		cfg.AutoSync = false
	}
	cfg.Debug = os.Getenv("MUTUELLE_DEBUG") != ""
	cfg.LogPath = os.Getenv("MUTUELLE_LOG")
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite mirror"}
	}

	if c.Profile != "" {
		if err := profile.Validate(c.Profile); err != nil {
			return &ValidationError{Field: "Profile", Message: err.Error()}
		}
	}

	if c.RemoteURL != "" && c.DatabaseURL != "" {
		return &ValidationError{Field: "DatabaseURL", Message: "set either RemoteURL or DatabaseURL, not both"}
	}

	if c.SyncInterval < 0 {
		return &ValidationError{Field: "SyncInterval", Message: "must be non-negative"}
	}
	if c.ProbeInterval < 0 {
		return &ValidationError{Field: "ProbeInterval", Message: "must be non-negative"}
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		return &ValidationError{Field: "RetryBaseDelay", Message: "must be non-negative"}
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		return &ValidationError{Field: "LogFormat", Message: "must be text or json"}
	}

	return nil
}

// IsOffline reports whether no backend is configured.
func (c *Config) IsOffline() bool {
	return c.RemoteURL == "" && c.DatabaseURL == ""
}

// RetryPolicy returns the push retry policy described by the config.
func (c *Config) RetryPolicy() RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:   c.MaxAttempts,
		BaseDelay:     c.RetryBaseDelay,
		MaxDelay:      c.RetryMaxDelay,
		JitterPercent: DefaultRetryPolicy().JitterPercent,
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// WithDefaults fills in default values for unset fields.
// Profile resolution: explicit Profile > MUTUELLE_PROFILE env > "default".
// LocalPath is derived from the resolved profile if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Profile == "" {
		resolved, err := profile.Resolve("")
		if err != nil {
			resolved = profile.DefaultID
		}
		c.Profile = resolved
	}
	if c.LocalPath == "" {
		c.LocalPath = profile.DBPath(c.Profile)
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = defaults.ProbeInterval
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if c.DeviceID == "" {
		c.DeviceID = defaults.DeviceID
	}
	if c.LogFormat == "" {
		c.LogFormat = defaults.LogFormat
	}

	return c
}
