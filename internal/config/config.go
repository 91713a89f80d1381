// Package config defines the top-level configuration for the ledger service
// and provides validation helpers.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEDGER_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Relay    RelayConfig    `toml:"relay"`
	Server   ServerConfig   `toml:"server"`
	Supabase SupabaseConfig `toml:"supabase"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig holds the ledger's identity and the report filters applied
// when a fresh ledger is bootstrapped. Existing state keeps its stored policy.
type LedgerConfig struct {
	Owner string `toml:"owner"`
	// Forwarder is the relay address reports must arrive from. When empty
	// the address of the relay key is used.
	Forwarder            string `toml:"forwarder"`
	ExpectedAuthor       string `toml:"expected_author"`
	ExpectedWorkflowName string `toml:"expected_workflow_name"`
	ExpectedWorkflowID   string `toml:"expected_workflow_id"`
}

// RelayConfig holds the report signer set and the relay's own key.
type RelayConfig struct {
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	Signers          []string `toml:"signers"`
	Threshold        int      `toml:"threshold"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SnapshotConfig controls periodic snapshots and the event archive.
type SnapshotConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Keep     int      `toml:"keep"`
	// ArchiveRetentionDays moves events older than this many days from
	// Postgres to S3. Zero disables archiving.
	ArchiveRetentionDays int `toml:"archive_retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`

	CallerMaxSkew duration `toml:"caller_max_skew"`
	// InsecureCallerHeader trusts X-Ledger-Address without a signature.
	// Development only.
	InsecureCallerHeader bool `toml:"insecure_caller_header"`

	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QueueSize         int      `toml:"queue_size"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Relay: RelayConfig{
			Threshold: 1,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			CallerMaxSkew:   duration{5 * time.Minute},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "marketledger:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketledger",
			ForcePathStyle: true,
		},
		Snapshot: SnapshotConfig{
			Enabled:              true,
			Interval:             duration{15 * time.Minute},
			Keep:                 24,
			ArchiveRetentionDays: 90,
		},
		Notify: NotifyConfig{
			Events:    []string{"market_settled", "winnings_claimed", "policy_updated"},
			QueueSize: 256,
		},
		Mode:     "memory",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"memory": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: memory, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if !isAddress(c.Ledger.Owner, false) {
		errs = append(errs, fmt.Sprintf("ledger: owner must be a non-zero hex address, got %q", c.Ledger.Owner))
	}
	if c.Ledger.Forwarder != "" && !isAddress(c.Ledger.Forwarder, false) {
		errs = append(errs, fmt.Sprintf("ledger: forwarder must be a non-zero hex address, got %q", c.Ledger.Forwarder))
	}
	if c.Ledger.Forwarder == "" && !c.Relay.hasKey() {
		errs = append(errs, "ledger: forwarder must be set when the relay has no key")
	}
	if c.Ledger.ExpectedAuthor != "" && !isAddress(c.Ledger.ExpectedAuthor, true) {
		errs = append(errs, fmt.Sprintf("ledger: expected_author must be a hex address, got %q", c.Ledger.ExpectedAuthor))
	}
	if c.Ledger.ExpectedWorkflowName != "" && c.Ledger.ExpectedAuthor == "" {
		errs = append(errs, "ledger: expected_workflow_name requires expected_author")
	}
	if c.Ledger.ExpectedWorkflowID != "" && !isHash(c.Ledger.ExpectedWorkflowID) {
		errs = append(errs, "ledger: expected_workflow_id must be 32 bytes of hex")
	}

	// Relay
	if len(c.Relay.Signers) == 0 {
		errs = append(errs, "relay: at least one signer is required")
	}
	for _, s := range c.Relay.Signers {
		if !isAddress(s, false) {
			errs = append(errs, fmt.Sprintf("relay: signer %q is not a hex address", s))
		}
	}
	if c.Relay.Threshold < 1 || c.Relay.Threshold > len(c.Relay.Signers) {
		errs = append(errs, fmt.Sprintf("relay: threshold must be 1-%d, got %d", len(c.Relay.Signers), c.Relay.Threshold))
	}
	if c.Relay.EncryptedKeyPath != "" && c.Relay.KeyPassword == "" {
		errs = append(errs, "relay: key_password is required when encrypted_key_path is set")
	}

	if strings.ToLower(c.Mode) == "full" {
		// Supabase
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}

		// Redis
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			errs = append(errs, "redis: addr or url must be set")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}

		// S3
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Snapshot
	if c.Snapshot.Enabled && c.Snapshot.Interval.Duration <= 0 {
		errs = append(errs, "snapshot: interval must be > 0 when enabled")
	}
	if c.Snapshot.Keep < 0 {
		errs = append(errs, "snapshot: keep must be >= 0")
	}
	if c.Snapshot.ArchiveRetentionDays < 0 {
		errs = append(errs, "snapshot: archive_retention_days must be >= 0")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// CallerSkew returns the accepted clock skew for signed requests.
func (c ServerConfig) CallerSkew() time.Duration { return c.CallerMaxSkew.Duration }

// Window returns the rate limiting window.
func (c ServerConfig) Window() time.Duration { return c.RateLimitWindow.Duration }

// Every returns the snapshot interval.
func (c SnapshotConfig) Every() time.Duration { return c.Interval.Duration }

// Retention returns the event archive cutoff age, or zero when archiving is
// disabled.
func (c SnapshotConfig) Retention() time.Duration {
	return time.Duration(c.ArchiveRetentionDays) * 24 * time.Hour
}

func (c RelayConfig) hasKey() bool {
	return c.PrivateKey != "" || c.EncryptedKeyPath != ""
}

func isAddress(s string, allowZero bool) bool {
	if !common.IsHexAddress(s) {
		return false
	}
	return allowZero || common.HexToAddress(s) != (common.Address{})
}

func isHash(s string) bool {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	return err == nil && len(b) == 32
}
