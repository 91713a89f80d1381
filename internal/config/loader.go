package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEDGER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.Owner, "LEDGER_LEDGER_OWNER")
	setStr(&cfg.Ledger.Forwarder, "LEDGER_LEDGER_FORWARDER")
	setStr(&cfg.Ledger.ExpectedAuthor, "LEDGER_LEDGER_EXPECTED_AUTHOR")
	setStr(&cfg.Ledger.ExpectedWorkflowName, "LEDGER_LEDGER_EXPECTED_WORKFLOW_NAME")
	setStr(&cfg.Ledger.ExpectedWorkflowID, "LEDGER_LEDGER_EXPECTED_WORKFLOW_ID")

	// ── Relay ──
	setStr(&cfg.Relay.PrivateKey, "LEDGER_RELAY_PRIVATE_KEY")
	setStr(&cfg.Relay.EncryptedKeyPath, "LEDGER_RELAY_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Relay.KeyPassword, "LEDGER_RELAY_KEY_PASSWORD")
	setStringSlice(&cfg.Relay.Signers, "LEDGER_RELAY_SIGNERS")
	setInt(&cfg.Relay.Threshold, "LEDGER_RELAY_THRESHOLD")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "LEDGER_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "LEDGER_DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "LEDGER_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "LEDGER_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "LEDGER_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "LEDGER_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "LEDGER_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "LEDGER_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "LEDGER_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "LEDGER_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "LEDGER_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "LEDGER_REDIS_URL")
	setStr(&cfg.Redis.Addr, "LEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEDGER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "LEDGER_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEDGER_S3_FORCE_PATH_STYLE")

	// ── Snapshot ──
	setBool(&cfg.Snapshot.Enabled, "LEDGER_SNAPSHOT_ENABLED")
	setDuration(&cfg.Snapshot.Interval, "LEDGER_SNAPSHOT_INTERVAL")
	setInt(&cfg.Snapshot.Keep, "LEDGER_SNAPSHOT_KEEP")
	setInt(&cfg.Snapshot.ArchiveRetentionDays, "LEDGER_SNAPSHOT_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LEDGER_SERVER_API_KEY")
	setDuration(&cfg.Server.CallerMaxSkew, "LEDGER_SERVER_CALLER_MAX_SKEW")
	setBool(&cfg.Server.InsecureCallerHeader, "LEDGER_SERVER_INSECURE_CALLER_HEADER")
	setInt(&cfg.Server.RateLimit, "LEDGER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "LEDGER_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LEDGER_NOTIFY_EVENTS")
	setInt(&cfg.Notify.QueueSize, "LEDGER_NOTIFY_QUEUE_SIZE")

	// ── Top-level ──
	setStr(&cfg.Mode, "LEDGER_MODE")
	setStr(&cfg.LogLevel, "LEDGER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
