package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	ownerHex  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	relayHex  = "0x00000000000000000000000000000000000000f1"
	signerHex = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Ledger.Owner = ownerHex
	cfg.Ledger.Forwarder = relayHex
	cfg.Relay.Signers = []string{signerHex}
	return cfg
}

func TestDefaultsNeedIdentity(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ledger: owner")
	require.Contains(t, err.Error(), "relay: at least one signer")

	cfg = validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Relay.Threshold = 2
	cfg.Ledger.ExpectedWorkflowName = "settler"
	cfg.Ledger.ExpectedWorkflowID = "0x1234"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown log_level "loud"`,
		"relay: threshold must be 1-1, got 2",
		"expected_workflow_name requires expected_author",
		"expected_workflow_id must be 32 bytes",
	} {
		require.Contains(t, msg, want)
	}
}

func TestForwarderFallsBackToRelayKey(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.Forwarder = ""
	require.ErrorContains(t, cfg.Validate(), "ledger: forwarder must be set")

	cfg.Relay.PrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	require.NoError(t, cfg.Validate())

	cfg.Relay.PrivateKey = ""
	cfg.Relay.EncryptedKeyPath = "relay.key.json"
	require.ErrorContains(t, cfg.Validate(), "key_password is required")
}

func TestFullModeChecksBackends(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "full"
	require.NoError(t, cfg.Validate())

	cfg.Redis.Addr = ""
	cfg.S3.Bucket = ""
	cfg.Supabase.PoolMinConns = 20
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis: addr or url must be set")
	require.Contains(t, err.Error(), "s3: bucket must not be empty")
	require.Contains(t, err.Error(), "pool_min_conns must not exceed")

	// Memory mode ignores the backends entirely.
	cfg.Mode = "memory"
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(`
mode = "full"

[ledger]
owner = "`+ownerHex+`"
forwarder = "`+relayHex+`"

[relay]
signers = ["`+signerHex+`"]
threshold = 1

[snapshot]
interval = "30s"
`)), 0o600))

	t.Setenv("LEDGER_SERVER_PORT", "9100")
	t.Setenv("LEDGER_NOTIFY_EVENTS", " market_settled , ,winnings_claimed")
	t.Setenv("LEDGER_SNAPSHOT_KEEP", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "full", cfg.Mode)
	require.Equal(t, 1, cfg.Relay.Threshold)
	require.Equal(t, 30*time.Second, cfg.Snapshot.Every())
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, []string{"market_settled", "winnings_claimed"}, cfg.Notify.Events)
	// Unparseable overrides leave the default in place.
	require.Equal(t, 24, cfg.Snapshot.Keep)
	// Defaults survive for keys the file omits.
	require.Equal(t, 5*time.Minute, cfg.Server.CallerSkew())
	require.Equal(t, 90*24*time.Hour, cfg.Snapshot.Retention())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[snapshot]\ninterval = \"soon\"\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Relay.PrivateKey = "deadbeef"
	cfg.Supabase.Password = "hunter2"
	cfg.Redis.URL = "redis://:pw@localhost:6379/0"
	cfg.Notify.TelegramToken = "token"

	out := RedactedConfig(&cfg)
	require.Equal(t, "***", out.Relay.PrivateKey)
	require.Equal(t, "***", out.Supabase.Password)
	require.Equal(t, "***", out.Redis.URL)
	require.Equal(t, "***", out.Notify.TelegramToken)
	require.Empty(t, out.S3.SecretKey)

	// The original is untouched and slices are not shared.
	require.Equal(t, "deadbeef", cfg.Relay.PrivateKey)
	out.Relay.Signers[0] = "changed"
	require.Equal(t, signerHex, cfg.Relay.Signers[0])
}
