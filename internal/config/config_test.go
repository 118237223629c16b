package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "full"
log_level = "debug"

[settlement]
min_premium = "1000000"
expire_caller = "anyone"
lock_ttl = "3s"

[storage]
backend = "postgres"

[postgres]
dsn = "postgres://vordex:secret@db:5432/vordex"

[redis]
enabled = true
addr = "redis:6379"
password = "hunter2"

[oracle]
source = "redis"
feed = "eth-usd"
max_age = "90s"

[archive]
enabled = true
cron = "*/15 * * * *"
retention = "72h"

[server]
port = 9090
api_key = "operator"
rate_limit = 10
rate_window = "30s"
`

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vordex.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 18, cfg.Settlement.CollateralDecimals)
	assert.Equal(t, 6, cfg.Settlement.QuoteDecimals)
}

func TestSignaturesRequiredByDefault(t *testing.T) {
	assert.True(t, Defaults().Server.RequireSignatures)

	cfg, err := Load(writeTOML(t, sampleTOML))
	require.NoError(t, err)
	assert.True(t, cfg.Server.RequireSignatures, "absent key keeps the default")

	cfg, err = Load(writeTOML(t, "[server]\nrequire_signatures = false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Server.RequireSignatures)

	t.Setenv("VORDEX_SERVER_REQUIRE_SIGNATURES", "false")
	cfg, err = Load(writeTOML(t, sampleTOML))
	require.NoError(t, err)
	assert.False(t, cfg.Server.RequireSignatures)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeTOML(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, "anyone", cfg.Settlement.ExpireCaller)
	assert.Equal(t, 3*time.Second, cfg.Settlement.LockTTL.Duration)
	assert.Equal(t, 90*time.Second, cfg.Oracle.MaxAge.Duration)
	assert.Equal(t, 72*time.Hour, cfg.Archive.Retention.Duration)
	assert.Equal(t, 9090, cfg.Server.Port)
	// untouched by the file
	assert.Equal(t, 6, cfg.Settlement.QuoteDecimals)
	assert.Equal(t, "vordex:", cfg.Redis.KeyPrefix)

	require.NoError(t, cfg.Validate())
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Server.Port, cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VORDEX_MODE", "scenario")
	t.Setenv("VORDEX_SETTLEMENT_LOCK_TTL", "250ms")
	t.Setenv("VORDEX_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("VORDEX_SCENARIO_SELLER_PRIVATE_KEY", "0xabc")
	t.Setenv("VORDEX_REDIS_DB", "not-a-number")

	cfg, err := Load(writeTOML(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "scenario", cfg.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Settlement.LockTTL.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "0xabc", cfg.Scenario.Seller.PrivateKey)
	assert.Equal(t, 0, cfg.Redis.DB, "unparsable ints are ignored")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trading"
	cfg.LogLevel = "loud"
	cfg.Settlement.MinPremium = "1.5"
	cfg.Settlement.ExpireCaller = "buyer"
	cfg.Storage.Backend = "sqlite"
	cfg.Oracle.Source = "redis"
	cfg.Notify.Events = []string{"position_melted"}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trading"`,
		`unknown log_level "loud"`,
		"settlement: min_premium",
		"settlement: expire_caller",
		"storage: backend",
		"oracle: source redis requires redis.enabled",
		`notify: unknown event "position_melted"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateScenario(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "scenario"
	cfg.Scenario.Target = "remote"
	cfg.Scenario.ServerURL = ""
	cfg.Scenario.Buyer.EncryptedKeyPath = "/keys/buyer.json"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario: server_url is required")
	assert.Contains(t, err.Error(), "scenario: seller: either private_key")
	assert.Contains(t, err.Error(), "scenario: buyer: key_password is required")

	cfg.Scenario.ServerURL = "http://vordex:8080"
	cfg.Scenario.Seller.PrivateKey = "0xabc"
	cfg.Scenario.Buyer.KeyPassword = "pw"
	require.NoError(t, cfg.Validate())
}

func TestValidateArchiveCron(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "archive"
	cfg.Archive.Cron = "every tuesday"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `archive: cron "every tuesday"`)
}

func TestValidateChainlink(t *testing.T) {
	cfg := Defaults()
	cfg.Oracle.Source = "chainlink"
	cfg.Oracle.Aggregator = "not-an-address"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle: rpc_url is required")
	assert.Contains(t, err.Error(), "oracle: aggregator")
}

func TestRedactedConfig(t *testing.T) {
	cfg, err := Load(writeTOML(t, sampleTOML))
	require.NoError(t, err)
	cfg.Scenario.Seller.PrivateKey = "0xabc"

	red := RedactedConfig(cfg)
	assert.Equal(t, "***", red.Postgres.DSN)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Scenario.Seller.PrivateKey)
	assert.Equal(t, "", red.Scenario.Buyer.PrivateKey, "empty secrets stay empty")

	// original untouched
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, "0xabc", cfg.Scenario.Seller.PrivateKey)

	red.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
