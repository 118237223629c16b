package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies VORDEX_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known VORDEX_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Settlement ──
	setStr(&cfg.Settlement.Custodian, "VORDEX_SETTLEMENT_CUSTODIAN")
	setStr(&cfg.Settlement.MinPremium, "VORDEX_SETTLEMENT_MIN_PREMIUM")
	setStr(&cfg.Settlement.ExpireCaller, "VORDEX_SETTLEMENT_EXPIRE_CALLER")
	setInt(&cfg.Settlement.CollateralDecimals, "VORDEX_SETTLEMENT_COLLATERAL_DECIMALS")
	setInt(&cfg.Settlement.QuoteDecimals, "VORDEX_SETTLEMENT_QUOTE_DECIMALS")
	setDuration(&cfg.Settlement.LockTTL, "VORDEX_SETTLEMENT_LOCK_TTL")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "VORDEX_STORAGE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "VORDEX_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "VORDEX_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "VORDEX_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "VORDEX_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "VORDEX_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "VORDEX_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "VORDEX_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "VORDEX_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "VORDEX_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "VORDEX_POSTGRES_RUN_MIGRATIONS")
	setBool(&cfg.Postgres.PreferIPv4, "VORDEX_POSTGRES_PREFER_IPV4")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "VORDEX_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "VORDEX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VORDEX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VORDEX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VORDEX_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "VORDEX_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "VORDEX_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "VORDEX_REDIS_KEY_PREFIX")

	// ── Oracle ──
	setStr(&cfg.Oracle.Source, "VORDEX_ORACLE_SOURCE")
	setStr(&cfg.Oracle.StaticPrice, "VORDEX_ORACLE_STATIC_PRICE")
	setStr(&cfg.Oracle.Feed, "VORDEX_ORACLE_FEED")
	setDuration(&cfg.Oracle.MaxAge, "VORDEX_ORACLE_MAX_AGE")
	setDuration(&cfg.Oracle.CacheTTL, "VORDEX_ORACLE_CACHE_TTL")
	setStr(&cfg.Oracle.RPCURL, "VORDEX_ORACLE_RPC_URL")
	setStr(&cfg.Oracle.Aggregator, "VORDEX_ORACLE_AGGREGATOR")
	setDuration(&cfg.Oracle.PollInterval, "VORDEX_ORACLE_POLL_INTERVAL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "VORDEX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VORDEX_S3_REGION")
	setStr(&cfg.S3.Bucket, "VORDEX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VORDEX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VORDEX_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VORDEX_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "VORDEX_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "VORDEX_S3_PREFIX")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "VORDEX_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "VORDEX_ARCHIVE_CRON")
	setDuration(&cfg.Archive.Retention, "VORDEX_ARCHIVE_RETENTION")

	// ── Server ──
	setInt(&cfg.Server.Port, "VORDEX_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VORDEX_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "VORDEX_SERVER_API_KEY")
	setBool(&cfg.Server.RequireSignatures, "VORDEX_SERVER_REQUIRE_SIGNATURES")
	setDuration(&cfg.Server.SignatureMaxSkew, "VORDEX_SERVER_SIGNATURE_MAX_SKEW")
	setInt(&cfg.Server.RateLimit, "VORDEX_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "VORDEX_SERVER_RATE_WINDOW")
	setBool(&cfg.Server.AdminEnabled, "VORDEX_SERVER_ADMIN_ENABLED")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "VORDEX_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "VORDEX_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "VORDEX_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "VORDEX_NOTIFY_EVENTS")

	// ── Scenario ──
	setStr(&cfg.Scenario.Target, "VORDEX_SCENARIO_TARGET")
	setStr(&cfg.Scenario.ServerURL, "VORDEX_SCENARIO_SERVER_URL")
	setStr(&cfg.Scenario.APIKey, "VORDEX_SCENARIO_API_KEY")
	setWallet(&cfg.Scenario.Seller, "VORDEX_SCENARIO_SELLER")
	setWallet(&cfg.Scenario.Buyer, "VORDEX_SCENARIO_BUYER")
	setStr(&cfg.Scenario.StrikePrice, "VORDEX_SCENARIO_STRIKE_PRICE")
	setDuration(&cfg.Scenario.ExpiresIn, "VORDEX_SCENARIO_EXPIRES_IN")
	setStr(&cfg.Scenario.CollateralAmount, "VORDEX_SCENARIO_COLLATERAL_AMOUNT")
	setStr(&cfg.Scenario.PremiumAmount, "VORDEX_SCENARIO_PREMIUM_AMOUNT")
	setBool(&cfg.Scenario.Fund, "VORDEX_SCENARIO_FUND")

	// ── Top-level ──
	setStr(&cfg.Mode, "VORDEX_MODE")
	setStr(&cfg.LogLevel, "VORDEX_LOG_LEVEL")
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

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setWallet(dst *WalletConfig, prefix string) {
	setStr(&dst.PrivateKey, prefix+"_PRIVATE_KEY")
	setStr(&dst.EncryptedKeyPath, prefix+"_ENCRYPTED_KEY_PATH")
	setStr(&dst.KeyPassword, prefix+"_KEY_PASSWORD")
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
