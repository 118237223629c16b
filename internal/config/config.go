// Package config defines the vordex node configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/kmangutov/vordex/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by VORDEX_* environment variables.
type Config struct {
	Settlement SettlementConfig `toml:"settlement"`
	Storage    StorageConfig    `toml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Oracle     OracleConfig     `toml:"oracle"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Scenario   ScenarioConfig   `toml:"scenario"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// SettlementConfig holds the engine policy.
type SettlementConfig struct {
	// Custodian is the escrow account address. Empty selects the default.
	Custodian string `toml:"custodian"`
	// MinPremium is the smallest accepted premium in quote base units.
	MinPremium string `toml:"min_premium"`
	// ExpireCaller is "seller" or "anyone".
	ExpireCaller       string   `toml:"expire_caller"`
	CollateralDecimals int      `toml:"collateral_decimals"`
	QuoteDecimals      int      `toml:"quote_decimals"`
	LockTTL            Duration `toml:"lock_ttl"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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
	PreferIPv4    bool   `toml:"prefer_ipv4"`
}

// RedisConfig holds Redis connection parameters. When disabled the node uses
// in-process locks, bus and no rate limiting.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// OracleConfig selects and configures the price source.
type OracleConfig struct {
	// Source is "static", "redis" or "chainlink".
	Source string `toml:"source"`
	// StaticPrice seeds the static oracle; empty leaves it unset.
	StaticPrice string `toml:"static_price"`
	// Feed names the Redis price hash.
	Feed     string   `toml:"feed"`
	MaxAge   Duration `toml:"max_age"`
	CacheTTL Duration `toml:"cache_ttl"`

	RPCURL     string `toml:"rpc_url"`
	Aggregator string `toml:"aggregator"`
	// PollInterval > 0 copies Chainlink readings into the Redis price cache.
	PollInterval Duration `toml:"poll_interval"`
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
	Prefix         string `toml:"prefix"`
}

// ArchiveConfig schedules the settlement history export.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Cron      string   `toml:"cron"`
	Retention Duration `toml:"retention"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	APIKey            string   `toml:"api_key"`
	RequireSignatures bool     `toml:"require_signatures"`
	SignatureMaxSkew  Duration `toml:"signature_max_skew"`
	RateLimit         int      `toml:"rate_limit"`
	RateWindow        Duration `toml:"rate_window"`
	// AdminEnabled exposes deposit, withdraw and price override endpoints.
	AdminEnabled bool `toml:"admin_enabled"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// WalletConfig holds one signing key, raw or in an encrypted key file.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// Configured reports whether a key source is set.
func (w WalletConfig) Configured() bool {
	return w.PrivateKey != "" || w.EncryptedKeyPath != ""
}

// ScenarioConfig drives the end-to-end walkthrough.
type ScenarioConfig struct {
	// Target is "local" (in-process service) or "remote" (HTTP API).
	Target    string `toml:"target"`
	ServerURL string `toml:"server_url"`
	APIKey    string `toml:"api_key"`

	Seller WalletConfig `toml:"seller"`
	Buyer  WalletConfig `toml:"buyer"`

	StrikePrice      string   `toml:"strike_price"`
	ExpiresIn        Duration `toml:"expires_in"`
	CollateralAmount string   `toml:"collateral_amount"`
	PremiumAmount    string   `toml:"premium_amount"`
	Fund             bool     `toml:"fund"`
}

// Duration wraps time.Duration so TOML and env values like "5m" decode.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Settlement: SettlementConfig{
			MinPremium:         "0",
			ExpireCaller:       "seller",
			CollateralDecimals: 18,
			QuoteDecimals:      6,
			LockTTL:            Duration{10 * time.Second},
		},
		Storage: StorageConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "vordex",
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
			KeyPrefix:  "vordex:",
		},
		Oracle: OracleConfig{
			Source:       "static",
			Feed:         "eth-usd",
			MaxAge:       Duration{5 * time.Minute},
			CacheTTL:     Duration{time.Hour},
			PollInterval: Duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "vordex-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Cron:      "0 3 1 * *",
			Retention: Duration{30 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Port:              8080,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			RequireSignatures: true,
			SignatureMaxSkew:  Duration{5 * time.Minute},
			RateLimit:         120,
			RateWindow:        Duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{domain.EventPositionExercised, domain.EventPositionExpired},
		},
		Scenario: ScenarioConfig{
			Target:           "local",
			ServerURL:        "http://localhost:8080",
			StrikePrice:      "3000000000",
			ExpiresIn:        Duration{10 * time.Minute},
			CollateralAmount: "1000000000000000000",
			PremiumAmount:    "5000000",
			Fund:             true,
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":   true,
	"scenario": true,
	"archive":  true,
	"full":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validEvents = map[string]bool{
	domain.EventPositionCreated:   true,
	domain.EventPositionLocked:    true,
	domain.EventPositionExercised: true,
	domain.EventPositionExpired:   true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		add("unknown mode %q (valid: server, scenario, archive, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Settlement
	if c.Settlement.Custodian != "" && !common.IsHexAddress(c.Settlement.Custodian) {
		add("settlement: custodian %q is not an address", c.Settlement.Custodian)
	}
	if _, err := domain.ParseAmount(c.Settlement.MinPremium); err != nil {
		add("settlement: min_premium: %v", err)
	}
	if c.Settlement.ExpireCaller != "seller" && c.Settlement.ExpireCaller != "anyone" {
		add("settlement: expire_caller must be seller or anyone, got %q", c.Settlement.ExpireCaller)
	}
	if c.Settlement.CollateralDecimals < 0 || c.Settlement.CollateralDecimals > 77 {
		add("settlement: collateral_decimals must be 0-77, got %d", c.Settlement.CollateralDecimals)
	}
	if c.Settlement.QuoteDecimals < 0 || c.Settlement.QuoteDecimals > 77 {
		add("settlement: quote_decimals must be 0-77, got %d", c.Settlement.QuoteDecimals)
	}

	// Storage
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		add("storage: backend must be memory or postgres, got %q", c.Storage.Backend)
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// Oracle
	switch c.Oracle.Source {
	case "static":
		if c.Oracle.StaticPrice != "" {
			if _, err := domain.ParseAmount(c.Oracle.StaticPrice); err != nil {
				add("oracle: static_price: %v", err)
			}
		}
	case "redis":
		if !c.Redis.Enabled {
			add("oracle: source redis requires redis.enabled")
		}
		if c.Oracle.Feed == "" {
			add("oracle: feed must not be empty")
		}
	case "chainlink":
		if c.Oracle.RPCURL == "" {
			add("oracle: rpc_url is required for source chainlink")
		}
		if !common.IsHexAddress(c.Oracle.Aggregator) {
			add("oracle: aggregator %q is not an address", c.Oracle.Aggregator)
		}
	default:
		add("oracle: source must be static, redis or chainlink, got %q", c.Oracle.Source)
	}

	// Archive
	archiving := mode == "archive" || (mode == "full" && c.Archive.Enabled)
	if archiving {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
		if strings.TrimSpace(c.Archive.Cron) == "" {
			add("archive: cron must not be empty")
		} else if _, err := cron.ParseStandard(c.Archive.Cron); err != nil {
			add("archive: cron %q: %v", c.Archive.Cron, err)
		}
		if c.Archive.Retention.Duration < 0 {
			add("archive: retention must not be negative")
		}
	}

	// Server
	if mode == "server" || mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			add("server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	for _, ev := range c.Notify.Events {
		if !validEvents[ev] {
			add("notify: unknown event %q", ev)
		}
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	// Scenario
	if mode == "scenario" {
		switch c.Scenario.Target {
		case "local":
		case "remote":
			if c.Scenario.ServerURL == "" {
				add("scenario: server_url is required for target remote")
			}
		default:
			add("scenario: target must be local or remote, got %q", c.Scenario.Target)
		}
		for name, w := range map[string]WalletConfig{"seller": c.Scenario.Seller, "buyer": c.Scenario.Buyer} {
			if !w.Configured() {
				add("scenario: %s: either private_key or encrypted_key_path must be set", name)
			}
			if w.EncryptedKeyPath != "" && w.KeyPassword == "" {
				add("scenario: %s: key_password is required when encrypted_key_path is set", name)
			}
		}
		for name, v := range map[string]string{
			"strike_price":      c.Scenario.StrikePrice,
			"collateral_amount": c.Scenario.CollateralAmount,
			"premium_amount":    c.Scenario.PremiumAmount,
		} {
			if _, err := domain.ParseAmount(v); err != nil {
				add("scenario: %s: %v", name, err)
			}
		}
		if c.Scenario.ExpiresIn.Duration <= 0 {
			add("scenario: expires_in must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
