package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/kmangutov/vordex/internal/blob/s3"
	"github.com/kmangutov/vordex/internal/cache/redis"
	"github.com/kmangutov/vordex/internal/clock"
	"github.com/kmangutov/vordex/internal/config"
	"github.com/kmangutov/vordex/internal/domain"
	"github.com/kmangutov/vordex/internal/notify"
	"github.com/kmangutov/vordex/internal/oracle"
	"github.com/kmangutov/vordex/internal/pipeline"
	"github.com/kmangutov/vordex/internal/server/handler"
	"github.com/kmangutov/vordex/internal/service"
	"github.com/kmangutov/vordex/internal/settlement"
	"github.com/kmangutov/vordex/internal/store/memory"
	"github.com/kmangutov/vordex/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	Clock  domain.Clock
	Policy settlement.Policy

	// Stores
	Ledger domain.Ledger
	Audit  domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	Oracle  domain.PriceOracle
	Service *service.SettlementService

	// Blob storage
	Archiver domain.Archiver

	// Jobs are extra background loops run by the pipeline orchestrator.
	Jobs   map[string]pipeline.Job
	Health map[string]handler.HealthCheck
}

// needsS3 returns true for modes that export settled positions.
func needsS3(cfg *config.Config) bool {
	switch strings.ToLower(cfg.Mode) {
	case "archive":
		return true
	case "full":
		return cfg.Archive.Enabled
	default:
		return false
	}
}

// PolicyFromConfig converts the settlement section into an engine policy.
func PolicyFromConfig(sc config.SettlementConfig) (settlement.Policy, error) {
	p := settlement.DefaultPolicy()
	if sc.Custodian != "" {
		p.Custodian = common.HexToAddress(sc.Custodian)
	}
	if sc.MinPremium != "" {
		minPremium, err := domain.ParseAmount(sc.MinPremium)
		if err != nil {
			return p, fmt.Errorf("wire: min_premium: %w", err)
		}
		p.MinPremium = minPremium
	}
	caller, err := settlement.ParseExpireCaller(sc.ExpireCaller)
	if err != nil {
		return p, fmt.Errorf("wire: %w", err)
	}
	p.ExpireCaller = caller
	p.Basis = settlement.Basis{
		CollateralDecimals: uint8(sc.CollateralDecimals),
		QuoteDecimals:      uint8(sc.QuoteDecimals),
	}
	return p, nil
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	policy, err := PolicyFromConfig(cfg.Settlement)
	if err != nil {
		return fail(err)
	}

	deps := &Dependencies{
		Clock:  clock.System{},
		Policy: policy,
		Jobs:   make(map[string]pipeline.Job),
		Health: make(map[string]handler.HealthCheck),
	}

	// --- Ledger and audit log ---
	switch cfg.Storage.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:        cfg.Postgres.DSN,
			Host:       cfg.Postgres.Host,
			Port:       cfg.Postgres.Port,
			Database:   cfg.Postgres.Database,
			User:       cfg.Postgres.User,
			Password:   cfg.Postgres.Password,
			SSLMode:    cfg.Postgres.SSLMode,
			MaxConns:   cfg.Postgres.PoolMaxConns,
			MinConns:   cfg.Postgres.PoolMinConns,
			PreferIPv4: cfg.Postgres.PreferIPv4,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Ledger = postgres.NewLedger(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pool.Ping
	default:
		deps.Ledger = memory.NewLedger()
		deps.Audit = memory.NewAuditStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Oracle.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Health["redis"] = redisClient.Ping
	} else {
		deps.SignalBus = memory.NewSignalBus()
	}

	// --- Price oracle ---
	switch cfg.Oracle.Source {
	case "redis":
		deps.Oracle = oracle.NewCached(deps.PriceCache, cfg.Oracle.Feed, cfg.Oracle.MaxAge.Duration, deps.Clock)
	case "chainlink":
		feed, closeFeed, err := oracle.DialChainlink(ctx, cfg.Oracle.RPCURL, oracle.ChainlinkConfig{
			Aggregator:    common.HexToAddress(cfg.Oracle.Aggregator),
			QuoteDecimals: policy.Basis.QuoteDecimals,
			MaxAge:        cfg.Oracle.MaxAge.Duration,
		}, deps.Clock)
		if err != nil {
			return fail(fmt.Errorf("wire: chainlink: %w", err))
		}
		closers = append(closers, closeFeed)
		deps.Oracle = feed

		// Mirror readings into Redis for nodes running with source = "redis".
		if deps.PriceCache != nil && cfg.Oracle.PollInterval.Duration > 0 {
			deps.Jobs["oracle_poller"] = oracle.NewPoller(
				feed, deps.PriceCache, cfg.Oracle.Feed, cfg.Oracle.PollInterval.Duration, deps.Clock, logger,
			)
		}
	default:
		static := &oracle.Static{}
		if cfg.Oracle.StaticPrice != "" {
			price, err := domain.ParseAmount(cfg.Oracle.StaticPrice)
			if err != nil {
				return fail(fmt.Errorf("wire: static_price: %w", err))
			}
			static = oracle.NewStatic(price)
		}
		deps.Oracle = static
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	notifier := notify.NewNotifier(senders, cfg.Notify.Events, notify.Decimals{
		Collateral: policy.Basis.CollateralDecimals,
		Quote:      policy.Basis.QuoteDecimals,
	}, logger)

	// --- Settlement ---
	engine := settlement.New(deps.Ledger, deps.Oracle, deps.Clock, policy)
	opts := service.SettlementOptions{
		Locks:    deps.LockManager,
		LockTTL:  cfg.Settlement.LockTTL.Duration,
		Bus:      deps.SignalBus,
		Audit:    deps.Audit,
		Notifier: notifier,
	}
	deps.Service = service.NewSettlementService(engine, deps.Oracle, deps.Clock, opts, logger)

	// --- S3 blob storage (only for modes that archive) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Service, deps.Audit).
			WithReader(s3blob.NewReader(s3Client))
		deps.Health["s3"] = s3Client.Ping
	}

	return deps, cleanup, nil
}

// backendName describes the storage and coordination stack for /api/status.
func backendName(cfg *config.Config) string {
	name := cfg.Storage.Backend
	if cfg.Redis.Enabled {
		name += "+redis"
	}
	return name
}
