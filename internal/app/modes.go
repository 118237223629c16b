package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/kmangutov/vordex/internal/client"
	"github.com/kmangutov/vordex/internal/config"
	"github.com/kmangutov/vordex/internal/crypto"
	"github.com/kmangutov/vordex/internal/domain"
	"github.com/kmangutov/vordex/internal/pipeline"
	"github.com/kmangutov/vordex/internal/scenario"
	"github.com/kmangutov/vordex/internal/server"
	"github.com/kmangutov/vordex/internal/server/handler"
	"github.com/kmangutov/vordex/internal/server/ws"
)

const shutdownTimeout = 5 * time.Second

// ServerMode serves the HTTP and WebSocket API plus any background jobs
// (such as the oracle poller) until ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)

	if len(deps.Jobs) > 0 {
		orch := pipeline.NewOrchestrator(nil, "", deps.Jobs, a.logger)
		g.Go(func() error {
			return orch.Run(ctx)
		})
	}

	return g.Wait()
}

// FullMode runs server mode plus the scheduled settlement archive.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)

	var archiver *pipeline.Archiver
	if deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.Retention.Duration, deps.Clock, a.logger)
	} else {
		a.logger.WarnContext(ctx, "archive.enabled is false, settled positions will not be exported")
	}
	orch := pipeline.NewOrchestrator(archiver, a.cfg.Archive.Cron, deps.Jobs, a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	return g.Wait()
}

// ArchiveMode runs a single archive pass and returns.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("archive mode: no archiver wired")
	}
	archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.Retention.Duration, deps.Clock, a.logger)
	n, err := archiver.Run(ctx)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "archive mode finished", slog.Int64("positions_archived", n))
	return nil
}

// ScenarioMode plays the covered-call walkthrough once, either against the
// in-process service or a remote node, and logs the outcome.
func (a *App) ScenarioMode(ctx context.Context, deps *Dependencies) error {
	sc := a.cfg.Scenario

	sellerKey, err := crypto.LoadKey(walletKey(sc.Seller))
	if err != nil {
		return fmt.Errorf("scenario mode: seller key: %w", err)
	}
	buyerKey, err := crypto.LoadKey(walletKey(sc.Buyer))
	if err != nil {
		return fmt.Errorf("scenario mode: buyer key: %w", err)
	}
	seller, buyer := crypto.NewSigner(sellerKey), crypto.NewSigner(buyerKey)

	runCfg, err := scenarioConfig(sc, deps)
	if err != nil {
		return fmt.Errorf("scenario mode: %w", err)
	}

	var driver scenario.Driver = deps.Service
	if strings.ToLower(sc.Target) == "remote" {
		c := client.New(sc.ServerURL, sc.APIKey)
		c.AddSigner(seller)
		c.AddSigner(buyer)
		driver = c
		a.logger.InfoContext(ctx, "scenario targeting remote node", slog.String("url", sc.ServerURL))
	}

	rep, err := scenario.NewRunner(driver, deps.Clock, runCfg, a.logger).Run(ctx, seller.Address(), buyer.Address())
	if err != nil {
		return fmt.Errorf("scenario mode: %w", err)
	}

	attrs := []any{
		slog.String("position_id", rep.Position.ID.String()),
		slog.String("state", string(rep.Position.State)),
		slog.Bool("exercised", rep.Exercised),
		slog.Bool("expired", rep.Expired),
		balanceAttr("seller", seller.Address(), rep.SellerBalances),
		balanceAttr("buyer", buyer.Address(), rep.BuyerBalances),
	}
	if rep.Price != nil {
		attrs = append(attrs, slog.String("price", rep.Price.String()))
	}
	a.logger.InfoContext(ctx, "scenario finished", attrs...)
	return nil
}

// startHTTPServer adds the API server, its WebSocket hub, and a shutdown
// watcher to g. The server is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sc := a.cfg.Server

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:              sc.Port,
		CORSOrigins:       sc.CORSOrigins,
		APIKey:            sc.APIKey,
		RequireSignatures: sc.RequireSignatures,
		SignatureMaxSkew:  sc.SignatureMaxSkew.Duration,
		Replays:           deps.LockManager,
		RateLimit:         sc.RateLimit,
		RateWindow:        sc.RateWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Health, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, backendName(a.cfg), deps.Policy),
		Positions: handler.NewPositionHandler(deps.Service, a.logger),
		Accounts:  handler.NewAccountHandler(deps.Service, sc.AdminEnabled, a.logger),
		Oracle:    handler.NewOracleHandler(deps.Service, sc.AdminEnabled, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", sc.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", sc.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func walletKey(w config.WalletConfig) crypto.KeyConfig {
	return crypto.KeyConfig{
		RawPrivateKey:    w.PrivateKey,
		EncryptedKeyPath: w.EncryptedKeyPath,
		KeyPassword:      w.KeyPassword,
	}
}

func scenarioConfig(sc config.ScenarioConfig, deps *Dependencies) (scenario.Config, error) {
	cfg := scenario.Config{
		ExpiresIn: sc.ExpiresIn.Duration,
		Fund:      sc.Fund,
		Basis:     deps.Policy.Basis,
	}
	var err error
	if cfg.StrikePrice, err = domain.ParseAmount(sc.StrikePrice); err != nil {
		return cfg, fmt.Errorf("strike_price: %w", err)
	}
	if cfg.CollateralAmount, err = domain.ParseAmount(sc.CollateralAmount); err != nil {
		return cfg, fmt.Errorf("collateral_amount: %w", err)
	}
	if cfg.PremiumAmount, err = domain.ParseAmount(sc.PremiumAmount); err != nil {
		return cfg, fmt.Errorf("premium_amount: %w", err)
	}
	return cfg, nil
}

func balanceAttr(role string, addr common.Address, balances map[domain.Asset]domain.Amount) slog.Attr {
	attrs := []any{slog.String("address", addr.Hex())}
	for _, asset := range domain.Assets {
		if amt, ok := balances[asset]; ok {
			attrs = append(attrs, slog.String(string(asset), amt.String()))
		}
	}
	return slog.Group(role, attrs...)
}
