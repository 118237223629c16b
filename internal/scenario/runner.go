// Package scenario runs the covered-call walkthrough end to end against an
// in-process service or a remote server: fund, create, lock, inspect,
// exercise when in the money, expire when past expiry, report balances.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kmangutov/vordex/internal/domain"
	"github.com/kmangutov/vordex/internal/settlement"
)

// Driver is the settlement surface the runner needs. Both
// service.SettlementService and client.Client implement it.
type Driver interface {
	Create(ctx context.Context, caller common.Address, p settlement.CreateParams) (domain.Position, error)
	Lock(ctx context.Context, caller common.Address, id domain.PositionID, premium domain.Amount) (domain.Position, error)
	Exercise(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, domain.Amount, error)
	Expire(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, error)
	Get(ctx context.Context, id domain.PositionID) (domain.Position, error)
	Balances(ctx context.Context, owner common.Address) (map[domain.Asset]domain.Amount, error)
	Deposit(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error
	Price(ctx context.Context) (domain.Amount, error)
}

// Config holds the walkthrough terms.
type Config struct {
	StrikePrice      domain.Amount
	ExpiresIn        time.Duration
	CollateralAmount domain.Amount
	PremiumAmount    domain.Amount
	// Fund deposits the seller's collateral and the buyer's premium plus
	// settlement amount before creating the position.
	Fund  bool
	Basis settlement.Basis
}

// DefaultConfig is a 1.0 collateral call struck at 3000.00 expiring in ten
// minutes with a 5.00 premium.
func DefaultConfig() Config {
	return Config{
		StrikePrice:      domain.NewAmount(3_000_000_000),
		ExpiresIn:        10 * time.Minute,
		CollateralAmount: domain.Pow10(settlement.DefaultCollateralDecimals),
		PremiumAmount:    domain.NewAmount(5_000_000),
		Fund:             true,
		Basis:            settlement.DefaultBasis(),
	}
}

// Report summarises one run.
type Report struct {
	Position       domain.Position
	Price          *domain.Amount
	Exercised      bool
	Expired        bool
	SellerBalances map[domain.Asset]domain.Amount
	BuyerBalances  map[domain.Asset]domain.Amount
}

// Runner executes the walkthrough.
type Runner struct {
	driver Driver
	clock  domain.Clock
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(driver Driver, clock domain.Clock, cfg Config, logger *slog.Logger) *Runner {
	if cfg.Basis == (settlement.Basis{}) {
		cfg.Basis = settlement.DefaultBasis()
	}
	return &Runner{
		driver: driver,
		clock:  clock,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scenario")),
	}
}

// Run plays the walkthrough with the given seller and buyer. Exercise and
// expire rejections are reported, not returned; setup failures abort.
func (r *Runner) Run(ctx context.Context, seller, buyer common.Address) (Report, error) {
	var rep Report

	if r.cfg.Fund {
		if err := r.fund(ctx, seller, buyer); err != nil {
			return rep, err
		}
	}

	pos, err := r.driver.Create(ctx, seller, settlement.CreateParams{
		StrikePrice:      r.cfg.StrikePrice,
		Expiry:           r.clock.Now().Add(r.cfg.ExpiresIn),
		CollateralAmount: r.cfg.CollateralAmount,
	})
	if err != nil {
		return rep, fmt.Errorf("scenario: create: %w", err)
	}
	r.logger.InfoContext(ctx, "call created",
		slog.String("position_id", pos.ID.String()),
		slog.String("seller", seller.Hex()),
		slog.String("strike", r.cfg.StrikePrice.Format(r.cfg.Basis.QuoteDecimals)),
		slog.Time("expiry", pos.Expiry),
	)

	if _, err := r.driver.Lock(ctx, buyer, pos.ID, r.cfg.PremiumAmount); err != nil {
		return rep, fmt.Errorf("scenario: lock %s: %w", pos.ID, err)
	}
	r.logger.InfoContext(ctx, "call locked",
		slog.String("position_id", pos.ID.String()),
		slog.String("buyer", buyer.Hex()),
		slog.String("premium", r.cfg.PremiumAmount.Format(r.cfg.Basis.QuoteDecimals)),
	)

	id := pos.ID
	pos, err = r.driver.Get(ctx, id)
	if err != nil {
		return rep, fmt.Errorf("scenario: get %s: %w", id, err)
	}
	r.logger.InfoContext(ctx, "call state", slog.String("position_id", pos.ID.String()), slog.String("state", string(pos.State)))

	pos, rep.Price, rep.Exercised = r.tryExercise(ctx, buyer, pos)
	pos, rep.Expired = r.tryExpire(ctx, seller, pos)
	rep.Position = pos

	if rep.SellerBalances, err = r.driver.Balances(ctx, seller); err != nil {
		return rep, fmt.Errorf("scenario: seller balances: %w", err)
	}
	if rep.BuyerBalances, err = r.driver.Balances(ctx, buyer); err != nil {
		return rep, fmt.Errorf("scenario: buyer balances: %w", err)
	}
	r.logger.InfoContext(ctx, "final balances",
		slog.String("seller_collateral", rep.SellerBalances[domain.AssetCollateral].Format(r.cfg.Basis.CollateralDecimals)),
		slog.String("seller_quote", rep.SellerBalances[domain.AssetQuote].Format(r.cfg.Basis.QuoteDecimals)),
		slog.String("buyer_collateral", rep.BuyerBalances[domain.AssetCollateral].Format(r.cfg.Basis.CollateralDecimals)),
		slog.String("buyer_quote", rep.BuyerBalances[domain.AssetQuote].Format(r.cfg.Basis.QuoteDecimals)),
		slog.String("final_state", string(pos.State)),
	)
	return rep, nil
}

func (r *Runner) fund(ctx context.Context, seller, buyer common.Address) error {
	owed, err := r.cfg.Basis.SettlementAmount(r.cfg.StrikePrice, r.cfg.CollateralAmount)
	if err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	quote, ok := owed.Add(r.cfg.PremiumAmount)
	if !ok {
		return fmt.Errorf("scenario: buyer funding: %w", domain.ErrAmountOverflow)
	}
	if err := r.driver.Deposit(ctx, seller, domain.AssetCollateral, r.cfg.CollateralAmount); err != nil {
		return fmt.Errorf("scenario: fund seller: %w", err)
	}
	if err := r.driver.Deposit(ctx, buyer, domain.AssetQuote, quote); err != nil {
		return fmt.Errorf("scenario: fund buyer: %w", err)
	}
	r.logger.InfoContext(ctx, "accounts funded",
		slog.String("seller_collateral", r.cfg.CollateralAmount.String()),
		slog.String("buyer_quote", quote.String()),
	)
	return nil
}

func (r *Runner) tryExercise(ctx context.Context, buyer common.Address, pos domain.Position) (domain.Position, *domain.Amount, bool) {
	price, err := r.driver.Price(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "oracle unavailable, skipping exercise", slog.String("error", err.Error()))
		return pos, nil, false
	}
	if price.LT(pos.StrikePrice) {
		r.logger.InfoContext(ctx, "price below strike, cannot exercise",
			slog.String("price", price.Format(r.cfg.Basis.QuoteDecimals)),
			slog.String("strike", pos.StrikePrice.Format(r.cfg.Basis.QuoteDecimals)),
		)
		return pos, &price, false
	}

	exercised, used, err := r.driver.Exercise(ctx, buyer, pos.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "exercise failed", slog.String("error", err.Error()))
		return pos, &price, false
	}
	r.logger.InfoContext(ctx, "call exercised",
		slog.String("position_id", pos.ID.String()),
		slog.String("price", used.Format(r.cfg.Basis.QuoteDecimals)),
	)
	return exercised, &used, true
}

func (r *Runner) tryExpire(ctx context.Context, seller common.Address, pos domain.Position) (domain.Position, bool) {
	if pos.State != domain.PositionStateLocked {
		return pos, false
	}
	if r.clock.Now().Before(pos.Expiry) {
		r.logger.InfoContext(ctx, "call not yet expired", slog.Time("expiry", pos.Expiry))
		return pos, false
	}
	expired, err := r.driver.Expire(ctx, seller, pos.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotYetExpired) {
			r.logger.WarnContext(ctx, "expire failed", slog.String("error", err.Error()))
		}
		return pos, false
	}
	r.logger.InfoContext(ctx, "call expired", slog.String("position_id", pos.ID.String()))
	return expired, true
}
