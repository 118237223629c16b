// Package settlement implements the covered-call position state machine.
// Every operation validates its preconditions and moves custody balances
// inside a single domain.Ledger update, so a failed call leaves no trace.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kmangutov/vordex/internal/domain"
)

// CreateParams are the seller-supplied terms of a new position.
type CreateParams struct {
	StrikePrice      domain.Amount
	Expiry           time.Time
	CollateralAmount domain.Amount
}

// Engine is the position ledger. It is safe for concurrent use as long as the
// underlying domain.Ledger serialises updates touching the same position.
type Engine struct {
	ledger domain.Ledger
	oracle domain.PriceOracle
	clock  domain.Clock
	policy Policy
}

// New creates an Engine over the given ledger, oracle and clock.
func New(ledger domain.Ledger, oracle domain.PriceOracle, clock domain.Clock, policy Policy) *Engine {
	if policy.ExpireCaller == "" {
		policy.ExpireCaller = ExpireCallerSeller
	}
	if policy.Custodian == (common.Address{}) {
		policy.Custodian = DefaultCustodian
	}
	if policy.Basis == (Basis{}) {
		policy.Basis = DefaultBasis()
	}
	return &Engine{
		ledger: ledger,
		oracle: oracle,
		clock:  clock,
		policy: policy,
	}
}

// Policy returns the engine's effective policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Create escrows the caller's collateral and opens a position in the Created
// state.
func (e *Engine) Create(ctx context.Context, caller common.Address, p CreateParams) (domain.Position, error) {
	now := e.clock.Now().UTC()

	if err := e.checkCaller(caller); err != nil {
		return domain.Position{}, fmt.Errorf("settlement: create: %w", err)
	}
	// Expiries are stored at second resolution; the stored value must still
	// be in the future.
	expiry := p.Expiry.UTC().Truncate(time.Second)
	if !expiry.After(now) {
		return domain.Position{}, fmt.Errorf("settlement: create: expiry %s not after %s: %w",
			expiry.Format(time.RFC3339), now.Format(time.RFC3339Nano), domain.ErrInvalidExpiry)
	}
	if p.CollateralAmount.IsZero() {
		return domain.Position{}, fmt.Errorf("settlement: create: collateral must be positive: %w", domain.ErrInvalidAmount)
	}
	if p.StrikePrice.IsZero() {
		return domain.Position{}, fmt.Errorf("settlement: create: strike must be positive: %w", domain.ErrInvalidAmount)
	}
	// Reject terms whose exercise could never be settled.
	if _, err := e.policy.Basis.SettlementAmount(p.StrikePrice, p.CollateralAmount); err != nil {
		return domain.Position{}, fmt.Errorf("settlement: create: %w", err)
	}

	var pos domain.Position
	err := e.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		if err := e.move(ctx, tx, caller, e.policy.Custodian, domain.AssetCollateral, p.CollateralAmount); err != nil {
			return err
		}
		id, err := tx.NextPositionID(ctx)
		if err != nil {
			return err
		}
		pos = domain.Position{
			ID:               id,
			Seller:           caller,
			StrikePrice:      p.StrikePrice,
			Expiry:           expiry,
			CollateralAmount: p.CollateralAmount,
			State:            domain.PositionStateCreated,
			CreatedAt:        now,
		}
		return tx.PutPosition(ctx, pos)
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("settlement: create: %w", err)
	}
	return pos, nil
}

// Lock makes the caller the buyer of a Created position. The premium moves
// straight to the seller and is never refunded.
func (e *Engine) Lock(ctx context.Context, caller common.Address, id domain.PositionID, premium domain.Amount) (domain.Position, error) {
	now := e.clock.Now().UTC()

	if err := e.checkCaller(caller); err != nil {
		return domain.Position{}, fmt.Errorf("settlement: lock %s: %w", id, err)
	}

	var pos domain.Position
	err := e.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		var err error
		pos, err = tx.Position(ctx, id)
		if err != nil {
			return err
		}
		if pos.State != domain.PositionStateCreated {
			return fmt.Errorf("position is %s: %w", pos.State, domain.ErrInvalidState)
		}
		if premium.LT(e.policy.MinPremium) {
			return fmt.Errorf("premium %s below %s: %w", premium, e.policy.MinPremium, domain.ErrPremiumTooLow)
		}
		if caller == pos.Seller {
			return fmt.Errorf("seller cannot buy own position: %w", domain.ErrUnauthorized)
		}
		if !now.Before(pos.Expiry) {
			return fmt.Errorf("expired at %s: %w", pos.Expiry.Format(time.RFC3339), domain.ErrExpired)
		}
		if err := e.move(ctx, tx, caller, pos.Seller, domain.AssetQuote, premium); err != nil {
			return err
		}
		buyer := caller
		pos.Buyer = &buyer
		pos.PremiumAmount = premium
		if err := pos.Transition(domain.PositionStateLocked, now); err != nil {
			return err
		}
		return tx.PutPosition(ctx, pos)
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("settlement: lock %s: %w", id, err)
	}
	return pos, nil
}

// Exercise settles an in-the-money Locked position before expiry: the buyer
// pays strike value to the seller and receives the escrowed collateral. It
// returns the oracle price that was used.
func (e *Engine) Exercise(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, domain.Amount, error) {
	now := e.clock.Now().UTC()

	if err := e.checkCaller(caller); err != nil {
		return domain.Position{}, domain.Amount{}, fmt.Errorf("settlement: exercise %s: %w", id, err)
	}

	var (
		pos   domain.Position
		price domain.Amount
	)
	err := e.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		var err error
		pos, err = tx.Position(ctx, id)
		if err != nil {
			return err
		}
		if pos.State != domain.PositionStateLocked {
			return fmt.Errorf("position is %s: %w", pos.State, domain.ErrInvalidState)
		}
		if !pos.IsBuyer(caller) {
			return fmt.Errorf("caller %s is not the buyer: %w", caller.Hex(), domain.ErrUnauthorized)
		}
		if !now.Before(pos.Expiry) {
			return fmt.Errorf("expired at %s: %w", pos.Expiry.Format(time.RFC3339), domain.ErrExpired)
		}

		// Exactly one oracle read per exercise.
		price, err = e.oracle.LatestPrice(ctx)
		if err != nil {
			return fmt.Errorf("oracle: %w", err)
		}
		if price.LT(pos.StrikePrice) {
			return fmt.Errorf("price %s below strike %s: %w", price, pos.StrikePrice, domain.ErrNotInTheMoney)
		}

		owed, err := e.policy.Basis.SettlementAmount(pos.StrikePrice, pos.CollateralAmount)
		if err != nil {
			return err
		}
		if err := e.move(ctx, tx, caller, pos.Seller, domain.AssetQuote, owed); err != nil {
			return err
		}
		if err := e.move(ctx, tx, e.policy.Custodian, caller, domain.AssetCollateral, pos.CollateralAmount); err != nil {
			return err
		}
		if err := pos.Transition(domain.PositionStateExercised, now); err != nil {
			return err
		}
		return tx.PutPosition(ctx, pos)
	})
	if err != nil {
		return domain.Position{}, domain.Amount{}, fmt.Errorf("settlement: exercise %s: %w", id, err)
	}
	return pos, price, nil
}

// Expire returns the collateral of a Locked position to its seller once the
// expiry has passed.
func (e *Engine) Expire(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, error) {
	now := e.clock.Now().UTC()

	if err := e.checkCaller(caller); err != nil {
		return domain.Position{}, fmt.Errorf("settlement: expire %s: %w", id, err)
	}

	var pos domain.Position
	err := e.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		var err error
		pos, err = tx.Position(ctx, id)
		if err != nil {
			return err
		}
		if pos.State != domain.PositionStateLocked {
			return fmt.Errorf("position is %s: %w", pos.State, domain.ErrInvalidState)
		}
		if e.policy.ExpireCaller == ExpireCallerSeller && caller != pos.Seller {
			return fmt.Errorf("caller %s is not the seller: %w", caller.Hex(), domain.ErrUnauthorized)
		}
		if now.Before(pos.Expiry) {
			return fmt.Errorf("expires at %s: %w", pos.Expiry.Format(time.RFC3339), domain.ErrNotYetExpired)
		}
		if err := e.move(ctx, tx, e.policy.Custodian, pos.Seller, domain.AssetCollateral, pos.CollateralAmount); err != nil {
			return err
		}
		if err := pos.Transition(domain.PositionStateExpired, now); err != nil {
			return err
		}
		return tx.PutPosition(ctx, pos)
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("settlement: expire %s: %w", id, err)
	}
	return pos, nil
}

// Get returns a snapshot of the position.
func (e *Engine) Get(ctx context.Context, id domain.PositionID) (domain.Position, error) {
	var pos domain.Position
	err := e.ledger.View(ctx, func(tx domain.LedgerTx) error {
		var err error
		pos, err = tx.Position(ctx, id)
		return err
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("settlement: get %s: %w", id, err)
	}
	return pos, nil
}

// List returns positions matching the filter.
func (e *Engine) List(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	var out []domain.Position
	err := e.ledger.View(ctx, func(tx domain.LedgerTx) error {
		var err error
		out, err = tx.Positions(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: list: %w", err)
	}
	return out, nil
}

// Balance returns the owner's custody balance of asset.
func (e *Engine) Balance(ctx context.Context, owner common.Address, asset domain.Asset) (domain.Amount, error) {
	var bal domain.Amount
	err := e.ledger.View(ctx, func(tx domain.LedgerTx) error {
		var err error
		bal, err = tx.BalanceOf(ctx, owner, asset)
		return err
	})
	if err != nil {
		return domain.Amount{}, fmt.Errorf("settlement: balance %s %s: %w", owner.Hex(), asset, err)
	}
	return bal, nil
}

// Deposit credits owner with externally supplied funds.
func (e *Engine) Deposit(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error {
	if err := e.checkCaller(owner); err != nil {
		return fmt.Errorf("settlement: deposit: %w", err)
	}
	if amount.IsZero() {
		return fmt.Errorf("settlement: deposit: %w", domain.ErrInvalidAmount)
	}
	err := e.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		return tx.Credit(ctx, owner, asset, amount)
	})
	if err != nil {
		return fmt.Errorf("settlement: deposit %s %s: %w", owner.Hex(), asset, err)
	}
	return nil
}

// Withdraw debits owner's spendable balance back out of the system.
func (e *Engine) Withdraw(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error {
	if err := e.checkCaller(owner); err != nil {
		return fmt.Errorf("settlement: withdraw: %w", err)
	}
	if amount.IsZero() {
		return fmt.Errorf("settlement: withdraw: %w", domain.ErrInvalidAmount)
	}
	err := e.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		return tx.Debit(ctx, owner, asset, amount)
	})
	if err != nil {
		return fmt.Errorf("settlement: withdraw %s %s: %w", owner.Hex(), asset, err)
	}
	return nil
}

// move transfers amount of asset between two accounts inside tx.
func (e *Engine) move(ctx context.Context, tx domain.LedgerTx, from, to common.Address, asset domain.Asset, amount domain.Amount) error {
	if amount.IsZero() {
		return nil
	}
	if err := tx.Debit(ctx, from, asset, amount); err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return fmt.Errorf("%s owes %s %s: %w", from.Hex(), amount, asset, err)
		}
		return err
	}
	return tx.Credit(ctx, to, asset, amount)
}

// checkCaller rejects the zero address and the custodian itself, which must
// only ever be moved by the engine.
func (e *Engine) checkCaller(caller common.Address) error {
	if caller == (common.Address{}) {
		return fmt.Errorf("zero address caller: %w", domain.ErrUnauthorized)
	}
	if caller == e.policy.Custodian {
		return fmt.Errorf("custodian cannot act as a party: %w", domain.ErrUnauthorized)
	}
	return nil
}
