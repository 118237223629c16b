package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Asset names one of the two fungible assets held in custody.
type Asset string

const (
	// AssetCollateral is the underlying posted by sellers (e.g. WETH).
	AssetCollateral Asset = "collateral"
	// AssetQuote is the asset premiums and strikes are paid in (e.g. USDC).
	AssetQuote Asset = "quote"
)

// Assets lists both custody assets in a stable order.
var Assets = []Asset{AssetCollateral, AssetQuote}

// ParseAsset validates an asset name.
func ParseAsset(s string) (Asset, error) {
	switch Asset(s) {
	case AssetCollateral, AssetQuote:
		return Asset(s), nil
	}
	return "", fmt.Errorf("domain: unknown asset %q", s)
}

// CustodyLedger holds per-owner balances of the custody assets.
type CustodyLedger interface {
	// Debit removes amount from owner. It returns ErrInsufficientFunds when
	// the balance is smaller than amount.
	Debit(ctx context.Context, owner common.Address, asset Asset, amount Amount) error
	// Credit adds amount to owner. It fails only on storage errors or
	// ErrAmountOverflow.
	Credit(ctx context.Context, owner common.Address, asset Asset, amount Amount) error
	// BalanceOf returns the owner's balance; unknown owners hold zero.
	BalanceOf(ctx context.Context, owner common.Address, asset Asset) (Amount, error)
}

// LedgerTx is the view of the ledger available inside one atomic unit.
type LedgerTx interface {
	CustodyLedger
	// NextPositionID allocates the next sequential position id.
	NextPositionID(ctx context.Context) (PositionID, error)
	// Position loads a position, returning ErrNotFound when absent.
	Position(ctx context.Context, id PositionID) (Position, error)
	// PutPosition inserts or replaces a position.
	PutPosition(ctx context.Context, pos Position) error
	// Positions lists positions matching the filter, ordered by id.
	Positions(ctx context.Context, filter PositionFilter) ([]Position, error)
}

// Ledger is the store of positions and custody balances. Update runs fn as a
// single all-or-nothing unit: if fn returns an error nothing it did is kept.
type Ledger interface {
	Update(ctx context.Context, fn func(tx LedgerTx) error) error
	View(ctx context.Context, fn func(tx LedgerTx) error) error
}

// PriceOracle exposes the most recent market price of one collateral unit in
// quote base units.
type PriceOracle interface {
	LatestPrice(ctx context.Context) (Amount, error)
}

// PriceSetter is implemented by oracles whose price can be pushed in.
type PriceSetter interface {
	SetPrice(ctx context.Context, price Amount) error
}

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}
