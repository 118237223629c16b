package settlement

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kmangutov/vordex/internal/domain"
)

// Default decimal basis: collateral in wei-like 18-decimal units, quote in
// 6-decimal stablecoin units. Prices are quote base units per one whole
// collateral unit, so a strike of 3000.00 is 3_000_000_000.
const (
	DefaultCollateralDecimals uint8 = 18
	DefaultQuoteDecimals      uint8 = 6
)

// Basis fixes the decimal convention between prices, collateral and quote.
type Basis struct {
	CollateralDecimals uint8
	QuoteDecimals      uint8
}

// DefaultBasis returns the 18/6 basis.
func DefaultBasis() Basis {
	return Basis{
		CollateralDecimals: DefaultCollateralDecimals,
		QuoteDecimals:      DefaultQuoteDecimals,
	}
}

// SettlementAmount is the quote owed on exercise:
// ceil(strike * collateral / 10^CollateralDecimals). Rounding is upward so
// the seller never receives less than the strike value of the collateral.
func (b Basis) SettlementAmount(strike, collateral domain.Amount) (domain.Amount, error) {
	amt, ok := strike.MulDivCeil(collateral, domain.Pow10(b.CollateralDecimals))
	if !ok {
		return domain.Amount{}, fmt.Errorf("settlement amount %s x %s: %w", strike, collateral, domain.ErrAmountOverflow)
	}
	return amt, nil
}

// Decimals returns the decimals of the given asset.
func (b Basis) Decimals(asset domain.Asset) uint8 {
	if asset == domain.AssetCollateral {
		return b.CollateralDecimals
	}
	return b.QuoteDecimals
}

// ExpireCaller controls who may trigger Expire.
type ExpireCaller string

const (
	// ExpireCallerSeller restricts expiry to the position's seller.
	ExpireCallerSeller ExpireCaller = "seller"
	// ExpireCallerAnyone lets any address clean up an expired position.
	ExpireCallerAnyone ExpireCaller = "anyone"
)

// ParseExpireCaller validates an expire policy name.
func ParseExpireCaller(s string) (ExpireCaller, error) {
	switch ExpireCaller(s) {
	case ExpireCallerSeller, ExpireCallerAnyone:
		return ExpireCaller(s), nil
	}
	return "", fmt.Errorf("settlement: unknown expire caller policy %q", s)
}

// Policy holds the configurable rules of the engine.
type Policy struct {
	// Custodian is the account that holds escrowed collateral.
	Custodian common.Address
	// MinPremium is the smallest premium accepted by Lock. Zero disables it.
	MinPremium domain.Amount
	// ExpireCaller selects who may call Expire.
	ExpireCaller ExpireCaller
	Basis        Basis
}

// DefaultCustodian is the escrow account used when none is configured.
var DefaultCustodian = common.HexToAddress("0x000000000000000000000000000000000000E5C0")

// DefaultPolicy returns seller-only expiry, no premium floor, the default
// custodian and the 18/6 basis.
func DefaultPolicy() Policy {
	return Policy{
		Custodian:    DefaultCustodian,
		ExpireCaller: ExpireCallerSeller,
		Basis:        DefaultBasis(),
	}
}
