package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidExpiry     = errors.New("invalid expiry")
	ErrNotInTheMoney     = errors.New("not in the money")
	ErrExpired           = errors.New("expired")
	ErrNotYetExpired     = errors.New("not yet expired")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrPremiumTooLow     = errors.New("premium below minimum")
	ErrAmountOverflow    = errors.New("amount overflow")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockHeld          = errors.New("lock already held")
	ErrReadOnlyOracle    = errors.New("oracle is read-only")
	ErrStalePrice        = errors.New("stale price")
	ErrNoPrice           = errors.New("no price available")
)

// errorCodes gives each sentinel a stable wire name used by the HTTP API and
// its client.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrInvalidState, "invalid_state"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInvalidExpiry, "invalid_expiry"},
	{ErrNotInTheMoney, "not_in_the_money"},
	{ErrExpired, "expired"},
	{ErrNotYetExpired, "not_yet_expired"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrPremiumTooLow, "premium_too_low"},
	{ErrAmountOverflow, "amount_overflow"},
	{ErrRateLimited, "rate_limited"},
	{ErrLockHeld, "lock_held"},
	{ErrReadOnlyOracle, "read_only_oracle"},
	{ErrStalePrice, "stale_price"},
	{ErrNoPrice, "no_price"},
}

// ErrorCode returns the wire code of the first sentinel err wraps, or
// "internal".
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}

// ErrorFromCode maps a wire code back to its sentinel, or nil.
func ErrorFromCode(code string) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}
