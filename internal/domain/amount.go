package domain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Amount is a non-negative quantity of an asset (or a price) expressed in
// integer base units. It is a value type: copies never alias.
type Amount struct {
	u uint256.Int
}

// ZeroAmount is the additive identity.
var ZeroAmount = Amount{}

// NewAmount creates an Amount from a uint64.
func NewAmount(v uint64) Amount {
	var a Amount
	a.u.SetUint64(v)
	return a
}

// ParseAmount parses a base-10 integer string such as "3000000000".
func ParseAmount(s string) (Amount, error) {
	var a Amount
	s = strings.TrimSpace(s)
	if s == "" {
		return a, fmt.Errorf("domain: parse amount: empty string")
	}
	if err := a.u.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("domain: parse amount %q: %w", s, err)
	}
	return a, nil
}

// MustParseAmount is ParseAmount for constants and tests; it panics on error.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromBig converts a big.Int. It reports false when b is negative or
// does not fit in 256 bits.
func AmountFromBig(b *big.Int) (Amount, bool) {
	if b == nil || b.Sign() < 0 {
		return Amount{}, false
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, false
	}
	return Amount{u: *u}, true
}

// Pow10 returns 10^exp.
func Pow10(exp uint8) Amount {
	var a Amount
	a.u.Exp(uint256.NewInt(10), uint256.NewInt(uint64(exp)))
	return a
}

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool { return a.u.IsZero() }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.u.Cmp(&b.u) }

// LT reports a < b.
func (a Amount) LT(b Amount) bool { return a.u.Lt(&b.u) }

// GTE reports a >= b.
func (a Amount) GTE(b Amount) bool { return !a.u.Lt(&b.u) }

// Equal reports a == b.
func (a Amount) Equal(b Amount) bool { return a.u.Eq(&b.u) }

// Add returns a+b and false on 256-bit overflow.
func (a Amount) Add(b Amount) (Amount, bool) {
	var out Amount
	if _, overflow := out.u.AddOverflow(&a.u, &b.u); overflow {
		return Amount{}, false
	}
	return out, true
}

// Sub returns a-b and false when b > a.
func (a Amount) Sub(b Amount) (Amount, bool) {
	var out Amount
	if _, underflow := out.u.SubOverflow(&a.u, &b.u); underflow {
		return Amount{}, false
	}
	return out, true
}

// MulDivCeil returns ceil(a*b/d) computed with a 512-bit intermediate. It
// reports false when d is zero or the result does not fit in 256 bits.
func (a Amount) MulDivCeil(b, d Amount) (Amount, bool) {
	if d.IsZero() {
		return Amount{}, false
	}
	var out Amount
	if _, overflow := out.u.MulDivOverflow(&a.u, &b.u, &d.u); overflow {
		return Amount{}, false
	}
	var rem uint256.Int
	rem.MulMod(&a.u, &b.u, &d.u)
	if !rem.IsZero() {
		return out.Add(NewAmount(1))
	}
	return out, true
}

// Uint64 returns the low 64 bits; callers check IsUint64 first when it matters.
func (a Amount) Uint64() uint64 { return a.u.Uint64() }

// IsUint64 reports whether a fits in a uint64.
func (a Amount) IsUint64() bool { return a.u.IsUint64() }

// Big returns a as a new big.Int.
func (a Amount) Big() *big.Int { return a.u.ToBig() }

// String renders the base-10 representation.
func (a Amount) String() string { return a.u.Dec() }

// Format renders a in whole units with the given number of decimals, e.g.
// 1500000 with 6 decimals is "1.5".
func (a Amount) Format(decimals uint8) string {
	s := a.u.Dec()
	if decimals == 0 {
		return s
	}
	d := int(decimals)
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	whole, frac := s[:len(s)-d], strings.TrimRight(s[len(s)-d:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// MarshalText encodes the amount as a base-10 string.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.u.Dec()), nil
}

// UnmarshalText decodes a base-10 string.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
