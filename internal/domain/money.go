package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// DiscountedDebt returns trunc(debt × (1 − rate)) in base units. A rate
// outside [0, 1] is clamped.
func DiscountedDebt(debt *big.Int, rate decimal.Decimal) *big.Int {
	if debt == nil || debt.Sign() <= 0 {
		return new(big.Int)
	}
	if rate.IsNegative() {
		rate = decimal.Zero
	}
	if rate.GreaterThan(decimal.NewFromInt(1)) {
		rate = decimal.NewFromInt(1)
	}
	keep := decimal.NewFromInt(1).Sub(rate)
	out := decimal.NewFromBigInt(debt, 0).Mul(keep).Truncate(0)
	return out.BigInt()
}

// BasisPoints returns amount × bps / 10000, truncated.
func BasisPoints(amount *big.Int, bps int64) *big.Int {
	if amount == nil || bps <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, big.NewInt(bps))
	return out.Quo(out, big.NewInt(10_000))
}

// MinBig returns the smaller of a and b as a new value.
func MinBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// FormatUnits renders a base-unit amount with the given decimals, for
// display only.
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ParseUnits converts a human amount such as "12.5" into base units. Extra
// precision beyond decimals is truncated.
func ParseUnits(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, Wrapf(ErrValidation, "invalid amount %q", s)
	}
	if d.IsNegative() {
		return nil, Wrapf(ErrValidation, "negative amount %q", s)
	}
	return d.Shift(decimals).Truncate(0).BigInt(), nil
}

// ParseBaseUnits parses a decimal integer string in base units.
func ParseBaseUnits(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, Wrapf(ErrValidation, "invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, Wrapf(ErrValidation, "negative amount %q", s)
	}
	return v, nil
}
