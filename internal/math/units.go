package math

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the base-unit precision of both the collateral and debt asset.
const Decimals = 18

// ParseUnits converts a human decimal string ("0.833") into base units.
// More than Decimals fractional digits or a negative value is rejected.
func ParseUnits(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal token amount into base units.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", d)
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", d, Decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// MustUnits is ParseUnits for constants and tests.
func MustUnits(s string) *uint256.Int {
	v, err := ParseUnits(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ToDecimal renders base units as a token decimal.
func ToDecimal(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -Decimals)
}

// FormatUnits renders base units as a human decimal string.
func FormatUnits(v *uint256.Int) string {
	return ToDecimal(v).String()
}

// Ratio renders num/den as a decimal with the given number of places.
func Ratio(num, den *uint256.Int, places int32) decimal.Decimal {
	if den == nil || den.IsZero() {
		return decimal.Zero
	}
	n := decimal.NewFromBigInt(num.ToBig(), 0)
	d := decimal.NewFromBigInt(den.ToBig(), 0)
	return n.DivRound(d, places)
}
