// Package money holds the fixed-point helpers used for every amount in the
// ledger. Amounts are decimal.Decimal values with at most two fractional
// digits; the gateway speaks integer minor units (kopecks).
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
)

// Cents is the number of fractional digits kept for stored amounts.
const Cents = 2

var (
	half    = decimal.New(5, -1)
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)

	// MaxAmount bounds any single user-supplied amount.
	MaxAmount = decimal.NewFromInt(1_000_000_000)
)

// Zero is the zero amount.
var Zero = decimal.Zero

// RoundHalfDown rounds d to the cent, sending exact halves towards negative
// infinity (1.005 -> 1.00, 1.006 -> 1.01).
func RoundHalfDown(d decimal.Decimal) decimal.Decimal {
	shifted := d.Shift(Cents)
	floor := shifted.Floor()
	if shifted.Sub(floor).GreaterThan(half) {
		floor = floor.Add(one)
	}
	return floor.Shift(-Cents)
}

// FloorCents truncates d down to the cent.
func FloorCents(d decimal.Decimal) decimal.Decimal {
	return d.Shift(Cents).Floor().Shift(-Cents)
}

// IsCents reports whether d has no more than two fractional digits.
func IsCents(d decimal.Decimal) bool {
	return d.Equal(FloorCents(d))
}

// Parse reads a user-supplied amount. It accepts a comma as decimal separator
// and surrounding spaces, rejects non-positive and oversized values, and
// rounds the result half-down to the cent.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("%w: amount is required", apperr.ErrValidation)
	}
	s = strings.ReplaceAll(s, " ", "")
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: amount %q is not a number", apperr.ErrValidation, s)
	}
	return Validate(d)
}

// Validate applies the Parse bounds to an already decoded amount.
func Validate(d decimal.Decimal) (decimal.Decimal, error) {
	d = RoundHalfDown(d)
	if !d.IsPositive() {
		return Zero, fmt.Errorf("%w: amount must be greater than zero", apperr.ErrValidation)
	}
	if d.GreaterThan(MaxAmount) {
		return Zero, fmt.Errorf("%w: amount exceeds %s", apperr.ErrValidation, MaxAmount.StringFixed(Cents))
	}
	return d, nil
}

// ToMinor converts an amount to integer minor units (1.50 -> 150).
func ToMinor(d decimal.Decimal) int64 {
	return RoundHalfDown(d).Mul(hundred).IntPart()
}

// FromMinor converts integer minor units to an amount (150 -> 1.50).
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -Cents)
}

// Percent returns rate*d truncated down to the cent.
func Percent(d, rate decimal.Decimal) decimal.Decimal {
	return FloorCents(d.Mul(rate))
}
