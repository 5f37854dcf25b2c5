// Package money holds the amount helpers shared by negotiations and escrow.
//
// Amounts are shopspring decimals with at most two fractional digits
// (minor units). Inputs with more precision are rejected rather than rounded.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits an amount may carry.
const Scale = 2

var (
	ErrEmpty       = errors.New("amount is required")
	ErrMalformed   = errors.New("amount is not a number")
	ErrNotPositive = errors.New("amount must be positive")
	ErrPrecision   = fmt.Errorf("amount has more than %d decimal places", Scale)
)

// Parse converts a decimal string ("90", "12.50") into an amount.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrEmpty
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrMalformed
	}
	return d, Check(d)
}

// Check validates an already decoded amount: strictly positive, at most Scale decimals.
func Check(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrNotPositive
	}
	if !d.Equal(d.Truncate(Scale)) {
		return ErrPrecision
	}
	return nil
}

// MinorUnits converts an amount to integer minor units (cents).
func MinorUnits(d decimal.Decimal) int64 {
	return d.Shift(Scale).Round(0).IntPart()
}

// Format renders an amount with exactly Scale decimals ("90.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
