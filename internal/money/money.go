// Package money converts between exact decimal strings and integer minor units.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorDigits is the number of fractional digits carried by minor units.
const MinorDigits = 2

// maxExponent is the largest power of ten that can still fit in int64 minor units.
const maxExponent = 18

var ErrInvalidAmount = errors.New("invalid amount")

// ToMinorUnits parses a decimal string and scales it to minor units.
// It never rounds: anything that does not land on a whole minor unit is rejected.
func ToMinorUnits(amount string) (int64, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, amount)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, amount)
	}
	if d.IsZero() {
		return 0, nil
	}

	// Bound the exponent before rescaling; "1e99999999" would otherwise
	// expand into a huge integer. The coefficient has at most len(s) digits.
	exp := d.Exponent()
	if exp > maxExponent {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, amount)
	}
	if int64(exp) < -int64(len(s)+MinorDigits) {
		return 0, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, amount, MinorDigits)
	}

	scaled := d.Shift(MinorDigits)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, amount, MinorDigits)
	}

	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, amount)
	}
	return bi.Int64(), nil
}

// ToMajorString formats minor units as a zero-padded 2-decimal string (125 -> "1.25").
func ToMajorString(minor int64) string {
	return decimal.New(minor, -MinorDigits).StringFixed(MinorDigits)
}

// ToMajorFloat is the numeric amount handed to the fraud scorer.
func ToMajorFloat(minor int64) float64 {
	return decimal.New(minor, -MinorDigits).InexactFloat64()
}
