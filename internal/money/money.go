// Package money provides shared EGP amount parsing and formatting.
//
// Amounts are fixed-point decimals with 2 fractional digits (piastres).
// Arithmetic is done on decimal.Decimal and never on floats.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits an EGP amount may carry.
const Places = 2

// Currency is the only currency the ledger books.
const Currency = "EGP"

// Max is the largest amount a balance column (NUMERIC(14,2)) can hold.
var Max = decimal.RequireFromString("999999999999.99")

var (
	ErrEmpty       = errors.New("amount is required")
	ErrMalformed   = errors.New("amount is not a valid decimal")
	ErrNegative    = errors.New("amount must not be negative")
	ErrPrecision   = errors.New("amount has more than 2 decimal places")
	ErrNotPositive = errors.New("amount must be greater than zero")
	ErrTooLarge    = errors.New("amount exceeds 999999999999.99")
)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "150.50") to an amount.
//
// Rules:
//   - Surrounding whitespace is ignored
//   - Empty input is rejected with ErrEmpty
//   - Negative amounts are rejected
//   - Exponents and more than 2 fractional digits are rejected
//   - Amounts above Max are rejected
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrEmpty
	}
	if strings.ContainsAny(s, "eE") {
		return decimal.Zero, ErrMalformed
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrMalformed
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	if !d.Equal(d.Truncate(Places)) {
		return decimal.Zero, ErrPrecision
	}
	if d.GreaterThan(Max) {
		return decimal.Zero, ErrTooLarge
	}
	return d, nil
}

// ParsePositive is Parse with the additional requirement that the amount
// is strictly greater than zero.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return d, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNotPositive
	}
	return d, nil
}

// Valid reports whether d is a well-formed ledger amount: non-negative,
// representable in 2 fractional digits and no larger than Max.
func Valid(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Equal(d.Truncate(Places)) && !d.GreaterThan(Max)
}

// Format renders an amount with exactly 2 fractional digits (e.g. "150.50").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}
