// Package money provides the fixed-point decimal arithmetic used for all
// monetary computation in the snapshot engine.
//
// All values are shopspring/decimal — never float64 for money. Parsing accepts
// human-entered numbers with either '.' or ',' as the decimal separator and
// whitespace as digit grouping. Rendering rounds half away from zero at a
// caller-chosen scale, so "1.005" at two digits is always "1.01" and
// "-1.005" is "-1.01", regardless of rounding conventions elsewhere in the
// decimal library.
package money

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidNumber is returned when a string cannot be parsed as a number.
	ErrInvalidNumber = errors.New("money: invalid number format")

	// ErrDivisionByZero is returned when dividing by a zero value.
	ErrDivisionByZero = errors.New("money: division by zero")
)

// Scale is the internal precision, in fractional digits, that division and
// weighted averages are carried at. Storage and display round down from this.
const Scale int32 = 8

// Parse converts a human-entered numeric string into an exact decimal.
// Both '.' and ',' are accepted as the decimal separator; internal whitespace
// is treated as digit grouping and stripped.
func Parse(s string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		if r == ',' {
			b.WriteByte('.')
			continue
		}
		b.WriteRune(r)
	}
	cleaned := b.String()
	if cleaned == "" || strings.Count(cleaned, ".") > 1 {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return d, nil
}

// Div divides a by b at the internal precision, or fails when b is zero.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Decimal{}, ErrDivisionByZero
	}
	return a.DivRound(b, Scale), nil
}

// RenderFixed formats d with exactly digits fractional digits, rounding
// half-up on the magnitude: half-way cases move away from zero, so "1.005"
// renders "1.01" and "-1.005" renders "-1.01".
func RenderFixed(d decimal.Decimal, digits int32) string {
	half := decimal.New(5, -1)
	rounded := d.Abs().Shift(digits).Add(half).Floor().Shift(-digits)
	if d.IsNegative() {
		rounded = rounded.Neg()
	}
	return rounded.StringFixed(digits)
}
