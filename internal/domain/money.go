// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture; it depends on nothing
// but small value libraries.
package domain

import (
	"errors"
	"math"
	"math/bits"
	"strings"

	"github.com/shopspring/decimal"
)

// ─── Micro-unit Money ───────────────────────────────────────────────────────
// Every monetary value is an int64 count of micro-units (1 USD = 1_000_000).
// No floating point anywhere on the money path.

// MicroPerUnit is the fixed-point scale.
const MicroPerUnit int64 = 1_000_000

// BasisPoints is 100.00% in basis points.
const BasisPoints int64 = 10_000

// ErrAmountOverflow is returned when a sum leaves the int64 range.
var ErrAmountOverflow = errors.New("amount overflows int64 micro-units")

// USD converts whole dollars to micro-units (test and config convenience).
func USD(dollars int64) int64 { return dollars * MicroPerUnit }

// Cents converts cents to micro-units.
func Cents(cents int64) int64 { return cents * (MicroPerUnit / 100) }

// AddMicro adds two amounts, failing instead of wrapping.
func AddMicro(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}

// SumMicro adds all amounts with overflow checking.
func SumMicro(amounts ...int64) (int64, error) {
	var total int64
	var err error
	for _, a := range amounts {
		if total, err = AddMicro(total, a); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// MulDivFloor returns floor(x * num / den) for non-negative x and num and
// positive den, using a 128-bit intermediate so x*num never overflows.
// Results beyond int64 are reported as ErrAmountOverflow.
func MulDivFloor(x, num, den int64) (int64, error) {
	if x < 0 || num < 0 || den <= 0 {
		return 0, errors.New("MulDivFloor: operands must be non-negative with positive divisor")
	}
	hi, lo := bits.Mul64(uint64(x), uint64(num))
	if hi >= uint64(den) {
		return 0, ErrAmountOverflow
	}
	q, _ := bits.Div64(hi, lo, uint64(den))
	if q > math.MaxInt64 {
		return 0, ErrAmountOverflow
	}
	return int64(q), nil
}

// FormatUSD renders micro-units as a dollar string with two decimals ("$1.50").
func FormatUSD(micro int64) string {
	d := decimal.New(micro, -6)
	if d.IsNegative() {
		return "-$" + d.Neg().StringFixed(2)
	}
	return "$" + d.StringFixed(2)
}

// PercentOf returns part/whole as a percentage rounded to one decimal place.
// Display only; never feeds back into money arithmetic.
func PercentOf(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	pct, _ := decimal.NewFromInt(part).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(whole)).
		Round(1).
		Float64()
	return pct
}

// ParseUSD reads a dollar amount ("12.5", "$0.000001") into micro-units.
// More than six decimal places is rejected rather than rounded.
func ParseUSD(s string) (int64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, Invalid("amount", "not a dollar amount: %q", s)
	}
	micro := d.Shift(6)
	if !micro.IsInteger() {
		return 0, Invalid("amount", "%s has more than six decimal places", s)
	}
	if micro.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || micro.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, ErrAmountOverflow
	}
	return micro.IntPart(), nil
}
