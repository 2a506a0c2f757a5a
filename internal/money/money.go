// Package money holds minor-unit arithmetic for prices, discounts and refunds.
// Amounts are int64 minor units (paise); fractional results round half-up to a whole minor unit.
package money

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Percent returns amount * pct / 100 rounded to a minor unit.
func Percent(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(hundred).Round(0).IntPart()
}

// Share returns part/whole of total rounded to a minor unit. A zero whole yields zero.
func Share(total, part, whole int64) int64 {
	if whole == 0 {
		return 0
	}
	return decimal.NewFromInt(total).
		Mul(decimal.NewFromInt(part)).
		Div(decimal.NewFromInt(whole)).
		Round(0).
		IntPart()
}

// Split distributes total across weights proportionally. Each share is rounded and the
// rounding residue is carried by the last non-zero weight so the shares always sum to total.
func Split(total int64, weights []int64) []int64 {
	out := make([]int64, len(weights))
	var whole int64
	last := -1
	for i, w := range weights {
		whole += w
		if w > 0 {
			last = i
		}
	}
	if whole == 0 || last < 0 {
		return out
	}
	var assigned int64
	for i, w := range weights {
		if w <= 0 || i == last {
			continue
		}
		out[i] = Share(total, w, whole)
		assigned += out[i]
	}
	out[last] = total - assigned
	return out
}

// Min returns the smaller amount.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// NonNegative clamps negative amounts to zero.
func NonNegative(a int64) int64 {
	if a < 0 {
		return 0
	}
	return a
}

// Format renders minor units as a major-unit string with two decimals.
func Format(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

// ParseMajor parses a major-unit string such as "450.00" into minor units.
func ParseMajor(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.Mul(hundred).Round(0).IntPart(), nil
}
