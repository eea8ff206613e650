// Package money holds the fixed-point helpers shared by every component that
// touches a currency amount. Amounts are shopspring decimals everywhere; no
// monetary value is ever computed through a binary float.
package money

import "github.com/shopspring/decimal"

// RoundCents rounds to two fractional digits, half away from zero.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ClampZero returns d, floored at zero.
func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Sum adds the given amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
