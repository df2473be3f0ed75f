// Package money implements cent-quantized decimal arithmetic for portfolio
// amounts.
//
// Every money operation converts its operands to whole cents with
// round-half-to-even, computes in cent space and converts back, so repeated
// additions across many purchases cannot drift. All values use
// shopspring/decimal; never float64 for money.
package money

import (
	"github.com/shopspring/decimal"
)

var (
	// CentScale is the number of decimal places kept for money amounts.
	CentScale int32 = 2

	// PriceScale is the number of decimal places kept for per-unit prices.
	PriceScale int32 = 8

	// QuantityScale is the number of decimal places kept for token quantities.
	QuantityScale int32 = 12

	hundred = decimal.NewFromInt(100)
)

// toCents converts an amount to a whole number of cents (banker's rounding).
func toCents(v decimal.Decimal) decimal.Decimal {
	return v.Mul(hundred).RoundBank(0)
}

func fromCents(c decimal.Decimal) decimal.Decimal {
	return c.Div(hundred).Round(CentScale)
}

// Cents quantizes v to whole cents using round-half-to-even.
func Cents(v decimal.Decimal) decimal.Decimal {
	return fromCents(toCents(v))
}

// Add returns a + b computed in cent space.
func Add(a, b decimal.Decimal) decimal.Decimal {
	return fromCents(toCents(a).Add(toCents(b)))
}

// Sub returns a - b computed in cent space.
func Sub(a, b decimal.Decimal) decimal.Decimal {
	return fromCents(toCents(a).Sub(toCents(b)))
}

// Sum adds all values in cent space. The result does not depend on order.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(toCents(v))
	}
	return fromCents(total)
}

// Mul returns amount × factor quantized to cents.
//
// Only the product is quantized: factor is usually a token quantity or a
// unit price whose sub-cent digits are significant (0.0225 BTC × 5000 must
// be 112.50, not 0.02 × 5000).
func Mul(amount, factor decimal.Decimal) decimal.Decimal {
	return Cents(amount.Mul(factor))
}

// Div returns a / b quantized to cents. Division by zero yields zero.
func Div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return fromCents(toCents(a).Mul(hundred).DivRound(toCents(b), 0))
}

// Percentage returns value as a percentage of total, to two decimal places.
// A zero total yields zero.
func Percentage(value, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return value.Mul(hundred).DivRound(total, CentScale+4).RoundBank(CentScale)
}

// UnitPrice returns amount / quantity at PriceScale precision. A zero
// quantity yields zero.
func UnitPrice(amount, quantity decimal.Decimal) decimal.Decimal {
	if quantity.IsZero() {
		return decimal.Zero
	}
	return amount.DivRound(quantity, PriceScale+2).RoundBank(PriceScale)
}

// Quantity returns the number of units amount buys at price, at
// QuantityScale precision. A zero price yields zero.
func Quantity(amount, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return amount.DivRound(price, QuantityScale+2).RoundBank(QuantityScale)
}

// SumQuantities adds token quantities without quantizing them to cents.
func SumQuantities(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
