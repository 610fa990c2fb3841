package billing

import (
	"math"

	"github.com/shopspring/decimal"
)

// MoneyScale is the fixed number of fractional digits kept for every
// monetary value before storage or comparison.
const MoneyScale = 6

// moneyEpsilon absorbs floating-point representation error on amounts
// that arrive through float64 conversions.
var moneyEpsilon = decimal.New(1, -9)

// NormalizeMoney rounds an amount to the fixed money scale.
func NormalizeMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MoneyScale)
}

// MoneyFromFloat coerces a float into a normalized amount. The second
// return is false for NaN and infinities.
func MoneyFromFloat(raw float64) (decimal.Decimal, bool) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return decimal.Zero, false
	}
	return NormalizeMoney(decimal.NewFromFloat(raw)), true
}

// MoneyEqual reports equality within the money epsilon.
func MoneyEqual(left decimal.Decimal, right decimal.Decimal) bool {
	return left.Sub(right).Abs().LessThanOrEqual(moneyEpsilon)
}

// MoneyExceeds reports left > right beyond the money epsilon.
func MoneyExceeds(left decimal.Decimal, right decimal.Decimal) bool {
	return left.Sub(right).GreaterThan(moneyEpsilon)
}

// IsPositiveMoney reports whether the normalized amount is strictly positive.
func IsPositiveMoney(amount decimal.Decimal) bool {
	return NormalizeMoney(amount).IsPositive()
}
