package domain

import "github.com/shopspring/decimal"

// MoneyScale is the number of minor-unit digits of the store currency.
const MoneyScale = 2

// RoundMoney rounds half away from zero to the currency's minor unit. Amounts are non-negative
// wherever this is used, so this is round-half-up.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MoneyScale)
}

// ClampMoney limits amount to the closed range [0, ceiling].
func ClampMoney(amount, ceiling decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	if ceiling.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(amount, ceiling)
}
