package validation

import "github.com/shopspring/decimal"

// IsValidAmount проверяет денежную сумму: строго положительная и не точнее двух знаков.
func IsValidAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(2))
}

// IsValidRate проверяет обменный курс: строго положительный.
func IsValidRate(rate decimal.Decimal) bool {
	return rate.IsPositive()
}
