package shared

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Epsilon is the tolerance used when comparing settled amounts.
var Epsilon = decimal.New(5, -3)

// Round2 rounds an amount to cents, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ClampZero returns d, or zero when d is negative.
func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// PositiveAmount rounds amount and rejects values that are not strictly positive.
func PositiveAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	rounded := Round2(amount)
	if !rounded.IsPositive() {
		return decimal.Zero, Validation("invalid_amount", "amount must be greater than zero")
	}
	return rounded, nil
}

// NormalizeCurrency upper-cases and validates an ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", Validation("currency_required", "currency is required")
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", Validation("invalid_currency", "currency must be an ISO 4217 code")
	}
	return unit.String(), nil
}
