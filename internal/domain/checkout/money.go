package checkout

import "github.com/shopspring/decimal"

// MinorUnitPlaces is the number of decimals of the configured currency.
const MinorUnitPlaces = 2

// DefaultCurrency matches the currency the farms are paid out in.
const DefaultCurrency = "PHP"

// RoundingTolerance is one minor unit.
var RoundingTolerance = decimal.New(1, -MinorUnitPlaces)

// RoundMinor rounds half away from zero to the minor unit, which is half-up
// for the non-negative amounts handled here.
func RoundMinor(d decimal.Decimal) decimal.Decimal {
	return d.Round(MinorUnitPlaces)
}

// FormatAmount renders an amount the way the payment authority expects it.
func FormatAmount(d decimal.Decimal) string {
	return RoundMinor(d).StringFixed(MinorUnitPlaces)
}

// WithinTolerance reports whether a and b differ by at most one minor unit.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(RoundingTolerance)
}
