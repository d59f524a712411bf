package ledger

import "github.com/shopspring/decimal"

// Scale is the number of decimal places mass is kept at (grams).
const Scale = 3

var (
	thousand = decimal.NewFromInt(1000)
	hundred  = decimal.NewFromInt(100)
)

// Kg returns v kilograms rounded to the gram.
func Kg(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(Scale)
}

// Round normalises a mass to the gram.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// FromTonnes converts a tonne figure into kilograms.
func FromTonnes(t decimal.Decimal) decimal.Decimal {
	return t.Mul(thousand).Round(Scale)
}

// Share returns pct percent of qty rounded to the gram.
func Share(qty, pct decimal.Decimal) decimal.Decimal {
	return qty.Mul(pct).Div(hundred).Round(Scale)
}
