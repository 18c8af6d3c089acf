package billing

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY HELPERS - All monetary arithmetic goes through decimal.Decimal
// =============================================================================

var hundred = decimal.NewFromInt(100)

// TaxOn derives the tax amount for a net amount at a percent rate,
// rounded to two decimal places (line subtotal x rate / 100).
func TaxOn(net, ratePercent decimal.Decimal) decimal.Decimal {
	return net.Mul(ratePercent).Div(hundred).Round(2)
}

// FormatAmount renders an amount with exactly two decimal digits and a dot
// separator, the statutory export format.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// MustDecimal parses a stored decimal string, returning zero on failure.
// Stored values are written by this engine, so a parse failure means the
// row was tampered with; zero keeps reads total while the compliance
// validator reports the damage.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// SumLineTotals returns (subtotal, tax, total) for a set of invoice items.
func SumLineTotals(items []InvoiceItem) (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	subtotal := decimal.Zero
	tax := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.Subtotal())
		tax = tax.Add(it.TaxAmount())
	}
	return subtotal, tax, subtotal.Add(tax)
}
