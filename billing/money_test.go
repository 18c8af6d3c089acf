package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestFormatAmount_TwoFixedDecimals(t *testing.T) {
	cases := map[string]string{
		"0":       "0.00",
		"100":     "100.00",
		"99.9":    "99.90",
		"12.345":  "12.35",
		"-45.678": "-45.68",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatAmount(dec(in)))
	}
}

func TestTaxOn_RoundsToCents(t *testing.T) {
	assert.Equal(t, "20.00", TaxOn(dec("100.00"), dec("20")).StringFixed(2))
	// 58.34 x 20% = 11.668, rounded half-up to 11.67.
	assert.Equal(t, "11.67", TaxOn(dec("58.34"), dec("20")).StringFixed(2))
	assert.Equal(t, "0.00", TaxOn(dec("100.00"), decimal.Zero).StringFixed(2))
}

func TestMustDecimal_ZeroOnDamage(t *testing.T) {
	assert.True(t, MustDecimal("42.50").Equal(dec("42.50")))
	assert.True(t, MustDecimal("not-a-number").IsZero())
}

func TestSumLineTotals(t *testing.T) {
	items := []InvoiceItem{
		{Quantity: dec("10"), UnitPrice: dec("10.00"), TaxRate: dec("20")},
		{Quantity: dec("2"), UnitPrice: dec("25.00"), TaxRate: dec("5.5")},
	}

	subtotal, tax, total := SumLineTotals(items)
	assert.Equal(t, "150.00", subtotal.StringFixed(2))
	assert.Equal(t, "22.75", tax.StringFixed(2))
	assert.Equal(t, "172.75", total.StringFixed(2))
}
