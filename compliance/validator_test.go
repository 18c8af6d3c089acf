package compliance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturio/billing-engine/billing"
	"github.com/facturio/billing-engine/chain"
)

// stubReader serves canned documents to the validator.
type stubReader struct {
	sequences map[billing.DocFamily][]int64
	invoices  []billing.Invoice
	notes     []billing.CreditNote
}

func (s *stubReader) SequenceNumbers(_ context.Context, _ string, family billing.DocFamily) ([]int64, error) {
	return s.sequences[family], nil
}

func (s *stubReader) FinalizedInvoicesByYear(_ context.Context, _ string, _ int) ([]billing.Invoice, error) {
	return s.invoices, nil
}

func (s *stubReader) CreditNotesInPeriod(_ context.Context, _ string, _, _ time.Time) ([]billing.CreditNote, error) {
	return s.notes, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// finalizedInvoice builds an invoice whose hash is consistent with its
// canonical fields and chained onto prevHash.
func finalizedInvoice(seq int64, prevHash string) billing.Invoice {
	inv := billing.Invoice{
		ID:             fmt.Sprintf("inv-%d", seq),
		TenantID:       "tenant-a",
		ClientID:       "client-1",
		SequenceNumber: seq,
		IssueDate:      time.Date(2026, 3, int(seq), 0, 0, 0, 0, time.UTC),
		Currency:       "EUR",
		Subtotal:       dec("100.00"),
		TaxAmount:      dec("20.00"),
		Total:          dec("120.00"),
		Status:         billing.InvoiceSent,
		PreviousHash:   prevHash,
	}
	inv.Number = chain.DocumentNumber(billing.FamilyInvoice, inv.IssueDate, seq)
	inv.Hash = chain.Hash(chain.InvoiceDocument(&inv))
	return inv
}

// =============================================================================
// SEQUENTIAL NUMBERING
// =============================================================================

func TestCheckSequentialNumbering_CleanSequences(t *testing.T) {
	v := NewValidator(&stubReader{sequences: map[billing.DocFamily][]int64{
		billing.FamilyInvoice:    {1, 2, 3},
		billing.FamilyCreditNote: {1},
	}})

	gaps, err := v.CheckSequentialNumbering(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestCheckSequentialNumbering_ReportsHoles(t *testing.T) {
	// GIVEN invoice sequence [1, 2, 5] and an empty credit note chain
	v := NewValidator(&stubReader{sequences: map[billing.DocFamily][]int64{
		billing.FamilyInvoice: {1, 2, 5},
	}})

	gaps, err := v.CheckSequentialNumbering(context.Background(), "tenant-a")
	require.NoError(t, err)

	// THEN one gap from 2 to 5, missing 3 and 4
	require.Len(t, gaps, 1)
	assert.Equal(t, billing.FamilyInvoice, gaps[0].Family)
	assert.Equal(t, int64(2), gaps[0].From)
	assert.Equal(t, int64(5), gaps[0].To)
	assert.Equal(t, 2, gaps[0].MissingCount)
	assert.Equal(t, []int64{3, 4}, gaps[0].Missing)
}

func TestCheckSequentialNumbering_ChainNotStartingAtOne(t *testing.T) {
	v := NewValidator(&stubReader{sequences: map[billing.DocFamily][]int64{
		billing.FamilyInvoice: {3, 4},
	}})

	gaps, err := v.CheckSequentialNumbering(context.Background(), "tenant-a")
	require.NoError(t, err)

	require.Len(t, gaps, 1)
	assert.Equal(t, int64(0), gaps[0].From)
	assert.Equal(t, []int64{1, 2}, gaps[0].Missing)
}

func TestCheckSequentialNumbering_BothFamiliesChecked(t *testing.T) {
	v := NewValidator(&stubReader{sequences: map[billing.DocFamily][]int64{
		billing.FamilyInvoice:    {1, 3},
		billing.FamilyCreditNote: {1, 4},
	}})

	gaps, err := v.CheckSequentialNumbering(context.Background(), "tenant-a")
	require.NoError(t, err)

	require.Len(t, gaps, 2)
	assert.Equal(t, billing.FamilyInvoice, gaps[0].Family)
	assert.Equal(t, billing.FamilyCreditNote, gaps[1].Family)
	assert.Equal(t, []int64{2, 3}, gaps[1].Missing)
}

// =============================================================================
// HASH CHAIN
// =============================================================================

func TestCheckHashChain_IntactChainIsClean(t *testing.T) {
	first := finalizedInvoice(1, "")
	second := finalizedInvoice(2, first.Hash)
	third := finalizedInvoice(3, second.Hash)
	v := NewValidator(&stubReader{invoices: []billing.Invoice{first, second, third}})

	issues, err := v.CheckHashChain(context.Background(), "tenant-a", 2026)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestCheckHashChain_DetectsTamperedAmount(t *testing.T) {
	first := finalizedInvoice(1, "")
	second := finalizedInvoice(2, first.Hash)
	// Tamper with the stored total after hashing.
	second.Total = dec("999.00")
	v := NewValidator(&stubReader{invoices: []billing.Invoice{first, second}})

	issues, err := v.CheckHashChain(context.Background(), "tenant-a", 2026)
	require.NoError(t, err)

	require.Len(t, issues, 1)
	assert.Equal(t, issueHashMismatch, issues[0].Kind)
	assert.Equal(t, int64(2), issues[0].SequenceNumber)
	assert.Equal(t, second.Hash, issues[0].StoredHash)
	assert.NotEqual(t, issues[0].StoredHash, issues[0].ExpectedHash)
}

func TestCheckHashChain_DetectsBrokenLink(t *testing.T) {
	first := finalizedInvoice(1, "")
	second := finalizedInvoice(2, "deadbeef") // wrong predecessor hash
	v := NewValidator(&stubReader{invoices: []billing.Invoice{first, second}})

	issues, err := v.CheckHashChain(context.Background(), "tenant-a", 2026)
	require.NoError(t, err)

	require.Len(t, issues, 1)
	assert.Equal(t, issueHashMismatch, issues[0].Kind)
	assert.Equal(t, "deadbeef", issues[0].StoredHash)
	assert.Equal(t, first.Hash, issues[0].ExpectedHash)
}

func TestCheckHashChain_MissingDocumentInTheMiddle(t *testing.T) {
	first := finalizedInvoice(1, "")
	second := finalizedInvoice(2, first.Hash)
	fourth := finalizedInvoice(4, "unverifiable")
	v := NewValidator(&stubReader{invoices: []billing.Invoice{first, second, fourth}})

	issues, err := v.CheckHashChain(context.Background(), "tenant-a", 2026)
	require.NoError(t, err)

	require.Len(t, issues, 1)
	assert.Equal(t, issueMissingDocument, issues[0].Kind)
	assert.Equal(t, int64(4), issues[0].SequenceNumber)
}

func TestCheckHashChain_OneCorruptionDoesNotCascade(t *testing.T) {
	first := finalizedInvoice(1, "")
	second := finalizedInvoice(2, first.Hash)
	third := finalizedInvoice(3, second.Hash)
	// Corrupt the middle document's stored data only. Its stored hash
	// still matches what the third invoice links to.
	second.ClientID = "someone-else"
	v := NewValidator(&stubReader{invoices: []billing.Invoice{first, second, third}})

	issues, err := v.CheckHashChain(context.Background(), "tenant-a", 2026)
	require.NoError(t, err)

	require.Len(t, issues, 1)
	assert.Equal(t, int64(2), issues[0].SequenceNumber)
}

func TestCheckHashChain_CreditNotesWalkedIndependently(t *testing.T) {
	inv := finalizedInvoice(1, "")
	cn := billing.CreditNote{
		ID:             "cn-1",
		TenantID:       "tenant-a",
		ClientID:       "client-1",
		InvoiceID:      inv.ID,
		SequenceNumber: 1,
		Date:           time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Currency:       "EUR",
		Subtotal:       dec("100.00"),
		TaxAmount:      dec("20.00"),
		Total:          dec("120.00"),
		Status:         billing.CreditNoteIssued,
	}
	cn.Number = chain.DocumentNumber(billing.FamilyCreditNote, cn.Date, 1)
	cn.Hash = chain.Hash(chain.CreditNoteDocument(&cn))
	v := NewValidator(&stubReader{
		invoices: []billing.Invoice{inv},
		notes:    []billing.CreditNote{cn},
	})

	issues, err := v.CheckHashChain(context.Background(), "tenant-a", 2026)
	require.NoError(t, err)
	assert.Empty(t, issues)

	// Tampering with the credit note surfaces under its own family.
	cn.Total = dec("500.00")
	v = NewValidator(&stubReader{
		invoices: []billing.Invoice{inv},
		notes:    []billing.CreditNote{cn},
	})
	issues, err = v.CheckHashChain(context.Background(), "tenant-a", 2026)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, billing.FamilyCreditNote, issues[0].Family)
}

// =============================================================================
// DOCUMENT COMPLIANCE
// =============================================================================

func fullProfile() TenantProfile {
	return TenantProfile{
		LegalName:          "Facturio SARL",
		RegistrationNumber: "123456789",
		VATNumber:          "FR12345678901",
	}
}

func TestCheckCompliance_CleanInvoiceScoresFull(t *testing.T) {
	inv := finalizedInvoice(1, "")
	inv.Items = []billing.InvoiceItem{{
		ID: "item-1", InvoiceID: inv.ID, Position: 1,
		Description: "Consulting",
		Quantity:    dec("10"), UnitPrice: dec("10.00"), TaxRate: dec("20"),
	}}
	due := inv.IssueDate.AddDate(0, 1, 0)
	inv.DueDate = &due

	report := NewValidator(nil).CheckCompliance(&inv, fullProfile())

	assert.Equal(t, 100, report.Score)
	assert.Empty(t, report.Issues)
	assert.True(t, report.Compliant)
}

func TestCheckCompliance_MissingDueDateIsInfoOnly(t *testing.T) {
	inv := finalizedInvoice(1, "")
	inv.Items = []billing.InvoiceItem{{
		ID: "item-1", InvoiceID: inv.ID, Position: 1,
		Description: "Consulting",
		Quantity:    dec("10"), UnitPrice: dec("10.00"), TaxRate: dec("20"),
	}}

	report := NewValidator(nil).CheckCompliance(&inv, fullProfile())

	assert.True(t, report.Compliant)
	assert.Equal(t, 100, report.Score, "info notes carry no penalty")
	require.Len(t, report.Issues, 1)
	assert.Equal(t, SeverityInfo, report.Issues[0].Severity)
}

func TestCheckCompliance_ScoringAndSeverities(t *testing.T) {
	inv := finalizedInvoice(1, "")
	inv.Items = []billing.InvoiceItem{{
		ID: "item-1", InvoiceID: inv.ID, Position: 1,
		Description: "Consulting",
		Quantity:    dec("10"), UnitPrice: dec("10.00"), TaxRate: dec("20"),
	}}
	due := inv.IssueDate.AddDate(0, 0, -5)
	inv.DueDate = &due // warning: due before issue

	profile := fullProfile()
	profile.RegistrationNumber = "" // error
	profile.VATNumber = ""          // warning: tax charged, no VAT number

	report := NewValidator(nil).CheckCompliance(&inv, profile)

	assert.Equal(t, 100-10-2-2, report.Score)
	assert.Len(t, report.Issues, 3)
	assert.False(t, report.Compliant)
}

func TestCheckCompliance_ExemptTenantChargingTax(t *testing.T) {
	inv := finalizedInvoice(1, "")
	inv.Items = []billing.InvoiceItem{{
		ID: "item-1", InvoiceID: inv.ID, Position: 1,
		Description: "Consulting",
		Quantity:    dec("10"), UnitPrice: dec("10.00"), TaxRate: dec("20"),
	}}
	profile := fullProfile()
	profile.VATExempt = true

	report := NewValidator(nil).CheckCompliance(&inv, profile)

	require.False(t, report.Compliant)
	var fields []string
	for _, issue := range report.Issues {
		fields = append(fields, issue.Field)
	}
	assert.Contains(t, fields, "tax_amount")
}

func TestCheckCompliance_InconsistentTotals(t *testing.T) {
	inv := finalizedInvoice(1, "")
	inv.Items = []billing.InvoiceItem{{
		ID: "item-1", InvoiceID: inv.ID, Position: 1,
		Description: "Consulting",
		Quantity:    dec("10"), UnitPrice: dec("10.00"), TaxRate: dec("20"),
	}}
	inv.Total = dec("130.00") // no longer subtotal + tax, and hash breaks

	report := NewValidator(nil).CheckCompliance(&inv, fullProfile())

	require.False(t, report.Compliant)
	byField := map[string]bool{}
	for _, issue := range report.Issues {
		byField[issue.Field] = true
	}
	assert.True(t, byField["total"], "arithmetic rule should fire")
	assert.True(t, byField["hash"], "integrity rule should fire")
}

func TestCheckCompliance_ScoreFloorsAtZero(t *testing.T) {
	inv := billing.Invoice{Status: billing.InvoiceSent} // almost everything wrong

	report := NewValidator(nil).CheckCompliance(&inv, TenantProfile{})

	assert.GreaterOrEqual(t, report.Score, 0)
	assert.False(t, report.Compliant)
}

func TestCheckCompliance_DraftsSkipFinalizationRules(t *testing.T) {
	inv := billing.Invoice{
		ID:        "inv-draft",
		TenantID:  "tenant-a",
		ClientID:  "client-1",
		IssueDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Currency:  "EUR",
		Subtotal:  dec("100.00"),
		TaxAmount: dec("20.00"),
		Total:     dec("120.00"),
		Status:    billing.InvoiceDraft,
		Items: []billing.InvoiceItem{{
			ID: "item-1", Position: 1, Description: "Consulting",
			Quantity: dec("10"), UnitPrice: dec("10.00"), TaxRate: dec("20"),
		}},
	}

	report := NewValidator(nil).CheckCompliance(&inv, fullProfile())

	// No number and no hash yet, but drafts are not penalized for it.
	assert.Equal(t, 100, report.Score)
}
