/*
Package compliance verifies the integrity guarantees the rest of the
engine is supposed to uphold, without ever writing anything.

PURPOSE:
  Three read-only checks, run on demand or before a statutory export:

  1. Sequential numbering: each tenant/family sequence is gapless from 1.
  2. Hash chain: every finalized document's hash recomputes from its
     canonical fields and links to its predecessor.
  3. Document compliance: a rule table over one invoice plus the
     tenant's legal profile, producing field-level issues and a score.

  A clean run is the evidence an auditor asks for; a dirty run pinpoints
  exactly which document broke which guarantee.
*/
package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturio/billing-engine/billing"
	"github.com/facturio/billing-engine/chain"
)

// =============================================================================
// VALIDATOR
// =============================================================================

// Reader is the read-only store surface the validator needs.
type Reader interface {
	SequenceNumbers(ctx context.Context, tenantID string, family billing.DocFamily) ([]int64, error)
	FinalizedInvoicesByYear(ctx context.Context, tenantID string, year int) ([]billing.Invoice, error)
	CreditNotesInPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]billing.CreditNote, error)
}

// Validator runs integrity checks against a store. It never writes.
type Validator struct {
	store Reader
}

func NewValidator(store Reader) *Validator {
	return &Validator{store: store}
}

// =============================================================================
// SEQUENTIAL NUMBERING
// =============================================================================

// SequenceGap is one hole in a tenant's document numbering: sequence
// numbers strictly between From and To that were never assigned.
type SequenceGap struct {
	Family       billing.DocFamily `json:"family"`
	From         int64             `json:"from"`
	To           int64             `json:"to"`
	MissingCount int               `json:"missing_count"`
	Missing      []int64           `json:"missing"`
}

// CheckSequentialNumbering reports every gap in the tenant's invoice
// and credit note sequences. Each family must run 1, 2, 3, ... with no
// holes; a sequence like [1, 2, 5] yields one gap from 2 to 5 missing
// 3 and 4. An empty family is trivially clean.
func (v *Validator) CheckSequentialNumbering(ctx context.Context, tenantID string) ([]SequenceGap, error) {
	var gaps []SequenceGap
	for _, family := range []billing.DocFamily{billing.FamilyInvoice, billing.FamilyCreditNote} {
		seqs, err := v.store.SequenceNumbers(ctx, tenantID, family)
		if err != nil {
			return nil, fmt.Errorf("sequence numbers for %s: %w", family, err)
		}
		gaps = append(gaps, gapsIn(family, seqs)...)
	}
	return gaps, nil
}

// gapsIn finds holes in an ascending sequence list. A chain that does
// not start at 1 is a gap from 0 to the first assigned number.
func gapsIn(family billing.DocFamily, seqs []int64) []SequenceGap {
	var gaps []SequenceGap
	prev := int64(0)
	for _, seq := range seqs {
		if seq > prev+1 {
			gap := SequenceGap{Family: family, From: prev, To: seq}
			for missing := prev + 1; missing < seq; missing++ {
				gap.Missing = append(gap.Missing, missing)
			}
			gap.MissingCount = len(gap.Missing)
			gaps = append(gaps, gap)
		}
		prev = seq
	}
	return gaps
}

// =============================================================================
// HASH CHAIN
// =============================================================================

// ChainIssue is one broken link in a tenant's hash chain.
type ChainIssue struct {
	Family         billing.DocFamily `json:"family"`
	SequenceNumber int64             `json:"sequence_number"`
	Number         string            `json:"number"`
	Kind           string            `json:"kind"` // hash_mismatch or missing_document
	StoredHash     string            `json:"stored_hash"`
	ExpectedHash   string            `json:"expected_hash"`
}

const (
	// issueHashMismatch covers both a hash that does not recompute from
	// its document and a previous_hash that does not match the
	// predecessor; StoredHash and ExpectedHash say which.
	issueHashMismatch = "hash_mismatch"
	// issueMissingDocument marks a hole inside the walked chain: the
	// predecessor a document should link to was never found.
	issueMissingDocument = "missing_document"
)

// CheckHashChain recomputes every finalized document hash for one
// tenant and year and verifies each link to its predecessor. Both
// families are walked independently. A recompute failure on document N
// does not stop the walk: later links are still checked against the
// stored hashes, so one corrupted row surfaces as exactly one
// hash_mismatch rather than cascading.
func (v *Validator) CheckHashChain(ctx context.Context, tenantID string, year int) ([]ChainIssue, error) {
	invoices, err := v.store.FinalizedInvoicesByYear(ctx, tenantID, year)
	if err != nil {
		return nil, fmt.Errorf("finalized invoices: %w", err)
	}
	docs := make([]chain.Document, 0, len(invoices))
	for i := range invoices {
		docs = append(docs, chain.InvoiceDocument(&invoices[i]))
	}
	issues := walkChain(billing.FamilyInvoice, docs)

	from := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
	creditNotes, err := v.store.CreditNotesInPeriod(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("credit notes: %w", err)
	}
	docs = docs[:0]
	for i := range creditNotes {
		if creditNotes[i].SequenceNumber > 0 {
			docs = append(docs, chain.CreditNoteDocument(&creditNotes[i]))
		}
	}
	issues = append(issues, walkChain(billing.FamilyCreditNote, docs)...)
	return issues, nil
}

// walkChain expects docs ascending by sequence number.
func walkChain(family billing.DocFamily, docs []chain.Document) []ChainIssue {
	var issues []ChainIssue
	prevHash := ""
	prevSeq := int64(0)
	for i, doc := range docs {
		recomputed := chain.Hash(doc)
		if doc.Hash != recomputed {
			issues = append(issues, ChainIssue{
				Family:         family,
				SequenceNumber: doc.SequenceNumber,
				Number:         doc.Number,
				Kind:           issueHashMismatch,
				StoredHash:     doc.Hash,
				ExpectedHash:   recomputed,
			})
		}
		switch {
		case i > 0 && doc.SequenceNumber > prevSeq+1:
			// The direct predecessor is gone; the link cannot verify.
			issues = append(issues, ChainIssue{
				Family:         family,
				SequenceNumber: doc.SequenceNumber,
				Number:         doc.Number,
				Kind:           issueMissingDocument,
				StoredHash:     doc.PreviousHash,
			})
		case i > 0 && doc.PreviousHash != prevHash:
			issues = append(issues, ChainIssue{
				Family:         family,
				SequenceNumber: doc.SequenceNumber,
				Number:         doc.Number,
				Kind:           issueHashMismatch,
				StoredHash:     doc.PreviousHash,
				ExpectedHash:   prevHash,
			})
		}
		prevHash = doc.Hash
		prevSeq = doc.SequenceNumber
	}
	return issues
}

// =============================================================================
// DOCUMENT COMPLIANCE
// =============================================================================

// Severity of a compliance issue. Errors gate statutory export;
// warnings are advisory; info notes carry no penalty at all.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ComplianceIssue is one failed rule on one invoice.
type ComplianceIssue struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Category string   `json:"category"` // identification, amounts, dates, integrity
}

// ComplianceReport is the outcome of the rule table for one invoice.
// Compliant means no blocking errors; warnings and info notes may still
// be present.
type ComplianceReport struct {
	InvoiceID string            `json:"invoice_id"`
	Compliant bool              `json:"compliant"`
	Score     int               `json:"score"` // 0..100
	Issues    []ComplianceIssue `json:"issues"`
}

// TenantProfile carries the tenant's legal identity as it must appear
// on statutory documents.
type TenantProfile struct {
	LegalName          string
	RegistrationNumber string // SIREN/SIRET
	VATNumber          string
	VATExempt          bool
}

type rule struct {
	field    string
	category string
	severity Severity
	message  string
	failed   func(inv *billing.Invoice, p TenantProfile) bool
}

// ruleTable is evaluated top to bottom; every failed rule contributes
// one issue. Score starts at 100 and loses 10 per error, 2 per warning,
// nothing per info note, floored at 0.
var ruleTable = []rule{
	{
		field: "number", category: "identification", severity: SeverityError,
		message: "finalized invoice has no document number",
		failed: func(inv *billing.Invoice, _ TenantProfile) bool {
			return inv.Finalized() && inv.Number == ""
		},
	},
	{
		field: "client_id", category: "identification", severity: SeverityError,
		message: "invoice has no client",
		failed: func(inv *billing.Invoice, _ TenantProfile) bool {
			return inv.ClientID == ""
		},
	},
	{
		field: "legal_name", category: "identification", severity: SeverityError,
		message: "tenant legal name is missing",
		failed: func(_ *billing.Invoice, p TenantProfile) bool {
			return p.LegalName == ""
		},
	},
	{
		field: "registration_number", category: "identification", severity: SeverityError,
		message: "tenant registration number is missing",
		failed: func(_ *billing.Invoice, p TenantProfile) bool {
			return p.RegistrationNumber == ""
		},
	},
	{
		field: "vat_number", category: "identification", severity: SeverityWarning,
		message: "tenant charges tax but has no VAT number",
		failed: func(inv *billing.Invoice, p TenantProfile) bool {
			return !p.VATExempt && p.VATNumber == "" && inv.TaxAmount.IsPositive()
		},
	},
	{
		field: "tax_amount", category: "amounts", severity: SeverityError,
		message: "tax-exempt tenant must not charge tax",
		failed: func(inv *billing.Invoice, p TenantProfile) bool {
			return p.VATExempt && inv.TaxAmount.IsPositive()
		},
	},
	{
		field: "total", category: "amounts", severity: SeverityError,
		message: "total does not equal subtotal plus tax",
		failed: func(inv *billing.Invoice, _ TenantProfile) bool {
			return !inv.Total.Equal(inv.Subtotal.Add(inv.TaxAmount))
		},
	},
	{
		field: "total", category: "amounts", severity: SeverityError,
		message: "invoice total is negative",
		failed: func(inv *billing.Invoice, _ TenantProfile) bool {
			return inv.Total.LessThan(decimal.Zero)
		},
	},
	{
		field: "items", category: "amounts", severity: SeverityError,
		message: "totals do not match the invoice lines",
		failed: func(inv *billing.Invoice, _ TenantProfile) bool {
			if len(inv.Items) == 0 {
				return false // covered by the items rule below
			}
			subtotal, tax, _ := billing.SumLineTotals(inv.Items)
			return !subtotal.Equal(inv.Subtotal) || !tax.Equal(inv.TaxAmount)
		},
	},
	{
		field: "items", category: "amounts", severity: SeverityError,
		message: "invoice has no lines",
		failed: func(inv *billing.Invoice, _ TenantProfile) bool {
			return len(inv.Items) == 0
		},
	},
	{
		field: "issue_date", category: "dates", severity: SeverityError,
		message: "invoice has no issue date",
		failed: func(inv *billing.Invoice, _ TenantProfile) bool {
			return inv.IssueDate.IsZero()
		},
	},
	{
		field: "due_date", category: "dates", severity: SeverityWarning,
		message: "due date precedes issue date",
		failed: func(inv *billing.Invoice, _ TenantProfile) bool {
			return inv.DueDate != nil && inv.DueDate.Before(inv.IssueDate)
		},
	},
	{
		field: "due_date", category: "dates", severity: SeverityInfo,
		message: "no payment terms recorded",
		failed: func(inv *billing.Invoice, _ TenantProfile) bool {
			return inv.DueDate == nil
		},
	},
	{
		field: "currency", category: "amounts", severity: SeverityError,
		message: "invoice has no currency",
		failed: func(inv *billing.Invoice, _ TenantProfile) bool {
			return inv.Currency == ""
		},
	},
	{
		field: "hash", category: "integrity", severity: SeverityError,
		message: "finalized invoice hash does not recompute",
		failed: func(inv *billing.Invoice, _ TenantProfile) bool {
			if !inv.Finalized() {
				return false
			}
			doc := chain.InvoiceDocument(inv)
			return chain.Hash(doc) != inv.Hash
		},
	},
}

// CheckCompliance runs the rule table over one invoice.
func (v *Validator) CheckCompliance(inv *billing.Invoice, profile TenantProfile) ComplianceReport {
	report := ComplianceReport{InvoiceID: inv.ID, Compliant: true, Score: 100}
	for _, r := range ruleTable {
		if !r.failed(inv, profile) {
			continue
		}
		report.Issues = append(report.Issues, ComplianceIssue{
			Field:    r.field,
			Message:  r.message,
			Severity: r.severity,
			Category: r.category,
		})
		switch r.severity {
		case SeverityError:
			report.Compliant = false
			report.Score -= 10
		case SeverityWarning:
			report.Score -= 2
		}
	}
	if report.Score < 0 {
		report.Score = 0
	}
	return report
}
