/*
Package fec renders a tenant's finalized documents as a statutory
accounting export: one flat file, 18 pipe-separated columns per entry
line, CRLF line endings, deterministic output.

PURPOSE:
  The export is what a tax auditor receives. Every finalized invoice
  books as a balanced journal entry (receivable against revenue and
  output tax), every credit note as its mirror image, and the audit
  variant appends zero-amount suspense lines that anchor the audit trail
  into the file. Two exports over the same data are byte-identical.

FORMAT:
  JournalCode|JournalLib|EcritureNum|EcritureDate|CompteNum|CompteLib|
  CompAuxNum|CompAuxLib|PieceRef|PieceDate|EcritureLib|Debit|Credit|
  EcritureLet|DateLet|ValidDate|Montantdevise|Idevise

  Dates are YYYYMMDD, amounts have two decimals, and field values are
  sanitized: the pipe separator, line breaks, tabs and non-printable
  bytes never appear inside a field. The file can optionally be
  re-encoded to ISO-8859-15 for legacy ingestion tools.
*/
package fec

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/facturio/billing-engine/billing"
)

// =============================================================================
// ENTRY
// =============================================================================

// Entry is one line of the export, one column per field.
type Entry struct {
	JournalCode   string
	JournalLib    string
	EcritureNum   string
	EcritureDate  time.Time
	CompteNum     string
	CompteLib     string
	CompAuxNum    string
	CompAuxLib    string
	PieceRef      string
	PieceDate     time.Time
	EcritureLib   string
	Debit         decimal.Decimal
	Credit        decimal.Decimal
	EcritureLet   string
	DateLet       string
	ValidDate     time.Time
	Montantdevise string
	Idevise       string
}

const (
	dateFormat = "20060102"
	fieldCount = 18
	maxField   = 255
)

var header = strings.Join([]string{
	"JournalCode", "JournalLib", "EcritureNum", "EcritureDate",
	"CompteNum", "CompteLib", "CompAuxNum", "CompAuxLib",
	"PieceRef", "PieceDate", "EcritureLib", "Debit", "Credit",
	"EcritureLet", "DateLet", "ValidDate", "Montantdevise", "Idevise",
}, "|")

func (e Entry) fields() [fieldCount]string {
	return [fieldCount]string{
		sanitize(e.JournalCode),
		sanitize(e.JournalLib),
		sanitize(e.EcritureNum),
		e.EcritureDate.Format(dateFormat),
		sanitize(e.CompteNum),
		sanitize(e.CompteLib),
		sanitize(e.CompAuxNum),
		sanitize(e.CompAuxLib),
		sanitize(e.PieceRef),
		e.PieceDate.Format(dateFormat),
		sanitize(e.EcritureLib),
		billing.FormatAmount(e.Debit),
		billing.FormatAmount(e.Credit),
		sanitize(e.EcritureLet),
		sanitize(e.DateLet),
		e.ValidDate.Format(dateFormat),
		sanitize(e.Montantdevise),
		sanitize(e.Idevise),
	}
}

// sanitize strips everything that would corrupt the flat file: the pipe
// separator, line breaks, tabs and other non-printables. Fields longer
// than 255 runes are truncated.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if r == '|' || r == '\r' || r == '\n' || r == '\t' || !unicode.IsPrint(r) {
			continue
		}
		b.WriteRune(r)
		n++
		if n == maxField {
			break
		}
	}
	return b.String()
}

// =============================================================================
// ACCOUNT PLAN
// =============================================================================

// AccountPlan maps document amounts to general ledger accounts. The
// zero value is not usable; DefaultAccountPlan carries the standard
// service-business chart.
type AccountPlan struct {
	Receivable    string // client receivable, debited on invoice
	ReceivableLib string
	Revenue       string // service revenue, credited on invoice
	RevenueLib    string
	OutputTax     string // collected tax, credited on invoice
	OutputTaxLib  string
	Suspense      string // zero-amount audit anchor lines
	SuspenseLib   string
}

// DefaultAccountPlan books services against the standard accounts.
func DefaultAccountPlan() AccountPlan {
	return AccountPlan{
		Receivable:    "411000",
		ReceivableLib: "Clients",
		Revenue:       "706000",
		RevenueLib:    "Prestations de services",
		OutputTax:     "445710",
		OutputTaxLib:  "TVA collectee",
		Suspense:      "471000",
		SuspenseLib:   "Compte d'attente",
	}
}

const (
	journalSales      = "VT"
	journalSalesLib   = "Ventes"
	journalCredits    = "AV"
	journalCreditsLib = "Avoirs"
	journalAudit      = "OD"
	journalAuditLib   = "Operations diverses"
)

// =============================================================================
// BUILDER
// =============================================================================

// Reader is the read-only store surface the builder needs.
type Reader interface {
	GetInvoice(ctx context.Context, tenantID, id string) (*billing.Invoice, error)
	InvoicesInPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]billing.Invoice, error)
	CreditNotesForInvoice(ctx context.Context, tenantID, invoiceID string) ([]billing.CreditNote, error)
	CreditNotesInPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]billing.CreditNote, error)
	AuditLogsForInvoices(ctx context.Context, tenantID string, invoiceIDs []string) ([]billing.AuditLog, error)
}

// Builder assembles export entries for one tenant.
type Builder struct {
	store Reader
	plan  AccountPlan
}

// NewBuilder creates a builder with the given account plan.
func NewBuilder(store Reader, plan AccountPlan) *Builder {
	return &Builder{store: store, plan: plan}
}

// Build returns the export entries for every finalized document dated
// in [from, to], ordered by entry date then by document number. The
// period export carries booking lines only, never audit lines. Output
// is deterministic for identical data.
func (b *Builder) Build(ctx context.Context, tenantID string, from, to time.Time) ([]Entry, error) {
	invoices, err := b.store.InvoicesInPeriod(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("invoices in period: %w", err)
	}
	creditNotes, err := b.store.CreditNotesInPeriod(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("credit notes in period: %w", err)
	}

	var entries []Entry
	for i := range invoices {
		entries = append(entries, b.invoiceEntries(&invoices[i])...)
	}
	for i := range creditNotes {
		entries = append(entries, b.creditNoteEntries(&creditNotes[i])...)
	}
	return sorted(entries), nil
}

// BuildForInvoices returns the export entries for a batch of invoices
// plus every credit note issued against them, optionally followed by
// zero-amount suspense lines anchoring the audit trail. This is the
// single-document and batch variant of the export.
func (b *Builder) BuildForInvoices(ctx context.Context, tenantID string, invoiceIDs []string, includeAudit bool) ([]Entry, error) {
	var entries []Entry
	numbers := make(map[string]string, len(invoiceIDs))
	for _, id := range invoiceIDs {
		inv, err := b.store.GetInvoice(ctx, tenantID, id)
		if err != nil {
			return nil, fmt.Errorf("invoice %s: %w", id, err)
		}
		if !inv.Finalized() {
			continue // drafts have nothing to book
		}
		numbers[inv.ID] = inv.Number
		entries = append(entries, b.invoiceEntries(inv)...)

		notes, err := b.store.CreditNotesForInvoice(ctx, tenantID, id)
		if err != nil {
			return nil, fmt.Errorf("credit notes for %s: %w", id, err)
		}
		for i := range notes {
			if notes[i].Status == billing.CreditNoteDraft {
				continue
			}
			entries = append(entries, b.creditNoteEntries(&notes[i])...)
		}
	}

	if includeAudit && len(numbers) > 0 {
		ids := make([]string, 0, len(numbers))
		for _, id := range invoiceIDs {
			if _, ok := numbers[id]; ok {
				ids = append(ids, id)
			}
		}
		logs, err := b.store.AuditLogsForInvoices(ctx, tenantID, ids)
		if err != nil {
			return nil, fmt.Errorf("audit logs: %w", err)
		}
		for _, entry := range logs {
			entries = append(entries, b.auditEntry(entry, numbers[entry.InvoiceID]))
		}
	}
	return sorted(entries), nil
}

// sorted orders by entry date, stable so same-date lines keep the
// invoices, credit notes, audit insertion order.
func sorted(entries []Entry) []Entry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EcritureDate.Before(entries[j].EcritureDate)
	})
	return entries
}

// invoiceEntries books one invoice: debit the receivable for the gross
// total, credit revenue for the net and output tax for the tax. The tax
// line is omitted when no tax is due, so the entry always balances.
func (b *Builder) invoiceEntries(inv *billing.Invoice) []Entry {
	base := Entry{
		JournalCode:  journalSales,
		JournalLib:   journalSalesLib,
		EcritureNum:  inv.Number,
		EcritureDate: inv.IssueDate,
		PieceRef:     inv.Number,
		PieceDate:    inv.IssueDate,
		EcritureLib:  "Facture " + inv.Number,
		ValidDate:    inv.IssueDate,
		Idevise:      inv.Currency,
	}

	receivable := base
	receivable.CompteNum = b.plan.Receivable
	receivable.CompteLib = b.plan.ReceivableLib
	receivable.CompAuxNum = inv.ClientID
	receivable.CompAuxLib = inv.ClientID
	receivable.Debit = inv.Total
	receivable.Montantdevise = billing.FormatAmount(inv.Total)

	revenue := base
	revenue.CompteNum = b.plan.Revenue
	revenue.CompteLib = b.plan.RevenueLib
	revenue.Credit = inv.Subtotal
	revenue.Montantdevise = billing.FormatAmount(inv.Subtotal)

	entries := []Entry{receivable, revenue}
	if inv.TaxAmount.IsPositive() {
		tax := base
		tax.CompteNum = b.plan.OutputTax
		tax.CompteLib = b.plan.OutputTaxLib
		tax.Credit = inv.TaxAmount
		tax.Montantdevise = billing.FormatAmount(inv.TaxAmount)
		entries = append(entries, tax)
	}
	return entries
}

// creditNoteEntries mirrors the invoice booking: credit the receivable,
// debit revenue and output tax.
func (b *Builder) creditNoteEntries(cn *billing.CreditNote) []Entry {
	base := Entry{
		JournalCode:  journalCredits,
		JournalLib:   journalCreditsLib,
		EcritureNum:  cn.Number,
		EcritureDate: cn.Date,
		PieceRef:     cn.Number,
		PieceDate:    cn.Date,
		EcritureLib:  "Avoir " + cn.Number,
		ValidDate:    cn.Date,
		Idevise:      cn.Currency,
	}

	receivable := base
	receivable.CompteNum = b.plan.Receivable
	receivable.CompteLib = b.plan.ReceivableLib
	receivable.CompAuxNum = cn.ClientID
	receivable.CompAuxLib = cn.ClientID
	receivable.Credit = cn.Total
	receivable.Montantdevise = billing.FormatAmount(cn.Total)

	revenue := base
	revenue.CompteNum = b.plan.Revenue
	revenue.CompteLib = b.plan.RevenueLib
	revenue.Debit = cn.Subtotal
	revenue.Montantdevise = billing.FormatAmount(cn.Subtotal)

	entries := []Entry{receivable, revenue}
	if cn.TaxAmount.IsPositive() {
		tax := base
		tax.CompteNum = b.plan.OutputTax
		tax.CompteLib = b.plan.OutputTaxLib
		tax.Debit = cn.TaxAmount
		tax.Montantdevise = billing.FormatAmount(cn.TaxAmount)
		entries = append(entries, tax)
	}
	return entries
}

// auditActionLibs translates audit action codes into the entry labels
// carried on suspense lines.
var auditActionLibs = map[billing.AuditAction]string{
	billing.AuditCreated:   "Creation de facture",
	billing.AuditSent:      "Envoi de facture",
	billing.AuditPaid:      "Paiement de facture",
	billing.AuditCancelled: "Annulation de facture",
	billing.AuditModified:  "Modification de facture",
}

func auditActionLib(action billing.AuditAction) string {
	if lib, ok := auditActionLibs[action]; ok {
		return lib
	}
	return "Action " + string(action)
}

// auditEntry anchors one audit row into the export as a zero-amount
// suspense line. The signature rides in EcritureLib so the file alone
// is enough to cross-check the trail.
func (b *Builder) auditEntry(log billing.AuditLog, invoiceNumber string) Entry {
	day := log.Timestamp.UTC().Truncate(24 * time.Hour)
	return Entry{
		JournalCode:  journalAudit,
		JournalLib:   journalAuditLib,
		EcritureNum:  invoiceNumber,
		EcritureDate: day,
		CompteNum:    b.plan.Suspense,
		CompteLib:    b.plan.SuspenseLib,
		PieceRef:     invoiceNumber,
		PieceDate:    day,
		EcritureLib:  fmt.Sprintf("%s %s", auditActionLib(log.Action), log.Signature),
		Debit:        decimal.Zero,
		Credit:       decimal.Zero,
		ValidDate:    day,
	}
}

// =============================================================================
// RENDERING
// =============================================================================

// Render writes the header and entries as the pipe-separated flat file,
// CRLF-terminated, UTF-8.
func Render(entries []Entry) []byte {
	var buf bytes.Buffer
	buf.WriteString(header)
	buf.WriteString("\r\n")
	for _, e := range entries {
		f := e.fields()
		buf.WriteString(strings.Join(f[:], "|"))
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// RenderLatin re-encodes the rendered file to ISO-8859-15 for ingestion
// tools that predate UTF-8. Characters outside the charset are replaced
// with the encoder's substitute byte rather than failing the export.
func RenderLatin(entries []Entry) ([]byte, error) {
	enc := encoding.ReplaceUnsupported(charmap.ISO8859_15.NewEncoder())
	return enc.Bytes(Render(entries))
}

// Balanced reports whether debits equal credits within each journal
// entry (grouped by EcritureNum) and across the whole export.
func Balanced(entries []Entry) bool {
	perEntry := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for _, e := range entries {
		delta := e.Debit.Sub(e.Credit)
		perEntry[e.EcritureNum] = perEntry[e.EcritureNum].Add(delta)
		total = total.Add(delta)
	}
	for _, delta := range perEntry {
		if !delta.IsZero() {
			return false
		}
	}
	return total.IsZero()
}
