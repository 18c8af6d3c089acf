/*
Package billing contains the core domain model of the accounting-integrity
engine.

PURPOSE:
  This package defines the financial documents that form the legally
  admissible record of a tenant's billing activity: invoices, the credit
  notes that reverse them, and the audit trail that documents every state
  change. It also defines the storage interfaces the rest of the engine
  is written against.

KEY CONCEPTS IN THIS FILE (types.go):
  - Invoice / InvoiceItem: One billing document and its immutable lines
  - CreditNote / CreditNoteItem: Full or partial reversal of one invoice
  - AuditLog: Append-only, signed record of a state transition
  - ActorContext: Explicit identity of who performed an action
  - DocFamily: Which tenant-scoped sequence space a document belongs to

DESIGN PRINCIPLES:
  1. Immutability: A finalized document is never edited, only reversed
  2. Precision: decimal.Decimal for all money, never float64
  3. Explicitness: Tenant and actor travel as values, not hidden globals
  4. Retention: Statuses instead of deletion - legal retention forbids
     removing financial records

SEE ALSO:
  - errors.go: Sentinel and structured errors for this domain
  - store.go: Persistence interfaces (Store, TxStore)
  - money.go: Decimal helpers shared by totals computation and export
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DOCUMENT FAMILIES - Tenant-scoped sequence spaces
// =============================================================================

// DocFamily identifies which gapless sequence a document draws its number
// from. Invoices and credit notes chain independently.
type DocFamily string

const (
	FamilyInvoice    DocFamily = "invoice"
	FamilyCreditNote DocFamily = "credit_note"
)

// NumberPrefix returns the human-facing document number prefix for a family.
func (f DocFamily) NumberPrefix() string {
	switch f {
	case FamilyCreditNote:
		return "AV"
	default:
		return "FA"
	}
}

// =============================================================================
// ACTOR CONTEXT - Who performed an action, passed explicitly everywhere
// =============================================================================

// ActorContext carries the identity behind a workflow call. There are no
// ambient session lookups in this engine: every mutation receives the
// tenant and user it acts for.
type ActorContext struct {
	TenantID  string
	UserID    string
	IPAddress string
	UserAgent string
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Invoice is one billing document.
//
// INVARIANTS:
//   - A draft carries no number, sequence number or hash, and cannot be
//     credited or cancelled.
//   - Number, SequenceNumber, Hash and PreviousHash are assigned exactly
//     once, when the invoice leaves draft, and never mutated afterward.
//   - Once sent, monetary change happens only through credit notes.
type Invoice struct {
	ID       string
	TenantID string
	ClientID string

	Number         string // human-facing, assigned at finalization
	SequenceNumber int64  // tenant-scoped, gapless; 0 while draft

	IssueDate time.Time
	DueDate   *time.Time

	Currency  string
	Subtotal  decimal.Decimal
	TaxAmount decimal.Decimal
	Total     decimal.Decimal

	Status InvoiceStatus

	Hash         string // SHA-256 over the canonical field set, fixed at finalization
	PreviousHash string // hash of the previous invoice in the tenant's chain

	CancelledAt        *time.Time
	CancellationReason string

	Items []InvoiceItem

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Finalized reports whether the invoice has left draft and is part of the
// immutable ledger history.
func (i *Invoice) Finalized() bool {
	return i.Status != InvoiceDraft
}

// InvoiceItem is one billed line, owned exclusively by its invoice and
// immutable once the invoice leaves draft.
type InvoiceItem struct {
	ID          string
	InvoiceID   string
	Position    int // 1-based ordinal
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	TaxRate     decimal.Decimal // percent, e.g. 20 for 20%
}

// Subtotal returns quantity x unit price for the line.
func (it InvoiceItem) Subtotal() decimal.Decimal {
	return it.Quantity.Mul(it.UnitPrice)
}

// TaxAmount returns the tax derived from the line's rate.
func (it InvoiceItem) TaxAmount() decimal.Decimal {
	return TaxOn(it.Subtotal(), it.TaxRate)
}

// =============================================================================
// CREDIT NOTE
// =============================================================================

type CreditNoteStatus string

const (
	CreditNoteDraft   CreditNoteStatus = "draft"
	CreditNoteIssued  CreditNoteStatus = "issued"
	CreditNoteApplied CreditNoteStatus = "applied"
)

// CountsAsCredited reports whether a credit note in this status counts
// toward an invoice's cumulative credited amount.
func (s CreditNoteStatus) CountsAsCredited() bool {
	return s == CreditNoteIssued || s == CreditNoteApplied
}

// CreditNote reverses all or part of exactly one invoice.
//
// INVARIANT: Total never exceeds the invoice total minus the totals of all
// issued/applied credit notes already recorded against that invoice. The
// check runs inside the same transaction that creates the credit note.
type CreditNote struct {
	ID        string
	TenantID  string
	ClientID  string
	InvoiceID string

	Number         string
	SequenceNumber int64

	Date   time.Time
	Reason string

	Currency  string
	Subtotal  decimal.Decimal
	TaxAmount decimal.Decimal
	Total     decimal.Decimal

	Status CreditNoteStatus

	Hash         string
	PreviousHash string

	Items []CreditNoteItem

	CreatedAt time.Time
}

// CreditNoteItem mirrors the invoice line it reverses, at the original
// unit price and tax rate, possibly with an adjusted quantity.
type CreditNoteItem struct {
	ID           string
	CreditNoteID string
	Position     int
	Description  string
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	TaxRate      decimal.Decimal
}

func (it CreditNoteItem) Subtotal() decimal.Decimal {
	return it.Quantity.Mul(it.UnitPrice)
}

func (it CreditNoteItem) TaxAmount() decimal.Decimal {
	return TaxOn(it.Subtotal(), it.TaxRate)
}

// =============================================================================
// AUDIT LOG - Append-only, one row per transition
// =============================================================================

type AuditAction string

const (
	AuditCreated   AuditAction = "created"
	AuditSent      AuditAction = "sent"
	AuditPaid      AuditAction = "paid"
	AuditCancelled AuditAction = "cancelled"
	AuditModified  AuditAction = "modified"
)

// AuditLog is one immutable record of a state-changing action on an
// invoice. Rows are never updated or deleted after insert, and are always
// written inside the same transaction as the change they document.
type AuditLog struct {
	ID        string
	TenantID  string
	InvoiceID string
	Action    AuditAction
	Signature string // SHA-256 over the action payload + timestamp
	Timestamp time.Time
	ActorID   string
	IPAddress string
	UserAgent string
	Changes   map[string]any // free-form structured payload
}
