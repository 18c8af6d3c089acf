/*
Package chain assigns document sequence numbers and tamper-evident hashes.

PURPOSE:
  Every finalized financial document gets a tenant-scoped, gapless,
  monotonically increasing sequence number and a SHA-256 hash computed
  over a canonical encoding of its immutable fields. The hash embeds the
  previous document's hash, so the per-tenant history forms an
  append-only chain: altering any historical document changes its hash
  and breaks every link after it.

CANONICALIZATION:
  The hashed field set is explicit and versioned (see canonical.go).
  ORM-style "all fields minus timestamps" hashing would silently change
  the hash whenever a column is added, breaking verification against
  historical records. Version 1 fixes the ordered list once.

CONCURRENCY:
  Assign reads then writes the tenant's sequence counter state. Callers
  MUST hold a store transaction around Assign and the insert that uses
  its result; two concurrent finalizations outside a transaction could
  assign the same sequence number or chain to a stale previous hash.

FAILURE:
  Assign trusts the immediately preceding row it just read. If that row
  is missing its hash the chain is already broken; the write proceeds
  and the compliance validator reports the break, since refusing the
  write would not repair history and would block legitimate business.

SEE ALSO:
  - canonical.go: versioned canonical payload
  - compliance: read-only verification of the chain
*/
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturio/billing-engine/billing"
)

// =============================================================================
// DOCUMENT - The fields the chain operates on
// =============================================================================

// Document carries the immutable fields of an invoice or credit note that
// participate in sequence assignment and hashing.
type Document struct {
	Family   billing.DocFamily
	TenantID string
	ClientID string

	Number         string // derived from the sequence if empty
	SequenceNumber int64

	IssueDate time.Time
	Currency  string

	Subtotal  decimal.Decimal
	TaxAmount decimal.Decimal
	Total     decimal.Decimal

	PreviousHash string
	Hash         string
}

// InvoiceDocument maps an invoice onto the chain's field set. On a draft
// the assigned fields are empty and Assign fills them; on a finalized
// invoice they carry the stored values so the hash can be re-verified.
func InvoiceDocument(inv *billing.Invoice) Document {
	return Document{
		Family:         billing.FamilyInvoice,
		TenantID:       inv.TenantID,
		ClientID:       inv.ClientID,
		Number:         inv.Number,
		SequenceNumber: inv.SequenceNumber,
		IssueDate:      inv.IssueDate,
		Currency:       inv.Currency,
		Subtotal:       inv.Subtotal,
		TaxAmount:      inv.TaxAmount,
		Total:          inv.Total,
		PreviousHash:   inv.PreviousHash,
		Hash:           inv.Hash,
	}
}

// CreditNoteDocument maps a credit note onto the chain's field set.
func CreditNoteDocument(cn *billing.CreditNote) Document {
	return Document{
		Family:         billing.FamilyCreditNote,
		TenantID:       cn.TenantID,
		ClientID:       cn.ClientID,
		Number:         cn.Number,
		SequenceNumber: cn.SequenceNumber,
		IssueDate:      cn.Date,
		Currency:       cn.Currency,
		Subtotal:       cn.Subtotal,
		TaxAmount:      cn.TaxAmount,
		Total:          cn.Total,
		PreviousHash:   cn.PreviousHash,
		Hash:           cn.Hash,
	}
}

// =============================================================================
// ASSIGNER
// =============================================================================

// Assigner allocates the next sequence number for a tenant's document
// family, links the new document to its predecessor's hash and computes
// the document's own hash.
type Assigner struct {
	source billing.SequenceSource
}

// NewAssigner creates an assigner over a sequence source. Pass the
// transaction-scoped store so the read-then-assign serializes.
func NewAssigner(source billing.SequenceSource) *Assigner {
	return &Assigner{source: source}
}

// Assign fills SequenceNumber, Number (when empty), PreviousHash and Hash
// on the document. The caller must hold the surrounding transaction.
func (a *Assigner) Assign(ctx context.Context, d *Document) error {
	max, err := a.source.MaxSequence(ctx, d.TenantID, d.Family)
	if err != nil {
		return fmt.Errorf("reading max sequence: %w", err)
	}
	d.SequenceNumber = max + 1

	if d.SequenceNumber > 1 {
		prev, err := a.source.HashAtSequence(ctx, d.TenantID, d.Family, d.SequenceNumber-1)
		if err != nil {
			return fmt.Errorf("reading previous hash: %w", err)
		}
		// An empty prev means the predecessor row is damaged. The chain is
		// already broken; verification reports it, the write goes through.
		d.PreviousHash = prev
	}

	if d.Number == "" {
		d.Number = DocumentNumber(d.Family, d.IssueDate, d.SequenceNumber)
	}

	d.Hash = Hash(*d)
	return nil
}

// DocumentNumber renders the human-facing document number, e.g.
// FA-2026-000042 for the 42nd invoice of a tenant issued in 2026.
func DocumentNumber(family billing.DocFamily, issueDate time.Time, seq int64) string {
	return fmt.Sprintf("%s-%d-%06d", family.NumberPrefix(), issueDate.Year(), seq)
}
