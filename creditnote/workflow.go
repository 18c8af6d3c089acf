/*
Package creditnote reverses finalized invoices without ever mutating them.

PURPOSE:
  Once an invoice is finalized it is ledger history: its amounts, number
  and hash never change. The only legal way to reduce what a client owes
  is a credit note, a negative-direction document with its own sequence
  and hash chain. This package implements that workflow: full credits,
  partial (line-selected) credits, and invoice cancellation expressed as
  a full credit plus a status change.

INVARIANT:
  The sum of issued credit notes for an invoice never exceeds the
  invoice total. Validation happens inside the same transaction that
  creates the credit note, so two concurrent partial credits cannot both
  slip under the limit.

NUMBERING:
  Credit notes draw from their own per-tenant sequence (AV- prefix) and
  chain independently from invoices.
*/
package creditnote

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/facturio/billing-engine/audit"
	"github.com/facturio/billing-engine/billing"
	"github.com/facturio/billing-engine/chain"
)

// =============================================================================
// WORKFLOW
// =============================================================================

// Workflow owns credit note creation and invoice cancellation.
type Workflow struct {
	store    billing.TxStore
	recorder *audit.Recorder
	log      zerolog.Logger

	// Now is overridable for deterministic tests.
	Now func() time.Time
}

// NewWorkflow creates a credit note workflow over a transactional store.
func NewWorkflow(store billing.TxStore, recorder *audit.Recorder, log zerolog.Logger) *Workflow {
	return &Workflow{
		store:    store,
		recorder: recorder,
		log:      log,
		Now:      time.Now,
	}
}

// LineSelection picks part of one invoice line for a partial credit.
// Quantity may be lower than the invoiced quantity but never higher;
// zero means the full invoiced quantity.
type LineSelection struct {
	ItemID   string
	Quantity decimal.Decimal
}

// CreateInput describes a requested credit note.
type CreateInput struct {
	InvoiceID string
	Reason    string
	IssueDate time.Time

	// Lines selects items for a partial credit. Empty means full credit.
	Lines []LineSelection
}

// =============================================================================
// OPERATIONS
// =============================================================================

// CreateFromInvoice creates a credit note against a finalized invoice.
// With no line selection the credit mirrors the whole invoice; with a
// selection it covers the chosen quantities at the invoiced unit prices
// and tax rates. The cumulative-credit check, sequence assignment,
// persistence and the `modified` audit entry on the invoice happen in
// one transaction; the note comes out `issued` so it counts toward the
// credited sum immediately.
func (w *Workflow) CreateFromInvoice(ctx context.Context, actor billing.ActorContext, in CreateInput) (*billing.CreditNote, error) {
	var cn *billing.CreditNote

	err := w.store.WithTx(ctx, func(tx billing.Store) error {
		inv, err := tx.GetInvoice(ctx, actor.TenantID, in.InvoiceID)
		if err != nil {
			return err
		}
		cn, err = w.createInTx(ctx, tx, actor, inv, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	w.log.Info().
		Str("credit_note_id", cn.ID).
		Str("number", cn.Number).
		Str("invoice_id", cn.InvoiceID).
		Str("total", cn.Total.StringFixed(2)).
		Msg("credit note created")
	return cn, nil
}

// CancelInvoice cancels a finalized invoice by issuing a full credit
// note for its remaining uncredited amount and marking the invoice
// cancelled, atomically. The creation path writes its usual `modified`
// entry and the cancellation adds a distinct `cancelled` entry, so one
// cancellation leaves exactly two new audit rows. A second cancellation
// fails; a fully credited invoice cannot be cancelled again through new
// credit.
func (w *Workflow) CancelInvoice(ctx context.Context, actor billing.ActorContext, invoiceID, reason string) (*billing.CreditNote, error) {
	var cn *billing.CreditNote

	err := w.store.WithTx(ctx, func(tx billing.Store) error {
		inv, err := tx.GetInvoice(ctx, actor.TenantID, invoiceID)
		if err != nil {
			return err
		}
		if !inv.Finalized() {
			return billing.ErrInvoiceDraft
		}
		if inv.Status == billing.InvoiceCancelled {
			return billing.ErrAlreadyCancelled
		}

		credited, err := tx.CreditedTotal(ctx, actor.TenantID, inv.ID)
		if err != nil {
			return err
		}
		remaining := inv.Total.Sub(credited)
		if remaining.LessThanOrEqual(decimal.Zero) {
			return billing.ErrFullyCredited
		}

		now := w.Now().UTC()
		if remaining.Equal(inv.Total) {
			// Nothing credited yet: mirror the invoice line by line.
			cn, err = w.createInTx(ctx, tx, actor, inv, CreateInput{
				InvoiceID: inv.ID,
				Reason:    reason,
				IssueDate: now,
			})
		} else {
			// Partially credited already: one balancing line for the rest.
			cn, err = w.issueInTx(ctx, tx, actor, inv, w.balancingCreditNote(inv, remaining, reason, now))
		}
		if err != nil {
			return err
		}

		if err := tx.TransitionInvoice(ctx, actor.TenantID, inv.ID,
			inv.Status, billing.InvoiceCancelled, &now, reason); err != nil {
			return err
		}

		_, err = w.recorder.Record(ctx, tx, actor, inv.ID, billing.AuditCancelled, map[string]any{
			"status_before":      string(inv.Status),
			"status_after":       string(billing.InvoiceCancelled),
			"credit_note_id":     cn.ID,
			"credit_note_number": cn.Number,
			"credited_amount":    cn.Total.StringFixed(2),
			"reason":             reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	w.log.Info().
		Str("invoice_id", invoiceID).
		Str("credit_note_id", cn.ID).
		Str("number", cn.Number).
		Msg("invoice cancelled via credit note")
	return cn, nil
}

// Apply marks an issued credit note as applied against the client's
// balance. Bookkeeping only: the amount already counted as credited at
// issue time.
func (w *Workflow) Apply(ctx context.Context, actor billing.ActorContext, creditNoteID string) (*billing.CreditNote, error) {
	cn, err := w.store.GetCreditNote(ctx, actor.TenantID, creditNoteID)
	if err != nil {
		return nil, err
	}
	if err := w.store.TransitionCreditNote(ctx, actor.TenantID, creditNoteID,
		billing.CreditNoteIssued, billing.CreditNoteApplied); err != nil {
		return nil, err
	}
	cn.Status = billing.CreditNoteApplied
	return cn, nil
}

// Get loads one credit note.
func (w *Workflow) Get(ctx context.Context, actor billing.ActorContext, creditNoteID string) (*billing.CreditNote, error) {
	return w.store.GetCreditNote(ctx, actor.TenantID, creditNoteID)
}

// ForInvoice returns the credit notes issued against one invoice.
func (w *Workflow) ForInvoice(ctx context.Context, actor billing.ActorContext, invoiceID string) ([]billing.CreditNote, error) {
	if _, err := w.store.GetInvoice(ctx, actor.TenantID, invoiceID); err != nil {
		return nil, err
	}
	return w.store.CreditNotesForInvoice(ctx, actor.TenantID, invoiceID)
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateCreditAmount checks that crediting `requested` on top of
// `alreadyCredited` stays within the invoice total. Pure function; the
// workflow calls it inside the creation transaction but it is exported
// for pre-flight checks in UIs and imports.
func ValidateCreditAmount(inv *billing.Invoice, alreadyCredited, requested decimal.Decimal) error {
	if requested.LessThanOrEqual(decimal.Zero) {
		return billing.ErrCreditExceedsRemaining
	}
	remaining := inv.Total.Sub(alreadyCredited)
	if requested.GreaterThan(remaining) {
		return &billing.CreditExceedsRemainingError{
			InvoiceID: inv.ID,
			Requested: requested,
			Remaining: remaining,
		}
	}
	return nil
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

// createInTx runs the whole creation path inside the caller's
// transaction: precondition checks, totals, the over-credit guard,
// sequence assignment, persistence and the `modified` audit entry.
func (w *Workflow) createInTx(ctx context.Context, tx billing.Store, actor billing.ActorContext, inv *billing.Invoice, in CreateInput) (*billing.CreditNote, error) {
	if !inv.Finalized() {
		return nil, billing.ErrInvoiceDraft
	}
	cn, err := w.buildCreditNote(inv, in)
	if err != nil {
		return nil, err
	}
	return w.issueInTx(ctx, tx, actor, inv, cn)
}

// issueInTx validates, chains, persists and audits an already built
// credit note.
func (w *Workflow) issueInTx(ctx context.Context, tx billing.Store, actor billing.ActorContext, inv *billing.Invoice, cn *billing.CreditNote) (*billing.CreditNote, error) {
	credited, err := tx.CreditedTotal(ctx, actor.TenantID, inv.ID)
	if err != nil {
		return nil, err
	}
	if err := ValidateCreditAmount(inv, credited, cn.Total); err != nil {
		return nil, err
	}

	doc := chain.CreditNoteDocument(cn)
	if err := chain.NewAssigner(tx).Assign(ctx, &doc); err != nil {
		return nil, err
	}
	cn.Number = doc.Number
	cn.SequenceNumber = doc.SequenceNumber
	cn.Hash = doc.Hash
	cn.PreviousHash = doc.PreviousHash
	cn.Status = billing.CreditNoteIssued

	if err := tx.CreateCreditNote(ctx, cn); err != nil {
		return nil, err
	}

	_, err = w.recorder.Record(ctx, tx, actor, inv.ID, billing.AuditModified, map[string]any{
		"credit_note_id":     cn.ID,
		"credit_note_number": cn.Number,
		"credited_amount":    cn.Total.StringFixed(2),
		"reason":             cn.Reason,
	})
	if err != nil {
		return nil, err
	}
	return cn, nil
}

func (w *Workflow) buildCreditNote(inv *billing.Invoice, in CreateInput) (*billing.CreditNote, error) {
	now := w.Now().UTC()
	issueDate := in.IssueDate
	if issueDate.IsZero() {
		issueDate = now
	}

	cn := &billing.CreditNote{
		ID:        uuid.NewString(),
		TenantID:  inv.TenantID,
		InvoiceID: inv.ID,
		ClientID:  inv.ClientID,
		Date:      issueDate,
		Currency:  inv.Currency,
		Reason:    in.Reason,
		Status:    billing.CreditNoteDraft,
		CreatedAt: now,
	}

	if len(in.Lines) == 0 {
		// Full credit mirrors the invoice line by line.
		for _, item := range inv.Items {
			cn.Items = append(cn.Items, billing.CreditNoteItem{
				ID:           uuid.NewString(),
				CreditNoteID: cn.ID,
				Position:     item.Position,
				Description:  item.Description,
				Quantity:     item.Quantity,
				UnitPrice:    item.UnitPrice,
				TaxRate:      item.TaxRate,
			})
		}
		cn.Subtotal = inv.Subtotal
		cn.TaxAmount = inv.TaxAmount
		cn.Total = inv.Total
		return cn, nil
	}

	byID := make(map[string]billing.InvoiceItem, len(inv.Items))
	for _, item := range inv.Items {
		byID[item.ID] = item
	}

	subtotal := decimal.Zero
	tax := decimal.Zero
	for i, sel := range in.Lines {
		item, ok := byID[sel.ItemID]
		if !ok {
			return nil, billing.ErrDocumentContent
		}
		qty := sel.Quantity
		if qty.IsZero() {
			// No override: credit the full invoiced quantity.
			qty = item.Quantity
		}
		if qty.LessThanOrEqual(decimal.Zero) || qty.GreaterThan(item.Quantity) {
			return nil, billing.ErrDocumentContent
		}

		lineNet := qty.Mul(item.UnitPrice).Round(2)
		lineTax := billing.TaxOn(lineNet, item.TaxRate)
		subtotal = subtotal.Add(lineNet)
		tax = tax.Add(lineTax)

		cn.Items = append(cn.Items, billing.CreditNoteItem{
			ID:           uuid.NewString(),
			CreditNoteID: cn.ID,
			Position:     i + 1,
			Description:  item.Description,
			Quantity:     qty,
			UnitPrice:    item.UnitPrice,
			TaxRate:      item.TaxRate,
		})
	}

	cn.Subtotal = subtotal
	cn.TaxAmount = tax
	cn.Total = subtotal.Add(tax)
	return cn, nil
}

// balancingCreditNote covers the uncredited remainder of a partially
// credited invoice with a single line. Net and tax are split in the
// invoice's own proportions so the credit books against the same
// accounts.
func (w *Workflow) balancingCreditNote(inv *billing.Invoice, remaining decimal.Decimal, reason string, now time.Time) *billing.CreditNote {
	cn := &billing.CreditNote{
		ID:        uuid.NewString(),
		TenantID:  inv.TenantID,
		InvoiceID: inv.ID,
		ClientID:  inv.ClientID,
		Date:      now,
		Currency:  inv.Currency,
		Reason:    reason,
		Status:    billing.CreditNoteDraft,
		CreatedAt: now,
	}

	net := remaining
	tax := decimal.Zero
	if inv.Total.IsPositive() && inv.TaxAmount.IsPositive() {
		net = remaining.Mul(inv.Subtotal).Div(inv.Total).Round(2)
		tax = remaining.Sub(net)
	}

	rate := decimal.Zero
	if net.IsPositive() && tax.IsPositive() {
		rate = tax.Mul(decimal.NewFromInt(100)).Div(net).Round(2)
	}

	cn.Items = []billing.CreditNoteItem{{
		ID:           uuid.NewString(),
		CreditNoteID: cn.ID,
		Position:     1,
		Description:  "Remaining balance on " + inv.Number,
		Quantity:     decimal.NewFromInt(1),
		UnitPrice:    net,
		TaxRate:      rate,
	}}
	cn.Subtotal = net
	cn.TaxAmount = tax
	cn.Total = remaining
	return cn
}
