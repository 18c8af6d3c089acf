/*
Package invoice drives the invoice lifecycle: draft -> sent -> paid/cancelled.

PURPOSE:
  Creation and finalization are the write path that feeds the tenant's
  hash chain. A draft is freely editable and carries no number, sequence
  or hash; finalization assigns all three inside one transaction and from
  then on the invoice is immutable ledger history.

STATE MACHINE (monetary-relevant subset):
  draft -> sent -> {paid, cancelled}
  paid and cancelled are terminal for the ledger: further monetary change
  happens only via credit notes. cancelled is reachable only through the
  credit note workflow, never by a direct status edit here.

EVERY TRANSITION IS AUDITED:
  created, sent and paid entries are written by this package, inside the
  same transaction as the change they document.

SEE ALSO:
  - creditnote: reversal and cancellation
  - chain: sequence/hash assignment used during finalization
*/
package invoice

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
// SERVICE
// =============================================================================

// Service owns invoice lifecycle mutations.
type Service struct {
	store    billing.TxStore
	recorder *audit.Recorder
	log      zerolog.Logger

	// Now is overridable for deterministic tests.
	Now func() time.Time
}

// NewService creates an invoice service over a transactional store.
func NewService(store billing.TxStore, recorder *audit.Recorder, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		recorder: recorder,
		log:      log,
		Now:      time.Now,
	}
}

// ItemInput is one requested invoice line.
type ItemInput struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	TaxRate     decimal.Decimal
}

// DraftInput describes a new draft invoice.
type DraftInput struct {
	ClientID  string
	IssueDate time.Time
	DueDate   *time.Time
	Currency  string
	Items     []ItemInput
}

// =============================================================================
// LIFECYCLE OPERATIONS
// =============================================================================

// CreateDraft creates an invoice in draft with totals derived from its
// items, and writes the `created` audit entry in the same transaction.
func (s *Service) CreateDraft(ctx context.Context, actor billing.ActorContext, in DraftInput) (*billing.Invoice, error) {
	if len(in.Items) == 0 {
		return nil, billing.ErrNoItems
	}

	now := s.Now().UTC()
	inv := &billing.Invoice{
		ID:        uuid.NewString(),
		TenantID:  actor.TenantID,
		ClientID:  in.ClientID,
		IssueDate: in.IssueDate,
		DueDate:   in.DueDate,
		Currency:  in.Currency,
		Status:    billing.InvoiceDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if inv.Currency == "" {
		inv.Currency = "EUR"
	}

	for i, item := range in.Items {
		inv.Items = append(inv.Items, billing.InvoiceItem{
			ID:          uuid.NewString(),
			InvoiceID:   inv.ID,
			Position:    i + 1,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TaxRate:     item.TaxRate,
		})
	}
	inv.Subtotal, inv.TaxAmount, inv.Total = billing.SumLineTotals(inv.Items)

	err := s.store.WithTx(ctx, func(tx billing.Store) error {
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		_, err := s.recorder.Record(ctx, tx, actor, inv.ID, billing.AuditCreated, map[string]any{
			"client_id": inv.ClientID,
			"total":     inv.Total.StringFixed(2),
			"currency":  inv.Currency,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("invoice_id", inv.ID).
		Str("tenant_id", inv.TenantID).
		Str("total", inv.Total.StringFixed(2)).
		Msg("invoice draft created")
	return inv, nil
}

// Finalize moves a draft to sent: assigns the tenant's next sequence
// number, links and computes the hash, fixes the human-facing number and
// writes the `sent` audit entry. One transaction; concurrent
// finalizations for a tenant serialize on the store.
func (s *Service) Finalize(ctx context.Context, actor billing.ActorContext, invoiceID string) (*billing.Invoice, error) {
	var inv *billing.Invoice

	err := s.store.WithTx(ctx, func(tx billing.Store) error {
		var err error
		inv, err = tx.GetInvoice(ctx, actor.TenantID, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != billing.InvoiceDraft {
			return billing.ErrInvoiceNotDraft
		}

		doc := chain.InvoiceDocument(inv)
		if err := chain.NewAssigner(tx).Assign(ctx, &doc); err != nil {
			return err
		}
		inv.Number = doc.Number
		inv.SequenceNumber = doc.SequenceNumber
		inv.Hash = doc.Hash
		inv.PreviousHash = doc.PreviousHash

		if err := tx.FinalizeInvoice(ctx, inv); err != nil {
			return err
		}
		inv.Status = billing.InvoiceSent

		_, err = s.recorder.Record(ctx, tx, actor, inv.ID, billing.AuditSent, map[string]any{
			"number":          inv.Number,
			"sequence_number": inv.SequenceNumber,
			"hash":            inv.Hash,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("invoice_id", inv.ID).
		Str("number", inv.Number).
		Int64("sequence", inv.SequenceNumber).
		Msg("invoice finalized")
	return inv, nil
}

// MarkPaid records payment on a sent invoice. Terminal with respect to
// the ledger.
func (s *Service) MarkPaid(ctx context.Context, actor billing.ActorContext, invoiceID string) (*billing.Invoice, error) {
	var inv *billing.Invoice

	err := s.store.WithTx(ctx, func(tx billing.Store) error {
		var err error
		inv, err = tx.GetInvoice(ctx, actor.TenantID, invoiceID)
		if err != nil {
			return err
		}

		if err := tx.TransitionInvoice(ctx, actor.TenantID, invoiceID,
			billing.InvoiceSent, billing.InvoicePaid, nil, ""); err != nil {
			return err
		}
		inv.Status = billing.InvoicePaid

		_, err = s.recorder.Record(ctx, tx, actor, inv.ID, billing.AuditPaid, map[string]any{
			"number": inv.Number,
			"total":  inv.Total.StringFixed(2),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("invoice_id", inv.ID).Str("number", inv.Number).Msg("invoice paid")
	return inv, nil
}

// Get loads one invoice.
func (s *Service) Get(ctx context.Context, actor billing.ActorContext, invoiceID string) (*billing.Invoice, error) {
	return s.store.GetInvoice(ctx, actor.TenantID, invoiceID)
}

// List returns the tenant's invoices, newest first.
func (s *Service) List(ctx context.Context, actor billing.ActorContext) ([]billing.Invoice, error) {
	return s.store.ListInvoices(ctx, actor.TenantID)
}

// AuditTrail returns the audit entries for one invoice, oldest first.
func (s *Service) AuditTrail(ctx context.Context, actor billing.ActorContext, invoiceID string) ([]billing.AuditLog, error) {
	if _, err := s.store.GetInvoice(ctx, actor.TenantID, invoiceID); err != nil {
		return nil, err
	}
	return s.store.AuditLogsForInvoice(ctx, actor.TenantID, invoiceID)
}
