/*
store.go - Persistence interfaces for financial documents

PURPOSE:
  Defines the interface between the domain logic and the database. The
  store persists invoices, credit notes and the audit trail while keeping
  the mutation discipline the legal invariants require.

MUTATION DISCIPLINE:
  - invoice_audit_logs is APPEND-ONLY: no update, no delete, ever.
  - Finalized fields (number, sequence, hash) are written exactly once.
  - The only status mutations exposed are explicit lifecycle transitions
    that check the expected current status, so a lost update can never
    skip a state.
  - Sequence assignment (MaxSequence + the insert that uses it) must run
    inside WithTx so concurrent finalizations for one tenant serialize.

READ SIDE:
  The compliance validator and the ledger exporter use only read methods
  and may run concurrently with writers; they never observe a partial
  transaction.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite (same SQL works on PostgreSQL with
    minor dialect changes)

SEE ALSO:
  - chain: consumes SequenceSource during document finalization
  - store/sqlite/sqlite.go: concrete implementation
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

// Store persists the three document tables. All methods are tenant-scoped.
type Store interface {
	InvoiceStore
	CreditNoteStore
	AuditLogStore
	SequenceSource
}

// InvoiceStore handles invoice rows and their items.
type InvoiceStore interface {
	// CreateInvoice inserts a draft invoice together with its items.
	CreateInvoice(ctx context.Context, inv *Invoice) error

	// GetInvoice loads an invoice with items. Returns ErrInvoiceNotFound.
	GetInvoice(ctx context.Context, tenantID, id string) (*Invoice, error)

	// ListInvoices returns all invoices for a tenant, items included,
	// newest first.
	ListInvoices(ctx context.Context, tenantID string) ([]Invoice, error)

	// FinalizeInvoice writes number, sequence number, hash and previous
	// hash and moves the invoice from draft to sent. Fails with
	// ErrInvoiceNotDraft if the row is no longer a draft.
	FinalizeInvoice(ctx context.Context, inv *Invoice) error

	// TransitionInvoice moves an invoice from one status to another,
	// failing with ErrInvalidTransition if the stored status differs
	// from the expected one. Cancellation metadata is written when the
	// target status is cancelled.
	TransitionInvoice(ctx context.Context, tenantID, id string, from, to InvoiceStatus, cancelledAt *time.Time, reason string) error

	// InvoicesInPeriod returns finalized invoices whose issue date falls
	// in [from, to], ordered by sequence number.
	InvoicesInPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]Invoice, error)

	// FinalizedInvoicesByYear returns finalized invoices issued in the
	// given year ordered by sequence number, for chain verification.
	FinalizedInvoicesByYear(ctx context.Context, tenantID string, year int) ([]Invoice, error)

	// SequenceNumbers returns all assigned sequence numbers for a tenant
	// and family, ascending.
	SequenceNumbers(ctx context.Context, tenantID string, family DocFamily) ([]int64, error)
}

// CreditNoteStore handles credit note rows and their items.
type CreditNoteStore interface {
	// CreateCreditNote inserts a credit note together with its items.
	CreateCreditNote(ctx context.Context, cn *CreditNote) error

	// GetCreditNote loads a credit note with items. Returns
	// ErrCreditNoteNotFound.
	GetCreditNote(ctx context.Context, tenantID, id string) (*CreditNote, error)

	// CreditNotesForInvoice returns all credit notes recorded against an
	// invoice, oldest first.
	CreditNotesForInvoice(ctx context.Context, tenantID, invoiceID string) ([]CreditNote, error)

	// CreditedTotal sums the totals of issued and applied credit notes
	// against an invoice. Draft credit notes do not count.
	CreditedTotal(ctx context.Context, tenantID, invoiceID string) (decimal.Decimal, error)

	// TransitionCreditNote moves a credit note between statuses with the
	// same expected-status check as TransitionInvoice.
	TransitionCreditNote(ctx context.Context, tenantID, id string, from, to CreditNoteStatus) error

	// CreditNotesInPeriod returns non-draft credit notes dated within
	// [from, to], ordered by sequence number.
	CreditNotesInPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]CreditNote, error)
}

// AuditLogStore is the append-only audit trail. There is no update and no
// delete; corrections are new entries.
type AuditLogStore interface {
	// AppendAuditLog inserts one audit row. This is the ONLY write.
	AppendAuditLog(ctx context.Context, entry *AuditLog) error

	// AuditLogsForInvoice returns the trail for one invoice, oldest first.
	AuditLogsForInvoice(ctx context.Context, tenantID, invoiceID string) ([]AuditLog, error)

	// AuditLogsForInvoices returns the combined trail for a batch of
	// invoices, oldest first.
	AuditLogsForInvoices(ctx context.Context, tenantID string, invoiceIDs []string) ([]AuditLog, error)
}

// SequenceSource provides what the hash chain needs to link a new document:
// the highest assigned sequence number and the hash stored at a sequence.
type SequenceSource interface {
	// MaxSequence returns the highest assigned sequence number for the
	// tenant and family, or 0 when none exists.
	MaxSequence(ctx context.Context, tenantID string, family DocFamily) (int64, error)

	// HashAtSequence returns the stored hash of the document holding the
	// given sequence number. Returns ("", nil) when no such row exists;
	// the compliance validator reports the resulting broken link.
	HashAtSequence(ctx context.Context, tenantID string, family DocFamily, seq int64) (string, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support. Every multi-table mutation
// (finalization, credit note creation, cancellation) runs through WithTx:
// either every row commits or none does.
type TxStore interface {
	Store

	// WithTx executes fn within a database transaction. The Store passed
	// to fn is transaction-scoped; its reads see uncommitted writes of
	// the same transaction and its sequence reads serialize against
	// concurrent finalizations for the same tenant.
	WithTx(ctx context.Context, fn func(Store) error) error
}
