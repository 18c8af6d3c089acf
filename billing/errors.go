/*
errors.go - Centralized error types for the billing domain

PURPOSE:
  All domain error types in one place. The API layer maps these onto HTTP
  statuses; workflows wrap them with additional context where useful.

ERROR CATEGORIES:
  1. Validation errors - caller-fixable business rule violations
  2. Dependency errors - collaborator failures that abort the transaction
  3. Not-found errors

  Integrity findings (hash-chain mismatch, sequence gaps) are NOT errors:
  they describe state, not an in-flight failure, and are returned as
  structured reports by the compliance package.

USAGE:
  if errors.Is(err, billing.ErrCreditExceedsRemaining) { ... }

  var exceeded *billing.CreditExceedsRemainingError
  if errors.As(err, &exceeded) {
      // exceeded.Requested, exceeded.Remaining
  }
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCreditExceedsRemaining is returned when a requested credit amount
	// exceeds what remains creditable on the invoice. Never silently clamped.
	ErrCreditExceedsRemaining = errors.New("credit amount exceeds remaining creditable amount")

	// ErrInvoiceDraft is returned when crediting or cancelling an invoice
	// that has not been finalized yet.
	ErrInvoiceDraft = errors.New("invoice is a draft")

	// ErrInvoiceNotDraft is returned when finalizing or editing an invoice
	// that has already left draft.
	ErrInvoiceNotDraft = errors.New("invoice already finalized")

	// ErrAlreadyCancelled is returned when cancelling a cancelled invoice.
	ErrAlreadyCancelled = errors.New("invoice already cancelled")

	// ErrFullyCredited is returned when no creditable amount remains.
	ErrFullyCredited = errors.New("invoice fully credited")

	// ErrInvalidTransition is returned on a status change the document
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvoiceNotFound / ErrCreditNoteNotFound identify missing documents.
	ErrInvoiceNotFound    = errors.New("invoice not found")
	ErrCreditNoteNotFound = errors.New("credit note not found")

	// ErrNoItems is returned when a document would carry no lines.
	ErrNoItems = errors.New("document has no items")

	// ErrDocumentContent is returned when requested document content is
	// invalid: a line selection naming an unknown item, or a quantity
	// outside what the invoice carries.
	ErrDocumentContent = errors.New("invalid document content")
)

// =============================================================================
// STRUCTURED ERRORS - Carry the violated quantities
// =============================================================================

// CreditExceedsRemainingError reports how much was requested against how
// much remains creditable, so callers can render an actionable message.
type CreditExceedsRemainingError struct {
	InvoiceID string
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *CreditExceedsRemainingError) Error() string {
	return fmt.Sprintf("credit amount %s exceeds remaining creditable amount %s on invoice %s",
		e.Requested.StringFixed(2), e.Remaining.StringFixed(2), e.InvoiceID)
}

func (e *CreditExceedsRemainingError) Unwrap() error {
	return ErrCreditExceedsRemaining
}

// TransitionError reports a rejected lifecycle transition with both states.
type TransitionError struct {
	DocumentID string
	From       string
	To         string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition document %s from %s to %s", e.DocumentID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input
// and should surface as a 4xx rather than a 5xx.
func IsClientError(err error) bool {
	return errors.Is(err, ErrCreditExceedsRemaining) ||
		errors.Is(err, ErrInvoiceDraft) ||
		errors.Is(err, ErrInvoiceNotDraft) ||
		errors.Is(err, ErrAlreadyCancelled) ||
		errors.Is(err, ErrFullyCredited) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNoItems)
}

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrCreditNoteNotFound)
}
