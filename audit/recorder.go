/*
Package audit writes the immutable trail documenting invoice transitions.

PURPOSE:
  Every state-changing action on an invoice (creation, send, payment,
  cancellation, modification via credit note) produces exactly one audit
  row, digitally fingerprinted so later tampering is detectable.

TRANSACTION DISCIPLINE:
  Record always runs against the transaction-scoped store of the mutation
  it documents. If the surrounding transaction rolls back, the audit row
  disappears with it; an audit entry never exists without the change it
  describes, and no change commits without its entry.

SIGNATURE:
  signature = SHA-256(compact JSON{invoice_id, action, changes, timestamp})
  The changes map is serialized with sorted keys (encoding/json sorts map
  keys), so re-deriving the signature from the stored row is stable.

SIDE EFFECTS:
  None beyond the insert. The recorder does not notify or emit events.
*/
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/facturio/billing-engine/billing"
)

// Recorder appends signed audit entries.
type Recorder struct {
	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// NewRecorder creates a recorder using wall-clock time.
func NewRecorder() *Recorder {
	return &Recorder{Now: time.Now}
}

// Record appends one audit entry for the given action. The store must be
// the transaction-scoped store of the surrounding business mutation.
func (r *Recorder) Record(ctx context.Context, store billing.AuditLogStore, actor billing.ActorContext, invoiceID string, action billing.AuditAction, changes map[string]any) (*billing.AuditLog, error) {
	now := r.Now().UTC()

	sig, err := Signature(invoiceID, action, changes, now)
	if err != nil {
		return nil, fmt.Errorf("computing audit signature: %w", err)
	}

	entry := &billing.AuditLog{
		ID:        uuid.NewString(),
		TenantID:  actor.TenantID,
		InvoiceID: invoiceID,
		Action:    action,
		Signature: sig,
		Timestamp: now,
		ActorID:   actor.UserID,
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
		Changes:   changes,
	}

	if err := store.AppendAuditLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("appending audit entry: %w", err)
	}
	return entry, nil
}

// Signature computes the fingerprint over the action payload and
// timestamp. Exported so verification can re-derive it from a stored row.
func Signature(invoiceID string, action billing.AuditAction, changes map[string]any, at time.Time) (string, error) {
	payload := struct {
		InvoiceID string         `json:"invoice_id"`
		Action    string         `json:"action"`
		Changes   map[string]any `json:"changes,omitempty"`
		Timestamp string         `json:"timestamp"`
	}{
		InvoiceID: invoiceID,
		Action:    string(action),
		Changes:   changes,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Verify re-derives the signature of a stored entry and reports whether
// it matches, detecting post-insert tampering.
func Verify(entry billing.AuditLog) (bool, error) {
	expected, err := Signature(entry.InvoiceID, entry.Action, entry.Changes, entry.Timestamp)
	if err != nil {
		return false, err
	}
	return expected == entry.Signature, nil
}
