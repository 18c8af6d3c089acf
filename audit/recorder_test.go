package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturio/billing-engine/audit"
	"github.com/facturio/billing-engine/billing"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type memAuditStore struct {
	entries []billing.AuditLog
	fail    error
}

func (m *memAuditStore) AppendAuditLog(_ context.Context, entry *billing.AuditLog) error {
	if m.fail != nil {
		return m.fail
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memAuditStore) AuditLogsForInvoice(_ context.Context, _, invoiceID string) ([]billing.AuditLog, error) {
	var out []billing.AuditLog
	for _, e := range m.entries {
		if e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAuditStore) AuditLogsForInvoices(_ context.Context, _ string, _ []string) ([]billing.AuditLog, error) {
	return m.entries, nil
}

func fixedRecorder(at time.Time) *audit.Recorder {
	r := audit.NewRecorder()
	r.Now = func() time.Time { return at }
	return r
}

var testActor = billing.ActorContext{
	TenantID:  "tenant-1",
	UserID:    "user-7",
	IPAddress: "10.0.0.8",
	UserAgent: "facturio-test",
}

// =============================================================================
// RECORDING
// =============================================================================

func TestRecord_WritesSignedEntry(t *testing.T) {
	store := &memAuditStore{}
	at := time.Date(2026, time.April, 2, 9, 30, 0, 0, time.UTC)

	entry, err := fixedRecorder(at).Record(context.Background(), store, testActor,
		"inv-1", billing.AuditSent, map[string]any{"number": "FA-2026-000001"})
	require.NoError(t, err)

	require.Len(t, store.entries, 1)
	assert.Equal(t, "inv-1", entry.InvoiceID)
	assert.Equal(t, billing.AuditSent, entry.Action)
	assert.Equal(t, "tenant-1", entry.TenantID)
	assert.Equal(t, "user-7", entry.ActorID)
	assert.Equal(t, "10.0.0.8", entry.IPAddress)
	assert.Equal(t, at, entry.Timestamp)
	assert.Len(t, entry.Signature, 64)
	assert.NotEmpty(t, entry.ID)
}

func TestRecord_StoreFailurePropagates(t *testing.T) {
	// GIVEN: The underlying store (i.e. the surrounding transaction) fails
	// THEN: Record surfaces the failure; no orphan entry is kept

	store := &memAuditStore{fail: errors.New("transaction aborted")}

	_, err := audit.NewRecorder().Record(context.Background(), store, testActor,
		"inv-1", billing.AuditPaid, nil)

	assert.Error(t, err)
	assert.Empty(t, store.entries)
}

// =============================================================================
// SIGNATURES
// =============================================================================

func TestSignature_DeterministicAndKeyOrderIndependent(t *testing.T) {
	at := time.Date(2026, time.April, 2, 9, 30, 0, 0, time.UTC)

	a, err := audit.Signature("inv-1", billing.AuditModified,
		map[string]any{"credit_note_id": "cn-1", "amount": "60.00"}, at)
	require.NoError(t, err)

	b, err := audit.Signature("inv-1", billing.AuditModified,
		map[string]any{"amount": "60.00", "credit_note_id": "cn-1"}, at)
	require.NoError(t, err)

	assert.Equal(t, a, b, "map key order must not affect the signature")
}

func TestSignature_ChangesWithPayload(t *testing.T) {
	at := time.Date(2026, time.April, 2, 9, 30, 0, 0, time.UTC)

	base, err := audit.Signature("inv-1", billing.AuditPaid, nil, at)
	require.NoError(t, err)

	variants := []struct {
		name      string
		invoiceID string
		action    billing.AuditAction
		changes   map[string]any
		at        time.Time
	}{
		{"invoice", "inv-2", billing.AuditPaid, nil, at},
		{"action", "inv-1", billing.AuditCancelled, nil, at},
		{"changes", "inv-1", billing.AuditPaid, map[string]any{"k": "v"}, at},
		{"timestamp", "inv-1", billing.AuditPaid, nil, at.Add(time.Nanosecond)},
	}
	for _, v := range variants {
		sig, err := audit.Signature(v.invoiceID, v.action, v.changes, v.at)
		require.NoError(t, err)
		assert.NotEqual(t, base, sig, "changing %s must change the signature", v.name)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	store := &memAuditStore{}
	at := time.Date(2026, time.April, 2, 9, 30, 0, 0, time.UTC)

	entry, err := fixedRecorder(at).Record(context.Background(), store, testActor,
		"inv-1", billing.AuditCancelled, map[string]any{"reason": "duplicate order"})
	require.NoError(t, err)

	ok, err := audit.Verify(*entry)
	require.NoError(t, err)
	assert.True(t, ok, "untouched entry verifies")

	tampered := *entry
	tampered.Changes = map[string]any{"reason": "customer request"}
	ok, err = audit.Verify(tampered)
	require.NoError(t, err)
	assert.False(t, ok, "edited payload breaks the signature")
}
