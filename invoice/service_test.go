package invoice

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturio/billing-engine/audit"
	"github.com/facturio/billing-engine/billing"
	"github.com/facturio/billing-engine/store/sqlite"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, audit.NewRecorder(), zerolog.Nop())
}

func actor(tenantID string) billing.ActorContext {
	return billing.ActorContext{
		TenantID:  tenantID,
		UserID:    "user-1",
		IPAddress: "127.0.0.1",
		UserAgent: "test",
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func consultingDraft(t *testing.T, svc *Service, act billing.ActorContext) *billing.Invoice {
	t.Helper()
	inv, err := svc.CreateDraft(context.Background(), act, DraftInput{
		ClientID:  "client-1",
		IssueDate: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		Currency:  "EUR",
		Items: []ItemInput{{
			Description: "Consulting",
			Quantity:    dec("10"),
			UnitPrice:   dec("10.00"),
			TaxRate:     dec("20"),
		}},
	})
	require.NoError(t, err)
	return inv
}

func TestCreateDraft_DerivesTotalsFromItems(t *testing.T) {
	svc := newTestService(t)
	act := actor("tenant-a")

	// GIVEN a draft with 10 x 10.00 at 20% tax
	inv := consultingDraft(t, svc, act)

	// THEN totals come from the lines, not the caller
	assert.Equal(t, "100.00", inv.Subtotal.StringFixed(2))
	assert.Equal(t, "20.00", inv.TaxAmount.StringFixed(2))
	assert.Equal(t, "120.00", inv.Total.StringFixed(2))
	assert.Equal(t, billing.InvoiceDraft, inv.Status)

	// AND the draft carries no number, sequence or hash yet
	assert.Empty(t, inv.Number)
	assert.Zero(t, inv.SequenceNumber)
	assert.Empty(t, inv.Hash)
}

func TestCreateDraft_RejectsEmptyInvoice(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateDraft(context.Background(), actor("tenant-a"), DraftInput{
		ClientID:  "client-1",
		IssueDate: time.Now(),
	})
	assert.ErrorIs(t, err, billing.ErrNoItems)
}

func TestCreateDraft_WritesCreatedAuditEntry(t *testing.T) {
	svc := newTestService(t)
	act := actor("tenant-a")

	inv := consultingDraft(t, svc, act)

	trail, err := svc.AuditTrail(context.Background(), act, inv.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, billing.AuditCreated, trail[0].Action)
	assert.Equal(t, "user-1", trail[0].ActorID)
	assert.NotEmpty(t, trail[0].Signature)
}

func TestFinalize_AssignsNumberSequenceAndHash(t *testing.T) {
	svc := newTestService(t)
	act := actor("tenant-a")
	draft := consultingDraft(t, svc, act)

	inv, err := svc.Finalize(context.Background(), act, draft.ID)
	require.NoError(t, err)

	assert.Equal(t, billing.InvoiceSent, inv.Status)
	assert.Equal(t, int64(1), inv.SequenceNumber)
	assert.Equal(t, "FA-2026-000001", inv.Number)
	assert.Len(t, inv.Hash, 64)
	assert.Empty(t, inv.PreviousHash, "first invoice has no predecessor")

	// Persisted state matches what was returned.
	got, err := svc.Get(context.Background(), act, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.Number, got.Number)
	assert.Equal(t, inv.Hash, got.Hash)
	assert.Equal(t, billing.InvoiceSent, got.Status)
}

func TestFinalize_ChainsConsecutiveInvoices(t *testing.T) {
	svc := newTestService(t)
	act := actor("tenant-a")
	ctx := context.Background()

	first, err := svc.Finalize(ctx, act, consultingDraft(t, svc, act).ID)
	require.NoError(t, err)
	second, err := svc.Finalize(ctx, act, consultingDraft(t, svc, act).ID)
	require.NoError(t, err)

	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.Equal(t, "FA-2026-000002", second.Number)
	assert.Equal(t, first.Hash, second.PreviousHash)
}

func TestFinalize_TenantsHaveIndependentSequences(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	actA := actor("tenant-a")
	actB := actor("tenant-b")

	invA, err := svc.Finalize(ctx, actA, consultingDraft(t, svc, actA).ID)
	require.NoError(t, err)
	invB, err := svc.Finalize(ctx, actB, consultingDraft(t, svc, actB).ID)
	require.NoError(t, err)

	assert.Equal(t, int64(1), invA.SequenceNumber)
	assert.Equal(t, int64(1), invB.SequenceNumber)
	assert.Empty(t, invB.PreviousHash)
}

func TestFinalize_RejectsNonDraft(t *testing.T) {
	svc := newTestService(t)
	act := actor("tenant-a")
	ctx := context.Background()

	inv, err := svc.Finalize(ctx, act, consultingDraft(t, svc, act).ID)
	require.NoError(t, err)

	_, err = svc.Finalize(ctx, act, inv.ID)
	assert.ErrorIs(t, err, billing.ErrInvoiceNotDraft)
}

func TestFinalize_OtherTenantCannotSee(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	draft := consultingDraft(t, svc, actor("tenant-a"))

	_, err := svc.Finalize(ctx, actor("tenant-b"), draft.ID)
	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
}

func TestMarkPaid_TransitionsAndAudits(t *testing.T) {
	svc := newTestService(t)
	act := actor("tenant-a")
	ctx := context.Background()

	inv, err := svc.Finalize(ctx, act, consultingDraft(t, svc, act).ID)
	require.NoError(t, err)

	paid, err := svc.MarkPaid(ctx, act, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePaid, paid.Status)

	trail, err := svc.AuditTrail(ctx, act, inv.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3) // created, sent, paid
	assert.Equal(t, billing.AuditPaid, trail[2].Action)
}

func TestMarkPaid_RejectsDraft(t *testing.T) {
	svc := newTestService(t)
	act := actor("tenant-a")
	draft := consultingDraft(t, svc, act)

	_, err := svc.MarkPaid(context.Background(), act, draft.ID)

	var transErr *billing.TransitionError
	assert.ErrorAs(t, err, &transErr)
}

func TestList_NewestFirstAndTenantScoped(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	act := actor("tenant-a")

	consultingDraft(t, svc, act)
	consultingDraft(t, svc, act)
	consultingDraft(t, svc, actor("tenant-b"))

	invoices, err := svc.List(ctx, act)
	require.NoError(t, err)
	assert.Len(t, invoices, 2)
	for _, inv := range invoices {
		assert.Equal(t, "tenant-a", inv.TenantID)
	}
}
