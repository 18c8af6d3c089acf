package chain_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturio/billing-engine/billing"
	"github.com/facturio/billing-engine/chain"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fakeSource is an in-memory SequenceSource tracking assigned documents.
type fakeSource struct {
	hashes map[string]map[int64]string // tenant -> seq -> hash
}

func newFakeSource() *fakeSource {
	return &fakeSource{hashes: make(map[string]map[int64]string)}
}

func (f *fakeSource) MaxSequence(_ context.Context, tenantID string, _ billing.DocFamily) (int64, error) {
	var max int64
	for seq := range f.hashes[tenantID] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (f *fakeSource) HashAtSequence(_ context.Context, tenantID string, _ billing.DocFamily, seq int64) (string, error) {
	return f.hashes[tenantID][seq], nil
}

func (f *fakeSource) record(tenantID string, seq int64, hash string) {
	if f.hashes[tenantID] == nil {
		f.hashes[tenantID] = make(map[int64]string)
	}
	f.hashes[tenantID][seq] = hash
}

func sampleDoc(tenant string) chain.Document {
	return chain.Document{
		Family:    billing.FamilyInvoice,
		TenantID:  tenant,
		ClientID:  "client-1",
		IssueDate: time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC),
		Currency:  "EUR",
		Subtotal:  decimal.NewFromInt(100),
		TaxAmount: decimal.NewFromInt(20),
		Total:     decimal.NewFromInt(120),
	}
}

// =============================================================================
// SEQUENCE ASSIGNMENT
// =============================================================================

func TestAssign_FirstDocument_SequenceOneNoPreviousHash(t *testing.T) {
	// GIVEN: A tenant with no finalized documents
	// WHEN: Assigning the first document
	// THEN: Sequence is 1, previous hash absent, hash set

	source := newFakeSource()
	assigner := chain.NewAssigner(source)

	doc := sampleDoc("tenant-1")
	err := assigner.Assign(context.Background(), &doc)
	require.NoError(t, err)

	assert.Equal(t, int64(1), doc.SequenceNumber)
	assert.Empty(t, doc.PreviousHash)
	assert.Len(t, doc.Hash, 64, "hex sha-256")
	assert.Equal(t, "FA-2026-000001", doc.Number)
}

func TestAssign_SecondDocument_ChainsToFirst(t *testing.T) {
	// GIVEN: A tenant with one finalized document
	// WHEN: Assigning the second
	// THEN: Sequence is 2 and previous_hash equals the first document's hash

	source := newFakeSource()
	assigner := chain.NewAssigner(source)
	ctx := context.Background()

	first := sampleDoc("tenant-1")
	require.NoError(t, assigner.Assign(ctx, &first))
	source.record("tenant-1", first.SequenceNumber, first.Hash)

	second := sampleDoc("tenant-1")
	second.Total = decimal.NewFromInt(240)
	require.NoError(t, assigner.Assign(ctx, &second))

	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.NotEqual(t, first.Hash, second.Hash)
}

func TestAssign_TenantsHaveIndependentSequences(t *testing.T) {
	source := newFakeSource()
	assigner := chain.NewAssigner(source)
	ctx := context.Background()

	a := sampleDoc("tenant-a")
	require.NoError(t, assigner.Assign(ctx, &a))
	source.record("tenant-a", a.SequenceNumber, a.Hash)

	b := sampleDoc("tenant-b")
	require.NoError(t, assigner.Assign(ctx, &b))

	assert.Equal(t, int64(1), a.SequenceNumber)
	assert.Equal(t, int64(1), b.SequenceNumber)
	assert.Empty(t, b.PreviousHash, "tenant-b chain starts fresh")
}

// =============================================================================
// CANONICAL HASHING
// =============================================================================

func TestHash_Deterministic(t *testing.T) {
	doc := sampleDoc("tenant-1")
	doc.SequenceNumber = 7
	doc.Number = "FA-2026-000007"
	doc.PreviousHash = "abc"

	assert.Equal(t, chain.Hash(doc), chain.Hash(doc))
}

func TestHash_SensitiveToEveryCanonicalField(t *testing.T) {
	base := sampleDoc("tenant-1")
	base.SequenceNumber = 3
	base.Number = "FA-2026-000003"
	baseHash := chain.Hash(base)

	mutations := map[string]func(*chain.Document){
		"tenant":    func(d *chain.Document) { d.TenantID = "other" },
		"client":    func(d *chain.Document) { d.ClientID = "other" },
		"number":    func(d *chain.Document) { d.Number = "FA-2026-000004" },
		"sequence":  func(d *chain.Document) { d.SequenceNumber = 4 },
		"date":      func(d *chain.Document) { d.IssueDate = d.IssueDate.AddDate(0, 0, 1) },
		"currency":  func(d *chain.Document) { d.Currency = "USD" },
		"subtotal":  func(d *chain.Document) { d.Subtotal = decimal.NewFromInt(99) },
		"tax":       func(d *chain.Document) { d.TaxAmount = decimal.NewFromInt(19) },
		"total":     func(d *chain.Document) { d.Total = decimal.NewFromInt(119) },
		"prev_hash": func(d *chain.Document) { d.PreviousHash = "tampered" },
		"family":    func(d *chain.Document) { d.Family = billing.FamilyCreditNote },
	}

	for name, mutate := range mutations {
		doc := base
		mutate(&doc)
		assert.NotEqual(t, baseHash, chain.Hash(doc), "mutating %s must change the hash", name)
	}
}

func TestHash_IgnoresOwnHash(t *testing.T) {
	doc := sampleDoc("tenant-1")
	h1 := chain.Hash(doc)
	doc.Hash = h1
	assert.Equal(t, h1, chain.Hash(doc), "a document's own hash is not part of the payload")
}

func TestHash_EquivalentDecimalRepresentationsAgree(t *testing.T) {
	// GIVEN: The same amount written as 120 and 120.00
	// THEN: Canonical fixed-point formatting makes the hashes identical

	a := sampleDoc("tenant-1")
	b := sampleDoc("tenant-1")
	b.Total = decimal.RequireFromString("120.00")

	assert.Equal(t, chain.Hash(a), chain.Hash(b))
}

func TestCanonicalPayload_StableAcrossCalls(t *testing.T) {
	doc := sampleDoc("tenant-1")
	doc.SequenceNumber = 12
	doc.Number = "FA-2026-000012"

	assert.Equal(t, chain.CanonicalPayload(doc), chain.CanonicalPayload(doc))
	assert.Contains(t, string(chain.CanonicalPayload(doc)), `"_v":1`)
}

func TestDocumentNumber_Format(t *testing.T) {
	date := time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "FA-2026-000042", chain.DocumentNumber(billing.FamilyInvoice, date, 42))
	assert.Equal(t, "AV-2026-000007", chain.DocumentNumber(billing.FamilyCreditNote, date, 7))
}
