package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// =============================================================================
// CANONICAL ENCODING - Versioned, explicit, stable
// =============================================================================

// CanonicalVersion identifies the canonical field set a hash was computed
// over. Adding a field to the documents in the future requires a new
// version; v1 hashes must stay verifiable forever.
const CanonicalVersion = 1

// canonicalV1 is the exact v1 field set, in the exact serialized order
// (keys are chosen so lexicographic order matches declaration order, and
// encoding/json preserves struct field order).
//
// Own hash and mutable timestamps are deliberately excluded; the previous
// hash is included, which is what makes each document's hash chain to its
// predecessor.
type canonicalV1 struct {
	V        int    `json:"_v"`
	ClientID string `json:"client_id"`
	Currency string `json:"currency"`
	Date     string `json:"date"`
	Family   string `json:"family"`
	Number   string `json:"number"`
	PrevHash string `json:"prev_hash"`
	Sequence int64  `json:"sequence"`
	Subtotal string `json:"subtotal"`
	Tax      string `json:"tax"`
	TenantID string `json:"tenant_id"`
	Total    string `json:"total"`
}

// CanonicalPayload returns the stable byte encoding of the document's
// immutable fields. Amounts are fixed to two decimals, dates to
// YYYY-MM-DD, so re-parsing a stored row reproduces the bytes exactly.
func CanonicalPayload(d Document) []byte {
	payload := canonicalV1{
		V:        CanonicalVersion,
		ClientID: d.ClientID,
		Currency: d.Currency,
		Date:     d.IssueDate.Format("2006-01-02"),
		Family:   string(d.Family),
		Number:   d.Number,
		PrevHash: d.PreviousHash,
		Sequence: d.SequenceNumber,
		Subtotal: d.Subtotal.StringFixed(2),
		Tax:      d.TaxAmount.StringFixed(2),
		TenantID: d.TenantID,
		Total:    d.Total.StringFixed(2),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		// canonicalV1 contains only strings and ints; Marshal cannot fail.
		panic(err)
	}
	return b
}

// Hash computes the hex-encoded SHA-256 of the canonical payload.
func Hash(d Document) string {
	sum := sha256.Sum256(CanonicalPayload(d))
	return hex.EncodeToString(sum[:])
}
