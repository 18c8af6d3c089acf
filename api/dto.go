/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Invoice:
    InvoiceDTO, InvoiceItemDTO, CreateInvoiceRequest, InvoiceItemRequest

  Credit notes:
    CreditNoteDTO, CreateCreditNoteRequest, CancelInvoiceRequest

  Audit:
    AuditLogDTO

  Compliance:
    Gap/chain/compliance payloads come straight from the compliance
    package; only the wrappers live here.

MONEY:
  All amounts cross the wire as strings with two decimals ("120.00").
  Floats never appear in the contract.

SEE ALSO:
  - handlers.go: Uses these types
  - server.go: Router setup and middleware
*/
package api

import (
	"time"

	"github.com/facturio/billing-engine/billing"
	"github.com/facturio/billing-engine/compliance"
)

// =============================================================================
// INVOICE TYPES
// =============================================================================

// InvoiceDTO represents an invoice in API responses.
type InvoiceDTO struct {
	ID             string `json:"id"`
	ClientID       string `json:"client_id"`
	Number         string `json:"number,omitempty"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
	IssueDate      string `json:"issue_date"`
	DueDate        string `json:"due_date,omitempty"`
	Currency       string `json:"currency"`
	Subtotal       string `json:"subtotal"`
	TaxAmount      string `json:"tax_amount"`
	Total          string `json:"total"`
	Status         string `json:"status"`
	Hash           string `json:"hash,omitempty"`
	PreviousHash   string `json:"previous_hash,omitempty"`
	CancelledAt    string `json:"cancelled_at,omitempty"`
	CancelReason   string `json:"cancellation_reason,omitempty"`

	Items []InvoiceItemDTO `json:"items"`

	CreatedAt string `json:"created_at,omitempty"`
}

// InvoiceItemDTO represents one invoice line in API responses.
type InvoiceItemDTO struct {
	ID          string `json:"id"`
	Position    int    `json:"position"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	TaxRate     string `json:"tax_rate"`
}

// CreateInvoiceRequest is the request to create a draft invoice.
type CreateInvoiceRequest struct {
	ClientID  string               `json:"client_id"`
	IssueDate string               `json:"issue_date"`
	DueDate   string               `json:"due_date,omitempty"`
	Currency  string               `json:"currency,omitempty"`
	Items     []InvoiceItemRequest `json:"items"`
}

// InvoiceItemRequest is one requested invoice line.
type InvoiceItemRequest struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	TaxRate     string `json:"tax_rate"`
}

// =============================================================================
// CREDIT NOTE TYPES
// =============================================================================

// CreditNoteDTO represents a credit note in API responses.
type CreditNoteDTO struct {
	ID             string `json:"id"`
	InvoiceID      string `json:"invoice_id"`
	ClientID       string `json:"client_id"`
	Number         string `json:"number,omitempty"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
	Date           string `json:"date"`
	Reason         string `json:"reason,omitempty"`
	Currency       string `json:"currency"`
	Subtotal       string `json:"subtotal"`
	TaxAmount      string `json:"tax_amount"`
	Total          string `json:"total"`
	Status         string `json:"status"`
	Hash           string `json:"hash,omitempty"`
	PreviousHash   string `json:"previous_hash,omitempty"`
}

// CreateCreditNoteRequest is the request to credit an invoice, fully
// (no lines) or partially (selected lines).
type CreateCreditNoteRequest struct {
	Reason string                  `json:"reason,omitempty"`
	Lines  []CreditNoteLineRequest `json:"lines,omitempty"`
}

// CreditNoteLineRequest selects part of one invoice line.
type CreditNoteLineRequest struct {
	ItemID   string `json:"item_id"`
	Quantity string `json:"quantity"`
}

// CancelInvoiceRequest is the request to cancel a finalized invoice.
type CancelInvoiceRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// AUDIT TYPES
// =============================================================================

// AuditLogDTO represents one audit trail entry in API responses.
type AuditLogDTO struct {
	ID        string         `json:"id"`
	InvoiceID string         `json:"invoice_id"`
	Action    string         `json:"action"`
	Signature string         `json:"signature"`
	Timestamp string         `json:"timestamp"`
	ActorID   string         `json:"actor_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Changes   map[string]any `json:"changes,omitempty"`
}

// =============================================================================
// COMPLIANCE TYPES
// =============================================================================

// SequenceCheckResponse wraps the gap report.
type SequenceCheckResponse struct {
	Clean bool                     `json:"clean"`
	Gaps  []compliance.SequenceGap `json:"gaps"`
}

// ComplianceCheckRequest carries the tenant legal identity the rule
// table checks an invoice against.
type ComplianceCheckRequest struct {
	LegalName          string `json:"legal_name"`
	RegistrationNumber string `json:"registration_number"`
	VATNumber          string `json:"vat_number"`
	VATExempt          bool   `json:"vat_exempt"`
}

// ChainCheckResponse wraps the hash chain report.
type ChainCheckResponse struct {
	Clean  bool                    `json:"clean"`
	Issues []compliance.ChainIssue `json:"issues"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toInvoiceDTO(inv *billing.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:             inv.ID,
		ClientID:       inv.ClientID,
		Number:         inv.Number,
		SequenceNumber: inv.SequenceNumber,
		IssueDate:      inv.IssueDate.Format("2006-01-02"),
		Currency:       inv.Currency,
		Subtotal:       inv.Subtotal.StringFixed(2),
		TaxAmount:      inv.TaxAmount.StringFixed(2),
		Total:          inv.Total.StringFixed(2),
		Status:         string(inv.Status),
		Hash:           inv.Hash,
		PreviousHash:   inv.PreviousHash,
		CancelReason:   inv.CancellationReason,
		Items:          make([]InvoiceItemDTO, 0, len(inv.Items)),
		CreatedAt:      inv.CreatedAt.Format(time.RFC3339),
	}
	if inv.DueDate != nil {
		dto.DueDate = inv.DueDate.Format("2006-01-02")
	}
	if inv.CancelledAt != nil {
		dto.CancelledAt = inv.CancelledAt.Format(time.RFC3339)
	}
	for _, item := range inv.Items {
		dto.Items = append(dto.Items, InvoiceItemDTO{
			ID:          item.ID,
			Position:    item.Position,
			Description: item.Description,
			Quantity:    item.Quantity.String(),
			UnitPrice:   item.UnitPrice.StringFixed(2),
			TaxRate:     item.TaxRate.String(),
		})
	}
	return dto
}

func toCreditNoteDTO(cn *billing.CreditNote) CreditNoteDTO {
	return CreditNoteDTO{
		ID:             cn.ID,
		InvoiceID:      cn.InvoiceID,
		ClientID:       cn.ClientID,
		Number:         cn.Number,
		SequenceNumber: cn.SequenceNumber,
		Date:           cn.Date.Format("2006-01-02"),
		Reason:         cn.Reason,
		Currency:       cn.Currency,
		Subtotal:       cn.Subtotal.StringFixed(2),
		TaxAmount:      cn.TaxAmount.StringFixed(2),
		Total:          cn.Total.StringFixed(2),
		Status:         string(cn.Status),
		Hash:           cn.Hash,
		PreviousHash:   cn.PreviousHash,
	}
}

func toAuditLogDTO(entry billing.AuditLog) AuditLogDTO {
	return AuditLogDTO{
		ID:        entry.ID,
		InvoiceID: entry.InvoiceID,
		Action:    string(entry.Action),
		Signature: entry.Signature,
		Timestamp: entry.Timestamp.Format(time.RFC3339Nano),
		ActorID:   entry.ActorID,
		IPAddress: entry.IPAddress,
		UserAgent: entry.UserAgent,
		Changes:   entry.Changes,
	}
}
