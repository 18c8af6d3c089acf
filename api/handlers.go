/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Invoices:
    GET    /api/invoices                      List tenant invoices
    POST   /api/invoices                      Create draft invoice
    GET    /api/invoices/{id}                 Get invoice details
    POST   /api/invoices/{id}/finalize        Assign number/sequence/hash
    POST   /api/invoices/{id}/pay             Mark invoice paid
    POST   /api/invoices/{id}/cancel          Cancel via full credit note
    GET    /api/invoices/{id}/audit           Audit trail
    GET    /api/invoices/{id}/credit-notes    Credit notes for invoice
    POST   /api/invoices/{id}/credit-notes    Create credit note
    POST   /api/invoices/{id}/compliance      Rule-table compliance report
    GET    /api/invoices/{id}/export?audit=   Booking lines for one invoice

  Credit notes:
    GET    /api/credit-notes/{id}             Get credit note
    POST   /api/credit-notes/{id}/apply       Mark credit note applied

  Compliance:
    GET    /api/compliance/sequences          Sequence gap check
    GET    /api/compliance/chain?year=        Hash chain check

  Exports:
    GET    /api/exports/fec?year=             Statutory flat file (yearly)

TENANCY:
  Every request carries X-Tenant-ID; the middleware in server.go builds
  the actor context from it plus X-User-ID and the connection metadata.
  Handlers never see data from another tenant.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (state transition, already cancelled)
  - 422: Business rule rejection (over-crediting)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/facturio/billing-engine/billing"
	"github.com/facturio/billing-engine/compliance"
	"github.com/facturio/billing-engine/creditnote"
	"github.com/facturio/billing-engine/fec"
	"github.com/facturio/billing-engine/invoice"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Invoices    *invoice.Service
	CreditNotes *creditnote.Workflow
	Validator   *compliance.Validator
	Exports     *fec.Builder

	Log zerolog.Logger
}

// NewHandler wires the handler over the domain services.
func NewHandler(invoices *invoice.Service, creditNotes *creditnote.Workflow, validator *compliance.Validator, exports *fec.Builder, log zerolog.Logger) *Handler {
	return &Handler{
		Invoices:    invoices,
		CreditNotes: creditNotes,
		Validator:   validator,
		Exports:     exports,
		Log:         log,
	}
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ListInvoices returns the tenant's invoices, newest first.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	invoices, err := h.Invoices.List(r.Context(), actor)
	if err != nil {
		h.writeDomainError(w, "Failed to list invoices", err)
		return
	}

	dtos := make([]InvoiceDTO, len(invoices))
	for i := range invoices {
		dtos[i] = toInvoiceDTO(&invoices[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateInvoice creates a draft invoice from the request lines.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in, err := draftInputFrom(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid invoice", err)
		return
	}

	inv, err := h.Invoices.CreateDraft(r.Context(), actorFrom(r), in)
	if err != nil {
		h.writeDomainError(w, "Failed to create invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

// GetInvoice returns a single invoice with its lines.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.Get(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// FinalizeInvoice assigns the next sequence number, the document number
// and the chained hash, and moves the invoice to sent.
func (h *Handler) FinalizeInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.Finalize(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to finalize invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// PayInvoice marks a sent invoice as paid.
func (h *Handler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.MarkPaid(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to mark invoice paid", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// CancelInvoice cancels a finalized invoice by issuing a credit note
// for the remaining amount.
func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	var req CancelInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "Cancellation reason is required", nil)
		return
	}

	cn, err := h.CreditNotes.CancelInvoice(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to cancel invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditNoteDTO(cn))
}

// GetAuditTrail returns the invoice's audit entries, oldest first.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := h.Invoices.AuditTrail(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get audit trail", err)
		return
	}

	dtos := make([]AuditLogDTO, len(trail))
	for i, entry := range trail {
		dtos[i] = toAuditLogDTO(entry)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CREDIT NOTE HANDLERS
// =============================================================================

// ListCreditNotes returns the credit notes issued against one invoice.
func (h *Handler) ListCreditNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.CreditNotes.ForInvoice(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to list credit notes", err)
		return
	}

	dtos := make([]CreditNoteDTO, len(notes))
	for i := range notes {
		dtos[i] = toCreditNoteDTO(&notes[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCreditNote credits an invoice, fully or partially.
func (h *Handler) CreateCreditNote(w http.ResponseWriter, r *http.Request) {
	var req CreateCreditNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := creditnote.CreateInput{
		InvoiceID: chi.URLParam(r, "id"),
		Reason:    req.Reason,
	}
	for _, line := range req.Lines {
		qty, err := decimal.NewFromString(line.Quantity)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid quantity %q", line.Quantity), err)
			return
		}
		in.Lines = append(in.Lines, creditnote.LineSelection{ItemID: line.ItemID, Quantity: qty})
	}

	cn, err := h.CreditNotes.CreateFromInvoice(r.Context(), actorFrom(r), in)
	if err != nil {
		h.writeDomainError(w, "Failed to create credit note", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditNoteDTO(cn))
}

// GetCreditNote returns a single credit note.
func (h *Handler) GetCreditNote(w http.ResponseWriter, r *http.Request) {
	cn, err := h.CreditNotes.Get(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get credit note", err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditNoteDTO(cn))
}

// ApplyCreditNote marks an issued credit note as applied.
func (h *Handler) ApplyCreditNote(w http.ResponseWriter, r *http.Request) {
	cn, err := h.CreditNotes.Apply(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to apply credit note", err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditNoteDTO(cn))
}

// =============================================================================
// COMPLIANCE HANDLERS
// =============================================================================

// CheckSequences reports gaps in the tenant's document numbering.
func (h *Handler) CheckSequences(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	gaps, err := h.Validator.CheckSequentialNumbering(r.Context(), actor.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sequence check failed", err)
		return
	}
	if gaps == nil {
		gaps = []compliance.SequenceGap{}
	}
	writeJSON(w, http.StatusOK, SequenceCheckResponse{Clean: len(gaps) == 0, Gaps: gaps})
}

// CheckChain verifies the tenant's hash chains for one year.
func (h *Handler) CheckChain(w http.ResponseWriter, r *http.Request) {
	year, err := yearParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}

	actor := actorFrom(r)
	issues, err := h.Validator.CheckHashChain(r.Context(), actor.TenantID, year)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Chain check failed", err)
		return
	}
	if issues == nil {
		issues = []compliance.ChainIssue{}
	}
	writeJSON(w, http.StatusOK, ChainCheckResponse{Clean: len(issues) == 0, Issues: issues})
}

// CheckInvoiceCompliance runs the rule table against one invoice using
// the tenant identity supplied in the request body.
func (h *Handler) CheckInvoiceCompliance(w http.ResponseWriter, r *http.Request) {
	var req ComplianceCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	inv, err := h.Invoices.Get(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get invoice", err)
		return
	}

	report := h.Validator.CheckCompliance(inv, compliance.TenantProfile{
		LegalName:          req.LegalName,
		RegistrationNumber: req.RegistrationNumber,
		VATNumber:          req.VATNumber,
		VATExempt:          req.VATExempt,
	})
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// EXPORT HANDLERS
// =============================================================================

// ExportFEC streams the statutory flat file for one year. The yearly
// export carries booking lines only. ?encoding=latin re-encodes to
// ISO-8859-15.
func (h *Handler) ExportFEC(w http.ResponseWriter, r *http.Request) {
	year, err := yearParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}

	actor := actorFrom(r)
	from := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
	entries, err := h.Exports.Build(r.Context(), actor.TenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Export failed", err)
		return
	}

	filename := fmt.Sprintf("%sFEC%d.txt", actor.TenantID, year)
	writeExport(w, r, entries, filename)
}

// ExportInvoice renders the booking lines of a single invoice, with its
// credit notes. ?audit=true appends the audit trail suspense lines.
func (h *Handler) ExportInvoice(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	invoiceID := chi.URLParam(r, "id")
	withAudit := r.URL.Query().Get("audit") == "true"

	entries, err := h.Exports.BuildForInvoices(r.Context(), actor.TenantID, []string{invoiceID}, withAudit)
	if err != nil {
		h.writeDomainError(w, "Failed to export invoice", err)
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "Invoice not found or not finalized", nil)
		return
	}

	filename := fmt.Sprintf("%s-%s.txt", actor.TenantID, invoiceID)
	writeExport(w, r, entries, filename)
}

func writeExport(w http.ResponseWriter, r *http.Request, entries []fec.Entry, filename string) {
	var out []byte
	contentType := "text/plain; charset=utf-8"
	if r.URL.Query().Get("encoding") == "latin" {
		encoded, err := fec.RenderLatin(entries)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Export encoding failed", err)
			return
		}
		out = encoded
		contentType = "text/plain; charset=iso-8859-15"
	} else {
		out = fec.Render(entries)
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// =============================================================================
// HELPERS
// =============================================================================

func draftInputFrom(req CreateInvoiceRequest) (invoice.DraftInput, error) {
	issueDate, err := time.Parse("2006-01-02", req.IssueDate)
	if err != nil {
		return invoice.DraftInput{}, fmt.Errorf("issue_date: %w", err)
	}

	in := invoice.DraftInput{
		ClientID:  req.ClientID,
		IssueDate: issueDate,
		Currency:  req.Currency,
	}
	if req.DueDate != "" {
		due, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			return invoice.DraftInput{}, fmt.Errorf("due_date: %w", err)
		}
		in.DueDate = &due
	}

	for _, item := range req.Items {
		qty, err := decimal.NewFromString(item.Quantity)
		if err != nil {
			return invoice.DraftInput{}, fmt.Errorf("quantity %q: %w", item.Quantity, err)
		}
		price, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return invoice.DraftInput{}, fmt.Errorf("unit_price %q: %w", item.UnitPrice, err)
		}
		rate := decimal.Zero
		if item.TaxRate != "" {
			rate, err = decimal.NewFromString(item.TaxRate)
			if err != nil {
				return invoice.DraftInput{}, fmt.Errorf("tax_rate %q: %w", item.TaxRate, err)
			}
		}
		in.Items = append(in.Items, invoice.ItemInput{
			Description: item.Description,
			Quantity:    qty,
			UnitPrice:   price,
			TaxRate:     rate,
		})
	}
	return in, nil
}

func yearParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("year")
	if raw == "" {
		return 0, errors.New("year query parameter is required")
	}
	return strconv.Atoi(raw)
}

// writeDomainError maps domain errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, billing.ErrCreditExceedsRemaining):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case errors.Is(err, billing.ErrAlreadyCancelled),
		errors.Is(err, billing.ErrFullyCredited),
		errors.Is(err, billing.ErrInvoiceNotDraft),
		errors.Is(err, billing.ErrInvalidTransition):
		writeError(w, http.StatusConflict, message, err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Log.Error().Err(err).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
