/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. Tenant:     Builds the actor context from request headers

TENANCY:
  X-Tenant-ID is mandatory on every /api route; requests without it are
  rejected with 400 before any handler runs. X-User-ID, the remote
  address and the User-Agent ride along into the audit trail.

SECURITY NOTE:
  Header-based tenancy assumes a trusted gateway terminates
  authentication in front of this service. The engine itself performs
  no credential checks.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/facturio: Server startup
*/
package api

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/facturio/billing-engine/billing"
)

type contextKey string

const actorKey contextKey = "actor"

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID", "X-User-ID"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(requireTenant)

		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Post("/", h.CreateInvoice)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/finalize", h.FinalizeInvoice)
			r.Post("/{id}/pay", h.PayInvoice)
			r.Post("/{id}/cancel", h.CancelInvoice)
			r.Get("/{id}/audit", h.GetAuditTrail)
			r.Get("/{id}/credit-notes", h.ListCreditNotes)
			r.Post("/{id}/credit-notes", h.CreateCreditNote)
			r.Post("/{id}/compliance", h.CheckInvoiceCompliance)
			r.Get("/{id}/export", h.ExportInvoice)
		})

		// Credit note routes
		r.Route("/credit-notes", func(r chi.Router) {
			r.Get("/{id}", h.GetCreditNote)
			r.Post("/{id}/apply", h.ApplyCreditNote)
		})

		// Compliance routes
		r.Route("/compliance", func(r chi.Router) {
			r.Get("/sequences", h.CheckSequences)
			r.Get("/chain", h.CheckChain)
		})

		// Export routes
		r.Route("/exports", func(r chi.Router) {
			r.Get("/fec", h.ExportFEC)
		})
	})

	return r
}

// requireTenant rejects requests without a tenant header and stashes
// the actor context for handlers.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required", nil)
			return
		}

		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		}

		actor := billing.ActorContext{
			TenantID:  tenantID,
			UserID:    r.Header.Get("X-User-ID"),
			IPAddress: ip,
			UserAgent: r.UserAgent(),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

// actorFrom returns the actor context stashed by requireTenant.
func actorFrom(r *http.Request) billing.ActorContext {
	actor, _ := r.Context().Value(actorKey).(billing.ActorContext)
	return actor
}
