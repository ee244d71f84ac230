/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RealIP:         Client address behind the proxy
  3. RequestLogger:  One logrus line per request
  4. Recoverer:      Panic recovery (500 instead of crash)
  5. CORS:           Cross-origin requests for the frontend
  6. RateLimiter:    Per-actor token bucket
  7. Actor:          Identity from proxy headers (/api only)

UNAUTHENTICATED ROUTES:
  /healthz   liveness
  /metrics   Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Actor identity and rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterOptions carries the pieces of the router that vary per deployment.
type RouterOptions struct {
	Logger         logrus.FieldLogger
	AllowedOrigins []string
	RateLimiter    *RateLimiter
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = h.Ledger.Logger()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderActorID, HeaderActorRole, HeaderActorOrg},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))
	if opts.RateLimiter != nil {
		r.Use(opts.RateLimiter.Handler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(ActorMiddleware)

		// Organization routes
		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", h.ListOrganizations)
			r.Post("/", h.CreateOrganization)
			r.Get("/{id}", h.GetOrganization)
			r.Put("/{id}/status", h.SetOrganizationStatus)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/credit-ledger", h.GetCreditLedger)
			r.Get("/{id}/window/{year}", h.GetWindow)
		})

		// Transfer routes
		r.Route("/transfers", func(r chi.Router) {
			r.Get("/", h.ListTransfers)
			r.Post("/", h.CreateTransfer)
			r.Get("/{id}", h.GetTransfer)
			r.Put("/{id}", h.UpdateTransfer)
			r.Post("/{id}/transitions", h.TransitionTransfer)
			r.Get("/{id}/history", h.TransferHistory)
		})

		// Initiative agreement routes
		r.Route("/initiative-agreements", func(r chi.Router) {
			r.Get("/", h.ListInitiatives)
			r.Post("/", h.CreateInitiative)
			r.Get("/{id}", h.GetInitiative)
			r.Put("/{id}", h.UpdateInitiative)
			r.Post("/{id}/transitions", h.TransitionInitiative)
			r.Get("/{id}/history", h.InitiativeHistory)
		})

		// Admin adjustment routes
		r.Route("/admin-adjustments", func(r chi.Router) {
			r.Get("/", h.ListAdjustments)
			r.Post("/", h.CreateAdjustment)
			r.Get("/{id}", h.GetAdjustment)
			r.Put("/{id}", h.UpdateAdjustment)
			r.Post("/{id}/transitions", h.TransitionAdjustment)
			r.Get("/{id}/history", h.AdjustmentHistory)
		})

		// Compliance report routes
		r.Route("/compliance-reports", func(r chi.Router) {
			r.Get("/", h.ListReports)
			r.Post("/", h.CreateReport)
			r.Get("/groups/{group}", h.GetReportGroup)
			r.Post("/groups/{group}/supplementals", h.CreateSupplemental)
			r.Get("/{id}", h.GetReport)
			r.Put("/{id}/units", h.SetReportUnits)
			r.Post("/{id}/transitions", h.TransitionReport)
			r.Get("/{id}/history", h.ReportHistory)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/audit", h.ListAudit)
			r.Post("/verify-balances", h.VerifyBalances)
			r.Post("/rebuild-balances", h.RebuildBalances)
			r.Post("/outbox/flush", h.FlushOutbox)
			r.Post("/seed", h.Seed)
		})
	})

	return r
}
