package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/billing/payments"
	"github.com/shipdesk/backoffice/internal/counterparty"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/observability"
	"github.com/shipdesk/backoffice/internal/platform/httpx"
	"github.com/shipdesk/backoffice/jobs"
)

// Pinger is satisfied by pgxpool.Pool and the redis client wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	AccountsHandler  *accounts.Handler
	JournalHandler   *journal.Handler
	InvoicesHandler  *invoices.Handler
	PaymentsHandler  *payments.Handler
	PartnersHandler  *counterparty.Handler
	SuppliersHandler *counterparty.Handler
	JobHandler       *jobs.Handler

	// Readiness dependencies keyed by name.
	Ready map[string]Pinger
}

// NewRouter constructs the chi.Router with back-office defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(params.Logger, params.Ready))

	if params.AccountsHandler != nil {
		r.Route("/accounts", params.AccountsHandler.MountRoutes)
	}
	if params.JournalHandler != nil {
		r.Route("/journal", params.JournalHandler.MountRoutes)
	}
	if params.InvoicesHandler != nil {
		r.Route("/invoices", params.InvoicesHandler.MountRoutes)
	}
	if params.PaymentsHandler != nil {
		r.Route("/transactions", params.PaymentsHandler.MountRoutes)
	}
	if params.PartnersHandler != nil {
		r.Route("/partners", params.PartnersHandler.MountRoutes)
	}
	if params.SuppliersHandler != nil {
		r.Route("/suppliers", params.SuppliersHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

func readiness(logger *slog.Logger, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := make(map[string]string, len(deps))
		healthy := true
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				logger.Warn("readiness check failed", slog.String("dependency", name), slog.Any("error", err))
				status[name] = "down"
				healthy = false
				continue
			}
			status[name] = "up"
		}
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		httpx.JSON(w, code, status)
	}
}
