package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/harvest/internal/audit"
	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/ledger"
	"github.com/odyssey-erp/harvest/internal/observability"
	"github.com/odyssey-erp/harvest/internal/platform/httpx"
	"github.com/odyssey-erp/harvest/internal/settlement"
	"github.com/odyssey-erp/harvest/internal/shipment"
	"github.com/odyssey-erp/harvest/jobs"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	CycleHandler      *cycle.Handler
	ShipmentHandler   *shipment.Handler
	LedgerHandler     *ledger.Handler
	SettlementHandler *settlement.Handler
	AuditHandler      *audit.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
	// Database is checked by /healthz when set.
	Database Pinger
}

// NewRouter constructs the chi.Router with harvest defaults.
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
		if params.Database != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.Database.Ping(ctx); err != nil {
				if params.Logger != nil {
					params.Logger.Warn("health check failed", slog.Any("error", err))
				}
				httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/cycles", func(r chi.Router) {
			if params.CycleHandler != nil {
				params.CycleHandler.MountRoutes(r)
			}
			if params.SettlementHandler != nil {
				params.SettlementHandler.MountCycleRoutes(r)
			}
		})
		r.Route("/shipments", func(r chi.Router) {
			if params.ShipmentHandler != nil {
				params.ShipmentHandler.MountRoutes(r)
			}
			if params.LedgerHandler != nil {
				params.LedgerHandler.MountShipmentRoutes(r)
			}
		})
		if params.SettlementHandler != nil {
			r.Route("/instruments", params.SettlementHandler.MountInstrumentRoutes)
		}
		if params.LedgerHandler != nil {
			r.Route("/ledger", params.LedgerHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", params.AuditHandler.MountRoutes)
		}
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
