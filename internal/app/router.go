package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gn-erp/paie/internal/observability"
	payrollhttp "github.com/gn-erp/paie/internal/payroll/http"
	"github.com/gn-erp/paie/internal/platform/httpx"
	"github.com/gn-erp/paie/jobs"
	"github.com/gn-erp/paie/report"
)

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	PayrollHandler *payrollhttp.Handler
	ReportHandler  *report.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
	// Probes are checked by /readyz, keyed by dependency name.
	Probes map[string]Probe
}

// NewRouter constructs the chi.Router with paie defaults.
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
	r.Get("/readyz", readiness(params.Logger, params.Probes))

	if params.PayrollHandler != nil {
		r.Route("/api/v1", params.PayrollHandler.MountRoutes)
	}
	if params.ReportHandler != nil {
		r.Route("/report", params.ReportHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

func readiness(logger *slog.Logger, probes map[string]Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		out := make(map[string]string, len(probes))
		for name, probe := range probes {
			if err := probe(ctx); err != nil {
				logger.Warn("readiness probe failed", slog.String("dependency", name), slog.Any("error", err))
				out[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			out[name] = "up"
		}
		httpx.JSON(w, status, out)
	}
}
