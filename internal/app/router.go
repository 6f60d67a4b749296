package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/spicemill/spicemill/internal/dashboard"
	"github.com/spicemill/spicemill/internal/formulations"
	"github.com/spicemill/spicemill/internal/materials"
	"github.com/spicemill/spicemill/internal/observability"
	"github.com/spicemill/spicemill/internal/packaging"
	"github.com/spicemill/spicemill/internal/platform/httpx"
	"github.com/spicemill/spicemill/internal/production"
	"github.com/spicemill/spicemill/internal/rbac"
	"github.com/spicemill/spicemill/internal/research"
	"github.com/spicemill/spicemill/internal/sales"
	"github.com/spicemill/spicemill/jobs"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(r *http.Request) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	RBACMiddleware rbac.Middleware
	Metrics        *observability.Metrics
	Health         map[string]HealthCheck

	MaterialsHandler    *materials.Handler
	FormulationsHandler *formulations.Handler
	ResearchHandler     *research.Handler
	ProductionHandler   *production.Handler
	PackagingHandler    *packaging.Handler
	SalesHandler        *sales.Handler
	DashboardHandler    *dashboard.Handler
	PermissionsHandler  *rbac.PermissionsHandler
	JobHandler          *jobs.Handler
}

// NewRouter constructs the chi.Router with Spicemill defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", healthHandler(params.Logger, params.Health))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(params.RBACMiddleware.Authenticate)
		if params.MaterialsHandler != nil {
			r.Route("/materials", params.MaterialsHandler.MountRoutes)
		}
		if params.FormulationsHandler != nil {
			r.Route("/formulations", params.FormulationsHandler.MountRoutes)
		}
		if params.ResearchHandler != nil {
			r.Route("/research", params.ResearchHandler.MountRoutes)
		}
		if params.ProductionHandler != nil {
			r.Route("/production", params.ProductionHandler.MountRoutes)
		}
		if params.PackagingHandler != nil {
			r.Route("/packaging", params.PackagingHandler.MountRoutes)
		}
		if params.SalesHandler != nil {
			r.Route("/sales", params.SalesHandler.MountRoutes)
		}
		if params.DashboardHandler != nil {
			r.Route("/dashboard", params.DashboardHandler.MountRoutes)
		}
		if params.PermissionsHandler != nil {
			r.Route("/access", params.PermissionsHandler.MountRoutes)
		}
	})

	return r
}

func healthHandler(logger *slog.Logger, checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		report := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(r); err != nil {
				if logger != nil {
					logger.Warn("health check failed", slog.String("dependency", name), slog.Any("error", err))
				}
				report[name] = "unavailable"
				report["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			report[name] = "ok"
		}
		httpx.JSON(w, status, report)
	}
}
