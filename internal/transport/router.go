package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/quotedesk/internal/config"
	"github.com/pitabwire/quotedesk/internal/observability"
	"github.com/pitabwire/quotedesk/internal/quotation"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config         *config.Config
	Service        *quotation.Service
	Authenticate   func(http.Handler) http.Handler
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Readiness      observability.ReadinessChecks
	Logger         *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes, no authentication.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	metricsPath := deps.Config.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, metricsPath, deps.MetricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		svc := deps.Service
		r.Route("/ui/quotations/{proposalNo}", func(r chi.Router) {
			r.Get("/", handleSessionGet(svc))
			r.Get("/events", handleEvents(svc))

			r.Post("/vehicles", handleVehicleAdd(svc))
			r.Put("/vehicles/{vehicleId}", handleVehicleUpdate(svc))
			r.Delete("/vehicles/{vehicleId}", handleVehicleRemove(svc))
			r.Put("/adjustments", handleAdjustmentsSet(svc))

			r.Post("/calculate", handleCalculate(svc))
			r.Post("/aggregate", handleAggregate(svc))

			r.Get("/breakdown", handleBreakdown(svc))
			r.Post("/breakdown/rows/{vehicleId}/toggle", handleBreakdownToggle(svc))

			r.Post("/draft", handleDraftBegin(svc))
			r.Patch("/draft", handleDraftEdit(svc))
			r.Delete("/draft", handleDraftDiscard(svc))
			r.Post("/draft/steps/{step}", handleDraftStep(svc))
			r.Post("/draft/commit", handleDraftCommit(svc))
		})
	})

	return r
}
