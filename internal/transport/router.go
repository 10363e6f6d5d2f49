package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/sbpm/internal/config"
	"github.com/pitabwire/sbpm/internal/observability"
)

// Dependencies holds all injected dependencies for the operations router.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Readiness observability.ReadinessChecks

	// MetricsHandler serves the metrics endpoint. Defaults to the
	// Prometheus default registry handler.
	MetricsHandler http.Handler
}

// NewRouter creates the operations router serving liveness, readiness and
// metrics.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)
	r.Use(RequestLogging(logger))

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))

	if deps.Config == nil || deps.Config.Observability.Metrics.Enabled {
		path := "/metrics"
		if deps.Config != nil && deps.Config.Observability.Metrics.Path != "" {
			path = deps.Config.Observability.Metrics.Path
		}
		handler := deps.MetricsHandler
		if handler == nil {
			handler = observability.Handler()
		}
		r.Method(http.MethodGet, path, handler)
	}

	return r
}
