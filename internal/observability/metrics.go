package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transitionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	cascadeStepBuckets        = []float64{1, 2, 4, 8, 16, 32, 64, 128, 512, 2048}
	bodySizeBuckets           = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine. A nil
// *Metrics records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Transition metrics
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	CascadeSteps       *prometheus.HistogramVec
	MessagesDelivered  *prometheus.CounterVec
	MessagesConsumed   *prometheus.CounterVec

	// Instance metrics
	InstancesStartedTotal   *prometheus.CounterVec
	InstancesCompletedTotal *prometheus.CounterVec
	InstancesActive         *prometheus.GaugeVec

	// Provider metrics
	ProviderExecutionsTotal *prometheus.CounterVec

	// Event metrics
	EventsPublishedTotal *prometheus.CounterVec
	EventSinkFailures    *prometheus.CounterVec

	// System metrics
	DefinitionsLoaded prometheus.Gauge
	ArchivesWritten   *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbpm_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sbpm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sbpm_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sbpm_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Transitions
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbpm_transitions_total",
			Help: "Total number of changeState requests by outcome.",
		}, []string{"process_model", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sbpm_transition_duration_seconds",
			Help:    "changeState duration in seconds, cascade included.",
			Buckets: transitionDurationBuckets,
		}, []string{"process_model"}),
		CascadeSteps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sbpm_cascade_steps",
			Help:    "Number of cascade steps executed per unit of work.",
			Buckets: cascadeStepBuckets,
		}, []string{"process_model"}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbpm_messages_delivered_total",
			Help: "Total number of messages delivered to receiver inboxes.",
		}, []string{"process_model"}),
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbpm_messages_consumed_total",
			Help: "Total number of inbox messages consumed.",
		}, []string{"process_model"}),

		// Instances
		InstancesStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbpm_instances_started_total",
			Help: "Total number of process instances started.",
		}, []string{"process_model"}),
		InstancesCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbpm_instances_completed_total",
			Help: "Total number of process instances that reached a terminal state.",
		}, []string{"process_model", "final_state"}),
		InstancesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sbpm_instances_active",
			Help: "Number of active process instances started by this process.",
		}, []string{"process_model"}),

		// Providers
		ProviderExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbpm_provider_executions_total",
			Help: "Total number of automated provider executions by outcome.",
		}, []string{"provider", "outcome"}),

		// Events
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbpm_events_published_total",
			Help: "Total number of lifecycle events published.",
		}, []string{"kind", "action"}),
		EventSinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbpm_event_sink_failures_total",
			Help: "Total number of lifecycle events a sink failed to deliver.",
		}, []string{"sink"}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sbpm_definitions_loaded",
			Help: "Number of process models loaded.",
		}),
		ArchivesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbpm_archives_written_total",
			Help: "Total number of audit trail archives written by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.CascadeSteps,
		m.MessagesDelivered,
		m.MessagesConsumed,
		m.InstancesStartedTotal,
		m.InstancesCompletedTotal,
		m.InstancesActive,
		m.ProviderExecutionsTotal,
		m.EventsPublishedTotal,
		m.EventSinkFailures,
		m.DefinitionsLoaded,
		m.ArchivesWritten,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records one changeState call and the cascade it ran.
func (m *Metrics) RecordTransition(processModelID, outcome string, duration time.Duration, steps int) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(processModelID, outcome).Inc()
	m.TransitionDuration.WithLabelValues(processModelID).Observe(duration.Seconds())
	if steps > 0 {
		m.CascadeSteps.WithLabelValues(processModelID).Observe(float64(steps))
	}
}

// RecordMessages records inbox traffic of a committed unit of work.
func (m *Metrics) RecordMessages(processModelID string, delivered, consumed int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.MessagesDelivered.WithLabelValues(processModelID).Add(float64(delivered))
	}
	if consumed > 0 {
		m.MessagesConsumed.WithLabelValues(processModelID).Add(float64(consumed))
	}
}

// RecordInstanceStart records a process instance start.
func (m *Metrics) RecordInstanceStart(processModelID string) {
	if m == nil {
		return
	}
	m.InstancesStartedTotal.WithLabelValues(processModelID).Inc()
	m.InstancesActive.WithLabelValues(processModelID).Inc()
}

// RecordInstanceCompletion records a process instance reaching finalState.
func (m *Metrics) RecordInstanceCompletion(processModelID, finalState string) {
	if m == nil {
		return
	}
	m.InstancesCompletedTotal.WithLabelValues(processModelID, finalState).Inc()
	m.InstancesActive.WithLabelValues(processModelID).Dec()
}

// RecordProviderExecution records one automated provider run.
func (m *Metrics) RecordProviderExecution(provider, outcome string) {
	if m == nil {
		return
	}
	m.ProviderExecutionsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordEventPublished records a lifecycle event handed to the sinks.
func (m *Metrics) RecordEventPublished(kind, action string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(kind, action).Inc()
}

// RecordEventSinkFailure records a sink delivery failure.
func (m *Metrics) RecordEventSinkFailure(sink string) {
	if m == nil {
		return
	}
	m.EventSinkFailures.WithLabelValues(sink).Inc()
}

// SetDefinitionsLoaded sets the number of loaded process models.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// RecordArchive records an archive upload outcome.
func (m *Metrics) RecordArchive(outcome string) {
	if m == nil {
		return
	}
	m.ArchivesWritten.WithLabelValues(outcome).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
