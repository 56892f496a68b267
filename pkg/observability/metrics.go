package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels
const (
	ResultSuccess  = "success"
	ResultDenied   = "denied"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	LoginsTotal         *prometheus.CounterVec
	CredentialRotations *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge

	// Workflow metrics
	WorkflowTransitionsTotal *prometheus.CounterVec
	PendingRequests          *prometheus.GaugeVec

	// Live-sync metrics
	SyncFetchesTotal  *prometheus.CounterVec
	SyncFetchDuration *prometheus.HistogramVec
	SyncSubscribers   *prometheus.GaugeVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portal_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_logins_total",
				Help: "Login attempts by channel and result",
			},
			[]string{"channel", "result"},
		),
		CredentialRotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_credential_rotations_total",
				Help: "Lazy credential rotations performed at login",
			},
			[]string{"result"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "portal_active_sessions",
				Help: "Number of live sessions",
			},
		),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_workflow_transitions_total",
				Help: "Workflow state transitions by workflow, transition and result",
			},
			[]string{"workflow", "transition", "result"},
		),
		PendingRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portal_pending_requests",
				Help: "Requests waiting for a super-admin decision, as of the last digest",
			},
			[]string{"workflow"},
		),
		SyncFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_livesync_fetches_total",
				Help: "Live-sync collection fetches",
			},
			[]string{"collection", "result"},
		),
		SyncFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portal_livesync_fetch_duration_seconds",
				Help:    "Live-sync fetch duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"collection"},
		),
		SyncSubscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portal_livesync_subscribers",
				Help: "Active live-sync subscriptions",
			},
			[]string{"collection"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_notifications_total",
				Help: "Out-of-band notifications sent",
			},
			[]string{"kind", "result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.CredentialRotations,
		m.ActiveSessions,
		m.WorkflowTransitionsTotal,
		m.PendingRequests,
		m.SyncFetchesTotal,
		m.SyncFetchDuration,
		m.SyncSubscribers,
		m.NotificationsTotal,
	)

	return m
}

// RecordLogin counts a login attempt
func (m *Metrics) RecordLogin(channel, result string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(channel, result).Inc()
}

// RecordRotation counts a lazy credential rotation
func (m *Metrics) RecordRotation(result string) {
	if m == nil {
		return
	}
	m.CredentialRotations.WithLabelValues(result).Inc()
}

// SetActiveSessions reports the live session count
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordTransition counts a workflow transition attempt
func (m *Metrics) RecordTransition(workflow, transition, result string) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(workflow, transition, result).Inc()
}

// SetPending reports the pending count of a workflow
func (m *Metrics) SetPending(workflow string, n int) {
	if m == nil {
		return
	}
	m.PendingRequests.WithLabelValues(workflow).Set(float64(n))
}

// RecordSyncFetch records a live-sync fetch
func (m *Metrics) RecordSyncFetch(collection string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.SyncFetchesTotal.WithLabelValues(collection, result).Inc()
	m.SyncFetchDuration.WithLabelValues(collection).Observe(d.Seconds())
}

// AddSubscribers adjusts the subscriber gauge of a collection
func (m *Metrics) AddSubscribers(collection string, delta int) {
	if m == nil {
		return
	}
	m.SyncSubscribers.WithLabelValues(collection).Add(float64(delta))
}

// RecordNotification counts a notification delivery
func (m *Metrics) RecordNotification(kind string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.NotificationsTotal.WithLabelValues(kind, result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. Requests are labelled with
// the mux route template to keep label cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
