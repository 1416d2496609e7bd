// Package metrics defines the Prometheus instruments exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ezkeys"

// Metrics holds every instrument plus the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	KeyOperations   *prometheus.CounterVec
	HashDuration    *prometheus.HistogramVec
	AuthFailures    *prometheus.CounterVec
	KMSOperations   *prometheus.CounterVec
	AuditPublished  prometheus.Counter
	HashInFlightMax prometheus.Gauge
}

// New creates a registry with the Go and process collectors and the service
// instruments registered on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed, by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		KeyOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_operations_total",
			Help:      "Key lifecycle operations, by operation and error code (empty on success).",
		}, []string{"operation", "code"}),
		HashDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hash_duration_seconds",
			Help:      "Argon2id derivation latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected principal or API key authentications, by path.",
		}, []string{"path"}),
		KMSOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kms_operations_total",
			Help:      "KMS encrypt and decrypt calls, by result.",
		}, []string{"operation", "result"}),
		AuditPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Audit events handed to the sink.",
		}),
		HashInFlightMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hash_concurrency_limit",
			Help:      "Configured maximum concurrent hash derivations.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests,
		m.HTTPDuration,
		m.KeyOperations,
		m.HashDuration,
		m.AuthFailures,
		m.KMSOperations,
		m.AuditPublished,
		m.HashInFlightMax,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHash records one derivation.
func (m *Metrics) ObserveHash(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.HashDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// KeyOperation records the outcome of a lifecycle operation. code is empty
// on success.
func (m *Metrics) KeyOperation(operation, code string) {
	if m == nil {
		return
	}
	m.KeyOperations.WithLabelValues(operation, code).Inc()
}

// AuthFailure records a rejected authentication.
func (m *Metrics) AuthFailure(path string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(path).Inc()
}

// KMS records a KMS call.
func (m *Metrics) KMS(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.KMSOperations.WithLabelValues(operation, result).Inc()
}

// AuditEvent records an event handed to the sink.
func (m *Metrics) AuditEvent() {
	if m == nil {
		return
	}
	m.AuditPublished.Inc()
}

// HTTPRequest records a served request.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusLabel(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
