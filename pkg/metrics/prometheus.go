package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide metrics container.
type Metrics struct {
	// Router (RRR) metrics.
	RouteRequestsTotal    *prometheus.CounterVec
	RouteRequestDuration  *prometheus.HistogramVec
	RouteRequestsInFlight prometheus.Gauge
	CacheHitsTotal        *prometheus.CounterVec
	CircuitStateChanges   *prometheus.CounterVec

	// Saga (OSC) metrics.
	SagaStartedTotal   *prometheus.CounterVec
	SagaCompletedTotal *prometheus.CounterVec
	SagaDuration       *prometheus.HistogramVec
	SagaStepRetries    *prometheus.CounterVec

	// Outbox relay (OR) metrics.
	OutboxPublishedTotal *prometheus.CounterVec
	OutboxDLQTotal       *prometheus.CounterVec
	OutboxBacklogSize    prometheus.Gauge

	// System metrics.
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics registers and returns the process-wide metrics container
// under the given namespace/subsystem.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		RouteRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "route_requests_total",
				Help:      "Total number of requests proxied by the router",
			},
			[]string{"service", "method", "status"},
		),

		RouteRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "route_request_duration_seconds",
				Help:      "Duration of proxied requests",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 2.5, 5, 10},
			},
			[]string{"service", "method"},
		),

		RouteRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "route_requests_in_flight",
				Help:      "Current number of requests being proxied",
			},
		),

		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "route_cache_lookups_total",
				Help:      "Response cache lookups by outcome",
			},
			[]string{"service", "result"}, // result: hit|miss
		),

		CircuitStateChanges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "circuit_state_changes_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"service", "to"},
		),

		SagaStartedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "saga_started_total",
				Help:      "Total number of sagas started",
			},
			[]string{"saga_type"},
		),

		SagaCompletedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "saga_completed_total",
				Help:      "Total number of sagas reaching a terminal state",
			},
			[]string{"saga_type", "status"}, // status: completed|compensated|failed
		),

		SagaDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "saga_duration_seconds",
				Help:      "Wall-clock duration from saga start to terminal state",
				Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"saga_type", "status"},
		),

		SagaStepRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "saga_step_retries_total",
				Help:      "Total number of saga step retry attempts",
			},
			[]string{"saga_type", "step"},
		),

		OutboxPublishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "outbox_published_total",
				Help:      "Total number of outbox events published to the bus",
			},
			[]string{"event_type", "status"},
		),

		OutboxDLQTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "outbox_dlq_total",
				Help:      "Total number of outbox events diverted to the dead-letter queue",
			},
			[]string{"event_type"},
		),

		OutboxBacklogSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "outbox_backlog_size",
				Help:      "Number of unprocessed outbox events observed on the last poll",
			},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service build information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the process-wide metrics, lazily initializing under the
// "orderctl" namespace if InitMetrics was never called explicitly.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("orderctl", "")
	}
	return defaultMetrics
}

// RecordRouteRequest records one proxied request's outcome and latency.
func (m *Metrics) RecordRouteRequest(service, method, status string, duration time.Duration) {
	m.RouteRequestsTotal.WithLabelValues(service, method, status).Inc()
	m.RouteRequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss for service.
func (m *Metrics) RecordCacheLookup(service string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheHitsTotal.WithLabelValues(service, result).Inc()
}

// RecordCircuitStateChange records a circuit breaker transition.
func (m *Metrics) RecordCircuitStateChange(service, to string) {
	m.CircuitStateChanges.WithLabelValues(service, to).Inc()
}

// RecordSagaStarted records the start of a saga of the given type.
func (m *Metrics) RecordSagaStarted(sagaType string) {
	m.SagaStartedTotal.WithLabelValues(sagaType).Inc()
}

// RecordSagaTerminal records a saga reaching a terminal status and its
// total duration.
func (m *Metrics) RecordSagaTerminal(sagaType, status string, duration time.Duration) {
	m.SagaCompletedTotal.WithLabelValues(sagaType, status).Inc()
	m.SagaDuration.WithLabelValues(sagaType, status).Observe(duration.Seconds())
}

// RecordSagaStepRetry records one retry attempt of a saga step.
func (m *Metrics) RecordSagaStepRetry(sagaType, step string) {
	m.SagaStepRetries.WithLabelValues(sagaType, step).Inc()
}

// RecordOutboxPublish records one outbox dispatch attempt's outcome.
func (m *Metrics) RecordOutboxPublish(eventType, status string) {
	m.OutboxPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// RecordOutboxDLQ records one event diverted to the dead-letter queue.
func (m *Metrics) RecordOutboxDLQ(eventType string) {
	m.OutboxDLQTotal.WithLabelValues(eventType).Inc()
}

// SetOutboxBacklogSize records the unprocessed-event count observed on
// the relay's last poll.
func (m *Metrics) SetOutboxBacklogSize(n int) {
	m.OutboxBacklogSize.Set(float64(n))
}

// SetServiceInfo publishes build metadata as a constant gauge.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer runs a blocking HTTP server exposing /metrics and
// /health on port.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
