package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for jobhost metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	invocationsTotal  *prometheus.CounterVec
	settlementsTotal  *prometheus.CounterVec
	indexErrorsTotal  *prometheus.CounterVec
	listenerHealth    *prometheus.GaugeVec
	activeInvocations prometheus.Gauge

	invocationDuration *prometheus.HistogramVec
}

// Default histogram buckets for invocation duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of function invocations",
			},
			[]string{"function", "trigger", "status"},
		),

		settlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "message_settlements_total",
				Help:      "Trigger messages by source and settlement outcome",
			},
			[]string{"source", "outcome"},
		),

		indexErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_errors_total",
				Help:      "Functions that failed to index",
			},
			[]string{"function"},
		),

		listenerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "listener_healthy",
				Help:      "1 when the listener of a function is running",
			},
			[]string{"function"},
		),

		activeInvocations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_invocations",
				Help:      "Number of invocations currently running",
			},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_milliseconds",
				Help:      "Duration of function invocations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"function", "trigger"},
		),
	}

	registry.MustRegister(
		pm.invocationsTotal,
		pm.settlementsTotal,
		pm.indexErrorsTotal,
		pm.listenerHealth,
		pm.activeInvocations,
		pm.invocationDuration,
	)

	promMetrics = pm
}

// RecordPrometheusInvocation records an invocation in Prometheus metrics
func RecordPrometheusInvocation(function, trigger string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	promMetrics.invocationsTotal.WithLabelValues(function, trigger, status).Inc()
	promMetrics.invocationDuration.WithLabelValues(function, trigger).Observe(float64(durationMs))
}

func RecordPrometheusSettlement(source, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.settlementsTotal.WithLabelValues(source, outcome).Inc()
}

func RecordPrometheusIndexError(function string) {
	if promMetrics == nil {
		return
	}
	promMetrics.indexErrorsTotal.WithLabelValues(function).Inc()
}

// SetListenerHealthy exports the health of a function's listener.
func SetListenerHealthy(function string, healthy bool) {
	if promMetrics == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	promMetrics.listenerHealth.WithLabelValues(function).Set(v)
}

func IncActiveInvocations() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeInvocations.Inc()
}

func DecActiveInvocations() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeInvocations.Dec()
}

// PrometheusHandler returns the HTTP handler for /metrics
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "prometheus metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry, or nil before InitPrometheus.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
