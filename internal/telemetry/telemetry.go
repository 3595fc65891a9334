// Package telemetry holds the orchestrator's Prometheus metrics: pool
// occupancy, execution latency, KV/object-store call latency, and pod
// creation failures, exposed on the configured metrics address.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of instruments read by the pool, runner, kv, and
// objectstore packages. Constructed once in internal/app and passed by
// reference, never a package-level global.
type Metrics struct {
	PoolWarmPods   *prometheus.GaugeVec
	PoolTotalPods  *prometheus.GaugeVec
	PodCreateFails *prometheus.CounterVec

	ExecutionLatency *prometheus.HistogramVec
	ExecutionTotal   *prometheus.CounterVec

	BackendLatency *prometheus.HistogramVec
}

// New registers every instrument against a fresh registry.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		PoolWarmPods: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "pool",
			Name:      "warm_pods",
			Help:      "Current count of warm, unacquired pods per language.",
		}, []string{"language"}),

		PoolTotalPods: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "pool",
			Name:      "total_pods",
			Help:      "Current total pod count (warm + acquired) per language.",
		}, []string{"language"}),

		PodCreateFails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "pool",
			Name:      "pod_create_failures_total",
			Help:      "Count of pod creation failures per language.",
		}, []string{"language"}),

		ExecutionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "runner",
			Name:      "execution_duration_seconds",
			Help:      "End-to-end execution latency by language and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"language", "status"}),

		ExecutionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "runner",
			Name:      "executions_total",
			Help:      "Count of executions by language and outcome.",
		}, []string{"language", "status"}),

		BackendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Latency of KV and object-store calls by backend and operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "operation"}),
	}, reg
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
