// Package metrics exposes the pipeline's internal state as Prometheus
// collectors (`github.com/prometheus/client_golang`, a teacher dependency),
// grounded on wisbric-nightowl/internal/telemetry's package-level
// Counter/CounterVec/HistogramVec declarations plus an All() collector
// list for registration, and on its internal/httpserver's
// promhttp.HandlerFor(reg, ...) mount under /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "ctp"

var (
	ConcurrencyCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "concurrency",
		Name:      "current",
		Help:      "Current number of granted global concurrency permits.",
	})

	ConcurrencyMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "concurrency",
		Name:      "max",
		Help:      "Configured maximum global concurrency.",
	})

	ConcurrencyQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "concurrency",
		Name:      "queue_depth",
		Help:      "Number of callers waiting for a global concurrency permit.",
	})

	ConcurrencyEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "concurrency",
		Name:      "events_total",
		Help:      "Total concurrency permit lifecycle events by kind.",
	}, []string{"kind", "worker_kind"})

	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per service: 0=CLOSED, 1=HALF_OPEN, 2=OPEN.",
	}, []string{"service"})

	QueueJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "jobs",
		Help:      "Job counts per queue by status (active, waiting, delayed, completed, failed).",
	}, []string{"queue", "status"})

	LLMCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Total LLM client calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	GraphNodesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "graph",
		Name:      "nodes_total",
		Help:      "Total POI nodes projected into the graph store.",
	})

	GraphEdgesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "graph",
		Name:      "edges_total",
		Help:      "Total relationship edges projected into the graph store.",
	})
)

// All returns every collector this package defines, for registration with
// a prometheus.Registry (mirrors wisbric-nightowl/internal/telemetry.All).
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ConcurrencyCurrent,
		ConcurrencyMax,
		ConcurrencyQueueDepth,
		ConcurrencyEventsTotal,
		BreakerState,
		QueueJobs,
		LLMCallsTotal,
		GraphNodesTotal,
		GraphEdgesTotal,
	}
}

// NewRegistry builds a fresh prometheus.Registry with every collector in
// All() registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}

// BreakerStateValue maps a breaker.CircuitState string onto the gauge value
// BreakerState expects, without importing pkg/breaker (avoiding an import
// cycle, since pkg/breaker has no reason to depend on pkg/metrics).
func BreakerStateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}
