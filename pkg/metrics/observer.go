package metrics

import "github.com/ctriangulate/ctp/pkg/concurrency"

// ConcurrencyObserver implements concurrency.Observer by incrementing
// ConcurrencyEventsTotal, the Prometheus sink spec.md §9's "replace
// callbacks with a narrow Observer interface" note anticipates
// (pkg/concurrency/events.go: "the orchestrator wires exactly one sink,
// e.g. the Prometheus exporter").
type ConcurrencyObserver struct{}

func (ConcurrencyObserver) Observe(e concurrency.Event) {
	ConcurrencyEventsTotal.WithLabelValues(string(e.Kind), e.WorkerKind).Inc()
}
