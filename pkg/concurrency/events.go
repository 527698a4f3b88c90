package concurrency

import "time"

// EventKind tags what happened to a permit or waiter.
type EventKind string

const (
	EventAcquired EventKind = "ACQUIRED"
	EventQueued   EventKind = "QUEUED"
	EventReleased EventKind = "RELEASED"
	EventExpired  EventKind = "EXPIRED"
	EventDropped  EventKind = "DROPPED" // waiter removed by context cancellation
)

// Event is one state transition observed by the manager, per spec.md §9's
// "replace callbacks with a narrow Observer interface".
type Event struct {
	Kind       EventKind
	PermitID   PermitID
	WorkerKind string
	Priority   int
	Reason     string // set on EventExpired; empty for every other kind
}

// Observer receives Events emitted by a GlobalConcurrencyManager. The
// orchestrator wires exactly one sink (e.g. the Prometheus exporter).
type Observer interface {
	Observe(Event)
}

// NopObserver discards every event; the manager's zero value without an
// explicit observer configured.
type NopObserver struct{}

func (NopObserver) Observe(Event) {}

// Metrics is a point-in-time snapshot of manager state, used by the
// Prometheus exporter (pkg/metrics.Recorder); CompletionMonitor polls queue
// counts instead.
type Metrics struct {
	CurrentConcurrency int
	MaxConcurrency     int
	QueueDepth         int
	TotalAcquired       int64
	TotalReleased       int64
	TotalExpired        int64
	PerKindActive       map[string]int
}

// HistoricalMetrics is the cumulative, lifetime-of-the-manager counterpart
// to Metrics (spec.md §4.1): totals since construction plus a moving
// average of how long a granted waiter spent queued.
type HistoricalMetrics struct {
	TotalAcquired      int64
	TotalReleased      int64
	TotalQueued        int64
	TotalTimedOut      int64
	TotalExpired       int64
	AvgAcquireWait     time.Duration
	PerKindTotalGrants map[string]int64
}
