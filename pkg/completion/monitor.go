// Package completion implements the CompletionMonitor (spec.md §4.8):
// idle-based pipeline termination with a wall-clock timeout and a
// failure-rate guard rail, polling QueueManager.GetJobCounts instead of a
// global barrier.
package completion

import (
	"context"
	"sync"
	"time"

	"github.com/ctriangulate/ctp/pkg/queue"
)

// Result is the terminal reason a Monitor stopped waiting.
type Result string

const (
	ResultCompleted         Result = "COMPLETED"
	ResultTimeout           Result = "TIMEOUT"
	ResultExcessiveFailures Result = "EXCESSIVE_FAILURES"
)

// Target names one queue (and its consumer group, if any) to poll.
type Target struct {
	Queue string
	Group string
}

// Config configures a Monitor.
type Config struct {
	Targets            []Target
	CheckInterval      time.Duration
	RequiredIdleChecks int
	MaxWaitTime        time.Duration
	MaxFailureRate     float64
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
	if c.RequiredIdleChecks <= 0 {
		c.RequiredIdleChecks = 3
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = 30 * time.Minute
	}
	if c.MaxFailureRate <= 0 {
		c.MaxFailureRate = 0.5
	}
	return c
}

// Snapshot is the last poll's aggregate counts, readable concurrently by the
// Prometheus exporter while Await is still blocking (pkg/concurrency's
// Metrics() names this same "protected, non-blocking read" shape).
type Snapshot struct {
	Active    int64
	Waiting   int64
	Delayed   int64
	Completed int64
	Failed    int64
}

func (s Snapshot) active() int64 { return s.Active + s.Waiting + s.Delayed }

// Monitor polls a fixed set of queue targets and decides when the pipeline
// has gone idle, timed out, or failed excessively.
type Monitor struct {
	qm  *queue.Manager
	cfg Config

	mu   sync.RWMutex
	last Snapshot
}

// NewMonitor builds a Monitor over qm, polling cfg.Targets.
func NewMonitor(qm *queue.Manager, cfg Config) *Monitor {
	return &Monitor{qm: qm, cfg: cfg.withDefaults()}
}

// Snapshot returns the most recently observed aggregate counts. Safe to call
// concurrently with Await.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Await blocks, polling on cfg.CheckInterval, until the pipeline has been
// idle for cfg.RequiredIdleChecks consecutive polls, the failure-rate guard
// rail trips, cfg.MaxWaitTime elapses, or ctx is cancelled.
func (m *Monitor) Await(ctx context.Context) (Result, error) {
	deadline := time.Now().Add(m.cfg.MaxWaitTime)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	idleStreak := 0

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		snap, err := m.poll(ctx)
		if err != nil {
			return "", err
		}
		m.mu.Lock()
		m.last = snap
		m.mu.Unlock()

		total := snap.Completed + snap.Failed
		if total >= 10 && float64(snap.Failed)/float64(total) > m.cfg.MaxFailureRate {
			return ResultExcessiveFailures, nil
		}

		if snap.active() == 0 {
			idleStreak++
			if idleStreak >= m.cfg.RequiredIdleChecks {
				return ResultCompleted, nil
			}
		} else {
			idleStreak = 0
		}

		if time.Now().After(deadline) {
			return ResultTimeout, nil
		}
	}
}

// poll sums GetJobCounts across every configured target.
func (m *Monitor) poll(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	for _, target := range m.cfg.Targets {
		counts, err := m.qm.GetJobCounts(ctx, target.Queue, target.Group)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Active += counts.Active
		snap.Waiting += counts.Waiting
		snap.Delayed += counts.Delayed
		snap.Completed += counts.Completed
		snap.Failed += counts.Failed
	}
	return snap, nil
}
