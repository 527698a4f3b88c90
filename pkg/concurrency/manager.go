// Package concurrency implements the GlobalConcurrencyManager (spec.md
// §4.1): a single process-wide cap on in-flight work, with priority-ordered,
// optionally fair-scheduled waiters, and explicit cancellation.
//
// The acquire path is a hand-rolled mutex + container/heap structure rather
// than golang.org/x/sync/semaphore.Weighted, because semaphore.Weighted has
// no hook for reordering waiters by priority on release — it grants strictly
// in FIFO (or size-fit) order. WorkerPoolManager (pkg/workerpool) still uses
// semaphore.Weighted for its own per-kind nested cap, where priority does
// not apply.
package concurrency

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

// Manager is the GlobalConcurrencyManager: one process-wide semaphore with
// priority-ordered waiters.
type Manager struct {
	mu sync.Mutex

	maxConcurrency int
	queueSizeLimit int
	permitTimeout  time.Duration

	granted map[PermitID]*permit
	waiters *waiterHeap
	nextSeq int64

	totalAcquired int64
	totalReleased int64
	totalExpired  int64
	totalQueued   int64
	totalTimedOut int64
	perKindTotal  map[string]int64
	waitSum       time.Duration
	waitCount     int64

	observer Observer

	closed bool
	stopCh chan struct{}
}

// Config configures a new Manager.
type Config struct {
	MaxConcurrency int
	QueueSizeLimit int // 0 disables the waiter-queue cap; Acquire fails QUEUE_FULL once exceeded
	FairScheduling bool
	PermitTimeout  time.Duration // 0 disables permit expiry
	Observer       Observer
}

// NewManager constructs a Manager. MaxConcurrency must be positive.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, pipelineerrors.ConfigurationError("concurrency.max_concurrency", "must be positive")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	return &Manager{
		maxConcurrency: cfg.MaxConcurrency,
		queueSizeLimit: cfg.QueueSizeLimit,
		permitTimeout:  cfg.PermitTimeout,
		granted:        make(map[PermitID]*permit),
		waiters:        newWaiterHeap(cfg.FairScheduling),
		perKindTotal:   make(map[string]int64),
		observer:       obs,
		stopCh:         make(chan struct{}),
	}, nil
}

// Acquire blocks until a permit is granted, ctx is done, or the manager is
// closed. On success it returns a PermitID that must be passed to Release
// exactly once.
func (m *Manager) Acquire(ctx context.Context, kind string, priority int) (PermitID, error) {
	id := PermitID(uuid.NewString())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", pipelineerrors.FailedTo("acquire concurrency permit", context.Canceled)
	}
	if len(m.granted) < m.maxConcurrency {
		m.grantLocked(id, kind, priority)
		m.mu.Unlock()
		return id, nil
	}

	if m.queueSizeLimit > 0 && m.waiters.Len() >= m.queueSizeLimit {
		m.mu.Unlock()
		return "", pipelineerrors.QueueFullError(kind)
	}

	w := &waiter{
		id:         id,
		kind:       kind,
		priority:   priority,
		enqueuedAt: time.Now(),
		seq:        m.nextSeq,
		ready:      make(chan struct{}),
	}
	m.nextSeq++
	heap.Push(m.waiters, w)
	m.totalQueued++
	m.observer.Observe(Event{Kind: EventQueued, PermitID: id, WorkerKind: kind, Priority: priority})
	m.mu.Unlock()

	select {
	case <-w.ready:
		return id, nil
	case <-ctx.Done():
		m.cancelWaiter(w)
		return "", pipelineerrors.Wrapf(ctx.Err(), "acquire concurrency permit for kind %s", kind)
	case <-m.stopCh:
		m.cancelWaiter(w)
		return "", pipelineerrors.FailedTo("acquire concurrency permit", context.Canceled)
	}
}

// cancelWaiter removes w from the queue if it has not already been granted;
// if it was granted concurrently with the cancellation, the permit it holds
// is released immediately so no slot leaks.
func (m *Manager) cancelWaiter(w *waiter) {
	m.mu.Lock()
	if w.resolved {
		// Already granted; the permit exists in m.granted under w.id.
		m.mu.Unlock()
		m.Release(w.id)
		return
	}
	for i, other := range m.waiters.items {
		if other == w {
			heap.Remove(m.waiters, i)
			break
		}
	}
	m.totalTimedOut++
	m.observer.Observe(Event{Kind: EventDropped, PermitID: w.id, WorkerKind: w.kind, Priority: w.priority})
	m.mu.Unlock()
}

// grantLocked records a new permit for id/kind/priority. Caller holds m.mu.
func (m *Manager) grantLocked(id PermitID, kind string, priority int) {
	m.granted[id] = &permit{id: id, kind: kind, priority: priority, acquiredAt: time.Now()}
	m.totalAcquired++
	m.perKindTotal[kind]++
	if h, ok := m.waiters.served[kind]; ok {
		m.waiters.served[kind] = h + 1
	} else {
		m.waiters.served[kind] = 1
	}
	m.observer.Observe(Event{Kind: EventAcquired, PermitID: id, WorkerKind: kind, Priority: priority})
}

// promoteNextWaiterLocked pops the next eligible waiter (if any), grants it
// a permit, records its queue wait in the acquire-latency moving average,
// and wakes it. Caller holds m.mu.
func (m *Manager) promoteNextWaiterLocked() {
	if m.waiters.Len() == 0 {
		return
	}
	next := heap.Pop(m.waiters).(*waiter)
	next.resolved = true
	m.waitSum += time.Since(next.enqueuedAt)
	m.waitCount++
	m.grantLocked(next.id, next.kind, next.priority)
	close(next.ready)
}

// Release returns a permit to the pool and grants it to the next eligible
// waiter, if any. Releasing an unknown or already-released id is a no-op.
func (m *Manager) Release(id PermitID) error {
	m.mu.Lock()
	p, ok := m.granted[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.granted, id)
	m.totalReleased++
	m.observer.Observe(Event{Kind: EventReleased, PermitID: id, WorkerKind: p.kind, Priority: p.priority})
	m.promoteNextWaiterLocked()
	m.mu.Unlock()
	return nil
}

// ForceExpire treats permitID as released for crash/stall recovery
// (spec.md §4.1): the worker-pool layer calls this when a job's context
// deadline has passed by the time its task returns. Counted as
// expired, not released, and emits PermitExpired with reason attached.
// Idempotent: expiring an unknown or already-resolved id is a no-op.
func (m *Manager) ForceExpire(id PermitID, reason string) error {
	m.mu.Lock()
	p, ok := m.granted[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.granted, id)
	m.totalExpired++
	m.observer.Observe(Event{Kind: EventExpired, PermitID: id, WorkerKind: p.kind, Priority: p.priority, Reason: reason})
	m.promoteNextWaiterLocked()
	m.mu.Unlock()
	return nil
}

// sweepExpired forcibly releases every permit held longer than
// permitTimeout, counting each as expired rather than released. No-op when
// PermitTimeout is 0 (disabled).
func (m *Manager) sweepExpired() {
	if m.permitTimeout <= 0 {
		return
	}
	now := time.Now()

	m.mu.Lock()
	var expired []PermitID
	for id, p := range m.granted {
		if now.Sub(p.acquiredAt) >= m.permitTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		p := m.granted[id]
		delete(m.granted, id)
		m.totalExpired++
		m.observer.Observe(Event{Kind: EventExpired, PermitID: id, WorkerKind: p.kind, Priority: p.priority, Reason: "permit_timeout"})
		m.promoteNextWaiterLocked()
	}
	m.mu.Unlock()
}

// Run starts the permit-expiry sweeper. It returns when ctx is done or Close
// is called. Safe to omit entirely when PermitTimeout is 0.
func (m *Manager) Run(ctx context.Context) {
	if m.permitTimeout <= 0 {
		select {
		case <-ctx.Done():
		case <-m.stopCh:
		}
		return
	}
	ticker := time.NewTicker(m.permitTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

// EnableFairScheduling toggles fair, per-kind round-robin ordering of
// waiters at runtime (spec.md §4.1's policy knob), without disturbing
// waiters already queued.
func (m *Manager) EnableFairScheduling(enabled bool) {
	m.mu.Lock()
	m.waiters.fair = enabled
	m.mu.Unlock()
}

// Close stops accepting new waiters; queued Acquire calls return an error.
// Already-granted permits are unaffected.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stopCh)
	m.mu.Unlock()
}

// Snapshot returns a non-blocking, mutex-protected read of current state
// (spec.md §4.1's implied Metrics(), named explicitly per SPEC_FULL.md §4.1).
func (m *Manager) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	perKind := make(map[string]int)
	for _, p := range m.granted {
		perKind[p.kind]++
	}
	return Metrics{
		CurrentConcurrency: len(m.granted),
		MaxConcurrency:     m.maxConcurrency,
		QueueDepth:         m.waiters.Len(),
		TotalAcquired:      m.totalAcquired,
		TotalReleased:      m.totalReleased,
		TotalExpired:       m.totalExpired,
		PerKindActive:      perKind,
	}
}

// HistoricalMetrics returns the lifetime aggregate counters and moving
// average acquire latency (spec.md §4.1), separate from Snapshot's
// point-in-time view.
func (m *Manager) HistoricalMetrics() HistoricalMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	perKind := make(map[string]int64, len(m.perKindTotal))
	for k, v := range m.perKindTotal {
		perKind[k] = v
	}
	var avgWait time.Duration
	if m.waitCount > 0 {
		avgWait = m.waitSum / time.Duration(m.waitCount)
	}
	return HistoricalMetrics{
		TotalAcquired:      m.totalAcquired,
		TotalReleased:      m.totalReleased,
		TotalQueued:        m.totalQueued,
		TotalTimedOut:      m.totalTimedOut,
		TotalExpired:       m.totalExpired,
		AvgAcquireWait:     avgWait,
		PerKindTotalGrants: perKind,
	}
}
