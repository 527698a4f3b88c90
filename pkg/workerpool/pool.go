// Package workerpool implements the WorkerPoolManager (spec.md §4.2): a
// per-kind nested cap composed on top of the GlobalConcurrencyManager's
// process-wide cap, plus adaptive reduction when a downstream circuit
// breaker opens.
//
// The per-kind cap is golang.org/x/sync/semaphore.Weighted, not a
// hand-rolled structure like pkg/concurrency's priority heap — at this
// layer there is no cross-kind priority to arbitrate, only a plain "no more
// than N of kind K" bound, which is exactly what Weighted already does.
package workerpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ctriangulate/ctp/pkg/concurrency"
	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

// Task is one unit of managed work submitted to the pool.
type Task func(ctx context.Context) error

// Manager composes a per-kind semaphore.Weighted with the shared
// concurrency.Manager, so a unit of work never runs unless both the
// per-kind and the global caps have room (spec.md §4.2).
type Manager struct {
	mu       sync.RWMutex
	global   *concurrency.Manager
	limits   map[string]*semaphore.Weighted
	priority map[string]int
	reduced  map[string]bool // kinds currently running at a reduced cap
}

// NewManager builds a Manager over global, with per-kind limits and
// priorities as configured (internal/config.WorkersConfig).
func NewManager(global *concurrency.Manager, limits, priorities map[string]int) *Manager {
	sems := make(map[string]*semaphore.Weighted, len(limits))
	for kind, n := range limits {
		if n <= 0 {
			n = 1
		}
		sems[kind] = semaphore.NewWeighted(int64(n))
	}
	prios := make(map[string]int, len(priorities))
	for k, v := range priorities {
		prios[k] = v
	}
	return &Manager{
		global:   global,
		limits:   sems,
		priority: prios,
		reduced:  make(map[string]bool),
	}
}

// ExecuteManaged runs task under both the per-kind and the global cap,
// releasing both on return regardless of outcome. Cancellation of ctx
// releases the global permit as soon as the current handler reaches its
// next suspension point (spec.md §5).
func (m *Manager) ExecuteManaged(ctx context.Context, kind string, task Task) error {
	m.mu.RLock()
	sem, ok := m.limits[kind]
	m.mu.RUnlock()
	if !ok {
		return pipelineerrors.ConfigurationError("workers.limits", "no limit configured for kind "+kind)
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return pipelineerrors.Wrapf(err, "acquire worker-pool slot for kind %s", kind)
	}
	defer sem.Release(1)

	priority := m.priority[kind]
	permitID, err := m.global.Acquire(ctx, kind, priority)
	if err != nil {
		return err
	}

	err = task(ctx)
	if ctx.Err() == context.DeadlineExceeded {
		// The job's overall timeout lapsed mid-task: treat the permit as a
		// stall rather than a clean release (spec.md §4.1's ForceExpire,
		// invoked by the worker-pool layer per spec.md §5's timeout note).
		_ = m.global.ForceExpire(permitID, "job timeout exceeded for kind "+kind)
	} else {
		_ = m.global.Release(permitID)
	}
	return err
}

// SetPriority updates the default global-concurrency priority ExecuteManaged
// passes for kind (spec.md §4.1's policy knob), effective for every
// subsequent acquire.
func (m *Manager) SetPriority(kind string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority[kind] = n
}

// ReduceCapacity halves kind's effective cap (rounded up to 1) when its
// circuit breaker opens, so the pool sheds load onto the failing dependency
// without the whole pipeline stalling. It is a capability the
// CircuitBreakerSet calls on observing an OPEN transition.
func (m *Manager) ReduceCapacity(kind string, originalLimit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reduced[kind] {
		return
	}
	reduced := originalLimit / 2
	if reduced < 1 {
		reduced = 1
	}
	m.limits[kind] = semaphore.NewWeighted(int64(reduced))
	m.reduced[kind] = true
}

// RestoreCapacity returns kind to its configured limit once its breaker
// recovers to CLOSED.
func (m *Manager) RestoreCapacity(kind string, originalLimit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reduced[kind] {
		return
	}
	m.limits[kind] = semaphore.NewWeighted(int64(originalLimit))
	delete(m.reduced, kind)
}

// IsReduced reports whether kind is currently running at a reduced cap.
func (m *Manager) IsReduced(kind string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reduced[kind]
}
