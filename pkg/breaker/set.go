package breaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
	"github.com/ctriangulate/ctp/pkg/workerpool"
)

// cascadeThresholdFactor scales a dependent breaker's failureThreshold down
// while the service it depends on is OPEN, so the dependent trips faster
// instead of absorbing the upstream outage call by call (spec.md §4.3
// "Coordination").
const cascadeThresholdFactor = 0.5

// gobreakerAdapter wraps a sony/gobreaker circuit breaker so it satisfies
// the CircuitBreaker interface the rest of this package exposes. It backs
// the cache service only (set.go doc comment), whose error taxonomy is
// exactly gobreaker's binary success/failure model.
type gobreakerAdapter struct {
	cb           *gobreaker.CircuitBreaker[struct{}]
	resetTimeout time.Duration

	mu               sync.Mutex
	openedAt         time.Time
	cacheFallback    func() error
	degradedFunction func() error
}

func newGobreakerAdapter(name string, failureThreshold float64, resetTimeout time.Duration, probeCount int) *gobreakerAdapter {
	if probeCount < 1 {
		probeCount = 1
	}
	a := &gobreakerAdapter{resetTimeout: resetTimeout}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(probeCount),
		Interval:    0,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minSamples {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= failureThreshold
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				a.mu.Lock()
				a.openedAt = time.Now()
				a.mu.Unlock()
			}
		},
	}
	a.cb = gobreaker.NewCircuitBreaker[struct{}](settings)
	return a
}

func (a *gobreakerAdapter) Call(fn func() error) error {
	_, err := a.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return pipelineerrors.CircuitOpenError(a.cb.Name())
	}
	return err
}

// Execute retries fn up to opts.MaxRetries times, then falls back to the
// registered cache fallback or degraded function per opts.
func (a *gobreakerAdapter) Execute(fn func() error, opts ExecuteOptions) error {
	var err error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		err = a.Call(fn)
		if err == nil {
			return nil
		}
		if kind, ok := pipelineerrors.GetKind(err); ok && kind == pipelineerrors.KindCircuitOpen {
			break
		}
	}

	a.mu.Lock()
	fallback := a.cacheFallback
	degraded := a.degradedFunction
	a.mu.Unlock()

	if opts.UseFallback && fallback != nil {
		return fallback()
	}
	if opts.AllowDegraded && degraded != nil {
		return degraded()
	}
	return err
}

func (a *gobreakerAdapter) SetCacheFallback(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cacheFallback = fn
}

func (a *gobreakerAdapter) SetDegradedFunction(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.degradedFunction = fn
}

func (a *gobreakerAdapter) GetState() CircuitState {
	switch a.cb.State() {
	case gobreaker.StateOpen:
		return CircuitStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitStateHalfOpen
	default:
		return CircuitStateClosed
	}
}

func (a *gobreakerAdapter) GetName() string { return a.cb.Name() }

func (a *gobreakerAdapter) NextRetryTime() time.Time {
	if a.GetState() != CircuitStateOpen {
		return time.Time{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openedAt.Add(a.resetTimeout)
}

func (a *gobreakerAdapter) PerformanceMetrics() PerformanceMetrics {
	counts := a.cb.Counts()
	var rate float64
	if counts.Requests > 0 {
		rate = float64(counts.TotalFailures) / float64(counts.Requests)
	}
	return PerformanceMetrics{
		State:         a.GetState(),
		TotalCalls:    int64(counts.Requests),
		TotalFailures: int64(counts.TotalFailures),
		FailureRate:   rate,
		NextRetryAt:   a.NextRetryTime(),
	}
}

// ServiceConfig configures one service's breaker within a Set.
type ServiceConfig struct {
	FailureThreshold float64
	ResetTimeout     time.Duration
	ProbeCount       int      // consecutive HALF_OPEN successes required to close; defaults to 1
	WorkerKind       string   // workerpool kind to shed load from when this breaker opens, if any
	WorkerLimit      int
	Dependents       []string // other configured services whose breaker threshold is lowered while this one is OPEN
}

// ServiceHealth is one service's contribution to a Set's HealthStatus.
type ServiceHealth struct {
	State         CircuitState
	FailureRate   float64
	TotalFailures int64
	NextRetryAt   time.Time
}

// HealthStatus is the CircuitBreakerSet-wide view spec.md §4.3 names:
// an overall rollup, per-service detail, and operator-facing recommendations.
type HealthStatus struct {
	Overall         string
	Services        map[string]ServiceHealth
	Recommendations []string
}

// Set is the CircuitBreakerSet (spec.md §4.3): one breaker per downstream
// service, coordinating with a WorkerPoolManager so an open breaker also
// reduces that service's worker-pool capacity (cascade prevention).
type Set struct {
	breakers map[string]CircuitBreaker
	configs  map[string]ServiceConfig
	pool     *workerpool.Manager
}

// NewSet builds a Set from per-service config. The "cache" service always
// gets a gobreaker-backed breaker; every other service gets a LocalBreaker.
func NewSet(configs map[string]ServiceConfig, pool *workerpool.Manager) *Set {
	breakers := make(map[string]CircuitBreaker, len(configs))
	for name, cfg := range configs {
		if name == "cache" {
			breakers[name] = newGobreakerAdapter(name, cfg.FailureThreshold, cfg.ResetTimeout, cfg.ProbeCount)
		} else {
			breakers[name] = NewCircuitBreaker(name, cfg.FailureThreshold, cfg.ResetTimeout, cfg.ProbeCount)
		}
	}
	return &Set{breakers: breakers, configs: configs, pool: pool}
}

// Call routes through the named service's breaker, classifying fn's error
// first, and reduces or restores that service's worker-pool capacity on a
// state transition.
func (s *Set) Call(service string, fn func() error) error {
	cb, ok := s.breakers[service]
	if !ok {
		return fn()
	}

	before := cb.GetState()
	err := cb.Call(func() error { return Classify(service, fn()) })
	s.handleTransition(service, before, cb.GetState())
	return err
}

// Execute routes through the named service's breaker's Execute, applying
// opts' retry/fallback/degraded policy, with the same cascade coordination
// as Call.
func (s *Set) Execute(service string, fn func() error, opts ExecuteOptions) error {
	cb, ok := s.breakers[service]
	if !ok {
		return fn()
	}

	before := cb.GetState()
	err := cb.Execute(func() error { return Classify(service, fn()) }, opts)
	s.handleTransition(service, before, cb.GetState())
	return err
}

// handleTransition applies worker-pool capacity shedding and dependent
// threshold adjustment when service's breaker state changes.
func (s *Set) handleTransition(service string, before, after CircuitState) {
	if before == after {
		return
	}
	cfg := s.configs[service]

	if s.pool != nil && cfg.WorkerKind != "" {
		if after == CircuitStateOpen {
			s.pool.ReduceCapacity(cfg.WorkerKind, cfg.WorkerLimit)
		} else if after == CircuitStateClosed {
			s.pool.RestoreCapacity(cfg.WorkerKind, cfg.WorkerLimit)
		}
	}

	for _, dep := range cfg.Dependents {
		depCB, ok := s.breakers[dep]
		if !ok {
			continue
		}
		lb, ok := depCB.(*LocalBreaker)
		if !ok {
			continue
		}
		if after == CircuitStateOpen {
			lb.LowerThreshold(cascadeThresholdFactor)
		} else if after == CircuitStateClosed {
			lb.RestoreThreshold()
		}
	}
}

// SetCacheFallback registers service's fallback function, used by Execute
// when UseFallback is set and the call fails.
func (s *Set) SetCacheFallback(service string, fn func() error) {
	if cb, ok := s.breakers[service]; ok {
		cb.SetCacheFallback(fn)
	}
}

// SetDegradedFunction registers service's degraded-mode function, used by
// Execute when AllowDegraded is set and the call fails.
func (s *Set) SetDegradedFunction(service string, fn func() error) {
	if cb, ok := s.breakers[service]; ok {
		cb.SetDegradedFunction(fn)
	}
}

// State returns the current state of the named service's breaker, or
// CLOSED if the service is unconfigured.
func (s *Set) State(service string) CircuitState {
	if cb, ok := s.breakers[service]; ok {
		return cb.GetState()
	}
	return CircuitStateClosed
}

// HealthStatus aggregates every configured breaker's PerformanceMetrics
// into a single operator-facing view (spec.md §4.3).
func (s *Set) HealthStatus() HealthStatus {
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	sort.Strings(names)

	services := make(map[string]ServiceHealth, len(names))
	overall := "healthy"
	var recommendations []string

	for _, name := range names {
		pm := s.breakers[name].PerformanceMetrics()
		services[name] = ServiceHealth{
			State:         pm.State,
			FailureRate:   pm.FailureRate,
			TotalFailures: pm.TotalFailures,
			NextRetryAt:   pm.NextRetryAt,
		}
		switch pm.State {
		case CircuitStateOpen:
			overall = "critical"
			recommendations = append(recommendations,
				fmt.Sprintf("%s circuit is open; next retry at %s", name, pm.NextRetryAt.Format(time.RFC3339)))
		case CircuitStateHalfOpen:
			if overall != "critical" {
				overall = "degraded"
			}
			recommendations = append(recommendations, fmt.Sprintf("%s circuit is probing recovery", name))
		}
	}

	return HealthStatus{Overall: overall, Services: services, Recommendations: recommendations}
}
