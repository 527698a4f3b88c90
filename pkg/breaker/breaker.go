// Package breaker implements CircuitBreakerSet (spec.md §4.3): per-service
// circuit breakers with CLOSED/OPEN/HALF_OPEN states and error
// classification that excludes rate-limit and backoff signals from the
// failure count.
//
// CircuitBreaker here is a thin, spec-faithful reimplementation (a
// cumulative failure-rate window with a minimum sample size, mirroring the
// teacher's dependency.CircuitBreaker), used directly for the llm and graph
// services. The cache service instead uses sony/gobreaker (set.go), whose
// binary success/failure model fits the cache error taxonomy exactly; both
// share the CircuitBreaker interface so callers never care which backs it.
package breaker

import (
	"sync"
	"time"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

// CircuitState is one of the three breaker states spec.md §4.3 names.
type CircuitState string

const (
	CircuitStateClosed   CircuitState = "CLOSED"
	CircuitStateOpen     CircuitState = "OPEN"
	CircuitStateHalfOpen CircuitState = "HALF_OPEN"
)

// minSamples is the minimum number of calls observed before the failure
// rate is evaluated against failureThreshold, avoiding a single early
// failure tripping the breaker.
const minSamples = 5

// maxTimeoutMultiple caps the exponential back-off spec.md §4.3 describes
// ("each subsequent failure doubles the next timeout") at 16x the
// configured resetTimeout, so a chronically failing dependency never pushes
// the retry horizon out indefinitely.
const maxTimeoutMultiple = 16

// ExecuteOptions configures one Execute call (spec.md §4.3).
type ExecuteOptions struct {
	MaxRetries    int
	UseFallback   bool
	AllowDegraded bool
}

// PerformanceMetrics is a point-in-time read of one breaker's call history
// (spec.md §4.3's PerformanceMetrics()).
type PerformanceMetrics struct {
	State         CircuitState
	TotalCalls    int64
	TotalFailures int64
	FailureRate   float64
	NextRetryAt   time.Time
}

// CircuitBreaker is the common interface CircuitBreakerSet exposes,
// regardless of which concrete implementation backs a given service.
type CircuitBreaker interface {
	Call(fn func() error) error
	Execute(fn func() error, opts ExecuteOptions) error
	GetState() CircuitState
	GetName() string
	NextRetryTime() time.Time
	PerformanceMetrics() PerformanceMetrics
}

// LocalBreaker is the hand-rolled implementation used for llm and graph.
type LocalBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold float64
	resetTimeout     time.Duration
	probeCount       int

	state          CircuitState
	total          int64
	failures       int64
	openedAt       time.Time
	currentTimeout time.Duration
	backoffUntil   time.Time
	probeSuccesses int

	cacheFallback    func() error
	degradedFunction func() error

	thresholdLowered  bool
	originalThreshold float64
}

// NewCircuitBreaker builds a LocalBreaker starting CLOSED. probeCount is the
// number of consecutive successful HALF_OPEN calls required before the
// breaker closes again; a value below 1 is treated as 1.
func NewCircuitBreaker(name string, failureThreshold float64, resetTimeout time.Duration, probeCount int) *LocalBreaker {
	if probeCount < 1 {
		probeCount = 1
	}
	return &LocalBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		currentTimeout:   resetTimeout,
		probeCount:       probeCount,
		state:            CircuitStateClosed,
	}
}

func (cb *LocalBreaker) GetName() string               { return cb.name }
func (cb *LocalBreaker) GetFailureThreshold() float64   { return cb.failureThreshold }
func (cb *LocalBreaker) GetResetTimeout() time.Duration { return cb.resetTimeout }

func (cb *LocalBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

// stateLocked applies the OPEN -> HALF_OPEN timeout transition lazily, on
// read, rather than via a background timer. Caller holds cb.mu.
func (cb *LocalBreaker) stateLocked() CircuitState {
	if cb.state == CircuitStateOpen && time.Since(cb.openedAt) >= cb.currentTimeout {
		cb.state = CircuitStateHalfOpen
	}
	return cb.state
}

func (cb *LocalBreaker) GetFailureRate() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.total == 0 {
		return 0
	}
	return float64(cb.failures) / float64(cb.total)
}

func (cb *LocalBreaker) GetFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// NextRetryTime reports when an OPEN breaker next allows a HALF_OPEN probe;
// the zero time when not OPEN.
func (cb *LocalBreaker) NextRetryTime() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.stateLocked() != CircuitStateOpen {
		return time.Time{}
	}
	return cb.openedAt.Add(cb.currentTimeout)
}

// PerformanceMetrics returns the breaker's call history and next-retry
// horizon in one read.
func (cb *LocalBreaker) PerformanceMetrics() PerformanceMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	var failureRate float64
	if cb.total > 0 {
		failureRate = float64(cb.failures) / float64(cb.total)
	}
	var nextRetry time.Time
	if cb.stateLocked() == CircuitStateOpen {
		nextRetry = cb.openedAt.Add(cb.currentTimeout)
	}
	return PerformanceMetrics{
		State:         cb.state,
		TotalCalls:    cb.total,
		TotalFailures: cb.failures,
		FailureRate:   failureRate,
		NextRetryAt:   nextRetry,
	}
}

// SetCacheFallback registers the function Execute calls when a CIRCUIT_OPEN
// rejection occurs and the caller opted into UseFallback.
func (cb *LocalBreaker) SetCacheFallback(fn func() error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cacheFallback = fn
}

// SetDegradedFunction registers the function Execute calls when fn fails
// (after retries) and the caller opted into AllowDegraded.
func (cb *LocalBreaker) SetDegradedFunction(fn func() error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.degradedFunction = fn
}

// Call runs fn unless the breaker is OPEN, in which case it fails fast with
// a CIRCUIT_OPEN error and never invokes fn (spec.md §7: CIRCUIT_OPEN does
// not count against job attempts).
//
// A RATE_LIMIT error from fn is excluded from the failure tally entirely
// (spec.md §4.3, scenario 5): it neither opens the circuit nor advances
// failureCount, but does record backoffUntil so callers can inspect it.
// An AUTH_PERMANENT error is likewise returned without being counted and
// never opens the circuit.
func (cb *LocalBreaker) Call(fn func() error) error {
	cb.mu.Lock()
	state := cb.stateLocked()
	if state == CircuitStateOpen {
		cb.mu.Unlock()
		return pipelineerrors.CircuitOpenError(cb.name)
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if kind, ok := pipelineerrors.GetKind(err); ok && kind == pipelineerrors.KindRateLimit {
		cb.backoffUntil = time.Now().Add(200 * time.Millisecond)
		return err
	}
	if kind, ok := pipelineerrors.GetKind(err); ok && kind == pipelineerrors.KindAuthPermanent {
		return err
	}

	cb.total++
	if err != nil {
		cb.failures++
	}

	switch cb.stateLocked() {
	case CircuitStateHalfOpen:
		if err != nil {
			cb.probeSuccesses = 0
			cb.open()
		} else {
			cb.probeSuccesses++
			if cb.probeSuccesses >= cb.probeCount {
				cb.closeLocked()
			}
		}
	case CircuitStateClosed:
		if cb.total >= minSamples && float64(cb.failures)/float64(cb.total) >= cb.failureThreshold {
			cb.open()
		}
	}
	return err
}

// Execute runs fn through Call, retrying up to opts.MaxRetries times on
// failure, then falling back to the registered cache fallback or degraded
// function per opts (spec.md §4.3). Retries never run while the breaker is
// OPEN — a CIRCUIT_OPEN rejection goes straight to the fallback path.
func (cb *LocalBreaker) Execute(fn func() error, opts ExecuteOptions) error {
	var err error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		err = cb.Call(fn)
		if err == nil {
			return nil
		}
		if kind, ok := pipelineerrors.GetKind(err); ok && kind == pipelineerrors.KindCircuitOpen {
			break
		}
	}

	cb.mu.Lock()
	fallback := cb.cacheFallback
	degraded := cb.degradedFunction
	cb.mu.Unlock()

	if opts.UseFallback && fallback != nil {
		return fallback()
	}
	if opts.AllowDegraded && degraded != nil {
		return degraded()
	}
	return err
}

func (cb *LocalBreaker) open() {
	if cb.state == CircuitStateHalfOpen {
		next := cb.currentTimeout * 2
		if max := cb.resetTimeout * maxTimeoutMultiple; next > max {
			next = max
		}
		cb.currentTimeout = next
	}
	cb.state = CircuitStateOpen
	cb.openedAt = time.Now()
}

func (cb *LocalBreaker) closeLocked() {
	cb.state = CircuitStateClosed
	cb.total = 0
	cb.failures = 0
	cb.probeSuccesses = 0
	cb.currentTimeout = cb.resetTimeout
}

// LowerThreshold temporarily scales failureThreshold by factor so a
// dependent breaker trips faster while the service it depends on is open
// (spec.md §4.3 "Coordination"). A no-op if already lowered.
func (cb *LocalBreaker) LowerThreshold(factor float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.thresholdLowered {
		return
	}
	cb.originalThreshold = cb.failureThreshold
	cb.failureThreshold *= factor
	cb.thresholdLowered = true
}

// RestoreThreshold undoes LowerThreshold once the depended-on service
// recovers to CLOSED.
func (cb *LocalBreaker) RestoreThreshold() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.thresholdLowered {
		return
	}
	cb.failureThreshold = cb.originalThreshold
	cb.thresholdLowered = false
}

// BackoffUntil returns the time until which callers should hold off
// retrying, set by the most recent RATE_LIMIT response.
func (cb *LocalBreaker) BackoffUntil() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.backoffUntil
}
