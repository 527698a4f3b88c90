package breaker

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

var _ = Describe("LocalBreaker", func() {
	It("initializes closed with the given configuration", func() {
		cb := NewCircuitBreaker("test-circuit", 0.5, 60*time.Second, 1)

		Expect(cb.GetState()).To(Equal(CircuitStateClosed))
		Expect(cb.GetName()).To(Equal("test-circuit"))
		Expect(cb.GetFailureThreshold()).To(Equal(0.5))
		Expect(cb.GetResetTimeout()).To(Equal(60 * time.Second))
	})

	// Breaker state law (spec.md §8): after failureThreshold consecutive
	// non-excluded failures, the next call observes CIRCUIT_OPEN.
	It("opens once the failure rate reaches the threshold", func() {
		cb := NewCircuitBreaker("test-circuit", 0.5, 60*time.Second, 1)

		for i := 0; i < 2; i++ {
			Expect(cb.Call(func() error { return nil })).To(Succeed())
		}
		for i := 0; i < 3; i++ {
			Expect(cb.Call(func() error { return fmt.Errorf("failure") })).To(HaveOccurred())
		}

		Expect(cb.GetState()).To(Equal(CircuitStateOpen))
		Expect(cb.GetFailureRate()).To(BeNumerically("~", 0.6, 0.01))
	})

	It("stays closed below the threshold", func() {
		cb := NewCircuitBreaker("test-circuit", 0.5, 60*time.Second, 1)

		for i := 0; i < 6; i++ {
			Expect(cb.Call(func() error { return nil })).To(Succeed())
		}
		for i := 0; i < 4; i++ {
			Expect(cb.Call(func() error { return fmt.Errorf("failure") })).To(HaveOccurred())
		}

		Expect(cb.GetFailureRate()).To(BeNumerically("~", 0.4, 0.001))
		Expect(cb.GetState()).To(Equal(CircuitStateClosed))
	})

	// Breaker state law (spec.md §8): after resetTimeout of quiet, the
	// next call transitions to HALF_OPEN (and to CLOSED on success,
	// scenario 4).
	It("transitions open -> half-open -> closed after reset timeout and a success", func() {
		cb := NewCircuitBreaker("test-circuit", 0.5, 10*time.Millisecond, 1)

		for i := 0; i < 10; i++ {
			_ = cb.Call(func() error { return fmt.Errorf("failure") })
		}
		Expect(cb.GetState()).To(Equal(CircuitStateOpen))

		time.Sleep(15 * time.Millisecond)

		Expect(cb.Call(func() error { return nil })).To(Succeed())
		Expect(cb.GetState()).To(Equal(CircuitStateClosed))
		Expect(cb.GetFailures()).To(Equal(int64(0)))
	})

	It("falls back to open on a half-open probe failure", func() {
		cb := NewCircuitBreaker("test-circuit", 0.5, 1*time.Millisecond, 1)

		for i := 0; i < 10; i++ {
			_ = cb.Call(func() error { return fmt.Errorf("failure") })
		}
		Expect(cb.GetState()).To(Equal(CircuitStateOpen))

		time.Sleep(2 * time.Millisecond)
		Expect(cb.Call(func() error { return fmt.Errorf("recovery failure") })).To(HaveOccurred())
		Expect(cb.GetState()).To(Equal(CircuitStateOpen))
	})

	It("rejects calls without invoking fn while open", func() {
		cb := NewCircuitBreaker("test-circuit", 0.3, 60*time.Second, 1)

		for i := 0; i < 10; i++ {
			_ = cb.Call(func() error { return fmt.Errorf("failure") })
		}
		Expect(cb.GetState()).To(Equal(CircuitStateOpen))

		called := false
		err := cb.Call(func() error { called = true; return nil })

		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("circuit breaker"))
		Expect(called).To(BeFalse())

		kind, ok := pipelineerrors.GetKind(err)
		Expect(ok).To(BeTrue())
		Expect(kind).To(Equal(pipelineerrors.KindCircuitOpen))
	})

	// Scenario 5 (spec.md §8): RATE_LIMIT responses never count against the
	// failure tally and never move the breaker out of CLOSED.
	It("excludes rate-limit errors from the failure count", func() {
		cb := NewCircuitBreaker("llm", 0.5, time.Second, 1)

		for i := 0; i < 10; i++ {
			before := time.Now()
			err := cb.Call(func() error {
				return pipelineerrors.RateLimited("llm", fmt.Errorf("429"))
			})
			Expect(err).To(HaveOccurred())
			Expect(cb.GetState()).To(Equal(CircuitStateClosed))
			Expect(cb.GetFailures()).To(Equal(int64(0)))
			Expect(cb.BackoffUntil()).To(BeTemporally(">=", before))
			Expect(cb.BackoffUntil()).To(BeTemporally("<=", before.Add(250*time.Millisecond)))
		}
	})

	It("reports performance metrics and the next retry horizon while open", func() {
		cb := NewCircuitBreaker("test-circuit", 0.5, 50*time.Millisecond, 1)

		for i := 0; i < 10; i++ {
			_ = cb.Call(func() error { return fmt.Errorf("failure") })
		}
		Expect(cb.GetState()).To(Equal(CircuitStateOpen))

		metrics := cb.PerformanceMetrics()
		Expect(metrics.State).To(Equal(CircuitStateOpen))
		Expect(metrics.TotalCalls).To(Equal(int64(5)))
		Expect(metrics.TotalFailures).To(Equal(int64(5)))
		Expect(metrics.NextRetryAt).To(BeTemporally("~", cb.NextRetryTime(), time.Millisecond))
		Expect(metrics.NextRetryAt).To(BeTemporally(">", time.Now()))
	})

	// spec.md §4.3: each subsequent OPEN trip doubles the retry timeout.
	It("doubles the timeout on repeat half-open probe failures, capped", func() {
		cb := NewCircuitBreaker("test-circuit", 0.5, 5*time.Millisecond, 1)

		for i := 0; i < 10; i++ {
			_ = cb.Call(func() error { return fmt.Errorf("failure") })
		}
		firstTimeout := cb.currentTimeout

		time.Sleep(10 * time.Millisecond)
		_ = cb.Call(func() error { return fmt.Errorf("probe failure") })
		Expect(cb.GetState()).To(Equal(CircuitStateOpen))

		Expect(cb.currentTimeout).To(BeNumerically(">", firstTimeout))
		Expect(cb.currentTimeout).To(BeNumerically("<=", 5*time.Millisecond*maxTimeoutMultiple))
	})

	It("falls back to the registered cache fallback once retries are exhausted", func() {
		cb := NewCircuitBreaker("test-circuit", 0.5, 60*time.Second, 1)
		cb.SetCacheFallback(func() error { return nil })

		attempts := 0
		err := cb.Execute(func() error {
			attempts++
			return fmt.Errorf("boom")
		}, ExecuteOptions{MaxRetries: 2, UseFallback: true})

		Expect(err).To(Succeed())
		Expect(attempts).To(Equal(3))
	})

	It("uses the degraded function when no fallback is registered and AllowDegraded is set", func() {
		cb := NewCircuitBreaker("test-circuit", 0.5, 60*time.Second, 1)
		cb.SetDegradedFunction(func() error { return nil })

		err := cb.Execute(func() error { return fmt.Errorf("boom") }, ExecuteOptions{AllowDegraded: true})
		Expect(err).To(Succeed())
	})

	It("goes straight to the fallback on a circuit-open rejection without retrying", func() {
		cb := NewCircuitBreaker("test-circuit", 0.3, 60*time.Second, 1)
		for i := 0; i < 10; i++ {
			_ = cb.Call(func() error { return fmt.Errorf("failure") })
		}
		Expect(cb.GetState()).To(Equal(CircuitStateOpen))

		called := false
		cb.SetCacheFallback(func() error { called = true; return nil })
		err := cb.Execute(func() error { return fmt.Errorf("should not run") }, ExecuteOptions{MaxRetries: 5, UseFallback: true})

		Expect(err).To(Succeed())
		Expect(called).To(BeTrue())
	})

	It("lowers and restores its failure threshold", func() {
		cb := NewCircuitBreaker("test-circuit", 0.5, 60*time.Second, 1)

		cb.LowerThreshold(0.5)
		Expect(cb.GetFailureThreshold()).To(Equal(0.25))

		cb.LowerThreshold(0.5) // idempotent while already lowered
		Expect(cb.GetFailureThreshold()).To(Equal(0.25))

		cb.RestoreThreshold()
		Expect(cb.GetFailureThreshold()).To(Equal(0.5))
	})
})

var _ = Describe("Classify", func() {
	It("passes an already-kinded error through unchanged", func() {
		original := pipelineerrors.RateLimited("llm", nil)
		Expect(Classify("llm", original)).To(BeIdenticalTo(original))
	})

	It("wraps an unclassified error", func() {
		err := Classify("llm", fmt.Errorf("boom"))
		Expect(err).To(HaveOccurred())
	})

	It("passes nil through", func() {
		Expect(Classify("llm", nil)).To(BeNil())
	})
})
