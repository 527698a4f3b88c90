package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("GlobalConcurrencyManager", func() {
	var mgr *Manager

	AfterEach(func() {
		if mgr != nil {
			mgr.Close()
		}
	})

	Describe("Acquire/Release", func() {
		It("grants and releases a single permit", func() {
			var err error
			mgr, err = NewManager(Config{MaxConcurrency: 2})
			Expect(err).NotTo(HaveOccurred())

			id, err := mgr.Acquire(context.Background(), "A", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.Snapshot().CurrentConcurrency).To(Equal(1))

			Expect(mgr.Release(id)).To(Succeed())
			Expect(mgr.Snapshot().CurrentConcurrency).To(Equal(0))
		})

		It("rejects a non-positive max concurrency", func() {
			_, err := NewManager(Config{MaxConcurrency: 0})
			Expect(err).To(HaveOccurred())
		})
	})

	// Scenario 1 (spec.md §8): request 150 acquires of kind A against
	// maxConcurrency=100. Exactly 100 succeed immediately, 50 queue, and
	// observed peak concurrency never exceeds 100.
	Describe("Cap stress (scenario 1)", func() {
		It("never exceeds the configured cap and conserves permits", func() {
			const max = 100
			const total = 150

			var err error
			mgr, err = NewManager(Config{MaxConcurrency: max})
			Expect(err).NotTo(HaveOccurred())

			var peak int64
			var wg sync.WaitGroup
			ids := make(chan PermitID, total)

			for i := 0; i < total; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					id, err := mgr.Acquire(context.Background(), "A", 1)
					if err != nil {
						return
					}
					cur := int64(mgr.Snapshot().CurrentConcurrency)
					for {
						p := atomic.LoadInt64(&peak)
						if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
							break
						}
					}
					ids <- id
				}()
			}

			go func() {
				for i := 0; i < total; i++ {
					id := <-ids
					time.Sleep(time.Millisecond)
					mgr.Release(id)
				}
			}()

			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()

			Eventually(done, 10*time.Second).Should(BeClosed())

			Expect(peak).To(BeNumerically("<=", max))

			snap := mgr.Snapshot()
			Expect(snap.TotalAcquired).To(Equal(int64(total)))
			Expect(snap.TotalAcquired - snap.TotalReleased - snap.TotalExpired).
				To(Equal(int64(snap.CurrentConcurrency)))
		})
	})

	// Scenario 2 (spec.md §8): fill the pool, queue waiters
	// [low, low, critical, low], release one permit — the critical waiter
	// must acquire next regardless of queue position.
	Describe("Priority preemption (scenario 2)", func() {
		It("grants the highest-priority waiter next", func() {
			var err error
			mgr, err = NewManager(Config{MaxConcurrency: 1})
			Expect(err).NotTo(HaveOccurred())

			holder, err := mgr.Acquire(context.Background(), "filler", 1)
			Expect(err).NotTo(HaveOccurred())

			type granted struct {
				label string
				order int32
			}
			results := make(chan granted, 4)
			var order int32
			start := func(label string, priority int) {
				go func() {
					if _, err := mgr.Acquire(context.Background(), label, priority); err != nil {
						return
					}
					results <- granted{label: label, order: atomic.AddInt32(&order, 1)}
				}()
			}

			start("low1", 1)
			time.Sleep(10 * time.Millisecond)
			start("low2", 1)
			time.Sleep(10 * time.Millisecond)
			start("critical", 10)
			time.Sleep(10 * time.Millisecond)
			start("low3", 1)
			time.Sleep(10 * time.Millisecond)

			Expect(mgr.Release(holder)).To(Succeed())

			var first granted
			Eventually(results, 2*time.Second).Should(Receive(&first))
			Expect(first.label).To(Equal("critical"))
		})
	})

	Describe("cancellation", func() {
		It("drops a waiter whose context is cancelled", func() {
			var err error
			mgr, err = NewManager(Config{MaxConcurrency: 1})
			Expect(err).NotTo(HaveOccurred())
			holder, _ := mgr.Acquire(context.Background(), "A", 1)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			_, err = mgr.Acquire(ctx, "B", 1)
			Expect(err).To(HaveOccurred())
			Expect(mgr.Snapshot().QueueDepth).To(Equal(0))

			mgr.Release(holder)
		})
	})

	Describe("Close", func() {
		It("rejects new waiters once closed", func() {
			var err error
			mgr, err = NewManager(Config{MaxConcurrency: 1})
			Expect(err).NotTo(HaveOccurred())
			mgr.Close()

			_, err = mgr.Acquire(context.Background(), "A", 1)
			Expect(err).To(HaveOccurred())
		})
	})

	// Fairness invariant (spec.md §8): under sustained contention with fair
	// scheduling on, no worker kind's long-run share falls below
	// 1/(active kinds + 1).
	Describe("fairness", func() {
		It("keeps every kind's long-run share above the fairness floor", func() {
			var err error
			mgr, err = NewManager(Config{MaxConcurrency: 1, FairScheduling: true})
			Expect(err).NotTo(HaveOccurred())

			holder, _ := mgr.Acquire(context.Background(), "seed", 1)

			const kinds = 3
			const rounds = 30
			counts := make(map[string]int)

			for r := 0; r < rounds; r++ {
				var wg sync.WaitGroup
				type pair struct {
					kind string
					id   PermitID
				}
				ids := make(chan pair, kinds)
				for k := 0; k < kinds; k++ {
					kind := string(rune('A' + k))
					wg.Add(1)
					go func(kind string) {
						defer wg.Done()
						id, err := mgr.Acquire(context.Background(), kind, 1)
						if err != nil {
							return
						}
						ids <- pair{kind, id}
					}(kind)
				}
				time.Sleep(5 * time.Millisecond)
				mgr.Release(holder)

				// MaxConcurrency is 1, so the waiters are granted one at a
				// time: the first grant is the one the scheduler picked, and
				// each later one follows a release of the previous grant.
				first := <-ids
				Expect(first.kind).NotTo(BeEmpty())
				counts[first.kind]++
				last := first
				for g := 1; g < kinds; g++ {
					mgr.Release(last.id)
					last = <-ids
				}
				wg.Wait()
				holder = last.id
			}
			mgr.Release(holder)

			minShare := 1.0 / float64(kinds+1)
			for kind, c := range counts {
				share := float64(c) / float64(rounds)
				Expect(share).To(BeNumerically(">=", minShare-0.05), "kind %s share %.2f below floor", kind, share)
			}
		})
	})
})
