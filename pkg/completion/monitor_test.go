package completion

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ctriangulate/ctp/pkg/queue"
)

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *queue.Manager, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	qm := queue.NewManager(client)
	cfg.Targets = []Target{{Queue: "file-analysis", Group: "workers"}}
	return NewMonitor(qm, cfg), qm, func() {
		client.Close()
		mr.Close()
	}
}

// TestAwait_ResolvesCompletedAfterRequiredIdleChecks covers the baseline
// idle-detection path: an empty queue resolves COMPLETED once
// RequiredIdleChecks consecutive polls observe zero active work.
func TestAwait_ResolvesCompletedAfterRequiredIdleChecks(t *testing.T) {
	mon, qm, closeAll := newTestMonitor(t, Config{
		CheckInterval:      10 * time.Millisecond,
		RequiredIdleChecks: 3,
		MaxWaitTime:        time.Second,
	})
	defer closeAll()

	if err := qm.EnsureGroup(context.Background(), "file-analysis", "workers"); err != nil {
		t.Fatalf("EnsureGroup() error = %v", err)
	}

	result, err := mon.Await(context.Background())
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if result != ResultCompleted {
		t.Errorf("Await() = %q, want %q", result, ResultCompleted)
	}
}

// TestAwait_ResolvesExcessiveFailures is spec.md §8 scenario 6: 100 jobs
// enqueued, 80 marked failed via the dead-letter stream, maxFailureRate=0.5.
// Expected: EXCESSIVE_FAILURES before the queue ever goes idle.
func TestAwait_ResolvesExcessiveFailures(t *testing.T) {
	mon, qm, closeAll := newTestMonitor(t, Config{
		CheckInterval:      10 * time.Millisecond,
		RequiredIdleChecks: 3,
		MaxWaitTime:        time.Second,
		MaxFailureRate:     0.5,
	})
	defer closeAll()
	ctx := context.Background()

	if err := qm.EnsureGroup(ctx, "file-analysis", "workers"); err != nil {
		t.Fatalf("EnsureGroup() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := qm.Add(ctx, "file-analysis", queue.Job{RunID: "run-1", Type: "t"}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	for i := 0; i < 80; i++ {
		if _, err := qm.Add(ctx, queue.FailedJobsQueue, queue.Job{RunID: "run-1", Type: "t"}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	result, err := mon.Await(ctx)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if result != ResultExcessiveFailures {
		t.Errorf("Await() = %q, want %q", result, ResultExcessiveFailures)
	}

	snap := mon.Snapshot()
	if snap.Failed != 80 {
		t.Errorf("Snapshot().Failed = %d, want 80", snap.Failed)
	}
}

func TestAwait_ResolvesTimeoutUnderSustainedActivity(t *testing.T) {
	mon, qm, closeAll := newTestMonitor(t, Config{
		CheckInterval:      5 * time.Millisecond,
		RequiredIdleChecks: 3,
		MaxWaitTime:        20 * time.Millisecond,
	})
	defer closeAll()
	ctx := context.Background()

	if err := qm.EnsureGroup(ctx, "file-analysis", "workers"); err != nil {
		t.Fatalf("EnsureGroup() error = %v", err)
	}
	if _, err := qm.Add(ctx, "file-analysis", queue.Job{RunID: "run-1", Type: "t"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	result, err := mon.Await(ctx)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if result != ResultTimeout {
		t.Errorf("Await() = %q, want %q", result, ResultTimeout)
	}
}

func TestAwait_ContextCancelledReturnsError(t *testing.T) {
	mon, _, closeAll := newTestMonitor(t, Config{CheckInterval: 5 * time.Millisecond})
	defer closeAll()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := mon.Await(ctx); err == nil {
		t.Error("Await() expected error for cancelled context")
	}
}
