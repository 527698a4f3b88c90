package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewManager(client), mr
}

func TestPoolSize(t *testing.T) {
	cases := []struct {
		concurrency int
		want        int
	}{
		{concurrency: 10, want: 20},
		{concurrency: 100, want: 20},
		{concurrency: 200, want: 25},
		{concurrency: 800, want: 100},
	}
	for _, c := range cases {
		if got := PoolSize(c.concurrency); got != c.want {
			t.Errorf("PoolSize(%d) = %d, want %d", c.concurrency, got, c.want)
		}
	}
}

func TestAdd_AssignsEntryID(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Add(ctx, "file-analysis", Job{RunID: "run-1", Type: "file-analysis-finding", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if id == "" {
		t.Error("Add() returned empty entry ID")
	}
}

func TestEnsureGroup_IdempotentCreate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.EnsureGroup(ctx, "file-analysis", "workers"); err != nil {
		t.Fatalf("EnsureGroup() first call error = %v", err)
	}
	if err := m.EnsureGroup(ctx, "file-analysis", "workers"); err != nil {
		t.Fatalf("EnsureGroup() second call error = %v", err)
	}
}

func TestGetJobCounts(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.EnsureGroup(ctx, "file-analysis", "workers"); err != nil {
		t.Fatalf("EnsureGroup() error = %v", err)
	}
	if _, err := m.Add(ctx, "file-analysis", Job{RunID: "run-1", Type: "t"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := m.Add(ctx, "file-analysis", Job{RunID: "run-1", Type: "t"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	counts, err := m.GetJobCounts(ctx, "file-analysis", "workers")
	if err != nil {
		t.Fatalf("GetJobCounts() error = %v", err)
	}
	if counts.Waiting != 2 {
		t.Errorf("Waiting = %d, want 2", counts.Waiting)
	}
	if counts.Active != 0 {
		t.Errorf("Active = %d, want 0", counts.Active)
	}
}

func TestGetQueue_RejectsUnknownName(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.GetQueue("not-a-real-queue"); err == nil {
		t.Error("GetQueue() with an unknown name, want error")
	}

	q, err := m.GetQueue("file-analysis")
	if err != nil {
		t.Fatalf("GetQueue() error = %v", err)
	}
	if q.Name() != "file-analysis" {
		t.Errorf("Name() = %q, want file-analysis", q.Name())
	}
}

func TestClearAllQueues_RemovesEveryStream(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Add(ctx, "file-analysis", Job{RunID: "run-1", Type: "t"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := m.ClearAllQueues(ctx); err != nil {
		t.Fatalf("ClearAllQueues() error = %v", err)
	}

	counts, err := m.GetJobCounts(ctx, "file-analysis", "")
	if err != nil {
		t.Fatalf("GetJobCounts() error = %v", err)
	}
	if counts.Waiting != 0 {
		t.Errorf("Waiting = %d after ClearAllQueues(), want 0", counts.Waiting)
	}
}

func TestCleanup_SweepsStaleEntriesBackToWaiting(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.EnsureGroup(ctx, "file-analysis", "workers"); err != nil {
		t.Fatalf("EnsureGroup() error = %v", err)
	}
	if _, err := m.Add(ctx, "file-analysis", Job{RunID: "run-1", Type: "t"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Claim it into the PEL without acking, simulating a consumer that
	// picked the job up and then died before processing it.
	if _, err := m.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: "workers", Consumer: "dead-consumer", Streams: []string{"file-analysis", ">"}, Count: 1,
	}).Result(); err != nil {
		t.Fatalf("XReadGroup() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := m.Cleanup(ctx, []Target{{Queue: "file-analysis", Group: "workers"}}, CleanupConfig{StaleAge: time.Millisecond}); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	counts, err := m.GetJobCounts(ctx, "file-analysis", "workers")
	if err != nil {
		t.Fatalf("GetJobCounts() error = %v", err)
	}
	if counts.Waiting != 1 {
		t.Errorf("Waiting = %d after Cleanup(), want 1 (swept back)", counts.Waiting)
	}
}

func TestRetryBackoff_DoublesPerAttempt(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 1, want: time.Second},
		{attempts: 2, want: 2 * time.Second},
		{attempts: 3, want: 4 * time.Second},
	}
	for _, c := range cases {
		if got := retryBackoff(c.attempts); got != c.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}

func TestCreateWorker_RetriesRetryableFailureAfterBackoff(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := m.Add(ctx, "file-analysis", Job{RunID: "run-1", Type: "t", Payload: []byte("hello")}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	var attempts int
	succeeded := make(chan struct{})
	worker, err := m.CreateWorker(ctx, "file-analysis", WorkerOptions{Group: "workers", BlockTimeout: 50 * time.Millisecond}, func(ctx context.Context, job Job) error {
		attempts++
		if attempts == 1 {
			return pipelineerrors.NetworkError("call", "dependency", fmt.Errorf("connection reset"))
		}
		close(succeeded)
		return nil
	})
	if err != nil {
		t.Fatalf("CreateWorker() error = %v", err)
	}
	defer worker.Stop(context.Background())

	select {
	case <-succeeded:
		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job to be retried and succeed")
	}
}

func TestCreateWorker_ProcessesAndAcks(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := m.Add(ctx, "file-analysis", Job{RunID: "run-1", Type: "t", Payload: []byte("hello")}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	processed := make(chan Job, 1)
	worker, err := m.CreateWorker(ctx, "file-analysis", WorkerOptions{Group: "workers", BlockTimeout: 50 * time.Millisecond}, func(ctx context.Context, job Job) error {
		processed <- job
		return nil
	})
	if err != nil {
		t.Fatalf("CreateWorker() error = %v", err)
	}
	defer worker.Stop(context.Background())

	select {
	case job := <-processed:
		if string(job.Payload) != "hello" {
			t.Errorf("job.Payload = %q, want hello", job.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for worker to process job")
	}
}
