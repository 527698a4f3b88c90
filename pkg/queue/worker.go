package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

// Handler processes one job. Returning an error marks the job failed for
// this attempt; the worker decides whether to retry or dead-letter it.
type Handler func(ctx context.Context, job Job) error

// WorkerOptions configures a CreateWorker consumer loop.
type WorkerOptions struct {
	Group            string
	Concurrency      int
	BlockTimeout     time.Duration // XREADGROUP BLOCK duration
	StalledInterval  time.Duration // how often to sweep for stalled entries
	LockDuration     time.Duration // idle time after which a pending entry is claimable
	BatchSize        int64
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}
	if o.LockDuration <= 0 {
		o.LockDuration = time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	return o
}

// Worker is a running consumer-group loop over one queue.
type Worker struct {
	manager   *Manager
	queueName string
	consumer  string
	opts      WorkerOptions
	handler   Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// CreateWorker starts a consumer-group loop over queueName: it ensures the
// group exists, reads new entries, dispatches them to handler up to
// opts.Concurrency in parallel, and periodically sweeps stalled (claimed
// but un-acked) entries back into play via XCLAIM.
func (m *Manager) CreateWorker(ctx context.Context, queueName string, opts WorkerOptions, handler Handler) (*Worker, error) {
	opts = opts.withDefaults()
	if err := m.EnsureGroup(ctx, queueName, opts.Group); err != nil {
		return nil, err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w := &Worker{
		manager:   m,
		queueName: queueName,
		consumer:  newConsumerID(),
		opts:      opts,
		handler:   handler,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go w.run(workerCtx)
	return w, nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	sem := make(chan struct{}, w.opts.Concurrency)
	ticker := time.NewTicker(w.opts.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepStalled(ctx)
		default:
		}

		streams, err := w.manager.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.opts.Group,
			Consumer: w.consumer,
			Streams:  []string{w.queueName, ">"},
			Count:    w.opts.BatchSize,
			Block:    w.opts.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			continue // transient read error; retry on next loop iteration
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				sem <- struct{}{}
				go func(msg redis.XMessage) {
					defer func() { <-sem }()
					w.process(ctx, msg)
				}(msg)
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, msg redis.XMessage) {
	job := jobFromMessage(w.queueName, msg)

	err := w.handler(ctx, job)
	if err == nil {
		w.manager.client.XAck(ctx, w.queueName, w.opts.Group, msg.ID)
		w.manager.client.Incr(ctx, completedKey(w.queueName))
		return
	}

	job.Attempts++
	kind, _ := pipelineerrors.GetKind(err)
	retryable := pipelineerrors.IsRetryable(err)

	if !retryable || (job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts) || kind == pipelineerrors.KindAuthPermanent || kind == pipelineerrors.KindSchemaInvariant {
		w.manager.moveToDeadLetter(ctx, w.queueName, job, err)
		w.manager.client.XAck(ctx, w.queueName, w.opts.Group, msg.ID)
		return
	}

	w.scheduleRetry(ctx, msg.ID, job)
}

// retryBackoff is spec.md §4.4's default backoff, exponential(1s): attempt 1
// waits 1s, attempt 2 waits 2s, attempt 3 waits 4s, doubling per attempt.
func retryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Second << uint(attempts-1)
}

// scheduleRetry redelivers job after its attempt's backoff delay: it
// re-adds job as a fresh stream entry (so a new XREADGROUP call picks it up
// as waiting work) and only then acks the stale delivery, so a worker
// shutdown mid-backoff leaves the original recoverable via the stalled
// sweep instead of silently dropping it.
func (w *Worker) scheduleRetry(ctx context.Context, originalID string, job Job) {
	delay := retryBackoff(job.Attempts)
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if _, err := w.manager.Add(ctx, w.queueName, job); err != nil {
			return
		}
		w.manager.client.XAck(ctx, w.queueName, w.opts.Group, originalID)
	}()
}

func jobFromMessage(queueName string, msg redis.XMessage) Job {
	job := Job{ID: msg.ID}
	if v, ok := msg.Values[fieldRunID].(string); ok {
		job.RunID = v
	}
	if v, ok := msg.Values[fieldType].(string); ok {
		job.Type = v
	}
	if v, ok := msg.Values[fieldPayload].(string); ok {
		job.Payload = []byte(v)
	}
	if v, ok := msg.Values[fieldAttempts].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v, ok := msg.Values[fieldMaxAttempts].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			job.MaxAttempts = n
		}
	}
	return job
}

// sweepStalled reclaims entries idle longer than LockDuration via XCLAIM, so
// a consumer that died mid-processing doesn't hold its jobs forever
// (spec.md §4.4).
func (w *Worker) sweepStalled(ctx context.Context) {
	pending, err := w.manager.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: w.queueName,
		Group:  w.opts.Group,
		Idle:   w.opts.LockDuration,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	msgs, err := w.manager.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   w.queueName,
		Group:    w.opts.Group,
		Consumer: w.consumer,
		MinIdle:  w.opts.LockDuration,
		Messages: ids,
	}).Result()
	if err != nil {
		return
	}

	for _, msg := range msgs {
		w.process(ctx, msg)
	}
}

// Stop signals the worker loop to exit and blocks until it has.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return pipelineerrors.TimeoutError("worker shutdown", w.queueName)
	}
}
