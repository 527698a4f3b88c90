// Package queue implements the QueueManager (spec.md §4.4) over Redis
// Streams: one stream per named queue, consumer groups for CreateWorker,
// XPENDING/XCLAIM for the stalled-job sweep, and an ordinary stream with no
// consumer-group requirement for the dead-letter queue.
//
// A Bull/BullMQ-style job-queue library does not exist in the Go ecosystem
// represented in the example pack, so the queue contract is reproduced
// directly over go-redis's Streams API rather than delegated to a library
// (SPEC_FULL.md §4.4).
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

const (
	fieldRunID       = "run_id"
	fieldType        = "type"
	fieldPayload     = "payload"
	fieldAttempts    = "attempts"
	fieldMaxAttempts = "max_attempts"
)

// Manager is the QueueManager: a thin, typed layer over a shared
// *redis.Client, one logical queue per Redis Stream key.
type Manager struct {
	client *redis.Client
}

// NewManager builds a Manager over an already-connected client.
func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

// PoolSize computes the Redis connection-pool size for a given global
// concurrency cap, per spec.md §5: max(20, ceil(globalConcurrency/8)).
func PoolSize(globalConcurrency int) int {
	ceil := (globalConcurrency + 7) / 8
	if ceil < 20 {
		return 20
	}
	return ceil
}

// Target names one queue/consumer-group pair, the unit CompletionMonitor
// and Manager's cleanup pass both operate over.
type Target struct {
	Queue string
	Group string
}

// Queue is a handle to one allow-listed queue name, returned by GetQueue.
// It exists so a caller can validate a queue name once (at construction)
// instead of re-validating on every Add/CreateWorker call.
type Queue struct {
	manager *Manager
	name    string
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Add(ctx context.Context, job Job) (string, error) {
	return q.manager.Add(ctx, q.name, job)
}

func (q *Queue) CreateWorker(ctx context.Context, opts WorkerOptions, handler Handler) (*Worker, error) {
	return q.manager.CreateWorker(ctx, q.name, opts, handler)
}

func (q *Queue) GetJobCounts(ctx context.Context, group string) (JobCounts, error) {
	return q.manager.GetJobCounts(ctx, q.name, group)
}

// GetQueue returns a handle to name if it is one of the enumerated queues
// (spec.md §4.4), or a ConfigurationError otherwise. Unlike Add/CreateWorker
// (which take a queueName directly for the already-trusted call sites
// wired up at construction), GetQueue is the entry point for names that
// originate outside this package's own wiring.
func (m *Manager) GetQueue(name string) (*Queue, error) {
	if !isKnownQueue(name) {
		return nil, pipelineerrors.ConfigurationError("queue.name", "unknown queue: "+name)
	}
	return &Queue{manager: m, name: name}, nil
}

func isKnownQueue(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// ClearAllQueues deletes every enumerated queue's stream and completed
// counter. The orchestrator calls this once per run, during INIT, so a
// restart against the same Redis instance never redelivers a prior run's
// undelivered jobs (spec.md §4.4's "run-start hygiene").
func (m *Manager) ClearAllQueues(ctx context.Context) error {
	keys := make([]string, 0, len(Names)*2)
	for _, name := range Names {
		keys = append(keys, name, completedKey(name))
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return pipelineerrors.NetworkError("clear queues", "all", err)
	}
	return nil
}

// CleanupConfig mirrors internal/config.CleanupConfig (duplicated here to
// keep this package free of a dependency on internal/).
type CleanupConfig struct {
	RetentionCount int64
	StaleAge       time.Duration
}

// Cleanup runs one pass of the cleanup policy (spec.md §4.4) over targets:
// entries pending longer than cfg.StaleAge are swept back to waiting (a
// stuck active job whose lock expired without a heartbeat becomes, after
// this, a fresh unclaimed entry instead of permanently stuck against a dead
// consumer), and the dead-letter queue is trimmed to at most
// cfg.RetentionCount entries.
func (m *Manager) Cleanup(ctx context.Context, targets []Target, cfg CleanupConfig) error {
	for _, t := range targets {
		if err := m.sweepStale(ctx, t.Queue, t.Group, cfg.StaleAge); err != nil {
			return err
		}
	}
	if cfg.RetentionCount > 0 {
		if err := m.client.XTrimMaxLen(ctx, FailedJobsQueue, cfg.RetentionCount).Err(); err != nil {
			return pipelineerrors.NetworkError("trim dead letter queue", FailedJobsQueue, err)
		}
	}
	return nil
}

// sweepStale reclaims entries idle longer than staleAge and re-adds them to
// the stream as new, unclaimed entries before acking the stale delivery off
// the original consumer's pending list — "back to waiting" means a fresh
// entry a new XREADGROUP call will see, not merely reassigned ownership of
// the old one (which Worker.sweepStalled's XCLAIM-only reclaim, by
// contrast, leaves as still-active under a new consumer name).
func (m *Manager) sweepStale(ctx context.Context, queueName, group string, staleAge time.Duration) error {
	if staleAge <= 0 || group == "" {
		return nil
	}

	pending, err := m.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: queueName,
		Group:  group,
		Idle:   staleAge,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	msgs, err := m.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   queueName,
		Group:    group,
		Consumer: "cleanup-sweep",
		MinIdle:  staleAge,
		Messages: ids,
	}).Result()
	if err != nil {
		return pipelineerrors.NetworkError("claim stale entries", queueName, err)
	}

	for _, msg := range msgs {
		job := jobFromMessage(queueName, msg)
		if _, err := m.Add(ctx, queueName, job); err != nil {
			continue
		}
		m.client.XAck(ctx, queueName, group, msg.ID)
		m.client.XDel(ctx, queueName, msg.ID)
	}
	return nil
}

// DefaultMaxAttempts is the attempts half of spec.md §4.4's default job
// options ({attempts: 3, backoff: exponential(1s)}), applied to any job
// enqueued without its own MaxAttempts.
const DefaultMaxAttempts = 3

// Add enqueues job onto queue, returning the Redis-assigned entry ID.
func (m *Manager) Add(ctx context.Context, queueName string, job Job) (string, error) {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	id, err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queueName,
		Values: map[string]interface{}{
			fieldRunID:       job.RunID,
			fieldType:        job.Type,
			fieldPayload:     job.Payload,
			fieldAttempts:    job.Attempts,
			fieldMaxAttempts: job.MaxAttempts,
		},
	}).Result()
	if err != nil {
		return "", pipelineerrors.NetworkError("enqueue", queueName, err)
	}
	return id, nil
}

// EnsureGroup creates queueName's consumer group if it does not already
// exist, creating the stream itself if necessary.
func (m *Manager) EnsureGroup(ctx context.Context, queueName, group string) error {
	err := m.client.XGroupCreateMkStream(ctx, queueName, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return pipelineerrors.NetworkError("create consumer group", queueName, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// GetJobCounts reports active/waiting/delayed/completed/failed for
// queueName, polled by CompletionMonitor (spec.md §4.8). Failed is the
// length of the shared failed-jobs stream and is not filtered by queueName.
func (m *Manager) GetJobCounts(ctx context.Context, queueName, group string) (JobCounts, error) {
	length, err := m.client.XLen(ctx, queueName).Result()
	if err != nil {
		return JobCounts{}, pipelineerrors.NetworkError("stream length", queueName, err)
	}

	var active int64
	if group != "" {
		pending, err := m.client.XPending(ctx, queueName, group).Result()
		if err != nil && err != redis.Nil && !strings.HasPrefix(err.Error(), "NOGROUP") {
			return JobCounts{}, pipelineerrors.NetworkError("pending count", queueName, err)
		}
		if pending != nil {
			active = pending.Count
		}
	}

	waiting := length - active
	if waiting < 0 {
		waiting = 0
	}

	failedLen, err := m.client.XLen(ctx, FailedJobsQueue).Result()
	if err != nil && err != redis.Nil {
		return JobCounts{}, pipelineerrors.NetworkError("stream length", FailedJobsQueue, err)
	}

	completed, err := m.client.Get(ctx, completedKey(queueName)).Int64()
	if err != nil && err != redis.Nil {
		return JobCounts{}, pipelineerrors.NetworkError("completed counter", queueName, err)
	}

	return JobCounts{Active: active, Waiting: waiting, Completed: completed, Failed: failedLen}, nil
}

// completedKey is the counter XAck-successful jobs on queueName increment,
// since Redis Streams has no built-in "processed" tally (spec.md §4.8 needs
// completed+failed to evaluate the failure-rate guard rail).
func completedKey(queueName string) string {
	return "completed:" + queueName
}

// moveToDeadLetter publishes a permanently-failed job onto failed-jobs,
// preserving the originating queue name for operator inspection.
func (m *Manager) moveToDeadLetter(ctx context.Context, originQueue string, job Job, cause error) error {
	_, err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: FailedJobsQueue,
		Values: map[string]interface{}{
			fieldRunID:       job.RunID,
			fieldType:        job.Type,
			fieldPayload:     job.Payload,
			"origin_queue":   originQueue,
			"failure_reason": cause.Error(),
		},
	}).Err()
	if err != nil {
		return pipelineerrors.NetworkError("enqueue dead letter", FailedJobsQueue, err)
	}
	return nil
}

// newConsumerID generates a unique consumer name for a CreateWorker call.
func newConsumerID() string {
	return uuid.NewString()
}
