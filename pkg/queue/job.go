package queue

import "time"

// Job is one unit of work read from a queue. ID is the Redis Stream entry
// ID assigned on Add; consumers never generate it themselves.
type Job struct {
	ID          string
	RunID       string
	Type        string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time
}

// JobCounts is the per-queue snapshot CompletionMonitor polls (spec.md §4.8):
// active = currently claimed by a consumer, waiting = unclaimed in the
// stream, delayed = 0 for this backend (Redis Streams has no native delay
// primitive; spec.md leaves delayed jobs as a queue-backend detail and this
// implementation has none).
type JobCounts struct {
	Active    int64
	Waiting   int64
	Delayed   int64
	Completed int64
	Failed    int64
}

// Total is the sum CompletionMonitor compares against zero to detect idle.
func (c JobCounts) Total() int64 {
	return c.Active + c.Waiting + c.Delayed
}
