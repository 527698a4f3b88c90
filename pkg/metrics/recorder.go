package metrics

import (
	"context"
	"time"

	"github.com/ctriangulate/ctp/pkg/breaker"
	"github.com/ctriangulate/ctp/pkg/concurrency"
	"github.com/ctriangulate/ctp/pkg/queue"
)

const defaultPollInterval = 5 * time.Second

// QueueTarget names one queue/group pair to poll for job counts, mirroring
// pkg/completion.Target.
type QueueTarget struct {
	Queue string
	Group string
}

// Recorder periodically samples Snapshot()-style state from the
// concurrency manager, breaker set, and queue manager into the package's
// gauges, the same ticker-poll idiom pkg/completion.Monitor and
// pkg/queue.Worker.run already use for "do X on an interval until ctx is
// done".
type Recorder struct {
	concurrency  *concurrency.Manager
	breakers     *breaker.Set
	services     []string
	queues       *queue.Manager
	targets      []QueueTarget
	pollInterval time.Duration
}

// NewRecorder builds a Recorder. concurrencyMgr, breakers, and queues may
// each be nil if that subsystem isn't wired in this process (e.g. a
// worker-only deployment with no queue manager of its own).
func NewRecorder(concurrencyMgr *concurrency.Manager, breakers *breaker.Set, services []string, queues *queue.Manager, targets []QueueTarget) *Recorder {
	return &Recorder{
		concurrency:  concurrencyMgr,
		breakers:     breakers,
		services:     services,
		queues:       queues,
		targets:      targets,
		pollInterval: defaultPollInterval,
	}
}

// Run samples state onto the gauges every pollInterval until ctx is
// cancelled.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sample(ctx)
		}
	}
}

func (r *Recorder) sample(ctx context.Context) {
	if r.concurrency != nil {
		snap := r.concurrency.Snapshot()
		ConcurrencyCurrent.Set(float64(snap.CurrentConcurrency))
		ConcurrencyMax.Set(float64(snap.MaxConcurrency))
		ConcurrencyQueueDepth.Set(float64(snap.QueueDepth))
	}

	if r.breakers != nil {
		for _, service := range r.services {
			BreakerState.WithLabelValues(service).Set(BreakerStateValue(string(r.breakers.State(service))))
		}
	}

	if r.queues != nil {
		for _, target := range r.targets {
			counts, err := r.queues.GetJobCounts(ctx, target.Queue, target.Group)
			if err != nil {
				continue
			}
			QueueJobs.WithLabelValues(target.Queue, "active").Set(float64(counts.Active))
			QueueJobs.WithLabelValues(target.Queue, "waiting").Set(float64(counts.Waiting))
			QueueJobs.WithLabelValues(target.Queue, "delayed").Set(float64(counts.Delayed))
			QueueJobs.WithLabelValues(target.Queue, "completed").Set(float64(counts.Completed))
			QueueJobs.WithLabelValues(target.Queue, "failed").Set(float64(counts.Failed))
		}
	}
}
