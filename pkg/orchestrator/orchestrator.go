// Package orchestrator implements the PipelineOrchestrator (spec.md §4.9):
// it wires every other component and drives the run lifecycle
// INIT -> RUN -> DRAIN -> GRAPH_BUILD -> SHUTDOWN, each transition bounded
// by a timeout from internal/config's MonitoringConfig.ShutdownTimeouts,
// with SHUTDOWN always attempted even when an earlier phase fails.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ctriangulate/ctp/pkg/completion"
	"github.com/ctriangulate/ctp/pkg/graph"
	"github.com/ctriangulate/ctp/pkg/notify"
	"github.com/ctriangulate/ctp/pkg/outbox"
	"github.com/ctriangulate/ctp/pkg/queue"
	"github.com/ctriangulate/ctp/pkg/shared/logging"
)

// State is one of the five lifecycle states spec.md §4.9 names.
type State string

const (
	StateInit       State = "INIT"
	StateRun        State = "RUN"
	StateDrain      State = "DRAIN"
	StateGraphBuild State = "GRAPH_BUILD"
	StateShutdown   State = "SHUTDOWN"
)

// derivedStateTables are truncated at the start of every run: spec.md §3,
// "derived rows are owned by the run that produced them and deleted at the
// start of a new run (the pipeline is single-tenant per execution)".
var derivedStateTables = []string{
	"evidence",
	"evidence_tracking",
	"relationships",
	"pois",
	"outbox_events",
	"triangulated_analysis_sessions",
	"files",
}

// MigrationRunner is the subset of internal/migrations.Runner the
// orchestrator needs, named as an interface so tests can substitute a fake
// without a live database.
type MigrationRunner interface {
	Up(ctx context.Context) error
}

// Report is the spec.md §7 "final report": run id, duration, totals, and
// failure counts per queue (SPEC_FULL.md §7.A).
type Report struct {
	RunID           string
	Duration        time.Duration
	Result          completion.Result
	GraphNodes      int
	GraphEdges      int
	FailuresByQueue map[string]int64
}

// Config bounds each lifecycle transition, matching
// internal/config.MonitoringConfig.ShutdownTimeouts's key names plus two
// additional phase timeouts that config section doesn't name (migration
// and graph build, which spec.md §4.9 still requires be bounded).
type Config struct {
	MigrationTimeout  time.Duration
	DrainGrace        time.Duration
	GraphBuildTimeout time.Duration
	ShutdownTimeouts  map[string]time.Duration
}

func (c Config) withDefaults() Config {
	if c.MigrationTimeout <= 0 {
		c.MigrationTimeout = 60 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 2 * time.Second
	}
	if c.GraphBuildTimeout <= 0 {
		c.GraphBuildTimeout = 5 * time.Minute
	}
	if c.ShutdownTimeouts == nil {
		c.ShutdownTimeouts = map[string]time.Duration{}
	}
	return c
}

func (c Config) shutdownTimeout(component string) time.Duration {
	if d, ok := c.ShutdownTimeouts[component]; ok && d > 0 {
		return d
	}
	return 10 * time.Second
}

// Orchestrator wires every component constructed by its caller (spec.md
// §9: "singletons passed as explicit constructor arguments" — this is the
// one place that holds them all) and drives Run's lifecycle.
type Orchestrator struct {
	db          *sqlx.DB
	migrations  MigrationRunner
	redisClient *redis.Client
	queueMgr    *queue.Manager
	targets     []completion.Target

	publisher    *outbox.Publisher
	monitor      *completion.Monitor
	graphBuilder *graph.Builder
	graphBackend graph.Backend
	notifier     *notify.Notifier
	workers      []*queue.Worker

	publisherCancel context.CancelFunc
	publisherDone   chan struct{}

	log *logrus.Logger
	cfg Config
}

// New builds an Orchestrator. workers are the consumer-group workers
// processing the domain job queues (file-analysis, relationship
// resolution, triangulation, ...); their handler logic is external to this
// package (spec.md §1 non-goal: "the actual triangulation agent logic,
// treated as black-box jobs on a queue") — the orchestrator only owns
// their lifecycle (stop order), not what they do.
func New(
	db *sqlx.DB,
	migrations MigrationRunner,
	redisClient *redis.Client,
	queueMgr *queue.Manager,
	targets []completion.Target,
	publisher *outbox.Publisher,
	monitor *completion.Monitor,
	graphBuilder *graph.Builder,
	graphBackend graph.Backend,
	notifier *notify.Notifier,
	workers []*queue.Worker,
	log *logrus.Logger,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		db:           db,
		migrations:   migrations,
		redisClient:  redisClient,
		queueMgr:     queueMgr,
		targets:      targets,
		publisher:    publisher,
		monitor:      monitor,
		graphBuilder: graphBuilder,
		graphBackend: graphBackend,
		notifier:     notifier,
		workers:      workers,
		log:          log,
		cfg:          cfg.withDefaults(),
	}
}

// Run drives one full pipeline execution through every lifecycle state.
// SHUTDOWN always runs, even when an earlier phase returns an error. An INIT
// or RUN error is returned alongside whatever report fields were computed
// before it occurred; a GRAPH_BUILD error is only logged, and Run goes on to
// SHUTDOWN and returns a nil error.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	runID := uuid.NewString()
	start := time.Now()
	report := Report{RunID: runID}

	o.logState(runID, StateInit)
	if err := o.init(ctx, runID); err != nil {
		o.shutdown(runID)
		return report, fmt.Errorf("%s: %w", StateInit, err)
	}

	o.logState(runID, StateRun)
	result, err := o.run(ctx, runID)
	report.Result = result
	if err != nil {
		o.shutdown(runID)
		report.Duration = time.Since(start)
		return report, fmt.Errorf("%s: %w", StateRun, err)
	}

	o.logState(runID, StateDrain)
	o.drain(ctx)

	o.logState(runID, StateGraphBuild)
	nodes, edges, err := o.graphBuild(ctx, runID)
	if err != nil {
		logging.WithFields(o.log, logging.NewFields().Component("orchestrator").Operation("graph_build").RunID(runID).Error(err)).
			Error("GRAPH_BUILD failed, continuing to SHUTDOWN")
	}
	report.GraphNodes = nodes
	report.GraphEdges = edges

	report.FailuresByQueue = o.failureCounts(ctx)
	report.Duration = time.Since(start)

	o.logState(runID, StateShutdown)
	o.shutdown(runID)

	o.notify(report)

	return report, nil
}

func (o *Orchestrator) logState(runID string, state State) {
	logging.WithFields(o.log, logging.NewFields().Component("orchestrator").Operation("lifecycle").RunID(runID).Custom("state", string(state))).
		Info("pipeline lifecycle transition")
}

// init runs migrations and clears the prior run's derived state (spec.md
// §3: the pipeline is single-tenant per execution), each bounded by
// cfg.MigrationTimeout.
func (o *Orchestrator) init(ctx context.Context, runID string) error {
	migrateCtx, cancel := context.WithTimeout(ctx, o.cfg.MigrationTimeout)
	defer cancel()
	if err := o.migrations.Up(migrateCtx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if err := o.clearDerivedState(migrateCtx); err != nil {
		return err
	}
	if o.queueMgr != nil {
		if err := o.queueMgr.ClearAllQueues(migrateCtx); err != nil {
			return fmt.Errorf("clear queues: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) clearDerivedState(ctx context.Context) error {
	for _, table := range derivedStateTables {
		if _, err := o.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear derived state in %s: %w", table, err)
		}
	}
	return nil
}

// run starts the outbox publisher and blocks on the completion monitor
// until the run is idle, times out, or trips the failure-rate guard rail.
func (o *Orchestrator) run(ctx context.Context, runID string) (completion.Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	o.publisherCancel = cancel
	o.publisherDone = make(chan struct{})

	go func() {
		defer close(o.publisherDone)
		o.publisher.Run(runCtx)
	}()

	result, err := o.monitor.Await(ctx)
	if err != nil {
		cancel()
		<-o.publisherDone
		return "", err
	}
	return result, nil
}

// drain gives the publisher's batched writers one more flush interval to
// empty before the poll loop is stopped, then waits for it to exit.
func (o *Orchestrator) drain(ctx context.Context) {
	select {
	case <-time.After(o.cfg.DrainGrace):
	case <-ctx.Done():
	}
	if o.publisherCancel != nil {
		o.publisherCancel()
	}
	if o.publisherDone != nil {
		<-o.publisherDone
	}
}

func (o *Orchestrator) graphBuild(ctx context.Context, runID string) (nodes, edges int, err error) {
	buildCtx, cancel := context.WithTimeout(ctx, o.cfg.GraphBuildTimeout)
	defer cancel()

	stats, err := o.graphBuilder.Build(buildCtx, runID)
	if err != nil {
		return 0, 0, err
	}
	return stats.Nodes, stats.Edges, nil
}

// failureCounts fills the report's per-queue failure map from GetJobCounts
// for each monitored queue (spec.md §7). GetJobCounts' Failed is the length
// of the shared failed-jobs stream, so every listed queue carries that same
// total; dead-lettered jobs are not attributed to the queue they came from.
// A failure reading one queue is logged and skipped rather than aborting
// the whole report.
func (o *Orchestrator) failureCounts(ctx context.Context) map[string]int64 {
	counts := make(map[string]int64, len(o.targets))
	for _, target := range o.targets {
		jc, err := o.queueMgr.GetJobCounts(ctx, target.Queue, target.Group)
		if err != nil {
			logging.WithFields(o.log, logging.NewFields().Component("orchestrator").Operation("failure_counts").Custom("queue", target.Queue).Error(err)).
				Warn("reading failed-job count failed, skipping queue")
			continue
		}
		if jc.Failed > 0 {
			counts[target.Queue] = jc.Failed
		}
	}
	return counts
}

// shutdown tears everything down in spec.md §4.9's fixed order: publisher
// -> triangulation -> workers -> pool manager -> queue connections ->
// graph driver -> relational store. The outbox publisher is already
// stopped by drain; workers (including the triangulation consumer group,
// just another entry in o.workers) are stopped next, then the shared
// connections.
func (o *Orchestrator) shutdown(runID string) {
	var wg sync.WaitGroup
	for _, w := range o.workers {
		wg.Add(1)
		go func(w *queue.Worker) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), o.cfg.shutdownTimeout("workers"))
			defer cancel()
			if err := w.Stop(stopCtx); err != nil {
				logging.WithFields(o.log, logging.NewFields().Component("orchestrator").Operation("shutdown").RunID(runID).Error(err)).
					Warn("worker stop failed")
			}
		}(w)
	}
	wg.Wait()

	if o.redisClient != nil {
		if err := o.redisClient.Close(); err != nil {
			logging.WithFields(o.log, logging.NewFields().Component("orchestrator").Operation("shutdown").RunID(runID).Error(err)).
				Warn("redis client close failed")
		}
	}

	if o.graphBackend != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), o.cfg.shutdownTimeout("graph_driver"))
		defer cancel()
		if err := o.graphBackend.Close(closeCtx); err != nil {
			logging.WithFields(o.log, logging.NewFields().Component("orchestrator").Operation("shutdown").RunID(runID).Error(err)).
				Warn("graph backend close failed")
		}
	}

	if o.db != nil {
		if err := o.db.Close(); err != nil {
			logging.WithFields(o.log, logging.NewFields().Component("orchestrator").Operation("shutdown").RunID(runID).Error(err)).
				Warn("database close failed")
		}
	}
}

func (o *Orchestrator) notify(report Report) {
	if o.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := o.notifier.PostReport(notifyCtx, notify.Report{
		RunID:           report.RunID,
		Duration:        report.Duration.String(),
		Result:          string(report.Result),
		GraphNodes:      report.GraphNodes,
		GraphEdges:      report.GraphEdges,
		FailuresByQueue: report.FailuresByQueue,
	})
	if err != nil {
		logging.WithFields(o.log, logging.NewFields().Component("orchestrator").Operation("notify").RunID(report.RunID).Error(err)).
			Warn("failed to post final report to slack")
	}
}
