// Command ctpd is the pipeline's process entrypoint: it loads
// configuration, wires every component, mounts the admin HTTP surface, and
// drives one orchestrator run per invocation. Rich CLI surfaces are out of
// scope (spec.md §1) — ctpd takes a single optional config-path argument
// and otherwise reads its behavior entirely from that file plus CTP_*
// environment overrides.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ctriangulate/ctp/internal/config"
	"github.com/ctriangulate/ctp/internal/database"
	"github.com/ctriangulate/ctp/internal/httpserver"
	"github.com/ctriangulate/ctp/internal/migrations"
	"github.com/ctriangulate/ctp/pkg/breaker"
	"github.com/ctriangulate/ctp/pkg/completion"
	"github.com/ctriangulate/ctp/pkg/concurrency"
	"github.com/ctriangulate/ctp/pkg/graph"
	"github.com/ctriangulate/ctp/pkg/metrics"
	"github.com/ctriangulate/ctp/pkg/notify"
	"github.com/ctriangulate/ctp/pkg/orchestrator"
	"github.com/ctriangulate/ctp/pkg/outbox"
	"github.com/ctriangulate/ctp/pkg/queue"
	"github.com/ctriangulate/ctp/pkg/shared/logging"
	"github.com/ctriangulate/ctp/pkg/workerpool"
)

// adminAddr is the admin HTTP surface's listen address. It is fixed, not
// config-surfaced, because spec.md §6 doesn't name one.
const adminAddr = ":8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, cleanup, err := buildOrchestrator(ctx, cfg, log)
	if err != nil {
		cleanup()
		return fmt.Errorf("wire pipeline: %w", err)
	}
	defer cleanup()

	reg := metrics.NewRegistry()
	admin := httpserver.New(nil, nil, reg, log)
	go func() {
		if err := httpserver.Serve(ctx, adminAddr, admin.Router, log); err != nil {
			log.WithError(err).Error("admin http server exited with error")
		}
	}()

	report, err := orch.Run(ctx)
	if err != nil {
		logging.WithFields(log, logging.NewFields().Component("ctpd").Operation("run").RunID(report.RunID).Error(err)).
			Error("pipeline run failed")
		return err
	}

	logging.WithFields(log, logging.NewFields().Component("ctpd").Operation("run").RunID(report.RunID).
		Custom("result", string(report.Result)).Custom("duration", report.Duration.String()).
		Custom("graph_nodes", report.GraphNodes).Custom("graph_edges", report.GraphEdges)).
		Info("pipeline run finished")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(config.EnvDevelopment), nil
	}
	return config.Load(path)
}

// buildOrchestrator constructs every singleton the Orchestrator needs from
// cfg and wires them together, returning a cleanup func for anything that
// must close even if construction fails partway through. run() calls it on
// that failure path and also defers it after a successful build; there it
// closes the concurrency manager, which the Orchestrator does not close,
// and repeats the closes of the database, Redis and graph clients that
// SHUTDOWN already made (their errors are ignored).
func buildOrchestrator(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*orchestrator.Orchestrator, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	dbCfg := &database.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, Database: cfg.Database.Database, SSLMode: cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns, MaxIdleConns: cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime, ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}
	db, err := database.Connect(ctx, dbCfg)
	if err != nil {
		return nil, cleanup, fmt.Errorf("connect database: %w", err)
	}
	closers = append(closers, func() { _ = db.Close() })

	migrationRunner := migrations.NewRunner(db.DB)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: queue.PoolSize(cfg.Concurrency.MaxConcurrency),
	})
	closers = append(closers, func() { _ = redisClient.Close() })

	queueMgr := queue.NewManager(redisClient)

	concurrencyMgr, err := concurrency.NewManager(concurrency.Config{
		MaxConcurrency: cfg.Concurrency.MaxConcurrency,
		QueueSizeLimit: cfg.Concurrency.QueueSizeLimit,
		FairScheduling: cfg.Concurrency.FairScheduling,
		PermitTimeout:  cfg.Concurrency.PermitTimeout,
		Observer:       metrics.ConcurrencyObserver{},
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("build concurrency manager: %w", err)
	}
	closers = append(closers, concurrencyMgr.Close)

	poolMgr := workerpool.NewManager(concurrencyMgr, cfg.Workers.Limits, cfg.Workers.Priorities)

	breakers := breaker.NewSet(asBreakerConfigs(cfg.Breakers), poolMgr)

	// pkg/llm.NewClient + llm.WithBreaker(client, breakers) is how the
	// external job-handler processes build their LLM client (the
	// triangulation agent logic consuming it is a black-box non-goal,
	// spec.md §1) — ctpd itself never calls Execute.

	resolver := outbox.NewResolver(db)
	escalator, err := outbox.NewEscalator(ctx)
	if err != nil {
		return nil, cleanup, fmt.Errorf("build escalation policy: %w", err)
	}
	publisher, err := outbox.NewPublisher(db, resolver, escalator, queueMgr, log, outbox.PublisherConfig{
		PollInterval: cfg.Outbox.PollingInterval,
		BatchSize:    cfg.Outbox.BatchLimit,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("build outbox publisher: %w", err)
	}

	targets := monitorTargets(cfg.Workers.Limits)
	monitor := completion.NewMonitor(queueMgr, completion.Config{
		Targets:            targets,
		CheckInterval:      cfg.Monitoring.CheckInterval,
		RequiredIdleChecks: cfg.Monitoring.RequiredIdleChecks,
		MaxWaitTime:        cfg.Monitoring.MaxWaitTime,
		MaxFailureRate:     cfg.Monitoring.MaxFailureRate,
	})

	graphBackend, err := graph.NewNeo4jBackend(ctx, cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password, cfg.Graph.Database)
	if err != nil {
		return nil, cleanup, fmt.Errorf("connect graph store: %w", err)
	}
	closers = append(closers, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Graph.Timeout)
		defer cancel()
		_ = graphBackend.Close(closeCtx)
	})
	graphBuilder := graph.NewBuilder(db, graphBackend)

	notifier := notify.NewNotifier(cfg.Notify.SlackBotToken, cfg.Notify.Channel, log)

	recorder := metrics.NewRecorder(concurrencyMgr, breakers, breakerServiceNames(cfg.Breakers), queueMgr, recorderTargets(targets))
	go recorder.Run(ctx)

	go runQueueCleanup(ctx, queueMgr, queueCleanupTargets(targets), cfg.Cleanup, cfg.Monitoring.CheckInterval, log)

	orch := orchestrator.New(
		db,
		migrationRunner,
		redisClient,
		queueMgr,
		targets,
		publisher,
		monitor,
		graphBuilder,
		graphBackend,
		notifier,
		nil, // job-handling workers are external black-box processes (spec.md §1)
		log,
		orchestrator.Config{ShutdownTimeouts: cfg.Monitoring.ShutdownTimeouts},
	)

	return orch, cleanup, nil
}

func asBreakerConfigs(in map[string]config.BreakerConfig) map[string]breaker.ServiceConfig {
	out := make(map[string]breaker.ServiceConfig, len(in))
	for name, c := range in {
		out[name] = breaker.ServiceConfig{
			FailureThreshold: c.FailureThreshold,
			ResetTimeout:     c.ResetTimeout,
			ProbeCount:       c.ProbeCount,
			WorkerKind:       c.WorkerKind,
			WorkerLimit:      c.WorkerLimit,
			Dependents:       c.Dependents,
		}
	}
	return out
}

func breakerServiceNames(in map[string]config.BreakerConfig) []string {
	names := make([]string, 0, len(in))
	for name := range in {
		names = append(names, name)
	}
	return names
}

// monitorTargets derives the CompletionMonitor's polled queue/group list
// from the configured worker kinds: one consumer group per queue, named
// after the queue itself.
func monitorTargets(limits map[string]int) []completion.Target {
	targets := make([]completion.Target, 0, len(limits))
	for queueName := range limits {
		targets = append(targets, completion.Target{Queue: queueName, Group: queueName})
	}
	return targets
}

func queueCleanupTargets(targets []completion.Target) []queue.Target {
	out := make([]queue.Target, len(targets))
	for i, t := range targets {
		out[i] = queue.Target{Queue: t.Queue, Group: t.Group}
	}
	return out
}

// runQueueCleanup runs the queue cleanup policy (spec.md §4.4: sweep stale
// entries back to waiting, trim the dead-letter queue to retentionCount) on
// interval until ctx is done. A failed pass is logged and retried on the
// next tick rather than aborting the loop.
func runQueueCleanup(ctx context.Context, qm *queue.Manager, targets []queue.Target, cfg config.CleanupConfig, interval time.Duration, log *logrus.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := qm.Cleanup(ctx, targets, queue.CleanupConfig{
				RetentionCount: int64(cfg.RetentionCount),
				StaleAge:       cfg.StaleAge,
			})
			if err != nil {
				logging.WithFields(log, logging.NewFields().Component("ctpd").Operation("queue_cleanup").Error(err)).
					Warn("queue cleanup pass failed")
			}
		}
	}
}

func recorderTargets(targets []completion.Target) []metrics.QueueTarget {
	out := make([]metrics.QueueTarget, len(targets))
	for i, t := range targets {
		out[i] = metrics.QueueTarget{Queue: t.Queue, Group: t.Group}
	}
	return out
}
