// Package config loads and validates the pipeline's configuration surface
// (spec.md §6): concurrency caps, per-worker-kind limits, queue/outbox
// timing, batching, cleanup, monitoring guard rails, breaker tuning per
// service, and the ambient database/llm/graph/notify/logging sections.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

// Environment selects the default profile applied before the file and env
// overrides are layered on top.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvDebug       Environment = "debug"
	EnvProduction  Environment = "production"
)

type ConcurrencyConfig struct {
	MaxConcurrency  int           `yaml:"max_concurrency"`
	QueueSizeLimit  int           `yaml:"queue_size_limit"`
	PermitTimeout   time.Duration `yaml:"permit_timeout"`
	FairScheduling  bool          `yaml:"fair_scheduling"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
}

type WorkersConfig struct {
	Limits     map[string]int `yaml:"limits"`
	Priorities map[string]int `yaml:"priorities"`
}

type OutboxConfig struct {
	PollingInterval time.Duration `yaml:"polling_interval"`
	BatchLimit      int           `yaml:"batch_limit"`
}

type BatchConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

type CleanupConfig struct {
	RetentionCount int           `yaml:"retention_count"`
	StaleAge       time.Duration `yaml:"stale_age"`
}

type MonitoringConfig struct {
	CheckInterval       time.Duration            `yaml:"check_interval"`
	MaxWaitTime         time.Duration            `yaml:"max_wait_time"`
	MaxFailureRate      float64                  `yaml:"max_failure_rate"`
	RequiredIdleChecks  int                      `yaml:"required_idle_checks"`
	ShutdownTimeouts    map[string]time.Duration `yaml:"shutdown_timeouts"`
}

type PerformanceConfig struct {
	CPUThreshold    float64 `yaml:"cpu_threshold"`
	MemoryThreshold float64 `yaml:"memory_threshold"`
	APIRateLimit    int     `yaml:"api_rate_limit"`
}

type BreakerConfig struct {
	FailureThreshold float64       `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	ProbeCount       int           `yaml:"probe_count"`
	WorkerKind       string        `yaml:"worker_kind"`
	WorkerLimit      int           `yaml:"worker_limit"`
	Dependents       []string      `yaml:"dependents"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

type LLMConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
	APIKey   string        `yaml:"api_key"`
}

type GraphConfig struct {
	URI      string        `yaml:"uri"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

type NotifyConfig struct {
	SlackBotToken string `yaml:"slack_bot_token"`
	Channel       string `yaml:"channel"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full pipeline configuration surface.
type Config struct {
	Environment Environment       `yaml:"environment"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Workers     WorkersConfig     `yaml:"workers"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Batch       BatchConfig       `yaml:"batch"`
	Cleanup     CleanupConfig     `yaml:"cleanup"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Performance PerformanceConfig `yaml:"performance"`
	Breakers    map[string]BreakerConfig `yaml:"breakers"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	LLM         LLMConfig         `yaml:"llm"`
	Graph       GraphConfig       `yaml:"graph"`
	Notify      NotifyConfig      `yaml:"notify"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Default returns the configuration defaults for env, matching spec.md §6:
// maxConcurrency default 100, batchSize default 100, flushInterval default
// 500ms, pollingInterval default 1s, requiredIdleChecks default 3,
// maxFailureRate default 0.5.
func Default(env Environment) *Config {
	cfg := &Config{
		Environment: env,
		Concurrency: ConcurrencyConfig{
			MaxConcurrency: 100,
			QueueSizeLimit: 500,
			PermitTimeout:  0,
			FairScheduling: true,
			AcquireTimeout: 30 * time.Second,
		},
		Workers: WorkersConfig{
			Limits: map[string]int{
				"file-analysis":           20,
				"relationship-resolution": 20,
				"llm-analysis":            10,
				"graph-ingestion":         10,
				"triangulated-analysis":   10,
			},
			Priorities: map[string]int{
				"file-analysis":           5,
				"relationship-resolution": 5,
				"llm-analysis":            5,
				"graph-ingestion":         3,
				"triangulated-analysis":   8,
			},
		},
		Outbox: OutboxConfig{
			PollingInterval: time.Second,
			BatchLimit:      200,
		},
		Batch: BatchConfig{
			BatchSize:     100,
			FlushInterval: 500 * time.Millisecond,
			MaxRetries:    3,
		},
		Cleanup: CleanupConfig{
			RetentionCount: 1000,
			StaleAge:       10 * time.Minute,
		},
		Monitoring: MonitoringConfig{
			CheckInterval:      2 * time.Second,
			MaxWaitTime:        30 * time.Minute,
			MaxFailureRate:     0.5,
			RequiredIdleChecks: 3,
			ShutdownTimeouts: map[string]time.Duration{
				"publisher":    10 * time.Second,
				"triangulator": 10 * time.Second,
				"workers":      30 * time.Second,
				"pool_manager": 5 * time.Second,
				"queues":       10 * time.Second,
				"graph_driver": 5 * time.Second,
				"database":     5 * time.Second,
			},
		},
		Performance: PerformanceConfig{
			CPUThreshold:    0.85,
			MemoryThreshold: 0.85,
			APIRateLimit:    60,
		},
		Breakers: map[string]BreakerConfig{
			"llm":   {FailureThreshold: 0.5, ResetTimeout: 30 * time.Second, ProbeCount: 1, WorkerKind: "llm-analysis", WorkerLimit: 10},
			"graph": {FailureThreshold: 0.5, ResetTimeout: 15 * time.Second, ProbeCount: 1, WorkerKind: "graph-ingestion", WorkerLimit: 10},
			// cache backs both the llm and graph lookup paths, so a cache
			// outage is lowered into those breakers too rather than letting
			// them absorb cache failures call by call.
			"cache": {FailureThreshold: 0.5, ResetTimeout: 10 * time.Second, ProbeCount: 1, Dependents: []string{"llm", "graph"}},
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "ctp_user",
			Database:        "ctp",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet",
			Timeout:  30 * time.Second,
		},
		Graph: GraphConfig{
			URI:      "bolt://localhost:7687",
			Database: "neo4j",
			Timeout:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}

	switch env {
	case EnvTest:
		cfg.Concurrency.MaxConcurrency = 10
		cfg.Monitoring.MaxWaitTime = 30 * time.Second
		cfg.Monitoring.CheckInterval = 50 * time.Millisecond
		cfg.Outbox.PollingInterval = 50 * time.Millisecond
		cfg.Batch.FlushInterval = 50 * time.Millisecond
	case EnvDebug:
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "text"
	}
	return cfg
}

// Load reads a YAML config file from path, layering it on top of the
// default for its declared (or development) environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipelineerrors.FailedToWithDetails("load config file", "config", path, err)
	}

	var probe struct {
		Environment Environment `yaml:"environment"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, pipelineerrors.ParseError(path, "YAML", err)
	}
	env := probe.Environment
	if env == "" {
		env = EnvDevelopment
	}

	cfg := Default(env)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, pipelineerrors.ParseError(path, "YAML", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers process environment variables on top of the
// loaded file, per spec.md §6: FORCE_MAX_CONCURRENCY overrides the global
// cap in any environment.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORCE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Concurrency.MaxConcurrency = n
		}
	}
	if v := os.Getenv("CTP_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("CTP_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("CTP_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("CTP_GRAPH_PASSWORD"); v != "" {
		c.Graph.Password = v
	}
	if v := os.Getenv("CTP_SLACK_BOT_TOKEN"); v != "" {
		c.Notify.SlackBotToken = v
	}
	if v := os.Getenv("CTP_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CTP_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

// Validate rejects a config that would violate a spec invariant before the
// orchestrator ever starts.
func (c *Config) Validate() error {
	if c.Concurrency.MaxConcurrency <= 0 {
		return pipelineerrors.ConfigurationError("concurrency.max_concurrency", "must be positive")
	}
	if c.Monitoring.MaxFailureRate < 0 || c.Monitoring.MaxFailureRate > 1 {
		return pipelineerrors.ConfigurationError("monitoring.max_failure_rate", "must be in [0,1]")
	}
	if c.Monitoring.RequiredIdleChecks <= 0 {
		return pipelineerrors.ConfigurationError("monitoring.required_idle_checks", "must be positive")
	}
	if c.Batch.BatchSize <= 0 {
		return pipelineerrors.ConfigurationError("batch.batch_size", "must be positive")
	}
	for name, b := range c.Breakers {
		if b.FailureThreshold <= 0 || b.FailureThreshold > 1 {
			return pipelineerrors.ConfigurationError(fmt.Sprintf("breakers.%s.failure_threshold", name), "must be in (0,1]")
		}
	}
	return nil
}
