package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_ValidContent(t *testing.T) {
	path := writeConfig(t, `
environment: production

concurrency:
  max_concurrency: 150
  fair_scheduling: true

workers:
  limits:
    file-analysis: 30
  priorities:
    file-analysis: 7

monitoring:
  max_failure_rate: 0.4
  required_idle_checks: 5

database:
  host: "db.internal"
  port: 5433

logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Concurrency.MaxConcurrency != 150 {
		t.Errorf("MaxConcurrency = %d, want 150", cfg.Concurrency.MaxConcurrency)
	}
	if cfg.Workers.Limits["file-analysis"] != 30 {
		t.Errorf("Workers.Limits[file-analysis] = %d, want 30", cfg.Workers.Limits["file-analysis"])
	}
	if cfg.Monitoring.MaxFailureRate != 0.4 {
		t.Errorf("MaxFailureRate = %v, want 0.4", cfg.Monitoring.MaxFailureRate)
	}
	if cfg.Monitoring.RequiredIdleChecks != 5 {
		t.Errorf("RequiredIdleChecks = %d, want 5", cfg.Monitoring.RequiredIdleChecks)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	// Defaults for untouched sections should still be populated.
	if cfg.Batch.BatchSize != 100 {
		t.Errorf("Batch.BatchSize default = %d, want 100", cfg.Batch.BatchSize)
	}
	if cfg.Batch.FlushInterval != 500*time.Millisecond {
		t.Errorf("Batch.FlushInterval default = %v, want 500ms", cfg.Batch.FlushInterval)
	}
}

func TestLoad_MinimalContent(t *testing.T) {
	path := writeConfig(t, `environment: test`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Concurrency.MaxConcurrency != 10 {
		t.Errorf("test environment MaxConcurrency = %d, want 10", cfg.Concurrency.MaxConcurrency)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "concurrency: [this is not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func TestLoad_InvalidatesBadMaxFailureRate(t *testing.T) {
	path := writeConfig(t, `
monitoring:
  max_failure_rate: 1.5
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected validation error for out-of-range max_failure_rate")
	}
}

func TestForceMaxConcurrencyOverride(t *testing.T) {
	path := writeConfig(t, `environment: development`)

	t.Setenv("FORCE_MAX_CONCURRENCY", "7")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Concurrency.MaxConcurrency != 7 {
		t.Errorf("MaxConcurrency = %d, want 7 (forced)", cfg.Concurrency.MaxConcurrency)
	}
}

func TestDefault_PerEnvironment(t *testing.T) {
	prod := Default(EnvProduction)
	if prod.Concurrency.MaxConcurrency != 100 {
		t.Errorf("production MaxConcurrency = %d, want 100", prod.Concurrency.MaxConcurrency)
	}

	test := Default(EnvTest)
	if test.Concurrency.MaxConcurrency != 10 {
		t.Errorf("test MaxConcurrency = %d, want 10", test.Concurrency.MaxConcurrency)
	}
}

func TestValidate_RejectsNonPositiveConcurrency(t *testing.T) {
	cfg := Default(EnvDevelopment)
	cfg.Concurrency.MaxConcurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for zero max_concurrency")
	}
}
