package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  base_url: https://osm.example.org/api
  paths:
    status: /longtask_status
submit:
  inline: true
progress:
  timed_wait_seconds: 90
  tick_interval: 500ms
  deletion_threshold: 35
http:
  timeout_seconds: 45
identity:
  provider: postgres
  postgres:
    dsn: postgres://localhost/jobs
    key: kiosk-1
logging:
  development: false
metrics:
  addr: ":9102"
journal:
  max_batch: 8
  history_dsn: postgres://localhost/history
simulator:
  units: [rail]
  dialect: legacy
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.BaseURL != "https://osm.example.org/api" || cfg.Server.Paths.Status != "/longtask_status" {
		t.Fatalf("expected server overrides to apply: %+v", cfg.Server)
	}
	if cfg.Server.Paths.Submit != "/result" {
		t.Fatalf("expected default submit path, got %q", cfg.Server.Paths.Submit)
	}
	if !cfg.Submit.Inline {
		t.Fatal("expected inline submission")
	}
	if cfg.Progress.TimedWaitSeconds != 90 || cfg.Progress.TickInterval != 500*time.Millisecond || cfg.Progress.DeletionThreshold != 35 {
		t.Fatalf("expected progress overrides to apply: %+v", cfg.Progress)
	}
	if cfg.Identity.Provider != IdentityPostgres || cfg.Identity.Postgres.Key != "kiosk-1" || cfg.Identity.Postgres.Table != "job_identities" {
		t.Fatalf("expected identity overrides to apply: %+v", cfg.Identity)
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging")
	}
	if cfg.Metrics.Addr != ":9102" {
		t.Fatalf("expected metrics addr, got %q", cfg.Metrics.Addr)
	}
	if cfg.Journal.MaxBatch != 8 || cfg.Journal.BufferSize != 256 || cfg.Journal.HistoryDSN == "" {
		t.Fatalf("expected journal overrides to apply: %+v", cfg.Journal)
	}
	if len(cfg.Simulator.Units) != 1 || cfg.Simulator.Units[0] != "rail" || cfg.Simulator.Dialect != "legacy" {
		t.Fatalf("expected simulator overrides to apply: %+v", cfg.Simulator)
	}
	if got := cfg.RequestTimeout(); got != 45*time.Second {
		t.Fatalf("expected request timeout 45s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Progress.TimedWaitSeconds != 120 || cfg.Progress.DeletionThreshold != 20 {
		t.Fatalf("unexpected progress defaults: %+v", cfg.Progress)
	}
	if cfg.Identity.Provider != IdentityFile {
		t.Fatalf("expected file identity by default, got %q", cfg.Identity.Provider)
	}
	if cfg.Progress.TickInterval != time.Second {
		t.Fatalf("expected 1s tick, got %v", cfg.Progress.TickInterval)
	}
}

// TestLoadEnvOverride reads JOBSTREAM_* variables. It mutates the process
// environment and so does not run in parallel.
func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("JOBSTREAM_SERVER_BASE_URL", "http://env.example:9000")
	t.Setenv("JOBSTREAM_SUBMIT_INLINE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.BaseURL != "http://env.example:9000" {
		t.Fatalf("expected env base url, got %q", cfg.Server.BaseURL)
	}
	if !cfg.Submit.Inline {
		t.Fatal("expected env inline flag")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("JOBSTREAM_HTTP_TIMEOUT_SECONDS=7\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("JOBSTREAM_HTTP_TIMEOUT_SECONDS", "")
	if err := os.Unsetenv("JOBSTREAM_HTTP_TIMEOUT_SECONDS"); err != nil {
		t.Fatalf("unsetenv: %v", err)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.TimeoutSeconds != 7 {
		t.Fatalf("expected timeout from .env, got %d", cfg.HTTP.TimeoutSeconds)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"missing base url", func(c *Config) { c.Server.BaseURL = " " }, "server.base_url"},
		{"invalid timed wait", func(c *Config) { c.Progress.TimedWaitSeconds = 0 }, "progress.timed_wait_seconds"},
		{"invalid tick", func(c *Config) { c.Progress.TickInterval = 0 }, "progress.tick_interval"},
		{"invalid threshold", func(c *Config) { c.Progress.DeletionThreshold = 120 }, "progress.deletion_threshold"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"unknown identity", func(c *Config) { c.Identity.Provider = "redis" }, "identity.provider"},
		{"postgres without dsn", func(c *Config) { c.Identity.Provider = IdentityPostgres }, "identity.postgres.dsn"},
		{"negative batch", func(c *Config) { c.Journal.MaxBatch = -1 }, "journal.max_batch"},
		{"topic without project", func(c *Config) { c.Journal.PubSub.Topic = "jobs" }, "journal.pubsub.project_id"},
		{"unknown dialect", func(c *Config) { c.Simulator.Dialect = "xml" }, "simulator.dialect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mut(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
