// Package config loads and validates jobstream configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Identity providers.
const (
	IdentityFile     = "file"
	IdentityMemory   = "memory"
	IdentityPostgres = "postgres"
)

// Config captures all client configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Submit    SubmitConfig    `mapstructure:"submit"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

// ServerConfig locates the job backend.
type ServerConfig struct {
	BaseURL string      `mapstructure:"base_url"`
	Paths   PathsConfig `mapstructure:"paths"`
}

// PathsConfig overrides individual backend routes.
type PathsConfig struct {
	Submit   string `mapstructure:"submit"`
	Status   string `mapstructure:"status"`
	Abort    string `mapstructure:"abort"`
	Download string `mapstructure:"download"`
}

// SubmitConfig selects the submission mode.
type SubmitConfig struct {
	// Inline makes the submission request itself the event stream.
	Inline bool `mapstructure:"inline"`
}

// ProgressConfig tunes the progress model and countdown.
type ProgressConfig struct {
	TimedWaitSeconds  int           `mapstructure:"timed_wait_seconds"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	DeletionThreshold float64       `mapstructure:"deletion_threshold"`
}

// HTTPConfig bounds the submit and abort calls. The event stream itself is
// never subject to this timeout.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// IdentityConfig selects where the current job identity is persisted.
type IdentityConfig struct {
	Provider string                 `mapstructure:"provider"`
	Path     string                 `mapstructure:"path"`
	Postgres IdentityPostgresConfig `mapstructure:"postgres"`
}

// IdentityPostgresConfig configures the shared identity table.
type IdentityPostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	Key      string `mapstructure:"key"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig exposes Prometheus metrics and run history over HTTP when
// Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// JournalConfig tunes the lifecycle journal.
type JournalConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	MaxBatch     int           `mapstructure:"max_batch"`
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait"`
	// HistoryDSN enables the Postgres run history when set.
	HistoryDSN string       `mapstructure:"history_dsn"`
	PubSub     PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig announces finished jobs on a Pub/Sub topic when Topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SimulatorConfig drives the simulated backend.
type SimulatorConfig struct {
	Addr             string        `mapstructure:"addr"`
	TimedWaitSeconds int           `mapstructure:"timed_wait_seconds"`
	CheckCount       int           `mapstructure:"check_count"`
	Units            []string      `mapstructure:"units"`
	StepDelay        time.Duration `mapstructure:"step_delay"`
	Dialect          string        `mapstructure:"dialect"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadDotEnv copies KEY=value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.paths.submit", "/result")
	v.SetDefault("server.paths.status", "/status")
	v.SetDefault("server.paths.abort", "/abort")
	v.SetDefault("server.paths.download", "/download")
	v.SetDefault("submit.inline", false)
	v.SetDefault("progress.timed_wait_seconds", 120)
	v.SetDefault("progress.tick_interval", time.Second)
	v.SetDefault("progress.deletion_threshold", 20.0)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("identity.provider", IdentityFile)
	v.SetDefault("identity.postgres.table", "job_identities")
	v.SetDefault("identity.postgres.key", "default")
	v.SetDefault("identity.postgres.max_conns", 2)
	v.SetDefault("logging.development", true)
	v.SetDefault("journal.buffer_size", 256)
	v.SetDefault("journal.max_batch", 64)
	v.SetDefault("journal.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("simulator.addr", ":8080")
	v.SetDefault("simulator.timed_wait_seconds", 5)
	v.SetDefault("simulator.check_count", 3)
	v.SetDefault("simulator.units", []string{"highway", "rail", "water"})
	v.SetDefault("simulator.step_delay", 500*time.Millisecond)
	v.SetDefault("simulator.dialect", "canonical")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.BaseURL) == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Progress.TimedWaitSeconds <= 0 {
		return fmt.Errorf("progress.timed_wait_seconds must be > 0")
	}
	if c.Progress.TickInterval <= 0 {
		return fmt.Errorf("progress.tick_interval must be > 0")
	}
	if c.Progress.DeletionThreshold <= 0 || c.Progress.DeletionThreshold > 100 {
		return fmt.Errorf("progress.deletion_threshold must be in (0, 100]")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.Identity.Provider {
	case IdentityFile, IdentityMemory:
	case IdentityPostgres:
		if c.Identity.Postgres.DSN == "" {
			return fmt.Errorf("identity.postgres.dsn must be set when identity.provider is postgres")
		}
	default:
		return fmt.Errorf("identity.provider %q is not one of file, memory, postgres", c.Identity.Provider)
	}
	if c.Journal.PubSub.Topic != "" && c.Journal.PubSub.ProjectID == "" {
		return fmt.Errorf("journal.pubsub.project_id must be set when journal.pubsub.topic is")
	}
	if c.Journal.BufferSize < 0 || c.Journal.MaxBatch < 0 {
		return fmt.Errorf("journal.buffer_size and journal.max_batch must be >= 0")
	}
	if c.Simulator.TimedWaitSeconds < 0 || c.Simulator.CheckCount < 0 {
		return fmt.Errorf("simulator.timed_wait_seconds and simulator.check_count must be >= 0")
	}
	switch c.Simulator.Dialect {
	case "", "canonical", "legacy", "snapshot":
	default:
		return fmt.Errorf("simulator.dialect %q is not one of canonical, legacy, snapshot", c.Simulator.Dialect)
	}
	return nil
}

// RequestTimeout converts http.timeout_seconds into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
