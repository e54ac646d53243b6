// Package config loads the engine configuration: built-in defaults, then a
// YAML file, then TASKS_* environment variables, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/taskengine/internal/logging"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. TASKS_ENGINE_WORKER_COUNT.
const EnvPrefix = "TASKS_"

// Config represents the complete system configuration
type Config struct {
	Engine     EngineConfig                       `yaml:"engine" envPrefix:"ENGINE_"`
	Store      StoreConfig                        `yaml:"store" envPrefix:"STORE_"`
	Notify     NotifyConfig                       `yaml:"notify" envPrefix:"NOTIFY_"`
	Metrics    MetricsConfig                      `yaml:"metrics" envPrefix:"METRICS_"`
	Log        logging.Config                     `yaml:"log" envPrefix:"LOG_"`
	Processors map[types.TaskType]ProcessorConfig `yaml:"processors"`
}

type EngineConfig struct {
	NodeID          string           `yaml:"node_id" env:"NODE_ID"`
	WorkerCount     int              `yaml:"worker_count" env:"WORKER_COUNT"`
	PollInterval    time.Duration    `yaml:"poll_interval" env:"POLL_INTERVAL"`
	MaxTaskDuration time.Duration    `yaml:"max_task_duration" env:"MAX_TASK_DURATION"`
	StatsInterval   time.Duration    `yaml:"stats_interval" env:"STATS_INTERVAL"`
	Checkpoint      CheckpointConfig `yaml:"checkpoint" envPrefix:"CHECKPOINT_"`
	StoreRetry      RetryConfig      `yaml:"store_retry" envPrefix:"STORE_RETRY_"`
}

// CheckpointConfig: flush after Items results or Interval, whichever first.
type CheckpointConfig struct {
	Items    int           `yaml:"items" env:"ITEMS"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

type RetryConfig struct {
	Attempts   int           `yaml:"attempts" env:"ATTEMPTS"`
	Backoff    time.Duration `yaml:"backoff" env:"BACKOFF"`
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
}

type StoreConfig struct {
	Backend          string        `yaml:"backend" env:"BACKEND"` // memory, file, sqlite, postgres
	Dir              string        `yaml:"dir" env:"DIR"`
	SQLitePath       string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN      string        `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	SyncOnAppend     bool          `yaml:"sync_on_append" env:"SYNC_ON_APPEND"`
	MaxBackups       int           `yaml:"max_backups" env:"MAX_BACKUPS"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
}

// NotifyConfig: an empty RedisAddr keeps notifications in the log only.
type NotifyConfig struct {
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	Channel       string        `yaml:"channel" env:"CHANNEL"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// ProcessorConfig tunes one task type. RatePerSecond 0 disables limiting.
type ProcessorConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

var backends = map[string]bool{"memory": true, "file": true, "sqlite": true, "postgres": true}

// Default returns a configuration that runs a single node on a file store.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			NodeID:        hostname(),
			WorkerCount:   4,
			PollInterval:  time.Second,
			StatsInterval: 15 * time.Second,
			Checkpoint:    CheckpointConfig{Items: 25, Interval: 2 * time.Second},
			StoreRetry:    RetryConfig{Attempts: 4, Backoff: 50 * time.Millisecond, MaxBackoff: time.Second},
		},
		Store: StoreConfig{
			Backend:          "file",
			Dir:              "data",
			MaxBackups:       5,
			SnapshotInterval: time.Minute,
		},
		Notify:  NotifyConfig{Channel: "tasks.notifications", Timeout: 5 * time.Second},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Log:     logging.Config{Level: "info", Format: "console", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "local"
	}
	return h
}

// Load reads path (skipped when empty) over the defaults, applies the
// environment and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.NodeID == "" {
		errs = append(errs, errors.New("engine.node_id is required"))
	}
	if c.Engine.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("engine.worker_count must be positive, got %d", c.Engine.WorkerCount))
	}
	if c.Engine.PollInterval <= 0 {
		errs = append(errs, errors.New("engine.poll_interval must be positive"))
	}
	if c.Engine.MaxTaskDuration < 0 {
		errs = append(errs, errors.New("engine.max_task_duration must not be negative"))
	}
	if c.Engine.Checkpoint.Items < 0 || c.Engine.Checkpoint.Interval < 0 {
		errs = append(errs, errors.New("engine.checkpoint values must not be negative"))
	}
	if !backends[c.Store.Backend] {
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, file, sqlite, postgres", c.Store.Backend))
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
	}
	if (c.Store.Backend == "file" || c.Store.Backend == "sqlite") && c.Store.Dir == "" && c.Store.SQLitePath == "" {
		errs = append(errs, fmt.Errorf("store.dir is required for the %s backend", c.Store.Backend))
	}
	if c.Notify.RedisAddr != "" && c.Notify.Channel == "" {
		errs = append(errs, errors.New("notify.channel is required with notify.redis_addr"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "" && c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not console or json", c.Log.Format))
	}
	for t, p := range c.Processors {
		if p.RatePerSecond < 0 || p.Burst < 0 {
			errs = append(errs, fmt.Errorf("processors.%s: rate and burst must not be negative", t))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
