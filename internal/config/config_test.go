package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Engine.WorkerCount)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, 25, cfg.Engine.Checkpoint.Items)
	assert.NotEmpty(t, cfg.Engine.NodeID)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, `
engine:
  node_id: n7
  worker_count: 8
  checkpoint:
    items: 10
    interval: 500ms
store:
  backend: sqlite
  dir: /var/lib/tasks
processors:
  BULK_IMPORT:
    rate_per_second: 20
    burst: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "n7", cfg.Engine.NodeID)
	assert.Equal(t, 8, cfg.Engine.WorkerCount)
	assert.Equal(t, CheckpointConfig{Items: 10, Interval: 500 * time.Millisecond}, cfg.Engine.Checkpoint)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	// untouched keys keep their defaults
	assert.Equal(t, time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, ProcessorConfig{RatePerSecond: 20, Burst: 5}, cfg.Processors[types.TypeBulkImport])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "engine:\n  worker_count: 2\n")
	t.Setenv("TASKS_ENGINE_WORKER_COUNT", "6")
	t.Setenv("TASKS_ENGINE_CHECKPOINT_ITEMS", "3")
	t.Setenv("TASKS_STORE_BACKEND", "memory")
	t.Setenv("TASKS_NOTIFY_REDIS_ADDR", "localhost:6379")
	t.Setenv("TASKS_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Engine.WorkerCount)
	assert.Equal(t, 3, cfg.Engine.Checkpoint.Items)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "localhost:6379", cfg.Notify.RedisAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "engine: [unclosed"))
	assert.Error(t, err)

	t.Setenv("TASKS_ENGINE_WORKER_COUNT", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"workers":   func(c *Config) { c.Engine.WorkerCount = 0 },
		"backend":   func(c *Config) { c.Store.Backend = "mongo" },
		"postgres":  func(c *Config) { c.Store.Backend = "postgres" },
		"metrics":   func(c *Config) { c.Metrics.Addr = "" },
		"log level": func(c *Config) { c.Log.Level = "chatty" },
		"format":    func(c *Config) { c.Log.Format = "xml" },
		"rate": func(c *Config) {
			c.Processors = map[types.TaskType]ProcessorConfig{types.TypeBulkImport: {RatePerSecond: -1}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestDefaultYAMLFileIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "node-1", cfg.Engine.NodeID)
	assert.Equal(t, float64(50), cfg.Processors[types.TypeBulkAccountCreation].RatePerSecond)
}
