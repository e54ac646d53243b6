package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChuLiYu/taskengine/internal/config"
	"github.com/ChuLiYu/taskengine/internal/controller"
	"github.com/ChuLiYu/taskengine/internal/metrics"
	"github.com/ChuLiYu/taskengine/internal/notify"
	"github.com/ChuLiYu/taskengine/internal/processor"
	"github.com/ChuLiYu/taskengine/internal/progress"
	"github.com/ChuLiYu/taskengine/internal/taskstore"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    taskstore.Store
	ctrl     *controller.Controller
	registry *prometheus.Registry
	redis    *redis.Client
}

// newApp opens the store and wires the controller. Commands that run
// outside the engine process pass engine=false and need a shared backend.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, engine bool) (*app, error) {
	if !engine && !taskstore.Shared(cfg.Store.Backend) {
		return nil, fmt.Errorf("backend %q is private to the engine process; use sqlite or postgres to manage tasks from the command line", cfg.Store.Backend)
	}

	store, err := taskstore.Open(ctx, storeOptions(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store}

	var rec metrics.Recorder = metrics.Nop{}
	if engine && cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec = metrics.NewCollector(a.registry)
	}

	var dispatcher notify.Dispatcher = notify.NewLogDispatcher(logger)
	if cfg.Notify.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
			DB:       cfg.Notify.RedisDB,
		})
		dispatcher = notify.Multi{dispatcher, notify.NewRedisDispatcher(a.redis, cfg.Notify.Channel)}
	}
	notifier := notify.NewNotifier(dispatcher, cfg.Notify.Timeout, logger, rec)

	reg := processor.NewRegistry()
	processor.RegisterBuiltins(reg, processor.NewMemoryDirectory(), processor.NewMemorySink(), processorOptions(cfg))

	a.ctrl = controller.New(store, reg, notifier, controllerConfig(cfg), logger, rec)
	return a, nil
}

// Close stops the controller and releases the store and Redis client.
func (a *app) Close() {
	a.ctrl.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.logger.Sync()
}

func storeOptions(cfg *config.Config) taskstore.Options {
	return taskstore.Options{
		Backend:      cfg.Store.Backend,
		Dir:          cfg.Store.Dir,
		SQLitePath:   cfg.Store.SQLitePath,
		PostgresDSN:  cfg.Store.PostgresDSN,
		SyncOnAppend: cfg.Store.SyncOnAppend,
		MaxBackups:   cfg.Store.MaxBackups,
	}
}

func controllerConfig(cfg *config.Config) controller.Config {
	e := cfg.Engine
	return controller.Config{
		NodeID:           e.NodeID,
		WorkerCount:      e.WorkerCount,
		PollInterval:     e.PollInterval,
		Checkpoint:       progress.Policy{Items: e.Checkpoint.Items, Interval: e.Checkpoint.Interval},
		MaxTaskDuration:  e.MaxTaskDuration,
		SnapshotInterval: cfg.Store.SnapshotInterval,
		StatsInterval:    e.StatsInterval,
		StoreRetry: taskstore.RetryPolicy{
			Attempts:   e.StoreRetry.Attempts,
			Backoff:    e.StoreRetry.Backoff,
			MaxBackoff: e.StoreRetry.MaxBackoff,
		},
	}
}

func processorOptions(cfg *config.Config) map[types.TaskType][]processor.Option {
	out := make(map[types.TaskType][]processor.Option, len(cfg.Processors))
	for t, p := range cfg.Processors {
		if p.RatePerSecond > 0 {
			out[t] = append(out[t], processor.WithRateLimit(p.RatePerSecond, p.Burst))
		}
	}
	return out
}
