// ============================================================================
// Task Engine CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running the engine and managing tasks
//
// Command Structure:
//   tasks                          # Root command
//   ├── run                        # Start the engine (+ /metrics, /healthz)
//   ├── create  -f task.yaml       # Create a task (JSON or YAML, optional --csv items)
//   ├── list                       # List tasks, newest first
//   ├── get     <id>               # Show one task with its failed items
//   ├── watch   <id>               # Progress bar until the task leaves its run
//   ├── pause / resume / cancel <id>
//   ├── delete  <id>               # Only terminal tasks
//   ├── retry   <id>               # New task with failed + unprocessed items
//   └── status                     # Task counts by status
//   Global: --config, -c (default configs/default.yaml)
//
// Process model:
//   run owns the worker pool. The other commands open the same store and go
//   through the same Control API, so they need a store several processes can
//   share (sqlite or postgres). A running engine picks new or resumed tasks
//   up on its next poll tick.
//
// Signal Handling:
//   run stops on SIGINT / SIGTERM: running tasks checkpoint and return to
//   QUEUED, the file store writes a final snapshot, then the process exits.
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/taskengine/internal/config"
	"github.com/ChuLiYu/taskengine/internal/logging"
	"github.com/ChuLiYu/taskengine/internal/metrics"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// options are the persistent flags shared by every command.
type options struct {
	configFile string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Background task engine for bulk school-administration jobs",
		Long: `tasks runs long bulk operations (record imports, account creation)
in the background with checkpointed progress, pause/resume/cancel and
retry of failed items. State survives restarts of the engine.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path (empty for built-in defaults)")

	rootCmd.AddCommand(
		buildRunCommand(opts),
		buildCreateCommand(opts),
		buildListCommand(opts),
		buildGetCommand(opts),
		buildWatchCommand(opts),
		buildControlCommand(opts, "pause", "Ask a running task to pause at the next item boundary"),
		buildControlCommand(opts, "resume", "Requeue a paused task"),
		buildControlCommand(opts, "cancel", "Cancel a task"),
		buildControlCommand(opts, "delete", "Delete a finished task"),
		buildRetryCommand(opts),
		buildStatusCommand(opts),
	)
	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// load reads the configuration and builds the logger.
func (o *options) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// client opens an app for an out-of-process command.
func (o *options) client(ctx context.Context) (*app, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger, false)
}

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the task engine",
		Long:  "Start the scheduler and worker pool, plus the metrics server when enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, opts)
		},
	}
}

// runEngine runs the engine and the ops server until ctx is cancelled or
// one of them fails.
func runEngine(ctx context.Context, opts *options) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("starting task engine",
		zap.String("node_id", cfg.Engine.NodeID),
		zap.String("backend", cfg.Store.Backend),
		zap.Int("workers", cfg.Engine.WorkerCount),
		zap.String("version", Version),
	)
	if err := a.ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.registry != nil {
		srv := metrics.NewServer(cfg.Metrics.Addr, a.registry, a.ctrl.Health, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		a.ctrl.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("task engine stopped")
	return nil
}
