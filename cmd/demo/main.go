// Command demo shows crash recovery of the task engine on a file store.
//
//	go run ./cmd/demo start     # seed account-creation tasks and run; Ctrl+C or wait for the crash
//	go run ./cmd/demo recover   # reopen the same data directory and finish
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskengine/internal/controller"
	"github.com/ChuLiYu/taskengine/internal/logging"
	"github.com/ChuLiYu/taskengine/internal/notify"
	"github.com/ChuLiYu/taskengine/internal/processor"
	"github.com/ChuLiYu/taskengine/internal/progress"
	"github.com/ChuLiYu/taskengine/internal/taskstore"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

const (
	dataDir   = "demo-data"
	taskCount = 20
	itemCount = 200
)

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	logger, err := logging.New(logging.Config{Level: "info"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(mode, logger); err != nil {
		logger.Error("demo failed", zap.Error(err))
		os.Exit(1)
	}
}

// slowDirectory makes account creation slow enough to interrupt.
type slowDirectory struct {
	*processor.MemoryDirectory
}

func (d slowDirectory) CreateAccount(ctx context.Context, acc processor.Account, scope string) (string, error) {
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return d.MemoryDirectory.CreateAccount(ctx, acc, scope)
}

func run(mode string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	store, err := taskstore.OpenFileStore(taskstore.FileOptions{Dir: dataDir}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := processor.NewRegistry()
	processor.RegisterBuiltins(reg, slowDirectory{processor.NewMemoryDirectory()}, processor.NewMemorySink(), nil)
	ctrl := controller.New(store, reg, notify.NewNotifier(notify.NewLogDispatcher(logger), 0, logger, nil), controller.Config{
		NodeID:           "demo",
		WorkerCount:      4,
		PollInterval:     100 * time.Millisecond,
		Checkpoint:       progress.Policy{Items: 10, Interval: 500 * time.Millisecond},
		SnapshotInterval: 2 * time.Second,
	}, logger, nil)

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("✓ engine started in %v (mode: %s)\n", time.Since(start), mode)
	printStats(ctx, ctrl, "after recovery")

	if mode == "start" {
		existing, err := ctrl.ListTasks(ctx, controller.ListOptions{Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			fmt.Println("\n⚠️  found tasks from a previous run; use 'recover' or remove", dataDir)
		} else if err := seed(ctx, ctrl); err != nil {
			return err
		}

		fmt.Println("\n💡 crashing in 3 seconds (or press Ctrl+C for a graceful stop)")
		select {
		case <-ctx.Done():
		case <-time.After(3 * time.Second):
			printStats(context.Background(), ctrl, "at crash")
			fmt.Println("💥 simulated crash: exiting without shutdown")
			os.Exit(2)
		}
	} else {
		waitIdle(ctx, ctrl)
	}

	ctrl.Stop()
	printStats(context.Background(), ctrl, "final")
	return nil
}

func seed(ctx context.Context, ctrl *controller.Controller) error {
	for i := 0; i < taskCount; i++ {
		payload := types.Payload{Params: json.RawMessage(`{"default_role":"student"}`)}
		for j := 0; j < itemCount; j++ {
			user := fmt.Sprintf("student%02d%03d", i, j)
			raw, _ := json.Marshal(processor.Account{Username: user, Email: user + "@school.test", FullName: "Student " + user})
			payload.Items = append(payload.Items, raw)
		}
		if _, err := ctrl.CreateTask(ctx, controller.CreateRequest{
			Type:     types.TypeBulkAccountCreation,
			Title:    fmt.Sprintf("class %02d accounts", i),
			Payload:  payload,
			Priority: i % 3,
		}); err != nil {
			return err
		}
	}
	fmt.Printf("✓ created %d tasks of %d accounts each\n", taskCount, itemCount)
	return nil
}

func waitIdle(ctx context.Context, ctrl *controller.Controller) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		counts, err := ctrl.Stats(ctx)
		if err != nil {
			return
		}
		if counts[types.StatusPending]+counts[types.StatusQueued]+counts[types.StatusRunning] == 0 {
			return
		}
		printStats(ctx, ctrl, "progress")
	}
}

func printStats(ctx context.Context, ctrl *controller.Controller, label string) {
	counts, err := ctrl.Stats(ctx)
	if err != nil {
		return
	}
	fmt.Printf("📊 %-15s", label+":")
	for _, s := range types.AllStatuses {
		if counts[s] > 0 {
			fmt.Printf(" %s=%d", s, counts[s])
		}
	}
	fmt.Println()
}
