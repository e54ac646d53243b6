package controller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/taskengine/internal/notify"
	"github.com/ChuLiYu/taskengine/internal/processor"
	"github.com/ChuLiYu/taskengine/internal/progress"
	"github.com/ChuLiYu/taskengine/internal/taskstore"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// TestRecoveryPerformance reopens a file store holding a snapshot plus a
// WAL tail and checks the restart stays fast.
func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
	dir := t.TempDir()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	ctx := context.Background()

	store, err := taskstore.OpenFileStore(taskstore.FileOptions{Dir: dir}, logger)
	require.NoError(t, err)

	const tasks = 500
	ids := make([]types.TaskID, 0, tasks)
	for i := 0; i < tasks; i++ {
		id, err := store.Create(ctx, &types.Task{Type: slowType, Title: fmt.Sprintf("load-%d", i), Payload: items(20)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, store.Snapshot(ctx))

	// WAL tail after the snapshot: half the tasks get claimed and checkpointed
	for _, id := range ids[:tasks/2] {
		_, err := store.UpdateStatus(ctx, id, types.Transition{From: types.StatusPending, To: types.StatusQueued, ClaimedBy: "n1"})
		require.NoError(t, err)
		_, err = store.UpdateStatus(ctx, id, types.Transition{From: types.StatusQueued, To: types.StatusRunning, ClaimedBy: "n1"})
		require.NoError(t, err)
		_, err = store.AppendProgress(ctx, id, types.ProgressDelta{FromCursor: 0, Results: make([]types.ItemResult, 5)})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	start := time.Now()
	reopened, err := taskstore.OpenFileStore(taskstore.FileOptions{Dir: dir}, logger)
	require.NoError(t, err)
	defer reopened.Close()

	h := newHarness(t, reopened, newSlowProcessor(0), testConfig())
	require.NoError(t, h.ctrl.Start(ctx))
	recoveryTime := time.Since(start)
	h.ctrl.Stop()

	t.Logf("recovered %d tasks in %v", tasks, recoveryTime)
	assert.Less(t, recoveryTime, 3*time.Second)

	all, err := reopened.List(ctx, types.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, tasks)
	for _, task := range all {
		assert.NotEqual(t, types.StatusRunning, task.Status, "no task may stay RUNNING after recovery")
	}
}

func BenchmarkThroughput(b *testing.B) {
	reg := processor.NewRegistry()
	reg.Register(slowType, newSlowProcessor(0))
	store := taskstore.NewMemoryStore()
	cfg := Config{
		NodeID:       "bench",
		WorkerCount:  8,
		PollInterval: 5 * time.Millisecond,
		Checkpoint:   progress.Policy{Items: 25, Interval: time.Second},
	}
	logger := zap.NewNop()
	ctrl := New(store, reg, notify.NewNotifier(notify.NewLogDispatcher(logger), 0, logger, nil), cfg, logger, nil)
	require.NoError(b, ctrl.Start(context.Background()))
	defer ctrl.Stop()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := ctrl.CreateTask(ctx, CreateRequest{Type: slowType, Title: "bench", Payload: items(100)})
		require.NoError(b, err)
	}
	for {
		counts, err := ctrl.Stats(ctx)
		require.NoError(b, err)
		if counts[types.StatusCompleted] == b.N {
			break
		}
		time.Sleep(time.Millisecond)
	}
	b.StopTimer()
}
