package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	f := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"file": func(t *testing.T) Store {
			s, err := OpenFileStore(FileOptions{Dir: t.TempDir(), SyncOnAppend: true}, zaptest.NewLogger(t))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
			require.NoError(t, err)
			return s
		},
	}
	if dsn := os.Getenv("TASKS_TEST_POSTGRES_DSN"); dsn != "" {
		f["postgres"] = func(t *testing.T) Store {
			s, err := OpenPostgres(context.Background(), dsn)
			require.NoError(t, err)
			_, err = s.db.Exec(context.Background(), `truncate tasks`)
			require.NoError(t, err)
			return s
		}
	}
	return f
}

func newTask(items int) *types.Task {
	payload := types.Payload{Params: json.RawMessage(`{"entity":"students","key_field":"id"}`)}
	for i := 0; i < items; i++ {
		payload.Items = append(payload.Items, json.RawMessage(fmt.Sprintf(`{"id":%d}`, i)))
	}
	return &types.Task{
		Type:    types.TypeBulkImport,
		Title:   "import",
		Payload: payload,
		ScopeID: "branch-1",
		OwnerID: "admin-1",
	}
}

func results(from, n int, failAt ...int) []types.ItemResult {
	fail := map[int]bool{}
	for _, i := range failAt {
		fail[i] = true
	}
	out := make([]types.ItemResult, n)
	for i := range out {
		idx := from + i
		out[i] = types.ItemResult{Index: idx, Success: !fail[idx]}
		if fail[idx] {
			out[i].Reason = "bad row"
		}
	}
	return out
}

// toRunning drives a fresh task to RUNNING.
func toRunning(t *testing.T, s Store, id types.TaskID) *types.Task {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpdateStatus(ctx, id, types.Transition{From: types.StatusPending, To: types.StatusQueued})
	require.NoError(t, err)
	task, err := s.UpdateStatus(ctx, id, types.Transition{From: types.StatusQueued, To: types.StatusRunning, ClaimedBy: "node-a"})
	require.NoError(t, err)
	return task
}

func TestStoreContract(t *testing.T) {
	for name, factory := range backends(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory(t)) })
			t.Run("TransitionsAreCAS", func(t *testing.T) { testTransitions(t, factory(t)) })
			t.Run("AppendProgress", func(t *testing.T) { testAppendProgress(t, factory(t)) })
			t.Run("ControlSignals", func(t *testing.T) { testControl(t, factory(t)) })
			t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
			t.Run("ListOrderAndFilter", func(t *testing.T) { testList(t, factory(t)) })
			t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, factory(t)) })
			t.Run("Stats", func(t *testing.T) { testStats(t, factory(t)) })
		})
	}
}

func testCreateAndGet(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, newTask(4))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 4, got.Progress.TotalItems)
	assert.Equal(t, 0, got.ResumeCursor)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.StartedAt)
	assert.Len(t, got.Payload.Items, 4)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	dup := newTask(1)
	dup.ID = id
	_, err = s.Create(ctx, dup)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.Create(ctx, &types.Task{Title: "no type"})
	assert.ErrorIs(t, err, ErrInvalidTask)

	bad := newTask(1)
	bad.Status = types.StatusRunning
	_, err = s.Create(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidTask)

	retry := newTask(1)
	retry.Status = types.StatusRetry
	retry.RetryOf = id
	rid, err := s.Create(ctx, retry)
	require.NoError(t, err)
	got, err = s.Get(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRetry, got.Status)
	assert.Equal(t, id, got.RetryOf)
}

func testTransitions(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	id, err := s.Create(ctx, newTask(2))
	require.NoError(t, err)

	// illegal transition leaves the task unchanged
	_, err = s.UpdateStatus(ctx, id, types.Transition{From: types.StatusPending, To: types.StatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, types.StatusPending, terr.Actual)

	// stale From is a conflict
	_, err = s.UpdateStatus(ctx, id, types.Transition{From: types.StatusQueued, To: types.StatusRunning})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrInvalidTransition)

	running := toRunning(t, s, id)
	assert.Equal(t, types.StatusRunning, running.Status)
	assert.Equal(t, "node-a", running.ClaimedBy)
	require.NotNil(t, running.StartedAt)
	started := *running.StartedAt

	paused, err := s.UpdateStatus(ctx, id, types.Transition{From: types.StatusRunning, To: types.StatusPaused})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, paused.Status)

	_, err = s.UpdateStatus(ctx, id, types.Transition{From: types.StatusPaused, To: types.StatusQueued})
	require.NoError(t, err)
	again, err := s.UpdateStatus(ctx, id, types.Transition{From: types.StatusQueued, To: types.StatusRunning, ClaimedBy: "node-b"})
	require.NoError(t, err)
	assert.True(t, started.Equal(*again.StartedAt), "StartedAt is set on the first run only")
	assert.Equal(t, "node-b", again.ClaimedBy)

	failed, err := s.UpdateStatus(ctx, id, types.Transition{From: types.StatusRunning, To: types.StatusFailed, Reason: "boom"})
	require.NoError(t, err)
	assert.Equal(t, "boom", failed.Error)
	require.NotNil(t, failed.CompletedAt)

	_, err = s.UpdateStatus(ctx, id, types.Transition{From: types.StatusFailed, To: types.StatusQueued})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Greater(t, got.Version, running.Version)

	_, err = s.UpdateStatus(ctx, "missing", types.Transition{From: types.StatusPending, To: types.StatusQueued})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func testAppendProgress(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	id, err := s.Create(ctx, newTask(5))
	require.NoError(t, err)

	// not running yet
	_, err = s.AppendProgress(ctx, id, types.ProgressDelta{FromCursor: 0, Results: results(0, 1)})
	assert.ErrorIs(t, err, ErrConflict)

	toRunning(t, s, id)

	first := types.ProgressDelta{FromCursor: 0, Results: results(0, 3, 1)}
	got, err := s.AppendProgress(ctx, id, first)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ResumeCursor)
	assert.Equal(t, types.Progress{ProcessedItems: 3, TotalItems: 5, FailedItems: 1, Percentage: 60}, got.Progress)
	require.Len(t, got.Results, 3)
	assert.False(t, got.Results[1].Success)

	// replaying the same checkpoint is a no-op
	replay, err := s.AppendProgress(ctx, id, first)
	require.NoError(t, err)
	assert.Equal(t, 3, replay.ResumeCursor)
	assert.Equal(t, got.Version, replay.Version)

	// a gap is a conflict
	_, err = s.AppendProgress(ctx, id, types.ProgressDelta{FromCursor: 4, Results: results(4, 1)})
	assert.ErrorIs(t, err, ErrConflict)

	// beyond the payload is rejected
	_, err = s.AppendProgress(ctx, id, types.ProgressDelta{FromCursor: 3, Results: results(3, 3)})
	assert.Error(t, err)

	got, err = s.AppendProgress(ctx, id, types.ProgressDelta{FromCursor: 3, Results: results(3, 2)})
	require.NoError(t, err)
	assert.Equal(t, 5, got.ResumeCursor)
	assert.Equal(t, 100, got.Progress.Percentage)
	assert.Equal(t, 1, got.Progress.FailedItems)
	for i, r := range got.Results {
		assert.Equal(t, i, r.Index)
	}

	// empty delta changes nothing
	same, err := s.AppendProgress(ctx, id, types.ProgressDelta{FromCursor: 5})
	require.NoError(t, err)
	assert.Equal(t, got.Version, same.Version)
}

func testControl(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	id, err := s.Create(ctx, newTask(1))
	require.NoError(t, err)

	_, err = s.SetControl(ctx, id, types.StatusRunning, types.ControlPause)
	assert.ErrorIs(t, err, ErrConflict)

	toRunning(t, s, id)
	got, err := s.SetControl(ctx, id, types.StatusRunning, types.ControlCancel)
	require.NoError(t, err)
	assert.Equal(t, types.ControlCancel, got.Control)

	// any transition clears the signal
	got, err = s.UpdateStatus(ctx, id, types.Transition{From: types.StatusRunning, To: types.StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, types.ControlNone, got.Control)
}

func testDelete(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	id, err := s.Create(ctx, newTask(1))
	require.NoError(t, err)

	err = s.Delete(ctx, id)
	assert.ErrorIs(t, err, ErrTaskActive)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.UpdateStatus(ctx, id, types.Transition{From: types.StatusPending, To: types.StatusCancelled})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, id))

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, s.Delete(ctx, id), ErrTaskNotFound)
}

func testList(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	mk := func(title string, prio int, offset time.Duration, scope string) types.TaskID {
		task := newTask(1)
		task.Title = title
		task.Priority = prio
		task.CreatedAt = base.Add(offset)
		task.ScopeID = scope
		id, err := s.Create(ctx, task)
		require.NoError(t, err)
		return id
	}
	a := mk("a", 0, 0, "branch-1")
	b := mk("b", 5, time.Minute, "branch-1")
	c := mk("c", 5, 2*time.Minute, "branch-2")
	d := mk("d", 1, 3*time.Minute, "branch-1")

	all, err := s.List(ctx, types.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, []types.TaskID{d, c, b, a}, ids(all))

	sched, err := s.List(ctx, types.TaskFilter{Statuses: []types.TaskStatus{types.StatusPending, types.StatusQueued}, Order: types.OrderSchedule})
	require.NoError(t, err)
	assert.Equal(t, []types.TaskID{b, c, d, a}, ids(sched))

	scoped, err := s.List(ctx, types.TaskFilter{ScopeID: "branch-1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []types.TaskID{d, b}, ids(scoped))

	_, err = s.UpdateStatus(ctx, c, types.Transition{From: types.StatusPending, To: types.StatusCancelled})
	require.NoError(t, err)
	cancelled, err := s.List(ctx, types.TaskFilter{Statuses: []types.TaskStatus{types.StatusCancelled}})
	require.NoError(t, err)
	assert.Equal(t, []types.TaskID{c}, ids(cancelled))

	none, err := s.List(ctx, types.TaskFilter{OwnerID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testConcurrentClaim(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	id, err := s.Create(ctx, newTask(1))
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, id, types.Transition{From: types.StatusPending, To: types.StatusQueued})
	require.NoError(t, err)

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpdateStatus(ctx, id, types.Transition{
				From: types.StatusQueued, To: types.StatusRunning, ClaimedBy: fmt.Sprintf("w%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, claimers-1, conflicts)
}

func testStats(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, newTask(1))
		require.NoError(t, err)
	}
	id, err := s.Create(ctx, newTask(1))
	require.NoError(t, err)
	toRunning(t, s, id)

	sr, ok := s.(StatsReporter)
	require.True(t, ok)
	stats, err := sr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats[types.StatusPending])
	assert.Equal(t, 1, stats[types.StatusRunning])
	assert.Zero(t, stats[types.StatusQueued])
}

func ids(tasks []*types.Task) []types.TaskID {
	out := make([]types.TaskID, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
