package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/taskengine/internal/notify"
	"github.com/ChuLiYu/taskengine/internal/processor"
	"github.com/ChuLiYu/taskengine/internal/progress"
	"github.com/ChuLiYu/taskengine/internal/taskstore"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const slowType types.TaskType = "SLOW"

// slowProcessor sleeps per item, fails the indexes in fail and counts how
// often every index was processed.
type slowProcessor struct {
	delay time.Duration
	fail  map[int]bool

	mu   sync.Mutex
	seen map[int]int
}

func newSlowProcessor(delay time.Duration, fail ...int) *slowProcessor {
	p := &slowProcessor{delay: delay, fail: map[int]bool{}, seen: map[int]int{}}
	for _, i := range fail {
		p.fail[i] = true
	}
	return p
}

func (p *slowProcessor) Validate(types.Payload) error { return nil }

func (p *slowProcessor) Process(ctx context.Context, item processor.Item) (string, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	p.mu.Lock()
	p.seen[item.Index]++
	p.mu.Unlock()
	if p.fail[item.Index] {
		return "", fmt.Errorf("item %d rejected", item.Index)
	}
	return "", nil
}

func (p *slowProcessor) counts() map[int]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]int, len(p.seen))
	for k, v := range p.seen {
		out[k] = v
	}
	return out
}

type sent struct {
	id     types.TaskID
	status types.TaskStatus
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []sent
}

func (d *recordingDispatcher) Notify(_ context.Context, id types.TaskID, status types.TaskStatus, _ notify.Summary) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, sent{id, status})
	return nil
}

func (d *recordingDispatcher) forTask(id types.TaskID) []types.TaskStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.TaskStatus
	for _, c := range d.calls {
		if c.id == id {
			out = append(out, c.status)
		}
	}
	return out
}

type harness struct {
	ctrl   *Controller
	store  taskstore.Store
	proc   *slowProcessor
	dir    *processor.MemoryDirectory
	notify *recordingDispatcher
}

func testConfig() Config {
	return Config{
		NodeID:       "n1",
		WorkerCount:  2,
		PollInterval: 10 * time.Millisecond,
		Checkpoint:   progress.Policy{Items: 2, Interval: 20 * time.Millisecond},
		StoreRetry:   taskstore.RetryPolicy{Attempts: 2, Backoff: time.Millisecond},
	}
}

func newHarness(t *testing.T, store taskstore.Store, proc *slowProcessor, cfg Config) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := processor.NewRegistry()
	dir := processor.NewMemoryDirectory()
	processor.RegisterBuiltins(reg, dir, processor.NewMemorySink(), nil)
	if proc == nil {
		proc = newSlowProcessor(time.Millisecond)
	}
	reg.Register(slowType, proc)

	d := &recordingDispatcher{}
	n := notify.NewNotifier(d, time.Second, logger, nil)
	return &harness{
		ctrl:   New(store, reg, n, cfg, logger, nil),
		store:  store,
		proc:   proc,
		dir:    dir,
		notify: d,
	}
}

func items(n int) types.Payload {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"row":%d}`, i))
	}
	return types.Payload{Items: out}
}

func (h *harness) create(t *testing.T, n int) types.TaskID {
	t.Helper()
	id, err := h.ctrl.CreateTask(context.Background(), CreateRequest{Type: slowType, Title: "import", Payload: items(n)})
	require.NoError(t, err)
	return id
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.Start(context.Background()))
	t.Cleanup(h.ctrl.Stop)
}

func (h *harness) waitFor(t *testing.T, id types.TaskID, want types.TaskStatus) *types.Task {
	t.Helper()
	var last *types.Task
	require.Eventually(t, func() bool {
		task, err := h.ctrl.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		last = task
		return task.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return last
}

func (h *harness) waitProgress(t *testing.T, id types.TaskID, atLeast int) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := h.ctrl.GetTask(context.Background(), id)
		return err == nil && task.Progress.ProcessedItems >= atLeast
	}, 5*time.Second, 2*time.Millisecond)
}

// ============================================================================
// Control API Tests
// ============================================================================

func TestCreateTask_Validation(t *testing.T) {
	h := newHarness(t, taskstore.NewMemoryStore(), nil, testConfig())
	ctx := context.Background()

	_, err := h.ctrl.CreateTask(ctx, CreateRequest{Type: slowType, Payload: items(1)})
	assert.ErrorIs(t, err, taskstore.ErrInvalidTask)

	_, err = h.ctrl.CreateTask(ctx, CreateRequest{Type: "NOPE", Title: "x", Payload: items(1)})
	assert.ErrorIs(t, err, processor.ErrUnknownType)

	_, err = h.ctrl.CreateTask(ctx, CreateRequest{Type: types.TypeBulkAccountCreation, Title: "x"})
	assert.ErrorIs(t, err, processor.ErrInvalidPayload)

	id := h.create(t, 3)
	task, err := h.ctrl.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, task.Status)
	assert.Equal(t, types.Progress{TotalItems: 3}, task.Progress)
}

func TestListTasks_NewestFirst(t *testing.T) {
	h := newHarness(t, taskstore.NewMemoryStore(), nil, testConfig())
	ctx := context.Background()

	var ids []types.TaskID
	for i := 0; i < 3; i++ {
		id, err := h.ctrl.CreateTask(ctx, CreateRequest{Type: slowType, Title: "t", Payload: items(1), ScopeID: fmt.Sprintf("s%d", i%2)})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	all, err := h.ctrl.ListTasks(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []types.TaskID{ids[2], ids[1], ids[0]}, []types.TaskID{all[0].ID, all[1].ID, all[2].ID})

	scoped, err := h.ctrl.ListTasks(ctx, ListOptions{ScopeID: "s0"})
	require.NoError(t, err)
	assert.Len(t, scoped, 2)

	none, err := h.ctrl.ListTasks(ctx, ListOptions{Statuses: []types.TaskStatus{types.StatusRunning}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInvalidTransitionsSurface(t *testing.T) {
	h := newHarness(t, taskstore.NewMemoryStore(), nil, testConfig())
	ctx := context.Background()
	id := h.create(t, 2)

	assert.ErrorIs(t, h.ctrl.PauseTask(ctx, id), taskstore.ErrInvalidTransition)
	assert.ErrorIs(t, h.ctrl.ResumeTask(ctx, id), taskstore.ErrInvalidTransition)
	assert.ErrorIs(t, h.ctrl.DeleteTask(ctx, id), taskstore.ErrTaskActive)
	_, err := h.ctrl.RetryTask(ctx, id)
	assert.ErrorIs(t, err, taskstore.ErrInvalidTransition)

	assert.ErrorIs(t, h.ctrl.PauseTask(ctx, "missing"), taskstore.ErrTaskNotFound)
}

func TestCancelPendingTask(t *testing.T) {
	h := newHarness(t, taskstore.NewMemoryStore(), nil, testConfig())
	ctx := context.Background()
	id := h.create(t, 2)

	require.NoError(t, h.ctrl.CancelTask(ctx, id))
	task, err := h.ctrl.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, task.Status)

	err = h.ctrl.CancelTask(ctx, id)
	assert.ErrorIs(t, err, taskstore.ErrInvalidTransition)

	require.NoError(t, h.ctrl.DeleteTask(ctx, id))
	_, err = h.ctrl.GetTask(ctx, id)
	assert.ErrorIs(t, err, taskstore.ErrTaskNotFound)

	h.ctrl.Stop()
	assert.Equal(t, []types.TaskStatus{types.StatusCancelled}, h.notify.forTask(id))
}

// ============================================================================
// Engine Tests
// ============================================================================

func TestEngine_RunsBuiltinAccountCreation(t *testing.T) {
	h := newHarness(t, taskstore.NewMemoryStore(), nil, testConfig())
	h.start(t)

	payload := types.Payload{
		Items: []json.RawMessage{
			json.RawMessage(`{"username":"amy","email":"amy@school.test","full_name":"Amy"}`),
			json.RawMessage(`{"username":"bo","email":"bo@school.test"}`),
			json.RawMessage(`{"username":"cal","email":"not-an-email"}`),
			json.RawMessage(`{"username":"dee","email":"dee@school.test","role":"teacher"}`),
		},
		Params: json.RawMessage(`{"default_role":"student"}`),
	}
	id, err := h.ctrl.CreateTask(context.Background(), CreateRequest{Type: types.TypeBulkAccountCreation, Title: "new students", Payload: payload})
	require.NoError(t, err)

	task := h.waitFor(t, id, types.StatusCompleted)
	assert.Equal(t, 4, task.Progress.ProcessedItems)
	assert.Equal(t, 2, task.Progress.FailedItems) // "bo" is too short, "cal" has a bad email
	assert.Equal(t, 100, task.Progress.Percentage)
	assert.Equal(t, []int{1, 2}, task.FailedIndexes())
	assert.Equal(t, 2, h.dir.Len())

	h.ctrl.Stop()
	assert.Equal(t, []types.TaskStatus{types.StatusCompleted}, h.notify.forTask(id))
}

func TestEngine_AllItemsFailed(t *testing.T) {
	proc := newSlowProcessor(0, 0, 1, 2)
	h := newHarness(t, taskstore.NewMemoryStore(), proc, testConfig())
	h.start(t)

	id := h.create(t, 3)
	task := h.waitFor(t, id, types.StatusFailed)
	assert.Equal(t, 3, task.Progress.FailedItems)
	assert.NotEmpty(t, task.Error)
}

func TestEngine_PauseResume(t *testing.T) {
	proc := newSlowProcessor(3 * time.Millisecond)
	h := newHarness(t, taskstore.NewMemoryStore(), proc, testConfig())
	h.start(t)
	ctx := context.Background()

	id := h.create(t, 100)
	h.waitProgress(t, id, 30)

	require.NoError(t, h.ctrl.PauseTask(ctx, id))
	paused := h.waitFor(t, id, types.StatusPaused)
	assert.GreaterOrEqual(t, paused.ResumeCursor, 30)
	assert.Less(t, paused.ResumeCursor, 100)
	assert.Equal(t, paused.ResumeCursor, paused.Progress.ProcessedItems)

	// stays paused
	time.Sleep(30 * time.Millisecond)
	still, err := h.ctrl.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, still.Status)
	assert.Equal(t, paused.ResumeCursor, still.ResumeCursor)

	require.NoError(t, h.ctrl.ResumeTask(ctx, id))
	done := h.waitFor(t, id, types.StatusCompleted)
	assert.Equal(t, 100, done.Progress.ProcessedItems)
	assert.Len(t, done.Results, 100)

	seen := proc.counts()
	assert.Len(t, seen, 100, "every item processed")
	for i, n := range seen {
		assert.Equal(t, 1, n, "item %d processed more than once", i)
	}
}

func TestEngine_PartialFailuresComplete(t *testing.T) {
	proc := newSlowProcessor(0, 4, 7)
	h := newHarness(t, taskstore.NewMemoryStore(), proc, testConfig())
	h.start(t)

	id := h.create(t, 10)
	task := h.waitFor(t, id, types.StatusCompleted)
	assert.Equal(t, 10, task.Progress.ProcessedItems)
	assert.Equal(t, 2, task.Progress.FailedItems)
	assert.Equal(t, 100, task.Progress.Percentage)
	assert.Empty(t, task.Error)
	assert.Equal(t, []int{4, 7}, task.FailedIndexes())
	for _, r := range task.Results {
		if !r.Success {
			assert.Equal(t, fmt.Sprintf("item %d rejected", r.Index), r.Reason)
		}
	}
}

func TestEngine_CancelRunning(t *testing.T) {
	proc := newSlowProcessor(3 * time.Millisecond)
	h := newHarness(t, taskstore.NewMemoryStore(), proc, testConfig())
	h.start(t)
	ctx := context.Background()

	id := h.create(t, 200)
	h.waitProgress(t, id, 2)
	require.NoError(t, h.ctrl.CancelTask(ctx, id))

	task := h.waitFor(t, id, types.StatusCancelled)
	assert.Less(t, task.Progress.ProcessedItems, 200)
	assert.NotNil(t, task.CompletedAt)

	h.ctrl.Stop()
	assert.Equal(t, []types.TaskStatus{types.StatusCancelled}, h.notify.forTask(id))
}

func TestEngine_RetryFailedItems(t *testing.T) {
	proc := newSlowProcessor(0, 1, 3)
	h := newHarness(t, taskstore.NewMemoryStore(), proc, testConfig())
	h.start(t)
	ctx := context.Background()

	id := h.create(t, 5)
	src := h.waitFor(t, id, types.StatusCompleted)
	require.Equal(t, 2, src.Progress.FailedItems)

	retryID, err := h.ctrl.RetryTask(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, retryID)

	retry, err := h.ctrl.GetTask(ctx, retryID)
	require.NoError(t, err)
	assert.Equal(t, id, retry.RetryOf)
	require.Len(t, retry.Payload.Items, 2)
	assert.JSONEq(t, `{"row":1}`, string(retry.Payload.Items[0]))
	assert.JSONEq(t, `{"row":3}`, string(retry.Payload.Items[1]))

	// the retry's items sit at indexes 0 and 1, so row 3 fails again
	done := h.waitFor(t, retryID, types.StatusCompleted)
	assert.Equal(t, 1, done.Progress.FailedItems)

	again, err := h.ctrl.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, src.Version, again.Version, "source task untouched")

	second, err := h.ctrl.RetryTask(ctx, retryID)
	require.NoError(t, err)
	task, err := h.ctrl.GetTask(ctx, second)
	require.NoError(t, err)
	require.Len(t, task.Payload.Items, 1)
	assert.JSONEq(t, `{"row":3}`, string(task.Payload.Items[0]))

	clean := h.create(t, 1)
	h.waitFor(t, clean, types.StatusCompleted)
	_, err = h.ctrl.RetryTask(ctx, clean)
	assert.ErrorIs(t, err, taskstore.ErrInvalidTransition, "nothing failed")
}

func TestRetryItems_IncludesUnprocessed(t *testing.T) {
	task := &types.Task{
		Payload:      items(6),
		ResumeCursor: 3,
		Results: []types.ItemResult{
			{Index: 0, Success: true},
			{Index: 1, Success: false},
			{Index: 2, Success: true},
		},
	}
	got := retryItems(task)
	require.Len(t, got, 4)
	assert.JSONEq(t, `{"row":1}`, string(got[0]))
	assert.JSONEq(t, `{"row":3}`, string(got[1]))
	assert.JSONEq(t, `{"row":5}`, string(got[3]))
}

func TestEngine_MaxTaskDuration(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTaskDuration = 40 * time.Millisecond
	proc := newSlowProcessor(5 * time.Millisecond)
	h := newHarness(t, taskstore.NewMemoryStore(), proc, cfg)
	h.start(t)

	id := h.create(t, 500)
	task := h.waitFor(t, id, types.StatusCancelled)
	assert.Less(t, task.Progress.ProcessedItems, 500)
}

func TestEngine_PriorityFirst(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerCount = 1
	h := newHarness(t, taskstore.NewMemoryStore(), nil, cfg)
	ctx := context.Background()

	low, err := h.ctrl.CreateTask(ctx, CreateRequest{Type: slowType, Title: "low", Payload: items(1)})
	require.NoError(t, err)
	high, err := h.ctrl.CreateTask(ctx, CreateRequest{Type: slowType, Title: "high", Payload: items(1), Priority: 5})
	require.NoError(t, err)

	h.start(t)
	lowTask := h.waitFor(t, low, types.StatusCompleted)
	highTask := h.waitFor(t, high, types.StatusCompleted)
	assert.True(t, !highTask.StartedAt.After(*lowTask.StartedAt))
}

// ============================================================================
// Recovery Tests
// ============================================================================

// A task left RUNNING by a crashed engine resumes from its cursor.
func TestRecovery_ResumesOrphanedTask(t *testing.T) {
	store := taskstore.NewMemoryStore()
	ctx := context.Background()

	id, err := store.Create(ctx, &types.Task{Type: slowType, Title: "orphan", Payload: items(6)})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, id, types.Transition{From: types.StatusPending, To: types.StatusQueued, ClaimedBy: "n1"})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, id, types.Transition{From: types.StatusQueued, To: types.StatusRunning, ClaimedBy: "n1"})
	require.NoError(t, err)
	_, err = store.AppendProgress(ctx, id, types.ProgressDelta{FromCursor: 0, Results: []types.ItemResult{
		{Success: true}, {Success: true}, {Success: false, Reason: "dup"},
	}})
	require.NoError(t, err)

	// claimed by another node: not ours to recover
	other, err := store.Create(ctx, &types.Task{Type: slowType, Title: "other", Payload: items(1)})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, other, types.Transition{From: types.StatusPending, To: types.StatusQueued, ClaimedBy: "n2"})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, other, types.Transition{From: types.StatusQueued, To: types.StatusRunning, ClaimedBy: "n2"})
	require.NoError(t, err)

	proc := newSlowProcessor(0)
	h := newHarness(t, store, proc, testConfig())
	h.start(t)

	task := h.waitFor(t, id, types.StatusCompleted)
	assert.Equal(t, 6, task.Progress.ProcessedItems)
	assert.Equal(t, 1, task.Progress.FailedItems)
	assert.Equal(t, map[int]int{3: 1, 4: 1, 5: 1}, proc.counts())

	o, err := store.Get(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, o.Status)
}

func TestRecovery_HonoursPendingSignals(t *testing.T) {
	store := taskstore.NewMemoryStore()
	ctx := context.Background()

	running := func(sig types.ControlSignal) types.TaskID {
		id, err := store.Create(ctx, &types.Task{Type: slowType, Title: "t", Payload: items(3)})
		require.NoError(t, err)
		_, err = store.UpdateStatus(ctx, id, types.Transition{From: types.StatusPending, To: types.StatusQueued, ClaimedBy: "n1"})
		require.NoError(t, err)
		_, err = store.UpdateStatus(ctx, id, types.Transition{From: types.StatusQueued, To: types.StatusRunning, ClaimedBy: "n1"})
		require.NoError(t, err)
		_, err = store.SetControl(ctx, id, types.StatusRunning, sig)
		require.NoError(t, err)
		return id
	}
	cancelled := running(types.ControlCancel)
	paused := running(types.ControlPause)

	h := newHarness(t, store, nil, testConfig())
	h.start(t)

	h.waitFor(t, cancelled, types.StatusCancelled)
	task := h.waitFor(t, paused, types.StatusPaused)
	assert.Equal(t, 0, task.ResumeCursor)

	h.ctrl.Stop()
	assert.Equal(t, []types.TaskStatus{types.StatusCancelled}, h.notify.forTask(cancelled))
}

// Stopping mid-task checkpoints and requeues; a restarted engine on the same
// durable store finishes the task without reprocessing recorded items.
func TestGracefulStop_ResumesAfterRestart(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	store, err := taskstore.OpenFileStore(taskstore.FileOptions{Dir: dir}, logger)
	require.NoError(t, err)

	proc := newSlowProcessor(2 * time.Millisecond)
	h := newHarness(t, store, proc, testConfig())
	require.NoError(t, h.ctrl.Start(context.Background()))

	id := h.create(t, 100)
	h.waitProgress(t, id, 10)
	h.ctrl.Stop()

	stopped, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, types.StatusQueued, stopped.Status)
	require.Greater(t, stopped.ResumeCursor, 0)
	require.NoError(t, store.Close())

	reopened, err := taskstore.OpenFileStore(taskstore.FileOptions{Dir: dir}, logger)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, stopped.ResumeCursor, got.ResumeCursor)

	h2 := newHarness(t, reopened, proc, testConfig())
	h2.start(t)
	done := h2.waitFor(t, id, types.StatusCompleted)
	assert.Equal(t, 100, done.Progress.ProcessedItems)
	assert.Len(t, done.Results, 100)

	for i, n := range proc.counts() {
		assert.Equal(t, 1, n, "item %d processed more than once", i)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, taskstore.NewMemoryStore(), nil, testConfig())
	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrAlreadyStarted)

	h.ctrl.Stop()
	h.ctrl.Stop()
	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrStopped)
	assert.True(t, errors.Is(h.ctrl.Health(context.Background()), ErrStopped))
}

func TestStats(t *testing.T) {
	h := newHarness(t, taskstore.NewMemoryStore(), nil, testConfig())
	ctx := context.Background()
	h.create(t, 1)
	id := h.create(t, 1)
	require.NoError(t, h.ctrl.CancelTask(ctx, id))

	counts, err := h.ctrl.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StatusPending])
	assert.Equal(t, 1, counts[types.StatusCancelled])

	assert.ErrorIs(t, h.ctrl.Health(ctx), ErrNotStarted)
	h.start(t)
	require.NoError(t, h.ctrl.Health(ctx))
}
