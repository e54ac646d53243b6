package taskstore

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/taskengine/internal/progress"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// The functions below mutate a private copy of a task. Backends load the
// stored task, call one of them, and persist the result atomically.

// prepareCreate normalizes a new task. The result is ready to persist.
func prepareCreate(in *types.Task, now time.Time) (*types.Task, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	t := in.Clone()
	if t.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidTask)
	}
	if t.Status == "" {
		t.Status = types.StatusPending
	}
	if t.Status != types.StatusPending && t.Status != types.StatusRetry {
		return nil, fmt.Errorf("%w: cannot create a task in status %s", ErrInvalidTask, t.Status)
	}
	if t.ID == "" {
		t.ID = types.TaskID(uuid.NewString())
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Results = nil
	t.ResumeCursor = 0
	t.Control = types.ControlNone
	t.Progress = progress.Compute(0, 0, len(t.Payload.Items))
	t.Version = 1
	return t, nil
}

// applyTransition validates tr against the state machine and the stored
// status, then applies it with its side effects.
func applyTransition(t *types.Task, tr types.Transition, now time.Time) error {
	if !types.CanTransition(tr.From, tr.To) {
		return &TransitionError{ID: t.ID, From: tr.From, To: tr.To, Actual: t.Status, Err: ErrInvalidTransition}
	}
	if t.Status != tr.From {
		return &TransitionError{ID: t.ID, From: tr.From, To: tr.To, Actual: t.Status, Err: ErrConflict}
	}

	t.Status = tr.To
	t.Control = types.ControlNone
	if tr.ClaimedBy != "" {
		t.ClaimedBy = tr.ClaimedBy
	}
	if tr.Reason != "" {
		t.Error = tr.Reason
	}
	if tr.To == types.StatusRunning && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if tr.To.IsTerminal() {
		done := now
		t.CompletedAt = &done
	}
	t.UpdatedAt = now
	t.Version++
	return nil
}

// applyProgress records a checkpoint. It reports false when the delta was
// already recorded and nothing changed.
func applyProgress(t *types.Task, d types.ProgressDelta, now time.Time) (bool, error) {
	if t.Status != types.StatusRunning {
		return false, fmt.Errorf("%w: task %s is %s, progress requires RUNNING", ErrConflict, t.ID, t.Status)
	}
	n := len(d.Results)
	if n == 0 {
		return false, nil
	}
	if d.FromCursor < t.ResumeCursor && d.FromCursor+n <= t.ResumeCursor {
		return false, nil
	}
	if d.FromCursor != t.ResumeCursor {
		return false, fmt.Errorf("%w: task %s cursor is %d, checkpoint starts at %d", ErrConflict, t.ID, t.ResumeCursor, d.FromCursor)
	}
	total := len(t.Payload.Items)
	if t.ResumeCursor+n > total {
		return false, fmt.Errorf("%w: checkpoint of %d items past cursor %d exceeds %d items", ErrInvalidTask, n, t.ResumeCursor, total)
	}

	for i, r := range d.Results {
		r.Index = d.FromCursor + i
		t.Results = append(t.Results, r)
	}
	t.ResumeCursor += n
	t.Progress = progress.Compute(
		t.Progress.ProcessedItems+n,
		t.Progress.FailedItems+d.Failed(),
		total,
	)
	t.UpdatedAt = now
	t.Version++
	return true, nil
}

// applyControl records a control signal when the status matches expect.
func applyControl(t *types.Task, expect types.TaskStatus, sig types.ControlSignal, now time.Time) error {
	if t.Status != expect {
		return &TransitionError{ID: t.ID, From: expect, To: expect, Actual: t.Status, Err: ErrConflict}
	}
	t.Control = sig
	t.UpdatedAt = now
	t.Version++
	return nil
}

func checkDelete(t *types.Task) error {
	if t.Status.IsActive() {
		return fmt.Errorf("task %s is %s: %w", t.ID, t.Status, ErrTaskActive)
	}
	return nil
}

// sortTasks orders tasks in place according to the filter order. Ties are
// broken by ID so every backend returns the same sequence.
func sortTasks(tasks []*types.Task, order types.ListOrder) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		switch order {
		case types.OrderSchedule:
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID > b.ID
		}
	})
}

func limit(tasks []*types.Task, n int) []*types.Task {
	if n > 0 && len(tasks) > n {
		return tasks[:n]
	}
	return tasks
}
