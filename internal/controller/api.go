// ============================================================================
// Control API
// ============================================================================
//
// 所有操作直接作用在 store 上，錯誤原樣回傳（ErrInvalidTransition、
// ErrConflict、ErrTaskActive、ErrTaskNotFound），呼叫者用 errors.Is 判斷。
//
// Pause / Cancel 對 RUNNING 任務只寫入控制訊號，由 Executor 在下一次
// checkpoint 讀到後停在項目邊界；其它狀態直接以 CAS 轉換。
// ============================================================================

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskengine/internal/taskstore"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// CreateRequest describes a new task.
type CreateRequest struct {
	Type        types.TaskType `json:"type" yaml:"type"`
	Title       string         `json:"title" yaml:"title"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Payload     types.Payload  `json:"payload" yaml:"-"`
	Priority    int            `json:"priority,omitempty" yaml:"priority"`
	ScopeID     string         `json:"scope_id,omitempty" yaml:"scope_id"`
	OwnerID     string         `json:"owner_id,omitempty" yaml:"owner_id"`
}

// ListOptions filters ListTasks. Zero values match everything.
type ListOptions struct {
	ScopeID  string
	OwnerID  string
	Type     types.TaskType
	Statuses []types.TaskStatus
	Limit    int
}

// cancelAttempts bounds re-evaluation when CancelTask races with a worker.
const cancelAttempts = 3

// CreateTask validates and persists a PENDING task.
func (c *Controller) CreateTask(ctx context.Context, req CreateRequest) (types.TaskID, error) {
	if strings.TrimSpace(req.Title) == "" {
		return "", fmt.Errorf("%w: title is required", taskstore.ErrInvalidTask)
	}
	if err := c.registry.Validate(req.Type, req.Payload); err != nil {
		return "", err
	}

	id, err := c.store.Create(ctx, &types.Task{
		Type:        req.Type,
		Title:       req.Title,
		Description: req.Description,
		Payload:     req.Payload,
		Priority:    req.Priority,
		ScopeID:     req.ScopeID,
		OwnerID:     req.OwnerID,
	})
	if err != nil {
		return "", err
	}
	c.metrics.TaskCreated(req.Type)
	c.logger.Info("task created",
		zap.String("task_id", string(id)),
		zap.String("type", string(req.Type)),
		zap.Int("items", len(req.Payload.Items)),
	)
	c.wake()
	return id, nil
}

func (c *Controller) GetTask(ctx context.Context, id types.TaskID) (*types.Task, error) {
	return c.store.Get(ctx, id)
}

// ListTasks returns matching tasks, newest first.
func (c *Controller) ListTasks(ctx context.Context, opts ListOptions) ([]*types.Task, error) {
	return c.store.List(ctx, types.TaskFilter{
		Statuses: opts.Statuses,
		ScopeID:  opts.ScopeID,
		OwnerID:  opts.OwnerID,
		Type:     opts.Type,
		Order:    types.OrderCreatedDesc,
		Limit:    opts.Limit,
	})
}

// PauseTask asks a RUNNING task to stop at the next item boundary.
func (c *Controller) PauseTask(ctx context.Context, id types.TaskID) error {
	t, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != types.StatusRunning {
		return invalid(t, types.StatusPaused)
	}
	if t.Control == types.ControlCancel {
		return fmt.Errorf("%w: task %s has a pending cancel", taskstore.ErrConflict, id)
	}
	if _, err := c.store.SetControl(ctx, id, types.StatusRunning, types.ControlPause); err != nil {
		return err
	}
	c.logger.Info("pause requested", zap.String("task_id", string(id)))
	return nil
}

// ResumeTask requeues a PAUSED task. A pause still pending on a RUNNING task
// is withdrawn instead.
func (c *Controller) ResumeTask(ctx context.Context, id types.TaskID) error {
	t, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case t.Status == types.StatusPaused:
		if _, err := c.store.UpdateStatus(ctx, id, types.Transition{From: types.StatusPaused, To: types.StatusQueued}); err != nil {
			return err
		}
		c.logger.Info("task resumed", zap.String("task_id", string(id)), zap.Int("resume_cursor", t.ResumeCursor))
		c.wake()
		return nil
	case t.Status == types.StatusRunning && t.Control == types.ControlPause:
		_, err := c.store.SetControl(ctx, id, types.StatusRunning, types.ControlNone)
		return err
	default:
		return invalid(t, types.StatusQueued)
	}
}

// CancelTask cancels a task. RUNNING tasks get a cancel signal; PENDING,
// QUEUED and PAUSED tasks are cancelled directly and notified.
func (c *Controller) CancelTask(ctx context.Context, id types.TaskID) error {
	var lastErr error
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		t, err := c.store.Get(ctx, id)
		if err != nil {
			return err
		}

		switch t.Status {
		case types.StatusRunning:
			_, err = c.store.SetControl(ctx, id, types.StatusRunning, types.ControlCancel)
			if err == nil {
				c.logger.Info("cancel requested", zap.String("task_id", string(id)))
				return nil
			}
		case types.StatusPending, types.StatusQueued, types.StatusPaused:
			var stored *types.Task
			stored, err = c.store.UpdateStatus(ctx, id, types.Transition{
				From:   t.Status,
				To:     types.StatusCancelled,
				Reason: "cancelled on request",
			})
			if err == nil {
				c.logger.Info("task cancelled", zap.String("task_id", string(id)), zap.String("from", string(t.Status)))
				c.notifier.Send(stored)
				return nil
			}
		default:
			return invalid(t, types.StatusCancelled)
		}

		if !errors.Is(err, taskstore.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// DeleteTask removes a task in a terminal status.
func (c *Controller) DeleteTask(ctx context.Context, id types.TaskID) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.logger.Info("task deleted", zap.String("task_id", string(id)))
	return nil
}

// RetryTask creates a new task holding the failed and never processed items
// of a FAILED task or of a COMPLETED task with failures. The source task is
// left untouched.
func (c *Controller) RetryTask(ctx context.Context, id types.TaskID) (types.TaskID, error) {
	src, err := c.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	switch {
	case src.Status == types.StatusFailed:
	case src.Status == types.StatusCompleted && src.Progress.FailedItems > 0:
	default:
		return "", invalid(src, types.StatusRetry)
	}

	items := retryItems(src)
	if len(items) == 0 {
		return "", fmt.Errorf("%w: task %s has no items to retry", taskstore.ErrInvalidTransition, id)
	}

	params := src.Payload.Params
	if params != nil {
		params = append(json.RawMessage(nil), params...)
	}
	newID, err := c.store.Create(ctx, &types.Task{
		Type:        src.Type,
		Title:       src.Title,
		Description: src.Description,
		Status:      types.StatusRetry,
		Payload:     types.Payload{Items: items, Params: params},
		Priority:    src.Priority,
		ScopeID:     src.ScopeID,
		OwnerID:     src.OwnerID,
		RetryOf:     src.ID,
	})
	if err != nil {
		return "", err
	}
	if _, err := c.store.UpdateStatus(ctx, newID, types.Transition{From: types.StatusRetry, To: types.StatusQueued}); err != nil {
		return "", fmt.Errorf("queue retry task %s: %w", newID, err)
	}
	c.metrics.TaskCreated(src.Type)
	c.logger.Info("retry task created",
		zap.String("task_id", string(newID)),
		zap.String("retry_of", string(id)),
		zap.Int("items", len(items)),
	)
	c.wake()
	return newID, nil
}

// retryItems returns the failed items followed by the never processed ones,
// in payload order.
func retryItems(t *types.Task) []json.RawMessage {
	failed := make(map[int]bool)
	for _, i := range t.FailedIndexes() {
		failed[i] = true
	}
	var out []json.RawMessage
	for i, item := range t.Payload.Items {
		if failed[i] || i >= t.ResumeCursor {
			out = append(out, append(json.RawMessage(nil), item...))
		}
	}
	return out
}

// Stats counts tasks by status.
func (c *Controller) Stats(ctx context.Context) (map[types.TaskStatus]int, error) {
	if r, ok := c.store.(taskstore.StatsReporter); ok {
		return r.Stats(ctx)
	}
	tasks, err := c.store.List(ctx, types.TaskFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[types.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func invalid(t *types.Task, to types.TaskStatus) error {
	return &taskstore.TransitionError{ID: t.ID, From: t.Status, To: to, Actual: t.Status, Err: taskstore.ErrInvalidTransition}
}
