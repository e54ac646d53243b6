// Package scheduler picks the next tasks to run and claims them.
//
// Claiming is two compare-and-swap steps, PENDING -> QUEUED then
// QUEUED -> RUNNING, so several engines sharing one store never run the
// same task twice: whoever loses a CAS moves on to the next candidate.
package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskengine/internal/taskstore"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// candidateFactor widens the candidate list beyond the free slots so a few
// lost claims do not leave slots idle until the next tick.
const candidateFactor = 3

// Scheduler selects runnable tasks by priority (desc) then age (asc).
type Scheduler struct {
	store  taskstore.Store
	nodeID string
	logger *zap.Logger
}

// New creates a scheduler that claims tasks on behalf of nodeID.
func New(store taskstore.Store, nodeID string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: store, nodeID: nodeID, logger: logger.Named("scheduler")}
}

// Next claims up to slots tasks and returns them in RUNNING state.
// Tasks already claimed before an infrastructure error are still returned.
func (s *Scheduler) Next(ctx context.Context, slots int) ([]*types.Task, error) {
	if slots <= 0 {
		return nil, nil
	}
	candidates, err := s.store.List(ctx, types.TaskFilter{
		Statuses: []types.TaskStatus{types.StatusPending, types.StatusQueued},
		Order:    types.OrderSchedule,
		Limit:    slots * candidateFactor,
	})
	if err != nil {
		return nil, err
	}

	var claimed []*types.Task
	for _, c := range candidates {
		if len(claimed) == slots {
			break
		}
		task, err := s.Claim(ctx, c)
		if err != nil {
			if taskstore.IsDomainError(err) && ctx.Err() == nil {
				s.logger.Debug("claim lost", zap.String("task_id", string(c.ID)), zap.Error(err))
				continue
			}
			return claimed, err
		}
		claimed = append(claimed, task)
	}
	return claimed, nil
}

// Claim moves a candidate to RUNNING. A PENDING task is first marked
// QUEUED (claimed for assignment).
func (s *Scheduler) Claim(ctx context.Context, task *types.Task) (*types.Task, error) {
	status := task.Status
	if status == types.StatusPending {
		_, err := s.store.UpdateStatus(ctx, task.ID, types.Transition{
			From:      types.StatusPending,
			To:        types.StatusQueued,
			ClaimedBy: s.nodeID,
		})
		if err != nil {
			if !errors.Is(err, taskstore.ErrConflict) {
				return nil, err
			}
			// someone else moved it; it may still be waiting in QUEUED
			cur, getErr := s.store.Get(ctx, task.ID)
			if getErr != nil {
				return nil, getErr
			}
			if cur.Status != types.StatusQueued {
				return nil, err
			}
		}
		status = types.StatusQueued
	}
	if status != types.StatusQueued {
		return nil, &taskstore.TransitionError{
			ID: task.ID, From: types.StatusQueued, To: types.StatusRunning, Actual: status, Err: taskstore.ErrConflict,
		}
	}

	running, err := s.store.UpdateStatus(ctx, task.ID, types.Transition{
		From:      types.StatusQueued,
		To:        types.StatusRunning,
		ClaimedBy: s.nodeID,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("task claimed",
		zap.String("task_id", string(running.ID)),
		zap.String("type", string(running.Type)),
		zap.Int("priority", running.Priority),
		zap.Int("resume_cursor", running.ResumeCursor),
	)
	return running, nil
}
