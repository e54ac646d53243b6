// ============================================================================
// Executor - runs one claimed task item by item
// ============================================================================
//
// Package: internal/worker
// File: executor.go
//
// Run loop:
//   1. look up the processor, validate the payload (failure -> FAILED)
//   2. iterate from ResumeCursor; before each item honour the control signal
//      read at the last checkpoint (CANCEL -> CANCELLED, PAUSE -> PAUSED)
//   3. process the item, buffer its result, flush through AppendProgress
//      when the checkpoint policy says so; every flush refreshes the signal
//   4. after the last item: COMPLETED if at least one item succeeded,
//      otherwise FAILED
//
// Failure tiers:
//   per-item error            -> recorded in Results, run continues
//   ErrFatal / panic          -> flush, FAILED with the reason
//   store error after retries -> FAILED with "infrastructure error: ..."
//   engine shutdown           -> flush, RUNNING -> PAUSED -> QUEUED
//
// Store writes use a context detached from cancellation so a shutdown can
// still persist the last checkpoint.
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskengine/internal/metrics"
	"github.com/ChuLiYu/taskengine/internal/processor"
	"github.com/ChuLiYu/taskengine/internal/progress"
	"github.com/ChuLiYu/taskengine/internal/taskstore"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

const infraPrefix = "infrastructure error: "

// ExecutorConfig tunes checkpointing and store retries.
type ExecutorConfig struct {
	Checkpoint progress.Policy
	StoreRetry taskstore.RetryPolicy
}

// Executor is the Runner used by the engine.
type Executor struct {
	store    taskstore.Store
	registry *processor.Registry
	cfg      ExecutorConfig
	logger   *zap.Logger
	metrics  metrics.Recorder
}

// NewExecutor wires an executor. logger and rec may be nil.
func NewExecutor(store taskstore.Store, registry *processor.Registry, cfg ExecutorConfig, logger *zap.Logger, rec metrics.Recorder) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Executor{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logger.Named("executor"),
		metrics:  rec,
	}
}

// run holds the state of one task run.
type run struct {
	e        *Executor
	task     *types.Task // last stored image
	cp       *progress.Checkpointer
	log      *zap.Logger
	storeCtx context.Context
	start    time.Time
}

// Run executes a RUNNING task until it leaves RUNNING.
func (e *Executor) Run(ctx context.Context, task *types.Task) Result {
	r := &run{
		e:        e,
		task:     task,
		cp:       progress.NewCheckpointer(e.cfg.Checkpoint, task.ResumeCursor),
		log:      e.logger.With(zap.String("task_id", string(task.ID)), zap.String("type", string(task.Type))),
		storeCtx: context.WithoutCancel(ctx),
		start:    time.Now(),
	}
	e.metrics.TaskStarted(task.Type)
	r.log.Info("task run started",
		zap.Int("resume_cursor", task.ResumeCursor),
		zap.Int("total_items", len(task.Payload.Items)),
	)

	res := r.execute(ctx)
	res.TaskID = task.ID
	res.Type = task.Type
	res.Duration = time.Since(r.start)
	if res.Task == nil {
		res.Task = r.task
	}
	e.metrics.TaskFinished(task.Type, res.Status, res.Duration)

	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Int("processed", r.task.Progress.ProcessedItems),
		zap.Int("failed", r.task.Progress.FailedItems),
		zap.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		r.log.Warn("task run ended with error", append(fields, zap.Error(res.Err))...)
	} else {
		r.log.Info("task run ended", fields...)
	}
	return res
}

func (r *run) execute(ctx context.Context) Result {
	proc, limiter, err := r.e.registry.Lookup(r.task.Type)
	if err != nil {
		return r.finish(types.StatusFailed, err.Error(), err)
	}
	if err := proc.Validate(r.task.Payload); err != nil {
		return r.finish(types.StatusFailed, "validation failed: "+err.Error(), err)
	}

	items := r.task.Payload.Items
	control := r.task.Control
	for i := r.task.ResumeCursor; i < len(items); {
		switch control {
		case types.ControlCancel:
			return r.stop(types.StatusCancelled, "cancelled on request")
		case types.ControlPause:
			return r.stop(types.StatusPaused, "")
		}
		if ctx.Err() != nil {
			return r.requeue(ctx.Err())
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return r.requeue(ctx.Err())
				}
				return r.finish(types.StatusFailed, "rate limiter: "+err.Error(), err)
			}
		}

		output, perr := r.process(ctx, proc, processor.Item{Index: i, Raw: items[i], Params: r.task.Payload.Params})
		if perr != nil && ctx.Err() != nil && errors.Is(perr, context.Canceled) {
			// interrupted by shutdown, the item runs again after requeue
			return r.requeue(ctx.Err())
		}
		if perr != nil && errors.Is(perr, processor.ErrFatal) {
			if err := r.flush(); err != nil {
				return r.infraFailure(err)
			}
			return r.finish(types.StatusFailed, fmt.Sprintf("item %d: %v", i, perr), perr)
		}

		result := types.ItemResult{Index: i, Success: perr == nil, Output: output}
		if perr != nil {
			result.Reason = perr.Error()
		}
		r.cp.Record(result)
		i++

		if r.cp.Due() {
			if err := r.flush(); err != nil {
				return r.infraFailure(err)
			}
			control = r.task.Control
		}
	}

	if err := r.flush(); err != nil {
		return r.infraFailure(err)
	}
	p := r.task.Progress
	if p.TotalItems > 0 && p.FailedItems >= p.TotalItems {
		return r.finish(types.StatusFailed, fmt.Sprintf("all %d items failed", p.TotalItems), nil)
	}
	return r.finish(types.StatusCompleted, "", nil)
}

// process calls the processor and turns a panic into a fatal error.
func (r *run) process(ctx context.Context, proc processor.Processor, item processor.Item) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("processor panic", zap.Int("item", item.Index), zap.Any("panic", p), zap.Stack("stack"))
			err = processor.Fatal(fmt.Errorf("processor panic: %v", p))
		}
	}()
	return proc.Process(ctx, item)
}

// flush writes buffered results. On success r.task holds the stored image.
func (r *run) flush() error {
	if r.cp.Pending() == 0 {
		return nil
	}
	delta := r.cp.Delta()
	started := time.Now()
	var stored *types.Task
	err := taskstore.Retry(r.storeCtx, r.e.cfg.StoreRetry, func() error {
		t, err := r.e.store.AppendProgress(r.storeCtx, r.task.ID, delta)
		if err != nil {
			return err
		}
		stored = t
		return nil
	})
	if err != nil {
		return fmt.Errorf("checkpoint at %d: %w", delta.FromCursor, err)
	}
	r.cp.Commit(stored.ResumeCursor)
	r.task = stored

	failed := delta.Failed()
	r.e.metrics.ItemsProcessed(r.task.Type, len(delta.Results)-failed, failed)
	r.e.metrics.CheckpointFlushed(r.task.Type, time.Since(started))
	r.log.Debug("checkpoint",
		zap.Int("cursor", stored.ResumeCursor),
		zap.Int("percentage", stored.Progress.Percentage),
		zap.String("control", string(stored.Control)),
	)
	return nil
}

// stop flushes and leaves RUNNING for a pause or cancel request.
func (r *run) stop(to types.TaskStatus, reason string) Result {
	if err := r.flush(); err != nil {
		return r.infraFailure(err)
	}
	return r.finish(to, reason, nil)
}

// requeue hands the task back after a shutdown: RUNNING -> PAUSED -> QUEUED.
func (r *run) requeue(cause error) Result {
	if err := r.flush(); err != nil {
		return r.infraFailure(err)
	}
	if res, ok := r.transition(types.StatusRunning, types.StatusPaused, ""); !ok {
		return res
	}
	res, ok := r.transition(types.StatusPaused, types.StatusQueued, "")
	if ok {
		res.Err = cause
	}
	return res
}

// finish moves the task out of RUNNING.
func (r *run) finish(to types.TaskStatus, reason string, cause error) Result {
	res, ok := r.transition(types.StatusRunning, to, reason)
	if ok && cause != nil {
		res.Err = cause
	}
	return res
}

func (r *run) infraFailure(err error) Result {
	r.log.Error("store failure during run", zap.Error(err))
	if errors.Is(err, taskstore.ErrConflict) {
		// someone else changed the task; report what the store holds
		if cur, getErr := r.e.store.Get(r.storeCtx, r.task.ID); getErr == nil {
			r.task = cur
		}
		return Result{Status: r.task.Status, Task: r.task, Err: err}
	}
	res, _ := r.transition(types.StatusRunning, types.StatusFailed, infraPrefix+err.Error())
	if res.Err == nil {
		res.Err = err
	}
	return res
}

// transition applies one CAS with retries. When it cannot be written the
// result keeps the last known status and carries the error.
func (r *run) transition(from, to types.TaskStatus, reason string) (Result, bool) {
	var stored *types.Task
	err := taskstore.Retry(r.storeCtx, r.e.cfg.StoreRetry, func() error {
		t, err := r.e.store.UpdateStatus(r.storeCtx, r.task.ID, types.Transition{From: from, To: to, Reason: reason})
		if err != nil {
			return err
		}
		stored = t
		return nil
	})
	if err != nil {
		r.log.Error("status write failed",
			zap.String("from", string(from)), zap.String("to", string(to)), zap.Error(err))
		return Result{Status: r.task.Status, Task: r.task, Err: fmt.Errorf("%s -> %s: %w", from, to, err)}, false
	}
	r.task = stored
	return Result{Status: stored.Status, Task: stored}, true
}
