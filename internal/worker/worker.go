// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Each Worker is an independent goroutine running one task at a
//           time through the pool's Runner.
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run it to the end of the run (complete, fail, pause, cancel, requeue)
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Cancellation:
//   The pool context is handed to the Runner. When it is cancelled the Runner
//   checkpoints and gives the task back to the queue; the Worker still
//   delivers that result before exiting.
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id       int                // Worker identifier, used for logging and debugging
	taskCh   <-chan *types.Task // Task channel (read-only)
	resultCh chan<- Result      // Result channel (write-only)
	runner   Runner
	done     func() // called after each task, frees the pool slot
}

func newWorker(id int, taskCh <-chan *types.Task, resultCh chan<- Result, runner Runner, done func()) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		runner:   runner,
		done:     done,
	}
}

// Run is the main loop of Worker.
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		start := time.Now()
		result := w.runner.Run(ctx, task)
		if result.TaskID == "" {
			result.TaskID = task.ID
		}
		if result.Type == "" {
			result.Type = task.Type
		}
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		// The slot is released before the result is delivered so the
		// dispatcher woken by this result already sees it free.
		w.done()
		w.resultCh <- result
	}
}
