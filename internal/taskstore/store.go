// ============================================================================
// Task store contract
// ============================================================================
//
// Package: internal/taskstore
// File: store.go
// Purpose:
//   Store is the durable home of every task. All invariants of the task
//   model (legal transitions, CAS on status, idempotent checkpoints,
//   monotonic counters) are enforced here, so every backend shares the pure
//   mutation functions in apply.go and only differs in how it makes a
//   read-modify-write atomic:
//
//   MemoryStore   - RWMutex + status indexes
//   FileStore     - MemoryStore + WAL + snapshot
//   SQLiteStore   - one IMMEDIATE transaction per mutation
//   PostgresStore - SELECT ... FOR UPDATE per mutation
// ============================================================================

package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

var (
	// ErrTaskNotFound is returned for an unknown task ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrConflict is returned when the stored state does not match the
	// caller's expectation (CAS failure, stale checkpoint, duplicate ID).
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition is returned for a transition the state machine
	// does not allow. The task is left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrTaskActive is returned when deleting a task that has not finished.
	ErrTaskActive = fmt.Errorf("%w: task still active", ErrConflict)
	// ErrInvalidTask is returned by Create for a malformed task.
	ErrInvalidTask = errors.New("invalid task")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store closed")
)

// Store persists tasks. Implementations are safe for concurrent use, and
// every returned *types.Task is a private copy.
type Store interface {
	// Create persists a new task and returns its ID (assigned when empty).
	Create(ctx context.Context, task *types.Task) (types.TaskID, error)
	// Get returns a task or ErrTaskNotFound.
	Get(ctx context.Context, id types.TaskID) (*types.Task, error)
	// List returns the tasks matching the filter in the filter's order.
	List(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error)
	// UpdateStatus applies a compare-and-swap status transition.
	UpdateStatus(ctx context.Context, id types.TaskID, tr types.Transition) (*types.Task, error)
	// AppendProgress records a checkpoint and advances the resume cursor in
	// the same write.
	AppendProgress(ctx context.Context, id types.TaskID, delta types.ProgressDelta) (*types.Task, error)
	// SetControl records a pause/cancel request while the status is expect.
	SetControl(ctx context.Context, id types.TaskID, expect types.TaskStatus, sig types.ControlSignal) (*types.Task, error)
	// Delete removes a terminal task.
	Delete(ctx context.Context, id types.TaskID) error
	Close() error
}

// Snapshotter is implemented by stores that compact their log.
type Snapshotter interface {
	Snapshot(ctx context.Context) error
}

// TransitionError describes a rejected status transition.
type TransitionError struct {
	ID     types.TaskID
	From   types.TaskStatus // expected status
	To     types.TaskStatus
	Actual types.TaskStatus // stored status
	Err    error            // ErrInvalidTransition or ErrConflict
}

func (e *TransitionError) Error() string {
	if errors.Is(e.Err, ErrInvalidTransition) {
		return fmt.Sprintf("task %s: %v: %s -> %s", e.ID, e.Err, e.From, e.To)
	}
	return fmt.Sprintf("task %s: %v: expected %s, found %s", e.ID, e.Err, e.From, e.Actual)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// IsDomainError reports whether err is a business outcome rather than an
// infrastructure failure. Domain errors are never retried.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidTask) ||
		errors.Is(err, ErrStoreClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// RetryPolicy bounds retries of infrastructure errors.
type RetryPolicy struct {
	Attempts   int           `yaml:"attempts"`    // total attempts, including the first
	Backoff    time.Duration `yaml:"backoff"`     // first delay, doubled per attempt
	MaxBackoff time.Duration `yaml:"max_backoff"` // delay cap
}

// DefaultRetryPolicy is used when a zero policy is supplied.
var DefaultRetryPolicy = RetryPolicy{Attempts: 4, Backoff: 50 * time.Millisecond, MaxBackoff: time.Second}

// Retry runs fn until it succeeds, returns a domain error, the policy is
// exhausted, or ctx is done. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	if p.Attempts <= 0 {
		p = DefaultRetryPolicy
	}
	delay := p.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || IsDomainError(err) || attempt >= p.Attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			delay = p.MaxBackoff
		}
	}
}
