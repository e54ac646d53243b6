// Package types defines the core domain model of the task engine.
package types

import (
	"encoding/json"
	"time"
)

// TaskID is the opaque, immutable identifier of a task.
type TaskID string

// TaskType selects the item processor that handles a task.
type TaskType string

const (
	TypeBulkImport          TaskType = "BULK_IMPORT"           // record import (students, staff, ...)
	TypeBulkAccountCreation TaskType = "BULK_ACCOUNT_CREATION" // user account provisioning
)

// TaskStatus is the lifecycle state of a task. See state.go for transitions.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"   // created, waiting for the scheduler
	StatusQueued    TaskStatus = "QUEUED"    // claimed for assignment / resumed / retried
	StatusRunning   TaskStatus = "RUNNING"   // held by exactly one worker
	StatusPaused    TaskStatus = "PAUSED"    // suspended at an item boundary
	StatusCompleted TaskStatus = "COMPLETED" // all items processed, at least one succeeded
	StatusFailed    TaskStatus = "FAILED"    // every item failed or a task-level error occurred
	StatusCancelled TaskStatus = "CANCELLED" // stopped on request
	StatusRetry     TaskStatus = "RETRY"     // retry task whose item subset is being computed
)

// ControlSignal is a cooperative request observed by the worker between items.
type ControlSignal string

const (
	ControlNone   ControlSignal = ""
	ControlPause  ControlSignal = "PAUSE"
	ControlCancel ControlSignal = "CANCEL"
)

// Payload is the work of a task: one raw JSON document per item plus
// type-specific parameters. Task.Type is the tag that decides how both are
// decoded.
type Payload struct {
	Items  []json.RawMessage `json:"items"`
	Params json.RawMessage   `json:"params,omitempty"`
}

// Progress holds the counters of the current run.
type Progress struct {
	ProcessedItems int `json:"processed_items"`
	TotalItems     int `json:"total_items"`
	FailedItems    int `json:"failed_items"`
	Percentage     int `json:"percentage"` // 0..100
}

// ItemResult is the recorded outcome of one item.
type ItemResult struct {
	Index   int    `json:"index"`            // position in Payload.Items
	Success bool   `json:"success"`          // false means a per-item failure
	Reason  string `json:"reason,omitempty"` // failure reason
	Output  string `json:"output,omitempty"` // processor output, e.g. a created account ID
}

// Task is the only persistent entity of the engine.
type Task struct {
	ID          TaskID     `json:"id"`
	Type        TaskType   `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Payload     Payload    `json:"payload"`

	Progress     Progress     `json:"progress"`
	Results      []ItemResult `json:"results,omitempty"`
	ResumeCursor int          `json:"resume_cursor"` // next item index; items before it have a recorded outcome

	Priority int    `json:"priority"`
	OwnerID  string `json:"owner_id,omitempty"`
	ScopeID  string `json:"scope_id,omitempty"`

	RetryOf   TaskID        `json:"retry_of,omitempty"`   // source task of a retry
	Control   ControlSignal `json:"control,omitempty"`    // pending pause/cancel request
	Error     string        `json:"error,omitempty"`      // task-level failure reason
	ClaimedBy string        `json:"claimed_by,omitempty"` // node that last claimed the task
	Version   int64         `json:"version"`              // bumped on every persisted mutation

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload.Items != nil {
		c.Payload.Items = make([]json.RawMessage, len(t.Payload.Items))
		for i, item := range t.Payload.Items {
			c.Payload.Items[i] = append(json.RawMessage(nil), item...)
		}
	}
	if t.Payload.Params != nil {
		c.Payload.Params = append(json.RawMessage(nil), t.Payload.Params...)
	}
	if t.Results != nil {
		c.Results = append([]ItemResult(nil), t.Results...)
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

// FailedIndexes returns the payload indexes of the items recorded as failed.
func (t *Task) FailedIndexes() []int {
	var out []int
	for _, r := range t.Results {
		if !r.Success {
			out = append(out, r.Index)
		}
	}
	return out
}

// Transition is a compare-and-swap status change request.
type Transition struct {
	From      TaskStatus
	To        TaskStatus
	Reason    string // stored in Task.Error when non-empty
	ClaimedBy string // stored in Task.ClaimedBy when non-empty
}

// ProgressDelta is one checkpoint: the outcomes of the items starting at
// FromCursor. Applying it advances the cursor by len(Results).
type ProgressDelta struct {
	FromCursor int          `json:"from_cursor"`
	Results    []ItemResult `json:"results"`
}

// Failed counts the failed results of the delta.
func (d ProgressDelta) Failed() int {
	n := 0
	for _, r := range d.Results {
		if !r.Success {
			n++
		}
	}
	return n
}

// ListOrder selects the ordering of TaskFilter results.
type ListOrder int

const (
	// OrderCreatedDesc lists newest first (the polling API default).
	OrderCreatedDesc ListOrder = iota
	// OrderSchedule lists by priority descending, then oldest first.
	OrderSchedule
)

// TaskFilter selects tasks for List. Zero values match everything.
type TaskFilter struct {
	Statuses  []TaskStatus
	ScopeID   string
	OwnerID   string
	Type      TaskType
	ClaimedBy string
	Order     ListOrder
	Limit     int
}

// Matches reports whether t satisfies the filter predicates (ordering and
// limit are applied by the store).
func (f TaskFilter) Matches(t *Task) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.ScopeID != "" && t.ScopeID != f.ScopeID {
		return false
	}
	if f.OwnerID != "" && t.OwnerID != f.OwnerID {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.ClaimedBy != "" && t.ClaimedBy != f.ClaimedBy {
		return false
	}
	return true
}

// SnapshotData is the persisted image of a file-backed store.
type SnapshotData struct {
	Tasks     map[TaskID]*Task `json:"tasks"`      // every task, keyed by ID
	SchemaVer int              `json:"schema_ver"` // format version
	LastSeq   uint64           `json:"last_seq"`   // last WAL sequence included
}
