// ============================================================================
// Progress aggregation and checkpoint batching
// ============================================================================
//
// Package: internal/progress
// File: progress.go
// Purpose:
//   Percentage  - percentage rule shared by every store backend
//   Compute     - derive a Progress value from raw counters
//   Checkpointer - buffer item results and decide when to flush them
//
// A Checkpointer is owned by exactly one worker; it is not safe for
// concurrent use.
// ============================================================================

package progress

import (
	"math"
	"time"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

// Percentage returns round(processed/total*100), clamped to 0..100.
// A task with no items reports 0.
func Percentage(processed, total int) int {
	if total <= 0 || processed <= 0 {
		return 0
	}
	if processed >= total {
		return 100
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}

// Compute builds a Progress value from counters.
func Compute(processed, failed, total int) types.Progress {
	return types.Progress{
		ProcessedItems: processed,
		TotalItems:     total,
		FailedItems:    failed,
		Percentage:     Percentage(processed, total),
	}
}

// Policy controls checkpoint frequency. A flush is due once Items results
// are pending or Interval has elapsed since the last commit, whichever comes
// first. Zero values fall back to the defaults.
type Policy struct {
	Items    int           `yaml:"items"`
	Interval time.Duration `yaml:"interval"`
}

const (
	DefaultItems    = 25
	DefaultInterval = 2 * time.Second
)

func (p Policy) withDefaults() Policy {
	if p.Items <= 0 {
		p.Items = DefaultItems
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	return p
}

// Checkpointer accumulates item results between two flushes.
type Checkpointer struct {
	policy   Policy
	cursor   int // durable cursor: first item not yet committed
	pending  []types.ItemResult
	lastSave time.Time
	now      func() time.Time
}

// NewCheckpointer starts a checkpointer at the task's durable cursor.
func NewCheckpointer(policy Policy, cursor int) *Checkpointer {
	c := &Checkpointer{
		policy: policy.withDefaults(),
		cursor: cursor,
		now:    time.Now,
	}
	c.lastSave = c.now()
	return c
}

// Record buffers the outcome of the item at Cursor()+Pending().
func (c *Checkpointer) Record(r types.ItemResult) {
	c.pending = append(c.pending, r)
}

// Due reports whether the buffered results should be flushed now.
func (c *Checkpointer) Due() bool {
	if len(c.pending) == 0 {
		return false
	}
	return len(c.pending) >= c.policy.Items || c.now().Sub(c.lastSave) >= c.policy.Interval
}

// Delta returns the pending results as a store delta. It does not clear
// them: call Commit after the store accepted the delta so a failed write can
// be retried with the same FromCursor.
func (c *Checkpointer) Delta() types.ProgressDelta {
	return types.ProgressDelta{
		FromCursor: c.cursor,
		Results:    append([]types.ItemResult(nil), c.pending...),
	}
}

// Commit marks the pending results as durable at newCursor.
func (c *Checkpointer) Commit(newCursor int) {
	c.cursor = newCursor
	c.pending = c.pending[:0]
	c.lastSave = c.now()
}

// Pending returns the number of buffered results.
func (c *Checkpointer) Pending() int { return len(c.pending) }

// Cursor returns the last committed cursor.
func (c *Checkpointer) Cursor() int { return c.cursor }

// Policy returns the effective policy.
func (c *Checkpointer) Policy() Policy { return c.policy }
