package wal

import (
	"encoding/json"
	"time"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCreate     EventType = "CREATE"     // Task persisted
	EventTransition EventType = "TRANSITION" // Status changed
	EventProgress   EventType = "PROGRESS"   // Checkpoint appended
	EventControl    EventType = "CONTROL"    // Pause/cancel requested
	EventDelete     EventType = "DELETE"     // Task removed
)

// Event represents a WAL event record.
//
// Record carries the full task image after the mutation, so replay is an
// upsert and does not depend on the order-sensitive semantics of each
// operation. DELETE events carry no record.
type Event struct {
	Seq       uint64          `json:"seq"`              // Event sequence number (monotonically increasing, survives rotation)
	Type      EventType       `json:"type"`             // Event type
	TaskID    types.TaskID    `json:"task_id"`          // Task ID
	Timestamp int64           `json:"timestamp"`        // Unix millisecond timestamp
	Record    json.RawMessage `json:"record,omitempty"` // Task JSON after the mutation
	Checksum  uint32          `json:"checksum"`         // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error

// Options tunes a WAL instance. Zero values use the defaults.
type Options struct {
	SyncOnAppend  bool          // fsync on every Append
	BufferSize    int           // events buffered before a flush
	FlushInterval time.Duration // max age of buffered events
	MaxBackups    int           // compressed rotated files to keep, 0 keeps all
}
