// ============================================================================
// Item processor registry
// ============================================================================
//
// Package: internal/processor
// File: processor.go
// Purpose:
//   A Processor validates a payload and handles one item at a time. The
//   Registry maps a task type to its processor and an optional rate limiter.
//
// Error contract:
//   Process returning an error  -> the item is recorded as failed, the task
//                                  keeps going
//   error wrapping ErrFatal     -> task-level failure, the run stops
//   panic                       -> treated like ErrFatal by the executor
// ============================================================================

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

var (
	// ErrFatal marks a processor error that aborts the whole task.
	ErrFatal = errors.New("fatal processor error")
	// ErrUnknownType is returned for a task type with no registered processor.
	ErrUnknownType = errors.New("unknown task type")
	// ErrInvalidPayload wraps every validation failure.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Item is one unit of work handed to a processor.
type Item struct {
	Index  int             // position in the payload
	Raw    json.RawMessage // item document
	Params json.RawMessage // task-level parameters
}

// Processor handles the items of one task type.
type Processor interface {
	// Validate rejects payloads that cannot run at all.
	Validate(types.Payload) error
	// Process handles one item and returns an optional output string.
	Process(ctx context.Context, item Item) (string, error)
}

// Fatal wraps err so the executor aborts the task.
func Fatal(err error) error {
	return fmt.Errorf("%w: %v", ErrFatal, err)
}

// Decode unmarshals raw into a T. Empty input yields the zero value.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Option configures a registration.
type Option func(*entry)

// WithRateLimit caps the item throughput of a task type across all workers.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *entry) {
		if rps <= 0 {
			e.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type entry struct {
	proc    Processor
	limiter *rate.Limiter
}

// Registry maps task types to processors. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.TaskType]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[types.TaskType]*entry)}
}

// Register installs (or replaces) the processor for a task type.
func (r *Registry) Register(t types.TaskType, p Processor, opts ...Option) {
	e := &entry{proc: p}
	for _, opt := range opts {
		opt(e)
	}
	r.mu.Lock()
	r.entries[t] = e
	r.mu.Unlock()
}

// Lookup returns the processor and limiter (possibly nil) for a task type.
func (r *Registry) Lookup(t types.TaskType) (Processor, *rate.Limiter, error) {
	r.mu.RLock()
	e, ok := r.entries[t]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return e.proc, e.limiter, nil
}

// Validate checks that the type is registered and the payload passes the
// processor's validation.
func (r *Registry) Validate(t types.TaskType, payload types.Payload) error {
	p, _, err := r.Lookup(t)
	if err != nil {
		return err
	}
	if err := p.Validate(payload); err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Types lists the registered task types in sorted order.
func (r *Registry) Types() []types.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.TaskType, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// requireItems is the validation shared by the built-in processors.
func requireItems(p types.Payload) error {
	if len(p.Items) == 0 {
		return invalid("payload has no items")
	}
	return nil
}

// RegisterBuiltins installs the built-in processors backed by the given
// collaborators.
func RegisterBuiltins(r *Registry, dir AccountDirectory, sink RecordSink, opts map[types.TaskType][]Option) {
	r.Register(types.TypeBulkAccountCreation, NewAccountCreator(dir), opts[types.TypeBulkAccountCreation]...)
	r.Register(types.TypeBulkImport, NewRecordImporter(sink), opts[types.TypeBulkImport]...)
}
