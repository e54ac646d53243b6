package taskstore

// ============================================================================
// MemoryStore - 任務狀態的記憶體實作
// ============================================================================
//
// 資料結構:
//   tasks map[TaskID]*Task   - 主存儲 (Single Source of Truth)
//   byStatus map[Status]set  - 狀態索引，List 依狀態篩選時不必掃描全部任務
//
// 並發安全:
//   - sync.RWMutex 保護所有資料結構；讀用 RLock，寫用 Lock
//   - 對外回傳的任務一律是 Clone，呼叫者無法改動內部狀態
//
// commit hook:
//   每次變更在寫入 map 之前先呼叫 hook（FileStore 用它寫 WAL）。
//   hook 失敗時變更不會生效 (write-ahead)。
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/taskengine/internal/storage/wal"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// commitHook is called with the new task image (nil for deletes) before a
// mutation becomes visible.
type commitHook func(ev wal.EventType, id types.TaskID, next *types.Task) error

// MemoryStore is a Store kept entirely in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[types.TaskID]*types.Task
	byStatus map[types.TaskStatus]map[types.TaskID]struct{}
	hook     commitHook
	closed   bool
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[types.TaskID]*types.Task),
		byStatus: make(map[types.TaskStatus]map[types.TaskID]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, task *types.Task) (types.TaskID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStoreClosed
	}

	t, err := prepareCreate(task, s.now())
	if err != nil {
		return "", err
	}
	if _, exists := s.tasks[t.ID]; exists {
		return "", fmt.Errorf("%w: task %s already exists", ErrConflict, t.ID)
	}
	if err := s.commitLocked(wal.EventCreate, t.ID, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

func (s *MemoryStore) Get(ctx context.Context, id types.TaskID) (*types.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*types.Task
	visit := func(t *types.Task) {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	if len(filter.Statuses) > 0 {
		seen := make(map[types.TaskStatus]bool, len(filter.Statuses))
		for _, st := range filter.Statuses {
			if seen[st] {
				continue
			}
			seen[st] = true
			for id := range s.byStatus[st] {
				visit(s.tasks[id])
			}
		}
	} else {
		for _, t := range s.tasks {
			visit(t)
		}
	}
	sortTasks(out, filter.Order)
	return limit(out, filter.Limit), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id types.TaskID, tr types.Transition) (*types.Task, error) {
	return s.mutate(ctx, id, wal.EventTransition, func(t *types.Task, now time.Time) (bool, error) {
		return true, applyTransition(t, tr, now)
	})
}

func (s *MemoryStore) AppendProgress(ctx context.Context, id types.TaskID, delta types.ProgressDelta) (*types.Task, error) {
	return s.mutate(ctx, id, wal.EventProgress, func(t *types.Task, now time.Time) (bool, error) {
		return applyProgress(t, delta, now)
	})
}

func (s *MemoryStore) SetControl(ctx context.Context, id types.TaskID, expect types.TaskStatus, sig types.ControlSignal) (*types.Task, error) {
	return s.mutate(ctx, id, wal.EventControl, func(t *types.Task, now time.Time) (bool, error) {
		return true, applyControl(t, expect, sig, now)
	})
}

func (s *MemoryStore) Delete(ctx context.Context, id types.TaskID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := checkDelete(t); err != nil {
		return err
	}
	return s.commitLocked(wal.EventDelete, id, nil)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Stats counts tasks per status.
func (s *MemoryStore) Stats(ctx context.Context) (map[types.TaskStatus]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make(map[types.TaskStatus]int, len(s.byStatus))
	for st, ids := range s.byStatus {
		if len(ids) > 0 {
			out[st] = len(ids)
		}
	}
	return out, nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// mutate loads a copy of the task, applies fn and commits the copy when fn
// reports a change.
func (s *MemoryStore) mutate(ctx context.Context, id types.TaskID, ev wal.EventType, fn func(*types.Task, time.Time) (bool, error)) (*types.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	cur, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	next := cur.Clone()
	changed, err := fn(next, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return cur.Clone(), nil
	}
	if err := s.commitLocked(ev, id, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// commitLocked runs the hook and installs next (nil deletes). Caller holds
// s.mu for writing.
func (s *MemoryStore) commitLocked(ev wal.EventType, id types.TaskID, next *types.Task) error {
	if s.hook != nil {
		if err := s.hook(ev, id, next); err != nil {
			return fmt.Errorf("persist %s %s: %w", ev, id, err)
		}
	}
	s.installLocked(id, next)
	return nil
}

// installLocked updates the map and the status index without the hook.
func (s *MemoryStore) installLocked(id types.TaskID, next *types.Task) {
	if old, ok := s.tasks[id]; ok {
		delete(s.byStatus[old.Status], id)
	}
	if next == nil {
		delete(s.tasks, id)
		return
	}
	s.tasks[id] = next
	set, ok := s.byStatus[next.Status]
	if !ok {
		set = make(map[types.TaskID]struct{})
		s.byStatus[next.Status] = set
	}
	set[id] = struct{}{}
}

// restoreRecord installs a task decoded from persisted JSON.
func (s *MemoryStore) restoreRecord(id types.TaskID, record json.RawMessage) error {
	var t types.Task
	if err := json.Unmarshal(record, &t); err != nil {
		return fmt.Errorf("decode task %s: %w", id, err)
	}
	s.mu.Lock()
	s.installLocked(id, &t)
	s.mu.Unlock()
	return nil
}

// imageLocked returns copies of every task. Caller holds s.mu.
func (s *MemoryStore) imageLocked() map[types.TaskID]*types.Task {
	out := make(map[types.TaskID]*types.Task, len(s.tasks))
	for id, t := range s.tasks {
		out[id] = t.Clone()
	}
	return out
}
