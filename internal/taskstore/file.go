package taskstore

// ============================================================================
// FileStore - 記憶體狀態 + WAL + 快照
// ============================================================================
//
// 恢復流程 (Open):
//   1. 載入快照 (snapshot.json) -> 還原所有任務
//   2. 重放 WAL 中 seq > snapshot.LastSeq 的事件（每個事件帶完整任務影像）
//   3. WAL 尾端損壞（崩潰時寫到一半）會被截斷並記錄警告，之前的事件仍然生效
//
// 寫入流程:
//   每次變更先寫 WAL，成功後才更新記憶體 (write-ahead)
//
// 快照 (Snapshot):
//   持有寫鎖期間寫出快照並旋轉 WAL，避免快照與旋轉之間的事件遺失
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskengine/internal/snapshot"
	"github.com/ChuLiYu/taskengine/internal/storage/wal"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// FileOptions configures a FileStore.
type FileOptions struct {
	Dir          string // directory holding tasks.wal and snapshot.json
	SyncOnAppend bool   // fsync every mutation
	MaxBackups   int    // compressed WAL backups to keep
}

// FileStore is a MemoryStore made durable by a write-ahead log and
// periodic snapshots.
type FileStore struct {
	*MemoryStore
	wal    *wal.WAL
	snap   *snapshot.Manager
	logger *zap.Logger
}

// OpenFileStore restores state from dir and returns a ready store.
func OpenFileStore(opts FileOptions, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("filestore")

	snap := snapshot.NewManager(filepath.Join(opts.Dir, "snapshot.json"))
	data, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	w, err := wal.NewWAL(filepath.Join(opts.Dir, "tasks.wal"), wal.Options{
		SyncOnAppend: opts.SyncOnAppend,
		MaxBackups:   opts.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	if tailErr := w.TailError(); tailErr != nil {
		logger.Warn("wal tail was unreadable and has been truncated", zap.Error(tailErr))
	}

	mem := NewMemoryStore()
	for id, t := range data.Tasks {
		mem.installLocked(id, t)
	}
	w.EnsureSeq(data.LastSeq)

	applied, skipped := 0, 0
	replayErr := w.Replay(func(e wal.Event) error {
		if e.Seq <= data.LastSeq {
			skipped++
			return nil
		}
		applied++
		if e.Type == wal.EventDelete {
			mem.mu.Lock()
			mem.installLocked(e.TaskID, nil)
			mem.mu.Unlock()
			return nil
		}
		return mem.restoreRecord(e.TaskID, e.Record)
	})
	var corrupt *wal.CorruptionError
	var badSum *wal.ChecksumError
	switch {
	case replayErr == nil:
	case errors.As(replayErr, &corrupt), errors.As(replayErr, &badSum):
		logger.Warn("wal tail is unreadable, later events are lost", zap.Error(replayErr))
	default:
		w.Close()
		return nil, fmt.Errorf("replay wal: %w", replayErr)
	}

	logger.Info("file store restored",
		zap.Int("snapshot_tasks", len(data.Tasks)),
		zap.Uint64("snapshot_seq", data.LastSeq),
		zap.Int("wal_applied", applied),
		zap.Int("wal_skipped", skipped),
		zap.Int("tasks", len(mem.tasks)),
	)

	fs := &FileStore{MemoryStore: mem, wal: w, snap: snap, logger: logger}
	mem.hook = fs.appendEvent
	return fs, nil
}

// appendEvent writes the event to the WAL file before the mutation is
// installed. SyncOnAppend adds an fsync on top.
func (fs *FileStore) appendEvent(ev wal.EventType, id types.TaskID, next *types.Task) error {
	var record json.RawMessage
	if next != nil {
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		record = b
	}
	_, err := fs.wal.Append(ev, id, record, true)
	return err
}

// Snapshot writes the full state and starts a fresh WAL.
func (fs *FileStore) Snapshot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return ErrStoreClosed
	}

	if err := fs.wal.Flush(); err != nil {
		return fmt.Errorf("flush wal: %w", err)
	}
	data := types.SnapshotData{
		Tasks:   fs.imageLocked(),
		LastSeq: fs.wal.GetLastSeq(),
	}
	if err := fs.snap.Write(data); err != nil {
		return err
	}
	if err := fs.wal.Rotate(); err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}
	fs.logger.Debug("snapshot written", zap.Int("tasks", len(data.Tasks)), zap.Uint64("last_seq", data.LastSeq))
	return nil
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	already := fs.closed
	fs.closed = true
	fs.mu.Unlock()
	if already {
		return nil
	}
	return fs.wal.Close()
}
