package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only）
// 2. 提供重放功能以恢復系統狀態
// 3. 支援日誌旋轉（快照後清空，備份以 gzip 壓縮）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

const (
	defaultBufferSize    = 256
	defaultFlushInterval = time.Second
	backupTimeLayout     = "20060102_150405.000000000"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// truncater is implemented by *os.File. A WAL whose file cannot truncate
// is unusable after a failed write.
type truncater interface {
	Truncate(size int64) error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // WAL 檔案
	size    int64         // bytes of accepted events in file
	path    string        // WAL 檔案路徑
	seq     uint64        // 當前事件序號
	opts    Options
	closed  bool
	broken  error // failed write that could not be rolled back
	tailErr error // unreadable tail dropped at open

	buffer        []Event // 批次寫入事件緩衝區
	lastFlushTime time.Time
}

// NewWAL opens (or creates) the WAL at path and continues numbering after
// the last readable event.
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	seq, tailErr, err := repairTail(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &WAL{
		file:          file,
		size:          info.Size(),
		path:          path,
		seq:           seq,
		opts:          opts,
		tailErr:       tailErr,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 先放入緩衝區；forceFlush、SyncOnAppend、緩衝區滿或逾時則寫入檔案
// - 只有 SyncOnAppend 時才在 Append 內 fsync
// - 寫入失敗時，緩衝區內的事件全部作廢、seq 回滾、檔案截回寫入前的長度
func (w *WAL) Append(eventType EventType, taskID types.TaskID, record json.RawMessage, forceFlush bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}
	if w.broken != nil {
		return 0, fmt.Errorf("%w: %v", ErrWALBroken, w.broken)
	}

	if len(record) > 0 {
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, record); err != nil {
			return 0, err
		}
		record = compacted.Bytes()
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now().UnixMilli(),
		Record:    record,
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		time.Since(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		if err := w.flushLocked(w.opts.SyncOnAppend); err != nil {
			return 0, err
		}
	}
	return event.Seq, nil
}

// Flush writes buffered events and fsyncs the file.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked(true)
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 遇到無法解析的尾端（崩潰時寫到一半）回傳 *CorruptionError，之前的事件已套用
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(false); err != nil {
		return err
	}
	return replayFile(w.path, handler)
}

// Rotate 旋轉日誌檔案
//
// 舊檔案改名為 <path>.<timestamp> 後壓縮成 .gz，新檔案從空白開始。
// seq 不歸零：快照記錄的 LastSeq 仍可用來過濾事件。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(true); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format(backupTimeLayout)
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.size = 0
	w.lastFlushTime = time.Now()

	if err := compressWALFile(backupPath, backupPath+".gz"); err != nil {
		return err
	}
	if err := os.Remove(backupPath); err != nil {
		return err
	}
	return w.pruneBackups()
}

// Close 關閉 WAL；關閉後的實例不可再用。
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushLocked(true); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// EnsureSeq raises the sequence counter to at least seq. A store calls it
// after loading a snapshot so new events always sort after the snapshot.
func (w *WAL) EnsureSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// TailError returns the corruption that NewWAL cut off the end of the file,
// or nil when the file was intact.
func (w *WAL) TailError() error { return w.tailErr }

// Path returns the active WAL file path.
func (w *WAL) Path() string { return w.path }

// Backups lists the compressed rotated files, oldest first.
func (w *WAL) Backups() ([]string, error) {
	matches, err := filepath.Glob(w.path + ".*.gz")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// newEncoder keeps record bytes as written so checksums survive a round trip.
func newEncoder(f io.Writer) *json.Encoder {
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return enc
}

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
//
// 緩衝的事件先完整編碼，再一次寫入檔案；fsync 為 true 時接著同步到磁碟。
// 任何一步失敗，緩衝的事件都不算寫入：seq 回滾，檔案截回寫入前的長度，
// 之後的 Append 不會把它們帶到磁碟上。
func (w *WAL) flushLocked(fsync bool) error {
	if len(w.buffer) == 0 {
		if fsync && w.broken == nil {
			return w.file.Sync()
		}
		return nil
	}
	if w.broken != nil {
		return fmt.Errorf("%w: %v", ErrWALBroken, w.broken)
	}

	var batch bytes.Buffer
	enc := newEncoder(&batch)
	for _, event := range w.buffer {
		if err := enc.Encode(event); err != nil {
			w.rejectLocked(err, false)
			return err
		}
	}

	n, err := w.file.Write(batch.Bytes())
	if err == nil && n < batch.Len() {
		err = io.ErrShortWrite
	}
	if err == nil && fsync {
		err = w.file.Sync()
	}
	if err != nil {
		w.rejectLocked(err, true)
		return err
	}

	w.size += int64(n)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// rejectLocked drops the buffered events after a failed flush and, when
// bytes may have reached the file, cuts it back to the last accepted event.
func (w *WAL) rejectLocked(cause error, written bool) {
	w.seq -= uint64(len(w.buffer))
	w.buffer = w.buffer[:0]
	if !written {
		return
	}
	t, ok := w.file.(truncater)
	if !ok {
		w.broken = cause
		return
	}
	if err := t.Truncate(w.size); err != nil {
		w.broken = errors.Join(cause, err)
	}
}

// repairTail scans the file for its last good event. An unreadable tail
// (torn write, bad checksum) is truncated so new events stay readable; the
// dropped corruption is returned as tailErr.
func repairTail(path string) (seq uint64, tailErr error, err error) {
	scanErr := replayFile(path, func(e Event) error {
		seq = e.Seq
		return nil
	})
	if scanErr == nil {
		return seq, nil, nil
	}

	var offset int64
	var corrupt *CorruptionError
	var badSum *ChecksumError
	switch {
	case errors.As(scanErr, &corrupt):
		offset = corrupt.Offset
	case errors.As(scanErr, &badSum):
		offset = badSum.Offset
	default:
		return 0, nil, scanErr
	}
	if err := os.Truncate(path, offset); err != nil {
		return 0, nil, err
	}
	return seq, scanErr, nil
}

func (w *WAL) pruneBackups() error {
	if w.opts.MaxBackups <= 0 {
		return nil
	}
	backups, err := w.Backups()
	if err != nil {
		return err
	}
	for len(backups) > w.opts.MaxBackups {
		if err := os.Remove(backups[0]); err != nil {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

// replayFile decodes events line by line. A line that cannot be decoded
// stops the replay with a *CorruptionError; a checksum mismatch stops it
// with a *ChecksumError.
func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()
	return replayReader(file, handler)
}

func replayReader(r io.Reader, handler EventHandler) error {
	reader := bufio.NewReader(r)
	var offset int64
	var lastSeq uint64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var event Event
				if decErr := json.Unmarshal(trimmed, &event); decErr != nil {
					return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: decErr}
				}
				if !VerifyChecksum(event) {
					return &ChecksumError{Seq: event.Seq, Offset: offset, Expected: CalculateChecksum(event), Actual: event.Checksum}
				}
				if hErr := handler(event); hErr != nil {
					return hErr
				}
				lastSeq = event.Seq
			}
			offset += int64(len(line))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// compressWALFile gzips srcPath into dstPath.
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	gzipWriter := gzip.NewWriter(dstFile)
	gzipWriter.Name = filepath.Base(srcPath)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		dstFile.Close()
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}

// ReplayBackup replays a compressed rotated file.
func ReplayBackup(path string, handler EventHandler) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	return replayReader(gz, handler)
}
