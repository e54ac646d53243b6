package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（讀取最後事件、計數、驗證、傾印）
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個可解析的事件（從頭掃描）。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if last == nil {
		if err != nil {
			return nil, err
		}
		return nil, ErrEmptyWAL
	}
	// 尾端損壞時仍回傳最後一個完好的事件
	return last, nil
}

// CountEvents 計算 WAL 中可讀取的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性：JSON 格式、checksum、seq 嚴格遞增
func ValidateWAL(path string) error {
	var lastSeq uint64
	return replayFile(path, func(e Event) error {
		if e.Seq <= lastSeq {
			return fmt.Errorf("%w: seq=%d after seq=%d", ErrSeqOutOfOrder, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] CREATE 6f1c... at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	err := replayFile(path, func(e Event) error {
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s at %s (checksum:0x%08x)\n",
			e.Seq, e.Type, e.TaskID, time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Checksum)
		return err
	})
	var corrupt *CorruptionError
	if errors.As(err, &corrupt) {
		fmt.Fprintf(w, "!! %v\n", corrupt)
	}
	return err
}
