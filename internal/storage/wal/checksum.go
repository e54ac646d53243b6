package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum computes the CRC32-IEEE checksum of an event's key
// fields and record. Timestamp is excluded.
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(event.Type))
	h.Write([]byte{0})
	h.Write([]byte(event.TaskID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(event.Seq, 10)))
	h.Write([]byte{0})
	h.Write(event.Record)
	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the event.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
