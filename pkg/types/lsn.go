package types

import (
	"fmt"
	"hash/crc32"
)

// LSN is a log sequence number. Ordered by ViewID first, then SequenceNo.
// SequenceNo 0 means "no entry yet" in that view.
type LSN struct {
	ViewID     uint32 `json:"view_id"`
	SequenceNo uint64 `json:"sequence_no"`
}

func NewLSN(view uint32, seq uint64) LSN {
	return LSN{ViewID: view, SequenceNo: seq}
}

// Compare returns -1, 0 or +1.
func (l LSN) Compare(o LSN) int {
	switch {
	case l.ViewID < o.ViewID:
		return -1
	case l.ViewID > o.ViewID:
		return 1
	case l.SequenceNo < o.SequenceNo:
		return -1
	case l.SequenceNo > o.SequenceNo:
		return 1
	}
	return 0
}

func (l LSN) Less(o LSN) bool {
	return l.Compare(o) < 0
}

func (l LSN) IsZero() bool {
	return l.ViewID == 0 && l.SequenceNo == 0
}

// Next is the LSN directly following l in the same view.
func (l LSN) Next() LSN {
	return LSN{ViewID: l.ViewID, SequenceNo: l.SequenceNo + 1}
}

func (l LSN) String() string {
	return fmt.Sprintf("(%d:%d)", l.ViewID, l.SequenceNo)
}

// MaxLSN returns the larger of a and b.
func MaxLSN(a, b LSN) LSN {
	if a.Less(b) {
		return b
	}
	return a
}

// LogEntry is an immutable committed log record.
type LogEntry struct {
	LSN      LSN    `json:"lsn"`
	Payload  []byte `json:"payload"`
	Checksum uint32 `json:"checksum"`
}

// NewLogEntry copies payload and computes its checksum.
func NewLogEntry(lsn LSN, payload []byte) LogEntry {
	p := make([]byte, len(payload))
	copy(p, payload)
	return LogEntry{
		LSN:      lsn,
		Payload:  p,
		Checksum: crc32.ChecksumIEEE(p),
	}
}

// Valid reports whether the stored checksum matches the payload.
func (e LogEntry) Valid() bool {
	return crc32.ChecksumIEEE(e.Payload) == e.Checksum
}

// Clone returns a deep copy; entries are never shared between owners.
func (e LogEntry) Clone() LogEntry {
	p := make([]byte, len(e.Payload))
	copy(p, e.Payload)
	e.Payload = p
	return e
}
