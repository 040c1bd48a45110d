package clock

import "sync/atomic"

// Position is a point of the local log: a view and the last sequence number used in it.
type Position struct {
	View uint32
	Seq  uint64
}

// Sequence tracks the log position. Readers load it without locks; writers are expected to be
// serialized by the log, the CAS loop only keeps a racing reader from seeing a torn value.
type Sequence struct {
	cur atomic.Pointer[Position]
}

func NewSequence() *Sequence {
	s := &Sequence{}
	s.cur.Store(&Position{})
	return s
}

func (s *Sequence) Current() Position {
	return *s.cur.Load()
}

// Peek is the position the next entry of the current view will get.
func (s *Sequence) Peek() Position {
	p := s.Current()
	p.Seq++
	return p
}

// Advance consumes the next sequence number of the current view and returns it.
func (s *Sequence) Advance() Position {
	for {
		old := s.cur.Load()
		next := &Position{View: old.View, Seq: old.Seq + 1}
		if s.cur.CompareAndSwap(old, next) {
			return *next
		}
	}
}

// OpenView moves to view; numbering restarts so the first entry gets sequence 1.
func (s *Sequence) OpenView(view uint32) {
	s.cur.Store(&Position{View: view})
}

// Restore sets the position found while replaying segments from disk.
func (s *Sequence) Restore(view uint32, seq uint64) {
	s.cur.Store(&Position{View: view, Seq: seq})
}
