package types

import "time"

// Lease is a time-bounded grant of a cell to one holder.
type Lease struct {
	Cell    string    `json:"cell" yaml:"cell"`
	Holder  PeerAddr  `json:"holder" yaml:"holder"`
	Start   time.Time `json:"start" yaml:"start"`
	End     time.Time `json:"end" yaml:"end"`
	Version uint64    `json:"version" yaml:"version"`
}

// ValidAt reports whether t lies strictly inside the term.
func (l Lease) ValidAt(t time.Time) bool {
	return !l.Holder.IsZero() && t.After(l.Start) && t.Before(l.End)
}

func (l Lease) IsEmpty() bool {
	return l.Holder.IsZero()
}
