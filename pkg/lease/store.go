package lease

import (
	"sync"
	"time"

	"lsmrepl/pkg/clock"
	"lsmrepl/pkg/types"
)

// Store keeps the latest learned lease per cell and resolves the current holder.
//
// The holder itself trusts its lease until End-drift, every other peer treats it as taken
// until End+drift, so the two views never overlap while clocks stay within drift.
type Store struct {
	mu       sync.Mutex
	local    types.PeerAddr
	clock    clock.Source
	drift    time.Duration
	leases   map[string]types.Lease
	notified map[string]types.PeerAddr
	onChange func(cell string, holder types.PeerAddr)
}

// NewStore creates a store. onChange is called under the store lock and must not block.
func NewStore(local types.PeerAddr, clk clock.Source, drift time.Duration, onChange func(string, types.PeerAddr)) *Store {
	if onChange == nil {
		onChange = func(string, types.PeerAddr) {}
	}
	return &Store{
		local:    local,
		clock:    clk,
		drift:    drift,
		leases:   make(map[string]types.Lease),
		notified: make(map[string]types.PeerAddr),
		onChange: onChange,
	}
}

// Update records l if it is newer than what is known and re-evaluates the holder.
func (s *Store) Update(l types.Lease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[l.Cell]
	if ok && (l.Version < cur.Version || l.Version == cur.Version && !l.End.After(cur.End)) {
		return false
	}
	s.leases[l.Cell] = l
	s.evaluate(l.Cell)
	return true
}

func (s *Store) Lease(cell string) types.Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[cell]
}

// Holder resolves the holder of cell as of now.
func (s *Store) Holder(cell string) types.PeerAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolve(s.leases[cell], s.clock.Now())
}

func (s *Store) resolve(l types.Lease, now time.Time) types.PeerAddr {
	if l.IsEmpty() {
		return types.NoPeer
	}
	end := l.End.Add(s.drift)
	if l.Holder == s.local {
		end = l.End.Add(-s.drift)
	}
	if now.Before(l.Start) || !now.Before(end) {
		return types.NoPeer
	}
	return l.Holder
}

// Evaluate fires onChange if the resolved holder differs from the last notified one.
func (s *Store) Evaluate(cell string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluate(cell)
}

func (s *Store) evaluate(cell string) {
	holder := s.resolve(s.leases[cell], s.clock.Now())
	if prev, ok := s.notified[cell]; ok && prev == holder {
		return
	}
	s.notified[cell] = holder
	s.onChange(cell, holder)
}

// Forget clears the last notified holder so the next evaluation notifies again.
func (s *Store) Forget(cell string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notified, cell)
}

func (s *Store) Remove(cell string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, cell)
	delete(s.notified, cell)
}
