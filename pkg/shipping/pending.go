package shipping

import (
	"time"

	"lsmrepl/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

type FetchState uint8

const (
	Open FetchState = iota
	InFlight
	Failed
)

func (s FetchState) String() string {
	switch s {
	case Open:
		return "open"
	case InFlight:
		return "in-flight"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// entryRange is a run of missing LSNs [from, to] inside one view.
type entryRange struct {
	from, to types.LSN
	state    FetchState
	retryAt  time.Time
}

func (r *entryRange) size() uint64 {
	return r.to.SequenceNo - r.from.SequenceNo + 1
}

type chunkItem struct {
	chunk   types.Chunk
	state   FetchState
	retryAt time.Time
}

// PendingCatchUp is the set of outstanding fetches of a slave: missing log ranges ordered by LSN,
// and file chunks of a full state transfer. Owned by the slave worker goroutine.
type PendingCatchUp struct {
	ranges *skipmap.FuncMap[types.LSN, *entryRange]
	chunks []*chunkItem
}

func NewPendingCatchUp() *PendingCatchUp {
	return &PendingCatchUp{
		ranges: skipmap.NewFunc[types.LSN, *entryRange](func(a, b types.LSN) bool {
			return a.Less(b)
		}),
	}
}

func (p *PendingCatchUp) Empty() bool {
	return p.ranges.Len() == 0 && len(p.chunks) == 0
}

// AddRange marks [from, to] as missing, skipping LSNs that are already pending.
func (p *PendingCatchUp) AddRange(from, to types.LSN) {
	if from.ViewID != to.ViewID || to.Less(from) {
		return
	}

	cursor := from
	var gaps [][2]types.LSN
	p.ranges.Range(func(start types.LSN, r *entryRange) bool {
		if to.Less(r.from) {
			return false
		}
		if r.to.Less(cursor) {
			return true
		}
		if cursor.Less(r.from) {
			gaps = append(gaps, [2]types.LSN{cursor, types.NewLSN(r.from.ViewID, r.from.SequenceNo-1)})
		}
		cursor = r.to.Next()
		return true
	})
	if !to.Less(cursor) {
		gaps = append(gaps, [2]types.LSN{cursor, to})
	}

	for _, g := range gaps {
		p.ranges.Store(g[0], &entryRange{from: g[0], to: g[1], state: Open})
	}
}

// Missing lists every pending LSN with its state, in order.
func (p *PendingCatchUp) Missing() map[types.LSN]FetchState {
	res := make(map[types.LSN]FetchState)
	p.ranges.Range(func(_ types.LSN, r *entryRange) bool {
		for seq := r.from.SequenceNo; seq <= r.to.SequenceNo; seq++ {
			res[types.NewLSN(r.from.ViewID, seq)] = r.state
		}
		return true
	})
	return res
}

// NextRange claims the lowest fetchable range, cut to at most max entries, and marks it InFlight.
func (p *PendingCatchUp) NextRange(now time.Time, max int) (types.LSN, types.LSN, bool) {
	var picked *entryRange
	p.ranges.Range(func(_ types.LSN, r *entryRange) bool {
		if r.state == Open || r.state == Failed && !now.Before(r.retryAt) {
			picked = r
			return false
		}
		return true
	})
	if picked == nil {
		return types.LSN{}, types.LSN{}, false
	}

	if max > 0 && picked.size() > uint64(max) {
		rest := &entryRange{
			from:  types.NewLSN(picked.from.ViewID, picked.from.SequenceNo+uint64(max)),
			to:    picked.to,
			state: picked.state,
		}
		rest.retryAt = picked.retryAt
		picked.to = types.NewLSN(picked.from.ViewID, rest.from.SequenceNo-1)
		p.ranges.Store(rest.from, rest)
	}
	picked.state = InFlight
	return picked.from, picked.to, true
}

// Received removes a fetched range. Entries from..got are in hand; whatever is left of the
// requested range becomes Open again.
func (p *PendingCatchUp) Received(from, got types.LSN) {
	r, ok := p.ranges.Load(from)
	if !ok {
		return
	}
	p.ranges.Delete(from)
	if got.Less(r.to) && !got.Less(from) {
		rest := got.Next()
		p.ranges.Store(rest, &entryRange{from: rest, to: r.to, state: Open})
	} else if got.Less(from) {
		r.state = Open
		p.ranges.Store(from, r)
	}
}

// FailRange puts a range back for a retry not earlier than retryAt.
func (p *PendingCatchUp) FailRange(from types.LSN, retryAt time.Time) {
	if r, ok := p.ranges.Load(from); ok {
		r.state = Failed
		r.retryAt = retryAt
	}
}

// Prune drops every range that ends at or below latest and trims the ones it cuts.
// In-flight ranges are left to their fetch result.
func (p *PendingCatchUp) Prune(latest types.LSN) {
	p.ranges.Range(func(start types.LSN, r *entryRange) bool {
		if latest.Less(r.from) {
			return false
		}
		if r.state == InFlight {
			return true
		}
		p.ranges.Delete(start)
		if latest.Less(r.to) {
			rest := latest.Next()
			p.ranges.Store(rest, &entryRange{from: rest, to: r.to, state: r.state, retryAt: r.retryAt})
		}
		return true
	})
}

// AddChunks queues every chunk of a state transfer.
func (p *PendingCatchUp) AddChunks(chunks []types.Chunk) {
	for _, c := range chunks {
		p.chunks = append(p.chunks, &chunkItem{chunk: c, state: Open})
	}
}

func (p *PendingCatchUp) NextChunk(now time.Time) (types.Chunk, bool) {
	for _, c := range p.chunks {
		if c.state == Open || c.state == Failed && !now.Before(c.retryAt) {
			c.state = InFlight
			return c.chunk, true
		}
	}
	return types.Chunk{}, false
}

func (p *PendingCatchUp) ChunkDone(chunk types.Chunk) {
	for i, c := range p.chunks {
		if c.chunk == chunk {
			p.chunks = append(p.chunks[:i], p.chunks[i+1:]...)
			return
		}
	}
}

func (p *PendingCatchUp) FailChunk(chunk types.Chunk, retryAt time.Time) {
	for _, c := range p.chunks {
		if c.chunk == chunk {
			c.state = Failed
			c.retryAt = retryAt
			return
		}
	}
}

func (p *PendingCatchUp) Chunks() int {
	return len(p.chunks)
}

// Clear drops every outstanding fetch.
func (p *PendingCatchUp) Clear() {
	p.ranges.Range(func(k types.LSN, _ *entryRange) bool {
		p.ranges.Delete(k)
		return true
	})
	p.chunks = nil
}
