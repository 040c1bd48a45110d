package shipping

import (
	"sort"
	"sync"

	"lsmrepl/pkg/config"
	"lsmrepl/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

// SlaveStatus maps every slave to the highest LSN it acknowledged. Values never move backwards.
type SlaveStatus struct {
	mu    sync.Mutex
	table *skipmap.FuncMap[types.PeerAddr, types.LSN]
}

func NewSlaveStatus(slaves []types.PeerAddr) *SlaveStatus {
	s := &SlaveStatus{
		table: skipmap.NewFunc[types.PeerAddr, types.LSN](func(a, b types.PeerAddr) bool {
			return a < b
		}),
	}
	for _, p := range slaves {
		s.table.Store(p, types.LSN{})
	}
	return s
}

// Update raises peer's LSN to lsn. Unknown peers are ignored.
func (s *SlaveStatus) Update(peer types.PeerAddr, lsn types.LSN) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.table.Load(peer)
	if !ok || !cur.Less(lsn) {
		return false
	}
	s.table.Store(peer, lsn)
	return true
}

func (s *SlaveStatus) Get(peer types.PeerAddr) (types.LSN, bool) {
	return s.table.Load(peer)
}

// Snapshot returns acknowledged LSNs in peer order.
func (s *SlaveStatus) Snapshot() map[types.PeerAddr]types.LSN {
	res := make(map[types.PeerAddr]types.LSN, s.table.Len())
	s.table.Range(func(p types.PeerAddr, l types.LSN) bool {
		res[p] = l
		return true
	})
	return res
}

// Common is the highest LSN acknowledged by enough slaves for mode: every slave for ASYNC and
// SYNC, the n most advanced ones for NSYNC.
func (s *SlaveStatus) Common(mode config.SyncMode, n int) types.LSN {
	var acked []types.LSN
	s.table.Range(func(_ types.PeerAddr, l types.LSN) bool {
		acked = append(acked, l)
		return true
	})
	if len(acked) == 0 {
		return types.LSN{}
	}

	sort.Slice(acked, func(i, j int) bool { return acked[j].Less(acked[i]) })
	if mode == config.SyncN && n >= 1 && n <= len(acked) {
		return acked[n-1]
	}
	return acked[len(acked)-1]
}
