package shipping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lsmrepl/pkg/config"
	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

var errMasterChanged = errors.New("master role lost")

// master is the sending side of log shipping, alive while this node serves as master.
type master struct {
	cfg    Config
	log    Log
	send   func(ctx context.Context, to types.PeerAddr, msg protocol.Message) error
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	slaves   []types.PeerAddr
	status   *SlaveStatus
	requests *skipmap.FuncMap[types.LSN, *ReplicationRequest]

	// mu serializes ack processing with the latest common LSN
	mu           sync.Mutex
	latestCommon types.LSN
}

func newMaster(ctx context.Context, cfg Config, log Log, send func(context.Context, types.PeerAddr, protocol.Message) error) *master {
	ctx, cancel := context.WithCancel(ctx)
	slaves := cfg.Slaves()
	return &master{
		cfg:    cfg,
		log:    log,
		send:   send,
		logger: slog.Default().With("component", "shipping", "role", "master", "node", cfg.Local),
		ctx:    ctx,
		cancel: cancel,
		slaves: slaves,
		status: NewSlaveStatus(slaves),
		requests: skipmap.NewFunc[types.LSN, *ReplicationRequest](func(a, b types.LSN) bool {
			return a.Less(b)
		}),
	}
}

func (m *master) requiredAcks() int {
	switch m.cfg.Mode {
	case config.SyncSync:
		return len(m.slaves)
	case config.SyncN:
		return m.cfg.SyncN
	}
	return 0
}

// broadcast sends entry to every slave and returns the request tracking its acknowledgements.
func (m *master) broadcast(entry types.LogEntry) *ReplicationRequest {
	req := newRequest(entry, m.requiredAcks(), len(m.slaves))

	switch {
	case req.required == 0:
		req.succeed()
		m.advanceCommonAlone(entry.LSN)
	case req.required > req.maxPossible:
		req.fail(fmt.Errorf("%d acks required from %d slaves", req.required, req.maxPossible))
	default:
		m.requests.Store(entry.LSN, req)
		req.Subscribe(func(error) { m.requests.Delete(entry.LSN) })

		timer := time.AfterFunc(m.cfg.AckTimeout, func() {
			req.fail(fmt.Errorf("no quorum of acks within %s", m.cfg.AckTimeout))
		})
		req.Subscribe(func(error) { timer.Stop() })
	}

	msg := protocol.Replicate{Entry: entry}
	for _, peer := range m.slaves {
		go func(peer types.PeerAddr) {
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.FetchTimeout)
			defer cancel()
			if err := m.send(ctx, peer, msg); err != nil {
				m.logger.Debug("replicate not delivered", "peer", peer, "lsn", entry.LSN, "error", err)
				req.sendFailed(peer, err)
			}
		}(peer)
	}
	return req
}

// advanceCommonAlone covers clusters where no slave ack is ever expected.
func (m *master) advanceCommonAlone(lsn types.LSN) {
	if len(m.slaves) > 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raiseCommon(lsn)
}

// onAck records a cumulative acknowledgement: peer holds everything up to lsn.
func (m *master) onAck(peer types.PeerAddr, lsn types.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, known := m.status.Get(peer); !known {
		m.logger.Warn("ack from unknown peer", "peer", peer)
		return
	}
	m.status.Update(peer, lsn)

	m.requests.Range(func(l types.LSN, req *ReplicationRequest) bool {
		if lsn.Less(l) {
			return false
		}
		req.ack(peer)
		return true
	})

	m.raiseCommon(m.status.Common(m.cfg.Mode, m.cfg.SyncN))
}

// raiseCommon moves the latest common LSN forward only. Called with mu held.
func (m *master) raiseCommon(lsn types.LSN) {
	if !m.latestCommon.Less(lsn) {
		return
	}
	m.latestCommon = lsn
	if err := m.log.TriggerCheckpointAt(lsn); err != nil {
		m.logger.Warn("checkpoint trigger failed", "lsn", lsn, "error", err)
	}
}

func (m *master) common() types.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestCommon
}

// stop fails every unsettled request: their outcome can no longer be observed here.
func (m *master) stop() {
	m.cancel()
	m.requests.Range(func(_ types.LSN, req *ReplicationRequest) bool {
		req.fail(errMasterChanged)
		return true
	})
}
