// Package shipping moves log entries from the master to the slaves: live broadcast with
// acknowledgement tracking, incremental catch-up of gaps and full state transfer.
package shipping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lsmrepl/pkg/config"
	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/transport"
	"lsmrepl/pkg/types"
)

type Config struct {
	Local        types.PeerAddr
	Participants []types.PeerAddr
	Mode         config.SyncMode
	SyncN        int

	ChunkSize          int64
	MaxInflightFetches int
	MaxEntriesPerFetch int
	FetchTimeout       time.Duration
	FetchRetryDelay    time.Duration
	AckTimeout         time.Duration
	HeartbeatInterval  time.Duration
}

// FromConfig maps the replication section of the node config.
func FromConfig(r config.ReplicationConfig) Config {
	participants := make([]types.PeerAddr, 0, len(r.Participants))
	for _, p := range r.Participants {
		participants = append(participants, types.PeerAddr(p))
	}
	return Config{
		Local:              types.PeerAddr(r.LocalAddress),
		Participants:       participants,
		Mode:               r.SyncMode,
		SyncN:              r.SyncN,
		ChunkSize:          r.ChunkSize,
		MaxInflightFetches: r.MaxInflightFetches,
		MaxEntriesPerFetch: r.MaxEntriesPerFetch,
		FetchTimeout:       r.FetchTimeout,
		FetchRetryDelay:    r.FetchRetryDelay,
		AckTimeout:         r.AckTimeout,
		HeartbeatInterval:  r.HeartbeatInterval,
	}
}

// Slaves returns every participant except the local one.
func (c Config) Slaves() []types.PeerAddr {
	res := make([]types.PeerAddr, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != c.Local {
			res = append(res, p)
		}
	}
	return res
}

// syncQuorum is how many other participants must answer before a new master may serve.
// A committed NSYNC write lives on n+1 nodes, so any len(others)-n of them include one holder.
// SYNC writes live everywhere and ASYNC makes no promise, so the local log is enough.
func (c Config) syncQuorum() int {
	if c.Mode != config.SyncN {
		return 0
	}
	need := len(c.Slaves()) - c.SyncN
	if need < 0 {
		return 0
	}
	return need
}

// Log is the part of the write-ahead log shipping reads and writes.
type Log interface {
	LatestLSN() types.LSN
	AppendEntry(entry types.LogEntry) error
	ReadEntries(from, to types.LSN, max int) ([]types.LogEntry, error)
	TriggerCheckpointAt(lsn types.LSN) error
	SwitchView() (uint32, error)

	Manifest(chunkSize int64) (types.Manifest, error)
	ReadChunk(name string, begin, end int64) ([]byte, error)
	BeginTransfer() error
	WriteChunk(name string, begin int64, data []byte) error
	InstallTransfer() (types.LSN, error)
}

// Applier feeds shipped entries into the in-memory state.
type Applier interface {
	Apply(entry types.LogEntry) error
	// Rebuild discards the state and replays the whole log, after a full transfer.
	Rebuild() error
}

// Service runs the master or slave side of log shipping, whichever the current role needs.
type Service struct {
	cfg        Config
	log        Log
	applier    Applier
	transport  transport.Transport
	logger     *slog.Logger
	onCaughtUp func(master types.PeerAddr, epoch uint64)
	crash      func(error)

	mu     sync.Mutex
	ctx    context.Context
	master *master
	slave  *slave
}

func New(
	cfg Config,
	log Log,
	applier Applier,
	tr transport.Transport,
	onCaughtUp func(master types.PeerAddr, epoch uint64),
	crashHandler func(error),
) *Service {
	return &Service{
		cfg:        cfg,
		log:        log,
		applier:    applier,
		transport:  tr,
		logger:     slog.Default().With("component", "shipping", "node", cfg.Local),
		onCaughtUp: onCaughtUp,
		crash:      crashHandler,
		ctx:        context.Background(),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}

func (s *Service) Shutdown() {
	s.ChangeMaster(types.NoPeer, 0)
}

// ChangeMaster tears down whatever side was running and starts the one for the new master.
// NoPeer leaves shipping idle.
func (s *Service) ChangeMaster(m types.PeerAddr, epoch uint64) {
	s.mu.Lock()
	oldMaster, oldSlave := s.master, s.slave
	s.master, s.slave = nil, nil
	s.mu.Unlock()

	if oldMaster != nil {
		oldMaster.stop()
	}
	if oldSlave != nil {
		oldSlave.stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case m.IsZero():
		s.logger.Info("shipping idle")
	case m == s.cfg.Local:
		s.master = newMaster(s.ctx, s.cfg, s.log, s.send)
		s.logger.Info("shipping as master", "slaves", s.cfg.Slaves(), "mode", s.cfg.Mode)
	default:
		s.slave = newSlave(s.cfg, s.log, s.applier, s.transport, m, m, func() {
			if s.onCaughtUp != nil {
				s.onCaughtUp(m, epoch)
			}
		}, s.crash)
		s.slave.start(s.ctx)
		s.logger.Info("shipping as slave", "master", m)
	}
}

func (s *Service) send(ctx context.Context, to types.PeerAddr, msg protocol.Message) error {
	_, err := s.transport.Call(ctx, to, msg)
	return err
}

// Broadcast ships an entry already written to the local log.
func (s *Service) Broadcast(entry types.LogEntry) (*ReplicationRequest, error) {
	s.mu.Lock()
	m := s.master
	s.mu.Unlock()
	if m == nil {
		return nil, fmt.Errorf("broadcast %s: %w", entry.LSN, dberrors.ErrNoMaster)
	}
	return m.broadcast(entry), nil
}

// LatestCommon is the highest LSN the sync mode considers held by the slaves. Zero when not master.
func (s *Service) LatestCommon() types.LSN {
	s.mu.Lock()
	m := s.master
	s.mu.Unlock()
	if m == nil {
		return types.LSN{}
	}
	return m.common()
}

// SlaveStatus returns the last LSN acknowledged by each slave. Nil when not master.
func (s *Service) SlaveStatus() map[types.PeerAddr]types.LSN {
	s.mu.Lock()
	m := s.master
	s.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.status.Snapshot()
}

// Synchronize brings the local log up to the most advanced reachable participant and opens a
// new view. Runs before a new master serves its first write.
func (s *Service) Synchronize(ctx context.Context) error {
	others := s.cfg.Slaves()
	need := s.cfg.syncQuorum()

	type answer struct {
		peer   types.PeerAddr
		latest types.LSN
		err    error
	}
	answers := make(chan answer, len(others))
	for _, peer := range others {
		go func(peer types.PeerAddr) {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
			defer cancel()
			rp, err := protocol.Expect[protocol.StateResponse](s.transport.Call(callCtx, peer, protocol.StateRequest{}))
			answers <- answer{peer: peer, latest: rp.Latest, err: err}
		}(peer)
	}

	var (
		reachable int
		best      answer
	)
	for range others {
		a := <-answers
		if a.err != nil {
			s.logger.Warn("participant did not report its state", "peer", a.peer, "error", a.err)
			continue
		}
		reachable++
		if best.peer.IsZero() || best.latest.Less(a.latest) {
			best = a
		}
	}
	if reachable < need {
		return fmt.Errorf("%w: %d of %d participants reachable, %d needed",
			dberrors.ErrReplicationFailure, reachable, len(others), need)
	}

	if local := s.log.LatestLSN(); !best.peer.IsZero() && local.Less(best.latest) {
		s.logger.Info("catching up before serving", "from", best.peer, "local", local, "target", best.latest)
		if err := s.catchUpFrom(ctx, best.peer, best.latest); err != nil {
			return err
		}
	}

	view, err := s.log.SwitchView()
	if err != nil {
		return fmt.Errorf("switch view: %w", err)
	}
	s.logger.Info("synchronized", "view", view, "latest", s.log.LatestLSN())
	return nil
}

func (s *Service) catchUpFrom(ctx context.Context, peer types.PeerAddr, target types.LSN) error {
	done := make(chan struct{})
	var once sync.Once
	w := newSlave(s.cfg, s.log, s.applier, s.transport, peer, types.NoPeer, func() {
		once.Do(func() { close(done) })
	}, s.crash)
	w.masterLatest = target
	w.masterKnown = true

	w.start(ctx)
	defer w.stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("catch up from %s: %w", peer, ctx.Err())
	}
}

func (s *Service) currentSlave(from types.PeerAddr) (*slave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slave == nil || s.slave.master != from {
		return nil, fmt.Errorf("%w: not following %s", dberrors.ErrInvalidArgument, from)
	}
	return s.slave, nil
}

func (s *Service) currentMaster() (*master, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.master == nil {
		return nil, dberrors.ErrNoMaster
	}
	return s.master, nil
}

// OnEntryReceived queues a live entry from the master for the slave worker.
func (s *Service) OnEntryReceived(from types.PeerAddr, entry types.LogEntry) error {
	w, err := s.currentSlave(from)
	if err != nil {
		return err
	}
	if !w.post(entryReceived{entry: entry}) {
		return dberrors.ErrClosed
	}
	return nil
}

// OnAck records a slave acknowledgement.
func (s *Service) OnAck(from types.PeerAddr, lsn types.LSN) error {
	m, err := s.currentMaster()
	if err != nil {
		return err
	}
	m.onAck(from, lsn)
	return nil
}

// Handle serves shipping messages. Fetch, Load, Chunk and State are answered in every role so
// that a new master can synchronize from any participant.
func (s *Service) Handle(_ context.Context, from types.PeerAddr, msg protocol.Message) (protocol.Message, error) {
	switch m := msg.(type) {
	case protocol.Replicate:
		return protocol.Empty{}, s.OnEntryReceived(from, m.Entry)

	case protocol.Ack:
		return protocol.Empty{}, s.OnAck(from, m.LSN)

	case protocol.Heartbeat:
		if err := s.OnAck(from, m.Latest); err != nil {
			return nil, err
		}
		return protocol.HeartbeatResponse{Latest: s.log.LatestLSN()}, nil

	case protocol.Fetch:
		entries, err := s.log.ReadEntries(m.From, m.To, s.cfg.MaxEntriesPerFetch)
		if err != nil {
			return nil, err
		}
		return protocol.FetchResponse{Entries: entries}, nil

	case protocol.Load:
		manifest, err := s.log.Manifest(s.cfg.ChunkSize)
		if err != nil {
			return nil, err
		}
		s.logger.Info("serving state transfer", "peer", from, "their_latest", m.Latest, "files", len(manifest.Files))
		return protocol.LoadResponse{Manifest: manifest}, nil

	case protocol.ChunkRequest:
		data, err := s.log.ReadChunk(m.Chunk.File, m.Chunk.Begin, m.Chunk.End)
		if err != nil {
			return nil, err
		}
		return protocol.ChunkResponse{Chunk: m.Chunk, Data: data}, nil

	case protocol.StateRequest:
		return protocol.StateResponse{Latest: s.log.LatestLSN()}, nil
	}
	return nil, fmt.Errorf("%w: unexpected shipping message %s", dberrors.ErrInvalidArgument, msg.Kind())
}
