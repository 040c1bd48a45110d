package shipping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/listener"
	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/transport"
	"lsmrepl/pkg/types"

	"github.com/zhangyunhao116/fastrand"
	"github.com/zhangyunhao116/skipmap"
)

const maxTickInterval = 250 * time.Millisecond

// events handled by the slave worker
type event interface{ isEvent() }

type entryReceived struct{ entry types.LogEntry }

type fetchResult struct {
	gen     uint64
	from    types.LSN
	entries []types.LogEntry
	err     error
}

type manifestResult struct {
	gen      uint64
	manifest types.Manifest
	err      error
}

type chunkResult struct {
	gen   uint64
	chunk types.Chunk
	data  []byte
	err   error
}

type stateResult struct {
	latest types.LSN
	err    error
}

type tick struct{}

func (entryReceived) isEvent()  {}
func (fetchResult) isEvent()    {}
func (manifestResult) isEvent() {}
func (chunkResult) isEvent()    {}
func (stateResult) isEvent()    {}
func (tick) isEvent()           {}

// slave is the receiving side of log shipping. One worker goroutine owns every field below
// events; network calls run in their own goroutines and report back as events.
type slave struct {
	*listener.Listener[event]

	cfg       Config
	log       Log
	applier   Applier
	transport transport.Transport
	logger    *slog.Logger

	source     types.PeerAddr // fetches, loads and state requests go here
	master     types.PeerAddr // acks and heartbeats go here; NoPeer while synchronizing
	onCaughtUp func()

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup

	held             *skipmap.FuncMap[types.LSN, types.LogEntry]
	pending          *PendingCatchUp
	loading          bool
	manifestInFlight bool
	loadRetryAt      time.Time
	gen              uint64
	inflight         int
	masterLatest     types.LSN
	masterKnown      bool
	stateInFlight    bool
	stateRetryAt     time.Time
	lastHeartbeat    time.Time
	caughtUp         bool
}

func newSlave(
	cfg Config,
	log Log,
	applier Applier,
	tr transport.Transport,
	source, master types.PeerAddr,
	onCaughtUp func(),
	crashHandler func(error),
) *slave {
	s := &slave{
		cfg:        cfg,
		log:        log,
		applier:    applier,
		transport:  tr,
		logger:     slog.Default().With("component", "shipping", "role", "slave", "node", cfg.Local, "source", source),
		source:     source,
		master:     master,
		onCaughtUp: onCaughtUp,
		events:     make(chan event, 64),
		ctx:        context.Background(),
		cancel:     func() {},
		held: skipmap.NewFunc[types.LSN, types.LogEntry](func(a, b types.LSN) bool {
			return a.Less(b)
		}),
		pending: NewPendingCatchUp(),
	}
	if crashHandler == nil {
		crashHandler = func(error) {}
	}
	s.Listener = listener.New(s.events, s.handle, crashHandler)
	return s
}

func (s *slave) tickInterval() time.Duration {
	d := maxTickInterval
	for _, c := range []time.Duration{s.cfg.HeartbeatInterval, s.cfg.FetchRetryDelay} {
		if c > 0 && c < d {
			d = c
		}
	}
	return d
}

func (s *slave) start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.ticker = time.NewTicker(s.tickInterval())
	s.Listener.Start(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ticker.C:
				s.post(tick{})
			case <-s.ctx.Done():
				return
			}
		}
	}()
	s.post(tick{})
}

func (s *slave) stop() {
	s.cancel()
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.Listener.Stop()
	s.wg.Wait()
}

// post hands ev to the worker; false once the worker is gone.
func (s *slave) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *slave) handle(ev event) error {
	var err error
	switch e := ev.(type) {
	case entryReceived:
		err = s.onEntry(e.entry)
	case fetchResult:
		err = s.onFetched(e)
	case manifestResult:
		err = s.onManifest(e)
	case chunkResult:
		err = s.onChunk(e)
	case stateResult:
		s.onState(e)
	case tick:
	default:
		return fmt.Errorf("unknown shipping event %T", ev)
	}
	if err != nil {
		return err
	}

	if err := s.schedule(time.Now()); err != nil {
		return err
	}
	s.checkCaughtUp()
	return nil
}

func (s *slave) raiseMasterLatest(lsn types.LSN) {
	if s.masterLatest.Less(lsn) {
		s.masterLatest = lsn
	}
}

func (s *slave) onEntry(e types.LogEntry) error {
	if !e.Valid() {
		s.logger.Warn("dropping corrupt entry", "lsn", e.LSN)
		return nil
	}
	s.raiseMasterLatest(e.LSN)

	if s.loading {
		s.held.Store(e.LSN, e)
		return nil
	}

	latest := s.log.LatestLSN()
	switch {
	case e.LSN.ViewID < latest.ViewID:
		s.logger.Warn("entry from a superseded view", "lsn", e.LSN, "latest", latest)
		s.ack(e.LSN)
		return nil
	case e.LSN.ViewID > latest.ViewID:
		s.held.Store(e.LSN, e)
		s.startLoad()
		return nil
	case e.LSN.SequenceNo <= latest.SequenceNo:
		s.ack(latest)
		return nil
	}

	if e.LSN != latest.Next() {
		prev := latest
		s.held.Range(func(l types.LSN, _ types.LogEntry) bool {
			if !l.Less(e.LSN) {
				return false
			}
			prev = l
			return true
		})
		if prev.ViewID == e.LSN.ViewID && prev.SequenceNo+1 < e.LSN.SequenceNo {
			s.pending.AddRange(prev.Next(), types.NewLSN(e.LSN.ViewID, e.LSN.SequenceNo-1))
		}
	}
	s.held.Store(e.LSN, e)
	return s.drain()
}

func (s *slave) firstHeld() (types.LogEntry, bool) {
	var (
		first types.LogEntry
		found bool
	)
	s.held.Range(func(_ types.LSN, e types.LogEntry) bool {
		first, found = e, true
		return false
	})
	return first, found
}

// drain applies held entries while they directly follow the local log.
func (s *slave) drain() error {
	applied := false
	defer func() {
		if applied {
			s.ack(s.log.LatestLSN())
		}
	}()

	for {
		e, ok := s.firstHeld()
		if !ok {
			return nil
		}
		latest := s.log.LatestLSN()

		switch {
		case !latest.Less(e.LSN):
			s.held.Delete(e.LSN)
		case e.LSN == latest.Next():
			if err := s.apply(e); err != nil {
				return err
			}
			s.held.Delete(e.LSN)
			applied = true
		case e.LSN.ViewID == latest.ViewID:
			s.pending.AddRange(latest.Next(), types.NewLSN(e.LSN.ViewID, e.LSN.SequenceNo-1))
			return nil
		default:
			s.startLoad()
			return nil
		}
	}
}

func (s *slave) apply(e types.LogEntry) error {
	if err := s.log.AppendEntry(e); err != nil {
		return fmt.Errorf("append %s: %w", e.LSN, err)
	}
	if err := s.applier.Apply(e); err != nil {
		return fmt.Errorf("apply %s: %w", e.LSN, err)
	}
	return nil
}

func (s *slave) ack(lsn types.LSN) {
	if s.master.IsZero() {
		return
	}
	master := s.master
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FetchTimeout)
		defer cancel()
		if err := s.transport.Notify(ctx, master, protocol.Ack{LSN: lsn}); err != nil {
			s.logger.Debug("ack not delivered", "lsn", lsn, "error", err)
		}
	}()
}

func (s *slave) retryAt(now time.Time) time.Time {
	delay := s.cfg.FetchRetryDelay
	return now.Add(delay + time.Duration(fastrand.Int63n(int64(delay)+1)))
}

func (s *slave) onFetched(r fetchResult) error {
	s.inflight--
	if r.gen != s.gen {
		return nil
	}
	if r.err != nil {
		if errors.Is(r.err, dberrors.ErrLogRemoved) {
			s.logger.Info("source no longer has the range, switching to state transfer", "from", r.from)
			s.startLoad()
			return nil
		}
		s.logger.Debug("fetch failed", "from", r.from, "error", r.err)
		s.pending.FailRange(r.from, s.retryAt(time.Now()))
		return nil
	}

	var got types.LSN
	expect := r.from
	for _, e := range r.entries {
		if e.LSN != expect || !e.Valid() {
			s.logger.Warn("discarding fetched entry", "lsn", e.LSN, "expected", expect)
			break
		}
		s.held.Store(e.LSN, e)
		got = e.LSN
		expect = e.LSN.Next()
	}

	if got.IsZero() {
		s.pending.FailRange(r.from, s.retryAt(time.Now()))
		return nil
	}
	s.pending.Received(r.from, got)
	return s.drain()
}

func (s *slave) startLoad() {
	if s.loading {
		return
	}
	s.logger.Info("starting full state transfer", "latest", s.log.LatestLSN())

	s.loading = true
	s.manifestInFlight = false
	s.loadRetryAt = time.Time{}
	s.gen++
	s.pending.Clear()
}

func (s *slave) onManifest(r manifestResult) error {
	s.inflight--
	if r.gen != s.gen {
		return nil
	}
	s.manifestInFlight = false

	if r.err != nil {
		s.logger.Debug("load failed", "error", r.err)
		s.loadRetryAt = s.retryAt(time.Now())
		return nil
	}

	if err := s.log.BeginTransfer(); err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	s.raiseMasterLatest(r.manifest.Latest)

	chunks := r.manifest.Chunks()
	s.logger.Info("received manifest", "files", len(r.manifest.Files), "chunks", len(chunks), "latest", r.manifest.Latest)
	if len(chunks) == 0 {
		return s.install()
	}
	s.pending.AddChunks(chunks)
	return nil
}

func (s *slave) onChunk(r chunkResult) error {
	s.inflight--
	if r.gen != s.gen {
		return nil
	}

	switch {
	case errors.Is(r.err, dberrors.ErrLogRemoved):
		// the file set changed under us; start over with a fresh manifest
		s.loading = false
		s.startLoad()
		return nil
	case r.err != nil:
		s.pending.FailChunk(r.chunk, s.retryAt(time.Now()))
		return nil
	case int64(len(r.data)) != r.chunk.End-r.chunk.Begin:
		s.logger.Warn("short chunk", "file", r.chunk.File, "begin", r.chunk.Begin, "got", len(r.data))
		s.pending.FailChunk(r.chunk, s.retryAt(time.Now()))
		return nil
	}

	if err := s.log.WriteChunk(r.chunk.File, r.chunk.Begin, r.data); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	s.pending.ChunkDone(r.chunk)

	if s.pending.Chunks() == 0 {
		return s.install()
	}
	return nil
}

func (s *slave) install() error {
	latest, err := s.log.InstallTransfer()
	if err != nil {
		return fmt.Errorf("install transfer: %w", err)
	}
	if err := s.applier.Rebuild(); err != nil {
		return fmt.Errorf("rebuild after transfer: %w", err)
	}

	s.loading = false
	s.gen++
	s.logger.Info("state transfer complete", "latest", latest)

	if err := s.drain(); err != nil {
		return err
	}
	s.ack(s.log.LatestLSN())
	return nil
}

func (s *slave) onState(r stateResult) {
	s.stateInFlight = false
	if r.err != nil {
		s.logger.Debug("state request failed", "error", r.err)
		s.stateRetryAt = s.retryAt(time.Now())
		return
	}
	s.stateRetryAt = time.Time{}
	s.raiseMasterLatest(r.latest)
	s.masterKnown = true
}

// reconcile starts catch-up when the source is known to be ahead and nothing is underway.
func (s *slave) reconcile(latest types.LSN) {
	if !s.masterKnown || !latest.Less(s.masterLatest) || !s.pending.Empty() || s.held.Len() > 0 {
		return
	}
	if s.masterLatest.ViewID == latest.ViewID {
		s.pending.AddRange(latest.Next(), s.masterLatest)
		return
	}
	s.startLoad()
}

func (s *slave) schedule(now time.Time) error {
	latest := s.log.LatestLSN()
	if !s.loading {
		s.pending.Prune(latest)
		s.reconcile(latest)
	}

	if s.loading {
		if s.pending.Chunks() == 0 && !s.manifestInFlight && !now.Before(s.loadRetryAt) && s.inflight < s.cfg.MaxInflightFetches {
			s.requestManifest(latest)
		}
		for s.inflight < s.cfg.MaxInflightFetches {
			c, ok := s.pending.NextChunk(now)
			if !ok {
				break
			}
			s.requestChunk(c)
		}
	} else {
		for s.inflight < s.cfg.MaxInflightFetches {
			from, to, ok := s.pending.NextRange(now, s.cfg.MaxEntriesPerFetch)
			if !ok {
				break
			}
			s.requestFetch(from, to)
		}
	}

	switch {
	case s.stateInFlight:
	case now.Before(s.stateRetryAt):
	case !s.master.IsZero() && now.Sub(s.lastHeartbeat) >= s.cfg.HeartbeatInterval:
		s.heartbeat(now, latest)
	case !s.masterKnown:
		s.requestState()
	}
	return nil
}

func (s *slave) checkCaughtUp() {
	if s.caughtUp || !s.masterKnown || s.loading || !s.pending.Empty() || s.held.Len() > 0 {
		return
	}
	if s.log.LatestLSN().Less(s.masterLatest) {
		return
	}
	s.caughtUp = true
	s.logger.Info("caught up", "latest", s.log.LatestLSN())
	if s.onCaughtUp != nil {
		s.onCaughtUp()
	}
}

func (s *slave) call(msg protocol.Message, to types.PeerAddr) (protocol.Message, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FetchTimeout)
	defer cancel()
	return s.transport.Call(ctx, to, msg)
}

func (s *slave) requestFetch(from, to types.LSN) {
	s.inflight++
	gen := s.gen
	go func() {
		rp, err := protocol.Expect[protocol.FetchResponse](s.call(protocol.Fetch{From: from, To: to}, s.source))
		s.post(fetchResult{gen: gen, from: from, entries: rp.Entries, err: err})
	}()
}

func (s *slave) requestManifest(latest types.LSN) {
	s.inflight++
	s.manifestInFlight = true
	gen := s.gen
	go func() {
		rp, err := protocol.Expect[protocol.LoadResponse](s.call(protocol.Load{Latest: latest}, s.source))
		s.post(manifestResult{gen: gen, manifest: rp.Manifest, err: err})
	}()
}

func (s *slave) requestChunk(c types.Chunk) {
	s.inflight++
	gen := s.gen
	go func() {
		rp, err := protocol.Expect[protocol.ChunkResponse](s.call(protocol.ChunkRequest{Chunk: c}, s.source))
		s.post(chunkResult{gen: gen, chunk: c, data: rp.Data, err: err})
	}()
}

func (s *slave) requestState() {
	s.stateInFlight = true
	go func() {
		rp, err := protocol.Expect[protocol.StateResponse](s.call(protocol.StateRequest{}, s.source))
		s.post(stateResult{latest: rp.Latest, err: err})
	}()
}

// heartbeat reports the local LSN to the master, which counts it as an ack, and learns the
// master's latest LSN in return.
func (s *slave) heartbeat(now time.Time, latest types.LSN) {
	s.stateInFlight = true
	s.lastHeartbeat = now
	master := s.master
	go func() {
		rp, err := protocol.Expect[protocol.HeartbeatResponse](s.call(protocol.Heartbeat{Latest: latest}, master))
		s.post(stateResult{latest: rp.Latest, err: err})
	}()
}
