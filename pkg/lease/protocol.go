package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lsmrepl/pkg/clock"
	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/listener"
	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/transport"
	"lsmrepl/pkg/types"

	"github.com/zhangyunhao116/fastrand"
)

var errPersistence = errors.New("lease record not persisted")

type Config struct {
	Local         types.PeerAddr
	Participants  []types.PeerAddr
	Timeout       time.Duration
	RenewInterval time.Duration
	MaxDrift      time.Duration
}

// cell is the acceptor and proposer state of one lease cell.
type cell struct {
	promised protocol.Ballot
	accepted protocol.Ballot
	lease    types.Lease

	lastBallot  int64
	quietUntil  time.Time
	suspendedTo time.Time
	nextAttempt time.Time
}

// Protocol runs Flease for a set of cells: every participant is an acceptor, and a participant
// proposes itself whenever it sees no valid holder or has to renew its own term.
type Protocol struct {
	*listener.Listener[time.Time]

	cfg       Config
	transport transport.Transport
	clock     clock.Source
	store     *Store
	persister Persister
	logger    *slog.Logger

	mu    sync.Mutex
	cells map[string]*cell

	ctx    context.Context
	cancel context.CancelFunc
	ticker *time.Ticker
}

func New(
	cfg Config,
	tr transport.Transport,
	clk clock.Source,
	store *Store,
	persister Persister,
	crashHandler func(error),
) *Protocol {
	if persister == nil {
		persister = NopPersister{}
	}

	check := cfg.RenewInterval / 4
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}

	p := &Protocol{
		cfg:       cfg,
		transport: tr,
		clock:     clk,
		store:     store,
		persister: persister,
		logger:    slog.Default().With("component", "lease", "node", cfg.Local),
		cells:     make(map[string]*cell),
		ticker:    time.NewTicker(check),
		ctx:       context.Background(),
		cancel:    func() {},
	}
	p.Listener = listener.New(p.ticker.C, p.tick, crashHandler)
	return p
}

func (p *Protocol) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.Listener.Start(p.ctx)
}

// Stop halts renewals for good. The lease held by this node, if any, lapses on its own.
func (p *Protocol) Stop() {
	p.cancel()
	p.ticker.Stop()
	p.Listener.Stop()
}

func (p *Protocol) quorum() int {
	return len(p.cfg.Participants)/2 + 1
}

// Open starts taking part in cell. Without a persisted record saying the last lease is over,
// the acceptor keeps quiet for one lease timeout: it may have promised something before a restart.
func (p *Protocol) Open(name string) error {
	rec, ok, err := p.persister.Load(name)
	if err != nil {
		return fmt.Errorf("load lease record %q: %w", name, err)
	}

	now := p.clock.Now()
	c := &cell{quietUntil: now.Add(p.cfg.Timeout)}
	if ok {
		c.promised = rec.Promised
		c.accepted = rec.Accepted
		c.lease = rec.Lease(name)
		c.lastBallot = rec.Promised.Number
		if expiry := c.lease.End.Add(p.cfg.MaxDrift); c.lease.IsEmpty() || expiry.Before(now) {
			c.quietUntil = time.Time{}
		} else if expiry.Before(c.quietUntil) {
			c.quietUntil = expiry
		}
	}

	p.mu.Lock()
	p.cells[name] = c
	p.mu.Unlock()

	p.logger.Info("lease cell opened", "cell", name, "quiet_until", c.quietUntil)
	return nil
}

func (p *Protocol) Close(name string) {
	p.mu.Lock()
	delete(p.cells, name)
	p.mu.Unlock()
	p.store.Remove(name)
}

func (p *Protocol) CurrentHolder(name string) types.PeerAddr {
	return p.store.Holder(name)
}

// Reset forgets the notified holder and keeps this node from proposing for one lease period,
// so that another participant can take over.
func (p *Protocol) Reset(name string) {
	p.mu.Lock()
	if c, ok := p.cells[name]; ok {
		c.suspendedTo = p.clock.Now().Add(p.cfg.Timeout)
	}
	p.mu.Unlock()

	p.store.Forget(name)
	p.logger.Warn("lease reset", "cell", name)
}

func (p *Protocol) tick(time.Time) error {
	p.mu.Lock()
	names := make([]string, 0, len(p.cells))
	for name := range p.cells {
		names = append(names, name)
	}
	p.mu.Unlock()

	for _, name := range names {
		p.store.Evaluate(name)
		if !p.due(name) {
			continue
		}

		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.RenewInterval)
		l, err := p.ProposeOrRenew(ctx, name)
		cancel()

		switch {
		case errors.Is(err, errPersistence):
			return err
		case err != nil:
			p.logger.Debug("lease proposal failed", "cell", name, "error", err)
			p.setNextAttempt(name, time.Duration(fastrand.Int63n(int64(p.cfg.RenewInterval))+1))
		case l.Holder == p.cfg.Local:
			p.setNextAttempt(name, p.cfg.RenewInterval)
		default:
			p.setNextAttempt(name, 0)
		}
	}
	return nil
}

func (p *Protocol) due(name string) bool {
	now := p.clock.Now()

	p.mu.Lock()
	c, ok := p.cells[name]
	if !ok || now.Before(c.quietUntil) || now.Before(c.suspendedTo) || now.Before(c.nextAttempt) {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	holder := p.store.Holder(name)
	return holder.IsZero() || holder == p.cfg.Local
}

func (p *Protocol) setNextAttempt(name string, after time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cells[name]; ok {
		c.nextAttempt = p.clock.Now().Add(after)
	}
}

func (p *Protocol) nextBallot(name string, now time.Time) (protocol.Ballot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.cells[name]
	if !ok {
		return protocol.Ballot{}, fmt.Errorf("%w: lease cell %q not open", dberrors.ErrInvalidArgument, name)
	}
	if now.Before(c.quietUntil) {
		return protocol.Ballot{}, fmt.Errorf("lease cell %q quiet: %w", name, dberrors.ErrBusy)
	}

	n := now.UnixMilli()
	if n <= c.lastBallot {
		n = c.lastBallot + 1
	}
	if n <= c.promised.Number {
		n = c.promised.Number + 1
	}
	c.lastBallot = n
	return protocol.Ballot{Number: n, Proposer: p.cfg.Local}, nil
}

// ProposeOrRenew runs one prepare/accept round for cell. The chosen value is the lease
// reported by the acceptors if another holder still owns it, otherwise a fresh term for
// this node. On success the value is learned locally and sent to every participant.
func (p *Protocol) ProposeOrRenew(ctx context.Context, name string) (types.Lease, error) {
	now := p.clock.Now()
	ballot, err := p.nextBallot(name, now)
	if err != nil {
		return types.Lease{}, err
	}

	var (
		granted  int
		best     protocol.PrepareResponse
		version  uint64
		rejected protocol.Ballot
	)
	for _, res := range p.broadcast(ctx, protocol.Prepare{Cell: name, Ballot: ballot}) {
		if res.err != nil {
			if errors.Is(res.err, errPersistence) {
				return types.Lease{}, res.err
			}
			continue
		}
		rp, ok := res.msg.(protocol.PrepareResponse)
		if !ok {
			continue
		}
		if rp.Lease.Version > version {
			version = rp.Lease.Version
		}
		if !rp.OK {
			if rejected.Less(rp.Promised) {
				rejected = rp.Promised
			}
			continue
		}
		granted++
		if granted == 1 || best.Accepted.Less(rp.Accepted) {
			best = rp
		}
	}
	if granted < p.quorum() {
		p.observe(name, rejected)
		return types.Lease{}, fmt.Errorf("%w: prepare %v granted by %d of %d", dberrors.ErrBusy, ballot, granted, p.quorum())
	}

	value := best.Lease
	if value.IsEmpty() || value.Holder == p.cfg.Local || !now.Before(value.End.Add(p.cfg.MaxDrift)) {
		value = types.Lease{
			Cell:    name,
			Holder:  p.cfg.Local,
			Start:   now,
			End:     now.Add(p.cfg.Timeout),
			Version: version + 1,
		}
	}

	granted = 0
	for _, res := range p.broadcast(ctx, protocol.Accept{Cell: name, Ballot: ballot, Lease: value}) {
		if errors.Is(res.err, errPersistence) {
			return types.Lease{}, res.err
		}
		if rp, ok := res.msg.(protocol.AcceptResponse); ok && rp.OK {
			granted++
		}
	}
	if granted < p.quorum() {
		return types.Lease{}, fmt.Errorf("%w: accept %v granted by %d of %d", dberrors.ErrBusy, ballot, granted, p.quorum())
	}

	p.store.Update(value)
	p.learn(name, ballot, value)
	return value, nil
}

// observe remembers a higher promise so the next ballot beats it.
func (p *Protocol) observe(name string, b protocol.Ballot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cells[name]; ok && c.lastBallot < b.Number {
		c.lastBallot = b.Number
	}
}

func (p *Protocol) learn(name string, ballot protocol.Ballot, value types.Lease) {
	msg := protocol.Learn{Cell: name, Ballot: ballot, Lease: value}
	for _, peer := range p.cfg.Participants {
		if peer == p.cfg.Local {
			continue
		}
		go func(peer types.PeerAddr) {
			ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
			defer cancel()
			if err := p.transport.Notify(ctx, peer, msg); err != nil {
				p.logger.Debug("learn not delivered", "peer", peer, "error", err)
			}
		}(peer)
	}
}

type result struct {
	msg protocol.Message
	err error
}

func (p *Protocol) broadcast(ctx context.Context, msg protocol.Message) []result {
	res := make([]result, len(p.cfg.Participants))

	var wg sync.WaitGroup
	for i, peer := range p.cfg.Participants {
		wg.Add(1)
		go func(i int, peer types.PeerAddr) {
			defer wg.Done()
			if peer == p.cfg.Local {
				res[i].msg, res[i].err = p.OnMessage(ctx, peer, msg)
				return
			}
			res[i].msg, res[i].err = p.transport.Call(ctx, peer, msg)
		}(i, peer)
	}
	wg.Wait()

	return res
}

// OnMessage serves lease messages from any participant, including this one.
func (p *Protocol) OnMessage(_ context.Context, from types.PeerAddr, msg protocol.Message) (protocol.Message, error) {
	switch m := msg.(type) {
	case protocol.Prepare:
		return p.onPrepare(m)
	case protocol.Accept:
		return p.onAccept(m)
	case protocol.Learn:
		if p.store.Update(m.Lease) {
			p.logger.Debug("lease learned", "from", from, "holder", m.Lease.Holder, "version", m.Lease.Version)
		}
		return protocol.Empty{}, nil
	}
	return nil, fmt.Errorf("%w: unexpected lease message %s", dberrors.ErrInvalidArgument, msg.Kind())
}

func (p *Protocol) acceptor(name string) (*cell, error) {
	c, ok := p.cells[name]
	if !ok {
		return nil, fmt.Errorf("%w: lease cell %q not open", dberrors.ErrInvalidArgument, name)
	}
	if p.clock.Now().Before(c.quietUntil) {
		return nil, fmt.Errorf("lease cell %q quiet: %w", name, dberrors.ErrBusy)
	}
	return c, nil
}

func (p *Protocol) onPrepare(m protocol.Prepare) (protocol.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.acceptor(m.Cell)
	if err != nil {
		return nil, err
	}
	if m.Ballot.Less(c.promised) {
		return protocol.PrepareResponse{Cell: m.Cell, Ballot: m.Ballot, Promised: c.promised, Lease: c.lease}, nil
	}

	c.promised = m.Ballot
	if err := p.persist(m.Cell, c); err != nil {
		return nil, err
	}
	return protocol.PrepareResponse{
		Cell:     m.Cell,
		Ballot:   m.Ballot,
		OK:       true,
		Promised: c.promised,
		Accepted: c.accepted,
		Lease:    c.lease,
	}, nil
}

func (p *Protocol) onAccept(m protocol.Accept) (protocol.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.acceptor(m.Cell)
	if err != nil {
		return nil, err
	}
	if m.Ballot.Less(c.promised) {
		return protocol.AcceptResponse{Cell: m.Cell, Ballot: m.Ballot, Promised: c.promised}, nil
	}

	c.promised = m.Ballot
	c.accepted = m.Ballot
	c.lease = m.Lease
	if err := p.persist(m.Cell, c); err != nil {
		return nil, err
	}
	return protocol.AcceptResponse{Cell: m.Cell, Ballot: m.Ballot, OK: true, Promised: c.promised}, nil
}

func (p *Protocol) persist(name string, c *cell) error {
	if err := p.persister.Save(name, newRecord(c.promised, c.accepted, c.lease)); err != nil {
		return fmt.Errorf("%w: %v", errPersistence, err)
	}
	return nil
}
