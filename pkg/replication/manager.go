// Package replication assembles leasing, drift detection, failover, log shipping and the
// proxy into one node-level manager and supervises them.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"lsmrepl/pkg/clock"
	"lsmrepl/pkg/config"
	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/failover"
	"lsmrepl/pkg/kvstate"
	"lsmrepl/pkg/lease"
	"lsmrepl/pkg/op"
	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/proxy"
	"lsmrepl/pkg/shipping"
	"lsmrepl/pkg/timesync"
	"lsmrepl/pkg/transport"
	"lsmrepl/pkg/types"
	"lsmrepl/pkg/wal"
)

// LeaseCell is the lease whose holder is the master.
const LeaseCell = "master"

type Options struct {
	Config    config.ReplicationConfig
	Transport transport.Transport
	Log       *wal.WAL
	State     *kvstate.State
	// Clock defaults to clock.System.
	Clock clock.Source
	// Persister defaults to lease.NopPersister.
	Persister lease.Persister
}

type Manager struct {
	cfg          config.ReplicationConfig
	local        types.PeerAddr
	participants []types.PeerAddr
	log          *wal.WAL
	state        *kvstate.State
	transport    transport.Transport
	logger       *slog.Logger

	store      *lease.Store
	lease      *lease.Protocol
	guard      *timesync.Guard
	controller *failover.Controller
	shipping   *shipping.Service
	proxy      *proxy.Proxy

	// writeMu keeps log order, apply order and broadcast order identical
	writeMu sync.Mutex

	crashes   chan error
	fatal     chan error
	fatalOnce sync.Once
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

func New(opts Options) (*Manager, error) {
	cfg := opts.Config
	if opts.Clock == nil {
		opts.Clock = clock.System
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("replication config: %w", err)
	}
	policy, err := proxy.NewPolicy(cfg.MasterRestricted)
	if err != nil {
		return nil, fmt.Errorf("master restriction policy: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		local:     types.PeerAddr(cfg.LocalAddress),
		log:       opts.Log,
		state:     opts.State,
		transport: opts.Transport,
		logger:    slog.Default().With("component", "replication", "node", cfg.LocalAddress),
		crashes:   make(chan error, 8),
		fatal:     make(chan error, 1),
		cancel:    func() {},
	}
	for _, p := range cfg.Participants {
		m.participants = append(m.participants, types.PeerAddr(p))
	}
	var others []types.PeerAddr
	for _, p := range cfg.Slaves() {
		others = append(others, types.PeerAddr(p))
	}

	m.store = lease.NewStore(m.local, opts.Clock, cfg.MaxClockDrift, func(cell string, holder types.PeerAddr) {
		if cell == LeaseCell {
			m.controller.UpdateLeaseHolder(holder)
		}
	})
	m.lease = lease.New(lease.Config{
		Local:         m.local,
		Participants:  m.participants,
		Timeout:       cfg.LeaseTimeout,
		RenewInterval: cfg.LeaseRenewInterval,
		MaxDrift:      cfg.MaxClockDrift,
	}, opts.Transport, opts.Clock, m.store, opts.Persister, m.crashHandler("lease"))

	m.guard = timesync.NewGuard(m.local, others, opts.Transport, opts.Clock,
		cfg.MaxClockDrift, cfg.DriftProbeInterval, m.onDrift)

	m.shipping = shipping.New(shipping.FromConfig(cfg), opts.Log, applier{log: opts.Log, state: opts.State},
		opts.Transport, m.onCaughtUp, m.crashHandler("shipping"))

	m.controller = failover.NewController(failover.Config{
		Local:       m.local,
		SyncTimeout: cfg.SyncTimeout,
		GateWait:    cfg.GateWait,
	}, m.shipping, func() { m.lease.Reset(LeaseCell) }, m.crashHandler("failover"))

	m.proxy = proxy.New(policy, m.controller.Role, m.controller.UserGate(), m, opts.Transport)
	return m, nil
}

// Start rebuilds the state from the local log and joins the lease.
func (m *Manager) Start(ctx context.Context) error {
	if err := (applier{log: m.log, state: m.state}).Rebuild(); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	m.logger.Info("state recovered", "latest", m.log.LatestLSN(), "checkpoint", m.log.Checkpoint())

	if err := m.lease.Open(LeaseCell); err != nil {
		return err
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.shipping.Start(ctx)
	m.controller.Start(ctx)
	m.lease.Start(ctx)
	m.guard.Start(ctx)

	go m.supervise(ctx)
	m.logger.Info("replication started", "participants", m.participants, "mode", m.cfg.SyncMode)
	return nil
}

// Shutdown stops every component. The lease held by this node, if any, lapses on its own.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.guard.Shutdown()
		m.lease.Stop()
		m.controller.Stop()
		m.shipping.Shutdown()
		m.logger.Info("replication stopped")
	})
}

// Fatal delivers the cause of a supervisor shutdown, once.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// WaitForInitialFailover blocks until the node first settled as master or slave.
func (m *Manager) WaitForInitialFailover(ctx context.Context) error {
	select {
	case <-m.controller.Ready():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for initial failover: %w", ctx.Err())
	}
}

func (m *Manager) crashHandler(component string) func(error) {
	return func(err error) {
		select {
		case m.crashes <- fmt.Errorf("%s: %w", component, err):
		default:
		}
	}
}

// onDrift stops renewing right away; the rest is torn down by the supervisor.
func (m *Manager) onDrift(err error) {
	m.lease.Stop()
	m.crashHandler("timesync")(err)
}

func (m *Manager) supervise(ctx context.Context) {
	select {
	case err := <-m.crashes:
		m.logger.Error("replication component failed, shutting down", "error", err)
		m.fatalOnce.Do(func() { m.fatal <- err })
		m.Shutdown()
	case <-ctx.Done():
	}
}

func (m *Manager) onCaughtUp(master types.PeerAddr, epoch uint64) {
	m.controller.OnCaughtUp(master, epoch)
}

// CurrentMaster is the master this node follows or itself; NoPeer while the role is unknown.
func (m *Manager) CurrentMaster() types.PeerAddr {
	return m.controller.Role().Master
}

func (m *Manager) IsLocalAddress(addr types.PeerAddr) bool {
	return addr == m.local
}

// Replicate ships an entry the local log already holds. Only the master may call it.
func (m *Manager) Replicate(entry types.LogEntry) (*shipping.ReplicationRequest, error) {
	return m.shipping.Broadcast(entry)
}

func (m *Manager) Subscribe(req *shipping.ReplicationRequest, fn func(error)) {
	req.Subscribe(fn)
}

// Execute runs a client operation here or on the master, as the policy says.
func (m *Manager) Execute(ctx context.Context, o op.Operation) (op.Result, error) {
	return m.proxy.Execute(ctx, o)
}

func (m *Manager) State() *kvstate.State {
	return m.state
}

// Commit executes o against the local state. On the master a write is logged, applied and
// broadcast; the returned wait reports its replication outcome.
func (m *Manager) Commit(_ context.Context, o op.Operation) (op.Result, proxy.Wait, error) {
	if !o.IsWrite() {
		value, found, err := m.state.Get(o.DB, o.Key)
		if err != nil {
			return op.Result{}, nil, err
		}
		return op.Result{Value: value, Found: found, LSN: m.state.Applied()}, nil, nil
	}

	if m.controller.Role().Kind != failover.RoleMaster {
		// unrestricted write on a non-master: local state only, never logged
		if err := m.state.ApplyUnlogged(o); err != nil {
			return op.Result{}, nil, err
		}
		return op.Result{LSN: m.state.Applied()}, nil, nil
	}

	payload, err := o.Encode()
	if err != nil {
		return op.Result{}, nil, err
	}

	m.writeMu.Lock()
	if err := m.state.Check(o); err != nil {
		m.writeMu.Unlock()
		return op.Result{}, nil, err
	}
	entry, err := m.log.Append(payload)
	if err != nil {
		m.writeMu.Unlock()
		return op.Result{}, nil, fmt.Errorf("append %s: %w", o.Kind, err)
	}
	if err := m.state.Apply(entry); err != nil {
		m.writeMu.Unlock()
		return op.Result{LSN: entry.LSN}, nil, err
	}
	req, err := m.shipping.Broadcast(entry)
	m.writeMu.Unlock()

	res := op.Result{LSN: entry.LSN}
	if err != nil {
		return res, nil, fmt.Errorf("%w: %w", dberrors.ErrReplicationFailure, err)
	}
	return res, req.Wait, nil
}

// Handle dispatches peer messages. Live shipping traffic passes the replication gate; catch-up
// requests are served in any role.
func (m *Manager) Handle(ctx context.Context, from types.PeerAddr, msg protocol.Message) (protocol.Message, error) {
	switch msg.(type) {
	case protocol.Prepare, protocol.Accept, protocol.Learn:
		return m.lease.OnMessage(ctx, from, msg)

	case protocol.TimeRequest:
		return m.guard.OnMessage(ctx, from, msg)

	case protocol.Execute:
		return m.proxy.Handle(ctx, from, msg)

	case protocol.Replicate, protocol.Ack, protocol.Heartbeat:
		release, err := m.controller.ReplicationGate().Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
		return m.shipping.Handle(ctx, from, msg)

	case protocol.Fetch, protocol.Load, protocol.ChunkRequest, protocol.StateRequest:
		return m.shipping.Handle(ctx, from, msg)
	}
	return nil, fmt.Errorf("%w: unexpected message %s", dberrors.ErrInvalidArgument, msg.Kind())
}

// Status is a point-in-time view of the node for monitoring.
type Status struct {
	Node         types.PeerAddr               `json:"node"`
	Role         string                       `json:"role"`
	Master       types.PeerAddr               `json:"master"`
	LeaseHolder  types.PeerAddr               `json:"lease_holder"`
	LatestLSN    types.LSN                    `json:"latest_lsn"`
	LatestCommon types.LSN                    `json:"latest_common_lsn"`
	Checkpoint   types.LSN                    `json:"checkpoint"`
	Slaves       map[types.PeerAddr]types.LSN `json:"slaves,omitempty"`
	Databases    []string                     `json:"databases"`
}

func (m *Manager) Status() Status {
	role := m.controller.Role()
	return Status{
		Node:         m.local,
		Role:         role.Kind.String(),
		Master:       role.Master,
		LeaseHolder:  m.lease.CurrentHolder(LeaseCell),
		LatestLSN:    m.log.LatestLSN(),
		LatestCommon: m.shipping.LatestCommon(),
		Checkpoint:   m.log.Checkpoint(),
		Slaves:       m.shipping.SlaveStatus(),
		Databases:    m.state.Databases(),
	}
}

// applier feeds the log into the database state.
type applier struct {
	log   *wal.WAL
	state *kvstate.State
}

func (a applier) Apply(entry types.LogEntry) error {
	return a.state.Apply(entry)
}

// Rebuild drops the state and replays the whole log into it.
func (a applier) Rebuild() error {
	a.state.Reset()
	if err := a.log.Replay(types.LSN{}, a.state.Apply); err != nil {
		return fmt.Errorf("replay log: %w", err)
	}
	return nil
}
