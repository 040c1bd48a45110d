package failover

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"lsmrepl/pkg/listener"
	"lsmrepl/pkg/types"
)

type RoleKind uint8

const (
	RoleUnknown RoleKind = iota
	RoleMaster
	RoleSlave
)

func (k RoleKind) String() string {
	switch k {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	}
	return "unknown"
}

// Role is immutable; the controller swaps whole values.
type Role struct {
	Kind   RoleKind
	Master types.PeerAddr
}

func (r Role) String() string {
	if r.Kind == RoleSlave {
		return fmt.Sprintf("slave(%s)", r.Master)
	}
	return r.Kind.String()
}

// Shipping is the log shipping side the controller drives through a transition.
type Shipping interface {
	// ChangeMaster switches log shipping to follow master; the local address means "serve as
	// master", NoPeer means idle. Catch-up completion is reported with the same epoch.
	ChangeMaster(master types.PeerAddr, epoch uint64)
	// Synchronize brings the local log up to the most advanced reachable peer and opens a new view.
	Synchronize(ctx context.Context) error
}

type Config struct {
	Local       types.PeerAddr
	SyncTimeout time.Duration
	GateWait    time.Duration
}

// Controller serializes role transitions. Lease events land in a one-slot mailbox: a transition
// in progress finishes first and only the latest pending holder is applied after it.
type Controller struct {
	*listener.Listener[types.PeerAddr]

	cfg        Config
	shipping   Shipping
	resetLease func()
	logger     *slog.Logger

	mailbox chan types.PeerAddr
	role    atomic.Pointer[Role]

	// mu orders epoch changes against catch-up notifications
	mu    sync.Mutex
	epoch uint64

	userGate *Gate
	replGate *Gate

	ctx       context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
}

func NewController(cfg Config, shipping Shipping, resetLease func(), crashHandler func(error)) *Controller {
	c := &Controller{
		cfg:        cfg,
		shipping:   shipping,
		resetLease: resetLease,
		logger:     slog.Default().With("component", "failover", "node", cfg.Local),
		mailbox:    make(chan types.PeerAddr, 1),
		userGate:   NewGate("user", cfg.GateWait),
		replGate:   NewGate("replication", cfg.GateWait),
		ctx:        context.Background(),
		cancel:     func() {},
		ready:      make(chan struct{}),
	}
	c.role.Store(&Role{Kind: RoleUnknown})
	c.Listener = listener.New(c.mailbox, c.transition, crashHandler)
	return c
}

func (c *Controller) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.Listener.Start(c.ctx)
}

func (c *Controller) Stop() {
	c.cancel()
	c.Listener.Stop()
	c.userGate.Lock()
	c.replGate.Lock()
}

func (c *Controller) Role() Role {
	return *c.role.Load()
}

func (c *Controller) UserGate() *Gate        { return c.userGate }
func (c *Controller) ReplicationGate() *Gate { return c.replGate }

// Ready is closed once this node first settled as master or slave.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// UpdateLeaseHolder queues a holder change. It never blocks; an unprocessed older event is replaced.
func (c *Controller) UpdateLeaseHolder(holder types.PeerAddr) {
	for {
		select {
		case c.mailbox <- holder:
			return
		default:
		}
		select {
		case <-c.mailbox:
		default:
		}
	}
}

// OnCaughtUp opens the user surface of a slave whose log reached the master's latest LSN.
func (c *Controller) OnCaughtUp(master types.PeerAddr, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	role := c.Role()
	if epoch != c.epoch || role.Kind != RoleSlave || role.Master != master {
		return
	}
	if c.userGate.Locked() {
		c.userGate.Unlock()
		c.logger.Info("slave caught up, serving requests", "master", master)
	}
}

func (c *Controller) transition(holder types.PeerAddr) error {
	role := c.Role()
	switch {
	case holder.IsZero():
		if role.Kind == RoleUnknown && c.userGate.Locked() && c.replGate.Locked() {
			return nil
		}
		c.becomeUnknown()
	case holder == c.cfg.Local:
		if role.Kind == RoleMaster {
			return nil
		}
		c.becomeMaster()
	default:
		if role.Kind == RoleSlave && role.Master == holder {
			return nil
		}
		c.becomeSlave(holder)
	}
	return nil
}

// lockAll closes both surfaces, bumps the epoch and waits for admitted requests to finish.
func (c *Controller) lockAll(role Role) uint64 {
	c.mu.Lock()
	c.userGate.Lock()
	c.replGate.Lock()
	c.epoch++
	epoch := c.epoch
	c.role.Store(&role)
	c.mu.Unlock()

	for _, g := range []*Gate{c.userGate, c.replGate} {
		c.drain(g)
	}
	return epoch
}

// drain waits for every permit of g; running requests are never cut short. Only shutdown ends the wait.
func (c *Controller) drain(g *Gate) {
	for {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.GateWait)
		err := g.Drain(ctx)
		cancel()
		if err == nil || c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("still waiting for running requests", "gate", g.name, "in_flight", g.InFlight())
	}
}

func (c *Controller) becomeUnknown() {
	epoch := c.lockAll(Role{Kind: RoleUnknown})
	c.shipping.ChangeMaster(types.NoPeer, epoch)
	c.logger.Warn("no lease holder, requests suspended")
}

func (c *Controller) becomeMaster() {
	c.logger.Info("becoming master")

	epoch := c.lockAll(Role{Kind: RoleUnknown})
	c.shipping.ChangeMaster(c.cfg.Local, epoch)
	c.replGate.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SyncTimeout)
	err := c.shipping.Synchronize(ctx)
	cancel()

	if err != nil {
		c.logger.Error("synchronization failed, giving up the lease", "error", err)
		epoch = c.lockAll(Role{Kind: RoleUnknown})
		c.shipping.ChangeMaster(types.NoPeer, epoch)
		c.resetLease()
		return
	}

	c.role.Store(&Role{Kind: RoleMaster, Master: c.cfg.Local})
	c.userGate.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
	c.logger.Info("serving as master")
}

func (c *Controller) becomeSlave(master types.PeerAddr) {
	c.logger.Info("becoming slave", "master", master)

	epoch := c.lockAll(Role{Kind: RoleSlave, Master: master})
	c.shipping.ChangeMaster(master, epoch)
	c.replGate.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}
