package timesync

import (
	"context"
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
)

// Guard periodically compares the local clock with every peer. Once an offset beyond tolerance
// is measured it reports drift exactly once and stops probing.
type Guard struct {
	*listener.Listener[time.Time]

	local     types.PeerAddr
	peers     []types.PeerAddr
	transport transport.Transport
	clock     clock.Source
	tolerance time.Duration
	logger    *slog.Logger

	ticker  *time.Ticker
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	onDrift func(error)
}

func NewGuard(
	local types.PeerAddr,
	peers []types.PeerAddr,
	tr transport.Transport,
	clk clock.Source,
	tolerance, interval time.Duration,
	driftDetected func(error),
) *Guard {
	g := &Guard{
		local:     local,
		peers:     peers,
		transport: tr,
		clock:     clk,
		tolerance: tolerance,
		logger:    slog.Default().With("component", "timesync", "node", local),
		ticker:    time.NewTicker(interval),
		ctx:       context.Background(),
		cancel:    func() {},
		onDrift:   driftDetected,
	}
	g.Listener = listener.New(g.ticker.C, g.tick, g.fire)
	return g
}

func (g *Guard) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Listener.Start(g.ctx)
}

func (g *Guard) Shutdown() {
	g.cancel()
	g.ticker.Stop()
	g.Listener.Stop()
}

func (g *Guard) fire(err error) {
	g.once.Do(func() {
		g.logger.Error("clock drift detected", "error", err)
		g.onDrift(err)
	})
}

func (g *Guard) tick(time.Time) error {
	return g.Probe(g.ctx)
}

// Probe measures every reachable peer once. Unreachable peers are skipped.
func (g *Guard) Probe(ctx context.Context) error {
	for _, peer := range g.peers {
		if peer == g.local {
			continue
		}
		offset, rtt, err := g.measure(ctx, peer)
		if err != nil {
			g.logger.Debug("time probe failed", "peer", peer, "error", err)
			continue
		}

		// the true offset lies within rtt/2 of the estimate
		if abs(offset)-rtt/2 > g.tolerance {
			return fmt.Errorf("%w: offset to %s is %s (rtt %s, tolerance %s)",
				dberrors.ErrDriftDetected, peer, offset, rtt, g.tolerance)
		}
	}
	return nil
}

func (g *Guard) measure(ctx context.Context, peer types.PeerAddr) (time.Duration, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, g.tolerance+time.Second)
	defer cancel()

	sent := g.clock.Now()
	rp, err := protocol.Expect[protocol.TimeResponse](g.transport.Call(ctx, peer, protocol.TimeRequest{}))
	if err != nil {
		return 0, 0, err
	}
	received := g.clock.Now()

	rtt := received.Sub(sent)
	mid := sent.Add(rtt / 2)
	return rp.Time().Sub(mid), rtt, nil
}

// OnMessage answers time requests with the local clock.
func (g *Guard) OnMessage(_ context.Context, _ types.PeerAddr, msg protocol.Message) (protocol.Message, error) {
	if _, ok := msg.(protocol.TimeRequest); !ok {
		return nil, fmt.Errorf("%w: unexpected time message %s", dberrors.ErrInvalidArgument, msg.Kind())
	}
	return protocol.TimeResponse{UnixNano: g.clock.Now().UnixNano()}, nil
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
