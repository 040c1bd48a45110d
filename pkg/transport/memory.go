package transport

import (
	"context"
	"fmt"
	"sync"

	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/types"
)

// Network is an in-process message bus with partition control.
// Every message goes through the envelope codec so peers never share memory.
type Network struct {
	mu       sync.RWMutex
	handlers map[types.PeerAddr]Handler
	cut      map[[2]types.PeerAddr]bool
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[types.PeerAddr]Handler),
		cut:      make(map[[2]types.PeerAddr]bool),
	}
}

// Attach makes addr reachable and routes its messages to h.
func (n *Network) Attach(addr types.PeerAddr, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
}

func (n *Network) Detach(addr types.PeerAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, addr)
}

// Partition drops traffic between a and b in both directions.
func (n *Network) Partition(a, b types.PeerAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]types.PeerAddr{a, b}] = true
	n.cut[[2]types.PeerAddr{b, a}] = true
}

// Isolate cuts addr off from every peer known now.
func (n *Network) Isolate(addr types.PeerAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.handlers {
		if other != addr {
			n.cut[[2]types.PeerAddr{addr, other}] = true
			n.cut[[2]types.PeerAddr{other, addr}] = true
		}
	}
}

func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut = make(map[[2]types.PeerAddr]bool)
}

func (n *Network) Transport(local types.PeerAddr) *Memory {
	return &Memory{net: n, local: local}
}

func (n *Network) route(from, to types.PeerAddr) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.cut[[2]types.PeerAddr{from, to}] {
		return nil, fmt.Errorf("%w: %s: partitioned", ErrUnreachable, to)
	}
	h, ok := n.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s: not attached", ErrUnreachable, to)
	}
	return h, nil
}

// Memory is one participant's view of a Network.
type Memory struct {
	net   *Network
	local types.PeerAddr
}

func (m *Memory) Local() types.PeerAddr {
	return m.local
}

func (m *Memory) Call(ctx context.Context, to types.PeerAddr, msg protocol.Message) (protocol.Message, error) {
	h, err := m.net.route(m.local, to)
	if err != nil {
		return nil, err
	}

	in, err := roundTrip(m.local, msg)
	if err != nil {
		return nil, err
	}

	type answer struct {
		msg protocol.Message
		err error
	}
	done := make(chan answer, 1)
	go func() {
		res, err := h.Handle(ctx, m.local, in)
		done <- answer{msg: res, err: err}
	}()

	select {
	case a := <-done:
		if a.err != nil {
			return nil, protocol.WrapError(to, a.err).Err()
		}
		if a.msg == nil {
			return protocol.Empty{}, nil
		}
		// the answer can be lost on the way back as well
		if _, err := m.net.route(to, m.local); err != nil {
			return nil, err
		}
		return roundTrip(to, a.msg)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, to, ctx.Err())
	}
}

func (m *Memory) Notify(ctx context.Context, to types.PeerAddr, msg protocol.Message) error {
	return notify(ctx, m, to, msg)
}

func roundTrip(from types.PeerAddr, msg protocol.Message) (protocol.Message, error) {
	env, err := protocol.Wrap(from, msg)
	if err != nil {
		return nil, err
	}
	return env.Unwrap()
}
