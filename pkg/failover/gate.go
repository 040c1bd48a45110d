package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lsmrepl/pkg/dberrors"
)

// Gate guards one service surface. Requests hold a permit while they run; a locked gate admits
// nobody new and Drain waits for the permits already handed out.
type Gate struct {
	name string
	wait time.Duration

	mu      sync.Mutex
	locked  bool
	opened  chan struct{} // closed on unlock
	permits int
	drained chan struct{} // closed when permits drops to zero
}

// NewGate returns a locked gate. Acquire waits at most wait for it to open.
func NewGate(name string, wait time.Duration) *Gate {
	return &Gate{
		name:   name,
		wait:   wait,
		locked: true,
		opened: make(chan struct{}),
	}
}

// Acquire blocks while the gate is locked. The returned release must be called exactly once;
// extra calls are ignored.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(g.wait)
	defer timer.Stop()

	for {
		g.mu.Lock()
		if !g.locked {
			g.permits++
			g.mu.Unlock()

			var once sync.Once
			return func() { once.Do(g.release) }, nil
		}
		opened := g.opened
		g.mu.Unlock()

		select {
		case <-opened:
		case <-timer.C:
			return nil, fmt.Errorf("%s gate locked for %s: %w", g.name, g.wait, dberrors.ErrUnavailable)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.permits--
	if g.permits == 0 && g.drained != nil {
		close(g.drained)
		g.drained = nil
	}
}

// Lock stops admitting new permits. It does not wait; see Drain.
func (g *Gate) Lock() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.locked {
		g.locked = true
		g.opened = make(chan struct{})
	}
}

// Drain waits until every permit handed out before now is released.
func (g *Gate) Drain(ctx context.Context) error {
	g.mu.Lock()
	if g.permits == 0 {
		g.mu.Unlock()
		return nil
	}
	if g.drained == nil {
		g.drained = make(chan struct{})
	}
	drained := g.drained
	g.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s gate drain: %w", g.name, ctx.Err())
	}
}

func (g *Gate) Unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.locked {
		g.locked = false
		close(g.opened)
	}
}

func (g *Gate) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked
}

func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.permits
}
