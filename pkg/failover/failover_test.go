package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/types"

	"github.com/stretchr/testify/require"
)

func TestGate_AcquireWaitsForUnlock(t *testing.T) {
	g := NewGate("user", time.Second)
	require.True(t, g.Locked())

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Unlock()
	}()

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, g.InFlight())
	release()
	release()
	require.Equal(t, 0, g.InFlight())
}

func TestGate_AcquireTimesOut(t *testing.T) {
	g := NewGate("user", 20*time.Millisecond)
	_, err := g.Acquire(context.Background())
	require.True(t, errors.Is(err, dberrors.ErrUnavailable))
}

func TestGate_DrainWaitsForPermits(t *testing.T) {
	g := NewGate("replication", time.Second)
	g.Unlock()

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	g.Lock()
	done := make(chan error, 1)
	go func() { done <- g.Drain(context.Background()) }()

	select {
	case <-done:
		t.Fatal("drain returned while a permit is held")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	require.NoError(t, <-done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type change struct {
	master types.PeerAddr
	epoch  uint64
}

type fakeShipping struct {
	mu      sync.Mutex
	changes []change
	syncErr error
	block   chan struct{}
}

func (f *fakeShipping) ChangeMaster(master types.PeerAddr, epoch uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change{master: master, epoch: epoch})
}

func (f *fakeShipping) Synchronize(ctx context.Context) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.syncErr
}

func (f *fakeShipping) last() change {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.changes) == 0 {
		return change{}
	}
	return f.changes[len(f.changes)-1]
}

func (f *fakeShipping) masters() []types.PeerAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []types.PeerAddr
	for _, c := range f.changes {
		res = append(res, c.master)
	}
	return res
}

func newController(t *testing.T, ship *fakeShipping, reset func()) *Controller {
	t.Helper()
	if reset == nil {
		reset = func() {}
	}
	c := NewController(Config{
		Local:       "self",
		SyncTimeout: time.Second,
		GateWait:    100 * time.Millisecond,
	}, ship, reset, func(err error) { t.Errorf("controller crashed: %v", err) })
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c
}

func TestController_BecomeMaster(t *testing.T) {
	ship := &fakeShipping{}
	c := newController(t, ship, nil)

	c.UpdateLeaseHolder("self")
	require.Eventually(t, func() bool { return c.Role().Kind == RoleMaster }, time.Second, 5*time.Millisecond)
	require.False(t, c.UserGate().Locked())
	require.False(t, c.ReplicationGate().Locked())
	require.Equal(t, types.PeerAddr("self"), ship.last().master)

	select {
	case <-c.Ready():
	default:
		t.Fatal("controller not ready after becoming master")
	}
}

func TestController_SyncFailureResetsLease(t *testing.T) {
	ship := &fakeShipping{syncErr: errors.New("peer ahead unreachable")}
	resets := make(chan struct{}, 1)
	c := newController(t, ship, func() { resets <- struct{}{} })

	c.UpdateLeaseHolder("self")
	select {
	case <-resets:
	case <-time.After(time.Second):
		t.Fatal("lease not reset")
	}

	require.Equal(t, RoleUnknown, c.Role().Kind)
	require.True(t, c.UserGate().Locked())
	require.Equal(t, types.NoPeer, ship.last().master)
}

func TestController_SlaveOpensAfterCatchUp(t *testing.T) {
	ship := &fakeShipping{}
	c := newController(t, ship, nil)

	c.UpdateLeaseHolder("m1")
	require.Eventually(t, func() bool {
		return c.Role() == Role{Kind: RoleSlave, Master: "m1"} && !c.ReplicationGate().Locked()
	}, time.Second, 5*time.Millisecond)
	require.True(t, c.UserGate().Locked())

	epoch := ship.last().epoch

	// a report from an older epoch is ignored
	c.OnCaughtUp("m1", epoch-1)
	require.True(t, c.UserGate().Locked())

	c.OnCaughtUp("m1", epoch)
	require.False(t, c.UserGate().Locked())

	// lease lapses: nobody is served
	c.UpdateLeaseHolder(types.NoPeer)
	require.Eventually(t, func() bool { return c.Role().Kind == RoleUnknown }, time.Second, 5*time.Millisecond)
	require.True(t, c.UserGate().Locked())
	require.True(t, c.ReplicationGate().Locked())
}

func TestController_CoalescesEventsDuringTransition(t *testing.T) {
	ship := &fakeShipping{block: make(chan struct{})}
	c := newController(t, ship, nil)

	c.UpdateLeaseHolder("self")
	require.Eventually(t, func() bool {
		return ship.last().master == "self"
	}, time.Second, 5*time.Millisecond)

	// the transition is stuck in synchronization; newer events pile up
	c.UpdateLeaseHolder("b")
	c.UpdateLeaseHolder("c")
	c.UpdateLeaseHolder("d")
	require.Equal(t, RoleUnknown, c.Role().Kind)

	close(ship.block)

	require.Eventually(t, func() bool {
		return c.Role() == Role{Kind: RoleSlave, Master: "d"}
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []types.PeerAddr{"self", "d"}, ship.masters())
}

func TestController_TransitionWaitsForRunningRequests(t *testing.T) {
	ship := &fakeShipping{}
	c := newController(t, ship, nil)

	c.UpdateLeaseHolder("self")
	require.Eventually(t, func() bool { return !c.UserGate().Locked() }, time.Second, 5*time.Millisecond)

	release, err := c.UserGate().Acquire(context.Background())
	require.NoError(t, err)

	c.UpdateLeaseHolder("b")
	// several gate_wait periods pass and the request is still not preempted
	time.Sleep(350 * time.Millisecond)
	require.Equal(t, types.PeerAddr("self"), ship.last().master)
	require.Equal(t, 1, c.UserGate().InFlight())

	release()
	require.Eventually(t, func() bool {
		return ship.last().master == "b"
	}, time.Second, 5*time.Millisecond)
}
