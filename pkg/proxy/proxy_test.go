package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/failover"
	"lsmrepl/pkg/op"
	"lsmrepl/pkg/transport"
	"lsmrepl/pkg/types"

	"github.com/stretchr/testify/require"
)

// fakeLocal записывает выполненные операции
type fakeLocal struct {
	mu   sync.Mutex
	ops  []op.Operation
	gate *failover.Gate

	inFlightDuringWait atomic.Int32
	waitErr            error
}

func (f *fakeLocal) Commit(_ context.Context, o op.Operation) (op.Result, Wait, error) {
	f.mu.Lock()
	f.ops = append(f.ops, o)
	f.mu.Unlock()

	if !o.IsWrite() {
		return op.Result{Value: []byte("v"), Found: true}, nil, nil
	}
	return op.Result{LSN: types.NewLSN(1, 1)}, func(context.Context) error {
		f.inFlightDuringWait.Store(int32(f.gate.InFlight()))
		return f.waitErr
	}, nil
}

func (f *fakeLocal) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ops)
}

type testNode struct {
	role  atomic.Pointer[failover.Role]
	gate  *failover.Gate
	local *fakeLocal
	proxy *Proxy
}

func newTestNode(t *testing.T, net *transport.Network, addr types.PeerAddr, role failover.Role) *testNode {
	t.Helper()
	policy, err := NewPolicy([]string{"insert", "db_modification", "snapshot"})
	require.NoError(t, err)

	n := &testNode{gate: failover.NewGate("user", 50*time.Millisecond)}
	n.gate.Unlock()
	n.local = &fakeLocal{gate: n.gate}
	n.role.Store(&role)
	n.proxy = New(policy, func() failover.Role { return *n.role.Load() }, n.gate, n.local, net.Transport(addr))
	net.Attach(addr, n.proxy)
	return n
}

func insert() op.Operation {
	return op.New(op.Insert, "default", []byte("k"), []byte("v"))
}

func TestProxy_MasterExecutesLocally(t *testing.T) {
	net := transport.NewNetwork()
	m := newTestNode(t, net, "m", failover.Role{Kind: failover.RoleMaster, Master: "m"})

	res, err := m.proxy.Execute(context.Background(), insert())
	require.NoError(t, err)
	require.Equal(t, types.NewLSN(1, 1), res.LSN)
	require.Equal(t, 1, m.local.count())

	// the permit is given back before waiting for replication
	require.Zero(t, m.local.inFlightDuringWait.Load())
	require.Zero(t, m.gate.InFlight())
}

func TestProxy_ReplicationFailureSurfaces(t *testing.T) {
	net := transport.NewNetwork()
	m := newTestNode(t, net, "m", failover.Role{Kind: failover.RoleMaster, Master: "m"})
	m.local.waitErr = dberrors.ErrReplicationFailure

	res, err := m.proxy.Execute(context.Background(), insert())
	require.ErrorIs(t, err, dberrors.ErrReplicationFailure)
	require.Equal(t, types.NewLSN(1, 1), res.LSN, "the write is committed locally anyway")
}

func TestProxy_SlaveForwardsRestricted(t *testing.T) {
	net := transport.NewNetwork()
	m := newTestNode(t, net, "m", failover.Role{Kind: failover.RoleMaster, Master: "m"})
	s := newTestNode(t, net, "s", failover.Role{Kind: failover.RoleSlave, Master: "m"})

	res, err := s.proxy.Execute(context.Background(), insert())
	require.NoError(t, err)
	require.Equal(t, types.NewLSN(1, 1), res.LSN)
	require.Equal(t, 1, m.local.count())
	require.Zero(t, s.local.count())

	// reads are not restricted and stay local
	get := op.New(op.Get, "default", []byte("k"), nil)
	res, err = s.proxy.Execute(context.Background(), get)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, 1, s.local.count())
}

func TestProxy_NoMaster(t *testing.T) {
	net := transport.NewNetwork()
	n := newTestNode(t, net, "n", failover.Role{Kind: failover.RoleUnknown})

	_, err := n.proxy.Execute(context.Background(), insert())
	require.ErrorIs(t, err, dberrors.ErrNoMaster)
	require.True(t, dberrors.Retryable(err))
	require.Zero(t, n.local.count())
}

func TestProxy_RedirectFailure(t *testing.T) {
	net := transport.NewNetwork()
	s := newTestNode(t, net, "s", failover.Role{Kind: failover.RoleSlave, Master: "gone"})

	_, err := s.proxy.Execute(context.Background(), insert())
	require.ErrorIs(t, err, dberrors.ErrRedirectFailure)
	require.Equal(t, dberrors.CodeRedirectFailure, dberrors.CodeOf(err))
}

func TestProxy_FormerMasterRefusesForwarded(t *testing.T) {
	net := transport.NewNetwork()
	old := newTestNode(t, net, "old", failover.Role{Kind: failover.RoleSlave, Master: "s"})
	s := newTestNode(t, net, "s", failover.Role{Kind: failover.RoleSlave, Master: "old"})

	_, err := s.proxy.Execute(context.Background(), insert())
	require.ErrorIs(t, err, dberrors.ErrNoMaster)
	require.Zero(t, old.local.count())
	require.Zero(t, s.local.count())
}

func TestProxy_LockedGate(t *testing.T) {
	net := transport.NewNetwork()
	m := newTestNode(t, net, "m", failover.Role{Kind: failover.RoleMaster, Master: "m"})
	m.gate.Lock()

	_, err := m.proxy.Execute(context.Background(), insert())
	require.ErrorIs(t, err, dberrors.ErrUnavailable)
	require.Zero(t, m.local.count())
}

func TestProxy_InvalidOperation(t *testing.T) {
	net := transport.NewNetwork()
	m := newTestNode(t, net, "m", failover.Role{Kind: failover.RoleMaster, Master: "m"})

	_, err := m.proxy.Execute(context.Background(), op.New(op.Insert, "default", nil, nil))
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestPolicy(t *testing.T) {
	p, err := NewPolicy([]string{"insert"})
	require.NoError(t, err)
	require.True(t, p.Restricted(op.CategoryInsert))
	require.False(t, p.Restricted(op.CategoryRead))

	_, err = NewPolicy([]string{"everything"})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}
