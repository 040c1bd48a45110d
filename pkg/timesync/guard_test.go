package timesync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"lsmrepl/pkg/clock"
	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/transport"
	"lsmrepl/pkg/types"

	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T, skew time.Duration, onDrift func(error)) (*Guard, *Guard) {
	t.Helper()
	net := transport.NewNetwork()
	peers := []types.PeerAddr{"a", "b"}

	a := NewGuard("a", peers, net.Transport("a"), clock.System, 100*time.Millisecond, 20*time.Millisecond, onDrift)
	b := NewGuard("b", peers, net.Transport("b"), clock.Offset{Base: clock.System, Delta: skew}, 100*time.Millisecond, time.Hour, func(error) {})
	net.Attach("a", transport.HandlerFunc(a.OnMessage))
	net.Attach("b", transport.HandlerFunc(b.OnMessage))
	return a, b
}

func TestGuard_ProbeWithinTolerance(t *testing.T) {
	a, _ := newPair(t, 30*time.Millisecond, func(error) {})
	require.NoError(t, a.Probe(context.Background()))
}

func TestGuard_ProbeDetectsDrift(t *testing.T) {
	a, _ := newPair(t, -time.Second, func(error) {})
	err := a.Probe(context.Background())
	require.True(t, errors.Is(err, dberrors.ErrDriftDetected))
}

func TestGuard_FiresOnceAndStops(t *testing.T) {
	var fired atomic.Int32
	a, _ := newPair(t, 2*time.Second, func(err error) {
		require.ErrorIs(t, err, dberrors.ErrDriftDetected)
		fired.Add(1)
	})

	a.Start(context.Background())
	defer a.Shutdown()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())
}

func TestGuard_IgnoresUnreachablePeers(t *testing.T) {
	net := transport.NewNetwork()
	g := NewGuard("a", []types.PeerAddr{"a", "gone"}, net.Transport("a"), clock.System,
		100*time.Millisecond, time.Hour, func(error) {})
	require.NoError(t, g.Probe(context.Background()))
}
