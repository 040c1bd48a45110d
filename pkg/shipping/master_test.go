package shipping

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lsmrepl/pkg/config"
	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/types"

	"github.com/stretchr/testify/require"
)

type checkpointLog struct {
	Log
	mu          sync.Mutex
	checkpoints []types.LSN
}

func (l *checkpointLog) TriggerCheckpointAt(lsn types.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoints = append(l.checkpoints, lsn)
	return nil
}

func dropSends(context.Context, types.PeerAddr, protocol.Message) error { return nil }

func lsn(seq uint64) types.LSN { return types.NewLSN(1, seq) }

func TestMaster_LatestCommonNeverMovesBack(t *testing.T) {
	log := &checkpointLog{}
	m := newMaster(context.Background(), testConfig("a", config.SyncSync, 0, "a", "b", "c"), log, dropSends)
	defer m.stop()

	m.onAck("b", lsn(5))
	require.Equal(t, types.LSN{}, m.common())
	m.onAck("c", lsn(4))
	require.Equal(t, lsn(4), m.common())

	// a stale ack does not pull anything back
	m.onAck("c", lsn(2))
	require.Equal(t, lsn(4), m.common())
	m.onAck("c", lsn(7))
	require.Equal(t, lsn(5), m.common())

	require.Equal(t, []types.LSN{lsn(4), lsn(5)}, log.checkpoints)
}

func TestMaster_NSyncCommon(t *testing.T) {
	log := &checkpointLog{}
	m := newMaster(context.Background(), testConfig("a", config.SyncN, 2, "a", "b", "c", "d"), log, dropSends)
	defer m.stop()

	m.onAck("b", lsn(9))
	m.onAck("c", lsn(3))
	require.Equal(t, lsn(3), m.common())
	m.onAck("d", lsn(6))
	require.Equal(t, lsn(6), m.common())

	m.onAck("x", lsn(100))
	require.Equal(t, lsn(6), m.common())
}

func TestMaster_SingleNodeCommonFollowsWrites(t *testing.T) {
	log := &checkpointLog{}
	m := newMaster(context.Background(), testConfig("a", config.SyncSync, 0, "a"), log, dropSends)
	defer m.stop()

	req := m.broadcast(types.NewLogEntry(lsn(1), []byte("x")))
	require.True(t, req.Settled())
	require.NoError(t, req.Err())
	require.Equal(t, lsn(1), m.common())
}

func TestMaster_CumulativeAck(t *testing.T) {
	m := newMaster(context.Background(), testConfig("a", config.SyncN, 1, "a", "b", "c"), &checkpointLog{}, dropSends)
	defer m.stop()

	var reqs []*ReplicationRequest
	for i := uint64(1); i <= 3; i++ {
		reqs = append(reqs, m.broadcast(types.NewLogEntry(lsn(i), []byte("x"))))
	}
	m.onAck("b", lsn(2))

	require.NoError(t, reqs[0].Wait(context.Background()))
	require.NoError(t, reqs[1].Wait(context.Background()))
	require.False(t, reqs[2].Settled())
	require.Equal(t, 1, m.requests.Len())
}

func TestMaster_AckTimeout(t *testing.T) {
	cfg := testConfig("a", config.SyncSync, 0, "a", "b")
	cfg.AckTimeout = 30 * time.Millisecond
	m := newMaster(context.Background(), cfg, &checkpointLog{}, dropSends)
	defer m.stop()

	req := m.broadcast(types.NewLogEntry(lsn(1), []byte("x")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, req.Wait(ctx), dberrors.ErrReplicationFailure)
}

func TestMaster_SendFailureFailsEarly(t *testing.T) {
	fail := func(_ context.Context, to types.PeerAddr, _ protocol.Message) error {
		if to == "c" {
			return errors.New("connection refused")
		}
		return nil
	}
	m := newMaster(context.Background(), testConfig("a", config.SyncSync, 0, "a", "b", "c"), &checkpointLog{}, fail)
	defer m.stop()

	req := m.broadcast(types.NewLogEntry(lsn(1), []byte("x")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, req.Wait(ctx), dberrors.ErrReplicationFailure)
}

func TestMaster_SendFailureAfterAckFailsEarly(t *testing.T) {
	release := make(chan struct{})
	send := func(_ context.Context, to types.PeerAddr, _ protocol.Message) error {
		if to != "c" {
			return nil
		}
		<-release
		return errors.New("connection refused")
	}
	cfg := testConfig("a", config.SyncSync, 0, "a", "b", "c")
	cfg.AckTimeout = 10 * time.Second
	m := newMaster(context.Background(), cfg, &checkpointLog{}, send)
	defer m.stop()

	req := m.broadcast(types.NewLogEntry(lsn(1), []byte("x")))
	m.onAck("b", lsn(1))
	require.False(t, req.Settled())
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, req.Wait(ctx), dberrors.ErrReplicationFailure)
}

func TestMaster_StopFailsPending(t *testing.T) {
	m := newMaster(context.Background(), testConfig("a", config.SyncSync, 0, "a", "b"), &checkpointLog{}, dropSends)
	req := m.broadcast(types.NewLogEntry(lsn(1), []byte("x")))
	m.stop()
	require.ErrorIs(t, req.Err(), errMasterChanged)
}

func TestRequest_SettlesOnce(t *testing.T) {
	req := newRequest(types.NewLogEntry(lsn(1), nil), 2, 3)

	var calls []error
	req.Subscribe(func(err error) { calls = append(calls, err) })

	req.ack("b")
	req.ack("b")
	require.False(t, req.Settled())
	req.ack("c")
	require.True(t, req.Settled())

	req.fail(errors.New("too late"))
	req.sendFailed("d", errors.New("too late"))
	require.NoError(t, req.Err())
	require.Equal(t, []error{nil}, calls)

	// late subscribers see the outcome right away
	var late error = errors.New("unset")
	req.Subscribe(func(err error) { late = err })
	require.NoError(t, late)
}

func TestRequest_FailsWhenAcksImpossible(t *testing.T) {
	req := newRequest(types.NewLogEntry(lsn(1), nil), 2, 3)
	req.ack("b")
	req.sendFailed("c", errors.New("down"))
	require.False(t, req.Settled())
	req.sendFailed("d", errors.New("down"))
	require.ErrorIs(t, req.Err(), dberrors.ErrReplicationFailure)
}

func TestRequest_AckAfterFailedSendStillCounts(t *testing.T) {
	req := newRequest(types.NewLogEntry(lsn(1), nil), 1, 2)
	req.sendFailed("b", errors.New("timeout"))
	req.sendFailed("b", errors.New("timeout"))
	require.False(t, req.Settled())

	// the entry reached b after all; its ack settles the request
	req.ack("b")
	require.True(t, req.Settled())
	require.NoError(t, req.Err())
}
