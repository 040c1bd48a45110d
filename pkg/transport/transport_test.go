package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/types"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func stateHandler(latest types.LSN) HandlerFunc {
	return func(_ context.Context, _ types.PeerAddr, msg protocol.Message) (protocol.Message, error) {
		switch msg.(type) {
		case protocol.StateRequest:
			return protocol.StateResponse{Latest: latest}, nil
		case protocol.Fetch:
			return nil, fmt.Errorf("fetch: %w", dberrors.ErrLogRemoved)
		}
		return nil, nil
	}
}

func TestHTTP_Call(t *testing.T) {
	r := chi.NewRouter()
	Mount(r, "master", stateHandler(types.NewLSN(2, 7)))
	ts := httptest.NewServer(r)
	defer ts.Close()

	peer := types.PeerAddr(strings.TrimPrefix(ts.URL, "http://"))
	tr := NewHTTP("slave")

	rp, err := protocol.Expect[protocol.StateResponse](tr.Call(context.Background(), peer, protocol.StateRequest{}))
	require.NoError(t, err)
	require.Equal(t, types.NewLSN(2, 7), rp.Latest)

	_, err = tr.Call(context.Background(), peer, protocol.Fetch{})
	require.True(t, errors.Is(err, dberrors.ErrLogRemoved))

	msg, err := tr.Call(context.Background(), peer, protocol.Ack{LSN: types.NewLSN(1, 1)})
	require.NoError(t, err)
	require.Equal(t, protocol.Empty{}, msg)
}

func TestHTTP_Unreachable(t *testing.T) {
	ts := httptest.NewServer(chi.NewRouter())
	peer := types.PeerAddr(ts.URL)
	ts.Close()

	_, err := NewHTTP("slave").Call(context.Background(), peer, protocol.StateRequest{})
	require.True(t, errors.Is(err, ErrUnreachable))
}

func TestMemory_Partition(t *testing.T) {
	net := NewNetwork()
	net.Attach("a", stateHandler(types.NewLSN(1, 1)))
	net.Attach("b", stateHandler(types.NewLSN(1, 2)))

	a := net.Transport("a")
	rp, err := protocol.Expect[protocol.StateResponse](a.Call(context.Background(), "b", protocol.StateRequest{}))
	require.NoError(t, err)
	require.Equal(t, types.NewLSN(1, 2), rp.Latest)

	net.Partition("a", "b")
	_, err = a.Call(context.Background(), "b", protocol.StateRequest{})
	require.True(t, errors.Is(err, ErrUnreachable))

	net.Heal()
	_, err = a.Call(context.Background(), "b", protocol.StateRequest{})
	require.NoError(t, err)

	_, err = a.Call(context.Background(), "c", protocol.StateRequest{})
	require.True(t, errors.Is(err, ErrUnreachable))
}

func TestNotify_Retries(t *testing.T) {
	net := NewNetwork()
	var calls atomic.Int32
	net.Attach("b", HandlerFunc(func(context.Context, types.PeerAddr, protocol.Message) (protocol.Message, error) {
		calls.Add(1)
		return nil, nil
	}))

	a := net.Transport("a")
	require.NoError(t, a.Notify(context.Background(), "b", protocol.Ack{}))
	require.Equal(t, int32(1), calls.Load())

	net.Isolate("a")
	err := a.Notify(context.Background(), "b", protocol.Ack{})
	require.True(t, errors.Is(err, ErrUnreachable))
	require.Equal(t, int32(1), calls.Load())
}
