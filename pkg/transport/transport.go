package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/types"
)

const (
	Endpoint         = "/api/internal/repl"
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// ErrUnreachable is returned when a message could not be delivered to a peer.
var ErrUnreachable = errors.New("peer unreachable")

// Handler serves messages received from other participants.
// The returned message is sent back as the answer; Empty when there is nothing to say.
type Handler interface {
	Handle(ctx context.Context, from types.PeerAddr, msg protocol.Message) (protocol.Message, error)
}

type HandlerFunc func(ctx context.Context, from types.PeerAddr, msg protocol.Message) (protocol.Message, error)

func (f HandlerFunc) Handle(ctx context.Context, from types.PeerAddr, msg protocol.Message) (protocol.Message, error) {
	return f(ctx, from, msg)
}

// Transport delivers messages between participants.
type Transport interface {
	Local() types.PeerAddr
	// Call sends msg once and waits for the answer.
	Call(ctx context.Context, to types.PeerAddr, msg protocol.Message) (protocol.Message, error)
	// Notify sends msg, retrying delivery failures, and drops the answer.
	Notify(ctx context.Context, to types.PeerAddr, msg protocol.Message) error
}

// notify retries only delivery failures; an error answered by the peer is final.
func notify(ctx context.Context, t Transport, to types.PeerAddr, msg protocol.Message) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := t.Call(ctx, to, msg)
		if err == nil || !errors.Is(err, ErrUnreachable) {
			return err
		}
		lastErr = err
		slog.Debug("failed to send message, retrying",
			"attempt", attempt+1,
			"to", to,
			"kind", msg.Kind(),
			"error", err)

		select {
		case <-time.After(retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("failed to send after %d retries: %w", maxRetries, lastErr)
}
