package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/types"

	"github.com/go-chi/chi/v5"
)

const contentTypeJSON = "application/json"

// HTTP posts envelopes to the peer's internal replication endpoint.
type HTTP struct {
	local      types.PeerAddr
	httpClient *http.Client
}

func NewHTTP(local types.PeerAddr) *HTTP {
	return &HTTP{
		local: local,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
	}
}

func (t *HTTP) Local() types.PeerAddr {
	return t.local
}

func (t *HTTP) Call(ctx context.Context, to types.PeerAddr, msg protocol.Message) (protocol.Message, error) {
	env, err := protocol.Wrap(t.local, msg)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(to), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s: unexpected status %d: %s", ErrUnreachable, to, resp.StatusCode, string(bodyBytes))
	}

	var answer protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return nil, fmt.Errorf("%w: %s: decode answer: %v", ErrUnreachable, to, err)
	}
	return answer.Unwrap()
}

func (t *HTTP) Notify(ctx context.Context, to types.PeerAddr, msg protocol.Message) error {
	return notify(ctx, t, to, msg)
}

func peerURL(addr types.PeerAddr) string {
	s := string(addr)
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "http://" + s
	}
	return s + Endpoint
}

// Mount registers the internal replication endpoint on r.
func Mount(r chi.Router, local types.PeerAddr, h Handler) {
	r.Post(Endpoint, serveHTTP(local, h))
}

func serveHTTP(local types.PeerAddr, h Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env protocol.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, "invalid envelope", http.StatusBadRequest)
			return
		}
		msg, err := env.Unwrap()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		answer, err := h.Handle(r.Context(), env.From, msg)

		var out protocol.Envelope
		switch {
		case err != nil:
			out = protocol.WrapError(local, err)
		case answer == nil:
			out, err = protocol.Wrap(local, protocol.Empty{})
		default:
			out, err = protocol.Wrap(local, answer)
		}
		if err != nil {
			slog.Error("failed to wrap answer", "kind", msg.Kind(), "error", err)
			out = protocol.WrapError(local, err)
		}

		w.Header().Set("Content-Type", contentTypeJSON)
		if err := json.NewEncoder(w).Encode(out); err != nil {
			slog.Error("failed to write answer", "error", err)
		}
	}
}
