package shipping

import (
	"context"
	"fmt"
	"sync"

	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/types"

	"github.com/google/uuid"
)

type requestState uint8

const (
	requestPending requestState = iota
	requestSucceeded
	requestFailed
)

// ReplicationRequest tracks the acknowledgements one broadcast entry still needs.
// It settles exactly once: success when required acks reach zero, failure as soon as the
// peers that can still ack are fewer than the acks required.
type ReplicationRequest struct {
	ID    uuid.UUID
	Entry types.LogEntry

	mu          sync.Mutex
	state       requestState
	required    int
	maxPossible int // acks still obtainable from peers that neither acked nor failed
	acked       map[types.PeerAddr]bool
	failed      map[types.PeerAddr]bool
	err         error
	listeners   []func(error)
	done        chan struct{}
}

func newRequest(entry types.LogEntry, required, maxPossible int) *ReplicationRequest {
	return &ReplicationRequest{
		ID:          uuid.New(),
		Entry:       entry,
		required:    required,
		maxPossible: maxPossible,
		acked:       make(map[types.PeerAddr]bool),
		failed:      make(map[types.PeerAddr]bool),
		done:        make(chan struct{}),
	}
}

// Subscribe registers fn for the terminal outcome. A settled request calls fn right away.
func (r *ReplicationRequest) Subscribe(fn func(error)) {
	r.mu.Lock()
	if r.state == requestPending {
		r.listeners = append(r.listeners, fn)
		r.mu.Unlock()
		return
	}
	err := r.err
	r.mu.Unlock()
	fn(err)
}

func (r *ReplicationRequest) Done() <-chan struct{} {
	return r.done
}

// Err is nil while pending or after success.
func (r *ReplicationRequest) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *ReplicationRequest) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != requestPending
}

// Wait blocks until the request settles or ctx ends.
func (r *ReplicationRequest) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ReplicationRequest) Required() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.required
}

func (r *ReplicationRequest) ack(peer types.PeerAddr) {
	r.mu.Lock()
	if r.state != requestPending || r.acked[peer] {
		r.mu.Unlock()
		return
	}
	r.acked[peer] = true
	if !r.failed[peer] {
		r.maxPossible--
	}
	r.required--
	if r.required > 0 {
		r.mu.Unlock()
		return
	}
	r.settleLocked(requestSucceeded, nil)
}

func (r *ReplicationRequest) sendFailed(peer types.PeerAddr, cause error) {
	r.mu.Lock()
	if r.state != requestPending || r.acked[peer] || r.failed[peer] {
		r.mu.Unlock()
		return
	}
	r.failed[peer] = true
	r.maxPossible--
	if r.maxPossible >= r.required {
		r.mu.Unlock()
		return
	}
	r.settleLocked(requestFailed, fmt.Errorf("%w: %s: %d acks still required, at most %d possible: %w",
		dberrors.ErrReplicationFailure, r.Entry.LSN, r.required, r.maxPossible, cause))
}

func (r *ReplicationRequest) fail(cause error) {
	r.mu.Lock()
	if r.state != requestPending {
		r.mu.Unlock()
		return
	}
	r.settleLocked(requestFailed, fmt.Errorf("%w: %s: %w", dberrors.ErrReplicationFailure, r.Entry.LSN, cause))
}

func (r *ReplicationRequest) succeed() {
	r.mu.Lock()
	if r.state != requestPending {
		r.mu.Unlock()
		return
	}
	r.settleLocked(requestSucceeded, nil)
}

// settleLocked is entered with mu held and releases it before calling listeners.
func (r *ReplicationRequest) settleLocked(state requestState, err error) {
	r.state = state
	r.err = err
	listeners := r.listeners
	r.listeners = nil
	close(r.done)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}
