// Package proxy decides where a client operation runs: locally, or on the current master.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/failover"
	"lsmrepl/pkg/op"
	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/transport"
	"lsmrepl/pkg/types"
)

// Wait blocks until a committed write reached the replication the durability mode asks for.
type Wait func(ctx context.Context) error

// Local executes operations against this node's state.
type Local interface {
	// Commit applies o locally. Writes return a Wait for their replication outcome.
	Commit(ctx context.Context, o op.Operation) (op.Result, Wait, error)
}

type Proxy struct {
	policy    Policy
	role      func() failover.Role
	gate      *failover.Gate
	local     Local
	transport transport.Transport
	logger    *slog.Logger
}

func New(policy Policy, role func() failover.Role, gate *failover.Gate, local Local, tr transport.Transport) *Proxy {
	return &Proxy{
		policy:    policy,
		role:      role,
		gate:      gate,
		local:     local,
		transport: tr,
		logger:    slog.Default().With("component", "proxy", "node", tr.Local()),
	}
}

// Execute runs o here when this node is master or the category is unrestricted, and forwards it
// to the master otherwise.
func (p *Proxy) Execute(ctx context.Context, o op.Operation) (op.Result, error) {
	if err := o.Validate(); err != nil {
		return op.Result{}, err
	}

	role := p.role()
	if role.Kind == failover.RoleMaster || !p.policy.Restricted(o.Category()) {
		return p.executeLocal(ctx, o)
	}
	if role.Master.IsZero() {
		return op.Result{}, fmt.Errorf("%s: %w", o.Kind, dberrors.ErrNoMaster)
	}
	return p.forward(ctx, role.Master, o)
}

// ExecuteForwarded serves an operation another node forwarded here as master.
// It is never forwarded again: a node that lost the role answers ErrNoMaster and the caller retries.
func (p *Proxy) ExecuteForwarded(ctx context.Context, from types.PeerAddr, o op.Operation) (op.Result, error) {
	if err := o.Validate(); err != nil {
		return op.Result{}, err
	}
	if p.role().Kind != failover.RoleMaster {
		return op.Result{}, fmt.Errorf("forwarded %s from %s: %w", o.Kind, from, dberrors.ErrNoMaster)
	}
	return p.executeLocal(ctx, o)
}

// executeLocal holds a user gate permit for the local commit only; the replication wait runs
// outside it so that a role transition is not held up by slow acks.
func (p *Proxy) executeLocal(ctx context.Context, o op.Operation) (op.Result, error) {
	release, err := p.gate.Acquire(ctx)
	if err != nil {
		return op.Result{}, err
	}
	res, wait, err := p.local.Commit(ctx, o)
	release()
	if err != nil {
		return res, err
	}

	if wait != nil {
		if err := wait(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p *Proxy) forward(ctx context.Context, master types.PeerAddr, o op.Operation) (op.Result, error) {
	p.logger.Debug("forwarding to master", "master", master, "kind", o.Kind, "db", o.DB)

	rp, err := protocol.Expect[protocol.ExecuteResponse](p.transport.Call(ctx, master, protocol.Execute{Op: o}))
	if err == nil {
		return rp.Result, nil
	}

	// the master's own classification is kept; delivery problems and unclassified errors are
	// reported as a failed redirect
	if code := dberrors.CodeOf(err); code != dberrors.CodeInternal && !errors.Is(err, transport.ErrUnreachable) {
		return op.Result{}, err
	}
	return op.Result{}, fmt.Errorf("%w: %s: %w", dberrors.ErrRedirectFailure, master, err)
}

// Handle answers Execute messages from peers.
func (p *Proxy) Handle(ctx context.Context, from types.PeerAddr, msg protocol.Message) (protocol.Message, error) {
	m, ok := msg.(protocol.Execute)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected proxy message %s", dberrors.ErrInvalidArgument, msg.Kind())
	}
	res, err := p.ExecuteForwarded(ctx, from, m.Op)
	if err != nil {
		return nil, err
	}
	return protocol.ExecuteResponse{Result: res}, nil
}
