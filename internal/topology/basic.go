package topology

import (
	"context"
	"fmt"
	"io"

	"github.com/dantte-lp/gofabric/internal/msg"
	"github.com/dantte-lp/gofabric/internal/router"
	"github.com/dantte-lp/gofabric/internal/session"
)

// -------------------------------------------------------------------------
// Basic Topology
// -------------------------------------------------------------------------

// Basic selects a random serving instance per operation, broadcasts
// to all of them, and issues parallel queries to every discovered
// instance.
type Basic struct {
	r   *router.Router
	cfg Config
}

// ClusterEP implements Topology.
func (b *Basic) ClusterEP() msg.EP { return b.cfg.ClusterEP }

// Kind implements Topology.
func (b *Basic) Kind() string { return KindBasic }

// Send implements Topology: the router's single-random selection over
// the closest tier does the balancing.
func (b *Basic) Send(m *msg.Message) error {
	return b.r.Send(b.cfg.ClusterEP, m)
}

// SendKeyed implements Topology; Basic has no keyed selection.
func (b *Basic) SendKeyed(_ string, m *msg.Message) error {
	return b.Send(m)
}

// Broadcast implements Topology.
func (b *Basic) Broadcast(m *msg.Message) error {
	return b.r.Broadcast(b.cfg.ClusterEP, m)
}

// Query implements Topology: first (only) reply from one random
// instance.
func (b *Basic) Query(ctx context.Context, m *msg.Message) (*msg.Message, error) {
	return b.r.Query(ctx, b.cfg.ClusterEP, m)
}

// QueryKeyed implements Topology; Basic has no keyed selection.
func (b *Basic) QueryKeyed(ctx context.Context, _ string, m *msg.Message) (*msg.Message, error) {
	return b.Query(ctx, m)
}

// ParallelQuery implements Topology: one operation per discovered
// instance endpoint.
func (b *Basic) ParallelQuery(ctx context.Context, m *msg.Message) ([]*session.ParallelOp, error) {
	instances := discoverInstanceEPs(b.r, b.cfg.ClusterEP)
	if len(instances) == 0 {
		return nil, fmt.Errorf("parallel query %s: %w", b.cfg.ClusterEP, router.ErrNoRoute)
	}

	ops := make([]*session.ParallelOp, len(instances))
	for i, ep := range instances {
		ops[i] = &session.ParallelOp{ToEP: ep, Query: m.Clone()}
	}
	if err := b.r.ParallelQuery(ctx, ops, session.WaitAll); err != nil {
		return ops, err
	}
	return ops, nil
}

// Deliver implements Topology: a reliable upload to one instance.
func (b *Basic) Deliver(ctx context.Context, _ string, src io.Reader, size int64, args map[string]string) error {
	return b.r.Upload(ctx, b.cfg.ClusterEP, src, size, args, nil)
}

// Close implements Topology.
func (b *Basic) Close() error { return nil }
