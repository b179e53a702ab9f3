package topology

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"strconv"

	"github.com/dantte-lp/gofabric/internal/msg"
	"github.com/dantte-lp/gofabric/internal/router"
	"github.com/dantte-lp/gofabric/internal/session"
)

// -------------------------------------------------------------------------
// Static Hashed Topology
// -------------------------------------------------------------------------

// StaticHashed maps selection keys onto a statically configured
// instance list: instances[hash(key) mod N]. Membership is fixed by
// configuration, not discovery, so two callers with the same key
// always reach the same instance while the configuration is stable.
// Keyless operations fall back to Basic behavior. A client with no
// this-instance assignment is a pure consumer of the cluster.
type StaticHashed struct {
	r   *router.Router
	cfg Config
}

// newStaticHashed validates the membership list.
func newStaticHashed(r *router.Router, cfg Config) (*StaticHashed, error) {
	if len(cfg.Instances) == 0 {
		return nil, fmt.Errorf("open topology client: %w", ErrNoInstances)
	}
	return &StaticHashed{r: r, cfg: cfg}, nil
}

// ClusterEP implements Topology.
func (s *StaticHashed) ClusterEP() msg.EP { return s.cfg.ClusterEP }

// Kind implements Topology.
func (s *StaticHashed) Kind() string { return KindStaticHashed }

// instanceEP maps a selection key to the configured instance's child
// endpoint.
func (s *StaticHashed) instanceEP(key string) msg.EP {
	h := fnv.New64a()
	h.Write([]byte(key))
	idx := int(h.Sum64() % uint64(len(s.cfg.Instances)))
	return s.cfg.ClusterEP.Child(strconv.Itoa(s.cfg.Instances[idx]))
}

// allInstanceEPs returns every configured instance endpoint.
func (s *StaticHashed) allInstanceEPs() []msg.EP {
	out := make([]msg.EP, len(s.cfg.Instances))
	for i, inst := range s.cfg.Instances {
		out[i] = s.cfg.ClusterEP.Child(strconv.Itoa(inst))
	}
	return out
}

// Send implements Topology: keyless sends behave like Basic.
func (s *StaticHashed) Send(m *msg.Message) error {
	return s.r.Send(s.cfg.ClusterEP, m)
}

// SendKeyed implements Topology.
func (s *StaticHashed) SendKeyed(key string, m *msg.Message) error {
	if key == "" {
		return s.Send(m)
	}
	return s.r.Send(s.instanceEP(key), m)
}

// Broadcast implements Topology: the fan-out covers every configured
// instance regardless of discovery; unreachable instances fail their
// own operation without affecting the others.
func (s *StaticHashed) Broadcast(m *msg.Message) error {
	var errs error
	for _, ep := range s.allInstanceEPs() {
		errs = errors.Join(errs, s.r.Send(ep, m.Clone()))
	}
	return errs
}

// Query implements Topology: keyless queries behave like Basic.
func (s *StaticHashed) Query(ctx context.Context, m *msg.Message) (*msg.Message, error) {
	return s.r.Query(ctx, s.cfg.ClusterEP, m)
}

// QueryKeyed implements Topology.
func (s *StaticHashed) QueryKeyed(ctx context.Context, key string, m *msg.Message) (*msg.Message, error) {
	if key == "" {
		return s.Query(ctx, m)
	}
	return s.r.Query(ctx, s.instanceEP(key), m)
}

// ParallelQuery implements Topology: one operation per configured
// instance.
func (s *StaticHashed) ParallelQuery(ctx context.Context, m *msg.Message) ([]*session.ParallelOp, error) {
	instances := s.allInstanceEPs()
	ops := make([]*session.ParallelOp, len(instances))
	for i, ep := range instances {
		ops[i] = &session.ParallelOp{ToEP: ep, Query: m.Clone()}
	}
	if err := s.r.ParallelQuery(ctx, ops, session.WaitAll); err != nil {
		return ops, err
	}
	return ops, nil
}

// Deliver implements Topology: a keyed reliable upload.
func (s *StaticHashed) Deliver(ctx context.Context, key string, src io.Reader, size int64, args map[string]string) error {
	to := s.cfg.ClusterEP
	if key != "" {
		to = s.instanceEP(key)
	}
	return s.r.Upload(ctx, to, src, size, args, nil)
}

// Close implements Topology.
func (s *StaticHashed) Close() error { return nil }
