// Package topology implements cluster-level messaging strategies over
// the router: a topology maps an abstract cluster endpoint to the
// concrete routes currently serving it and selects among them for
// send, broadcast, query, parallel-query, and reliable delivery.
package topology

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/dantte-lp/gofabric/internal/msg"
	"github.com/dantte-lp/gofabric/internal/router"
	"github.com/dantte-lp/gofabric/internal/session"
)

// Topology kinds.
const (
	KindBasic        = "basic"
	KindStaticHashed = "static-hashed"
)

// Topology errors.
var (
	// ErrUnknownKind indicates an unrecognized topology name.
	ErrUnknownKind = errors.New("unknown topology kind")

	// ErrBadCluster indicates a cluster endpoint that is not logical.
	ErrBadCluster = errors.New("cluster endpoint must be logical")

	// ErrNoInstances indicates a static-hashed config without
	// instances.
	ErrNoInstances = errors.New("static-hashed topology requires instances")
)

// Config describes a cluster binding.
type Config struct {
	// ClusterEP is the cluster-public logical endpoint (the
	// DynamicScope name, e.g. logical://A).
	ClusterEP msg.EP

	// Kind selects the strategy: KindBasic or KindStaticHashed.
	Kind string

	// Instances is the static-hashed membership: the configured
	// integer instance keys.
	Instances []int

	// ThisInstance is a server's own instance index. A negative
	// value marks a client-only role (tolerated for static-hashed).
	ThisInstance int

	// Args carries free-form topology parameters.
	Args map[string]string
}

// validate checks the shared config invariants.
func (c Config) validate() error {
	if !c.ClusterEP.IsLogical() || c.ClusterEP.IsWildcard() {
		return fmt.Errorf("cluster %s: %w", c.ClusterEP, ErrBadCluster)
	}
	return nil
}

// Topology is the client-side cluster contract shared by every
// strategy.
type Topology interface {
	// ClusterEP returns the cluster-public endpoint.
	ClusterEP() msg.EP

	// Kind returns the strategy name.
	Kind() string

	// Send routes a one-way message to one cluster instance.
	Send(m *msg.Message) error

	// SendKeyed routes with a selection key; strategies without
	// keyed selection fall back to Send.
	SendKeyed(key string, m *msg.Message) error

	// Broadcast fans the message out to every instance.
	Broadcast(m *msg.Message) error

	// Query runs a query/reply round trip against one instance.
	Query(ctx context.Context, m *msg.Message) (*msg.Message, error)

	// QueryKeyed queries with a selection key.
	QueryKeyed(ctx context.Context, key string, m *msg.Message) (*msg.Message, error)

	// ParallelQuery issues one copy of the query per instance and
	// returns the per-operation outcomes.
	ParallelQuery(ctx context.Context, m *msg.Message) ([]*session.ParallelOp, error)

	// Deliver streams a reliable upload to one instance.
	Deliver(ctx context.Context, key string, src io.Reader, size int64, args map[string]string) error

	// Close releases client-side state.
	Close() error
}

// OpenClient binds a client-side topology to the router.
func OpenClient(r *router.Router, cfg Config) (Topology, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("open topology client: %w", err)
	}

	switch cfg.Kind {
	case "", KindBasic:
		return &Basic{r: r, cfg: cfg}, nil
	case KindStaticHashed:
		return newStaticHashed(r, cfg)
	default:
		return nil, fmt.Errorf("open topology client %q: %w", cfg.Kind, ErrUnknownKind)
	}
}

// -------------------------------------------------------------------------
// Server Side — DynamicScope rewrite
// -------------------------------------------------------------------------

// Server exposes handlers under the cluster-public name. A handler
// registered against its internal pattern stays addressable there;
// the topology additionally publishes it at the cluster endpoint and
// at a per-instance child endpoint used for parallel queries and
// hashed selection.
type Server struct {
	r   *router.Router
	cfg Config

	regs []uint64
}

// OpenServer binds a server-side topology to the router.
func OpenServer(r *router.Router, cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("open topology server: %w", err)
	}
	switch cfg.Kind {
	case "", KindBasic, KindStaticHashed:
	default:
		return nil, fmt.Errorf("open topology server %q: %w", cfg.Kind, ErrUnknownKind)
	}
	if cfg.Kind == KindStaticHashed && len(cfg.Instances) == 0 {
		return nil, fmt.Errorf("open topology server: %w", ErrNoInstances)
	}
	return &Server{r: r, cfg: cfg}, nil
}

// instanceChild returns this server's per-instance endpoint under the
// cluster name.
func (s *Server) instanceChild() msg.EP {
	if s.cfg.Kind == KindStaticHashed {
		if s.cfg.ThisInstance < 0 {
			return msg.EP{}
		}
		return s.cfg.ClusterEP.Child(strconv.Itoa(s.cfg.ThisInstance))
	}
	// Basic: the leaf name is unique within the subnet.
	return s.cfg.ClusterEP.Child(s.r.SelfEP().Leaf())
}

// Register installs a query handler under its internal pattern, the
// cluster-public endpoint, and the per-instance child endpoint.
func (s *Server) Register(internal msg.EP, opts router.SessionOptions, h session.HandlerFunc) error {
	patterns := []msg.EP{internal, s.cfg.ClusterEP}
	if child := s.instanceChild(); !child.IsZero() {
		patterns = append(patterns, child)
	}

	for _, p := range patterns {
		id, err := s.r.Register(p, opts, h)
		if err != nil {
			s.Close()
			return fmt.Errorf("topology register %s: %w", p, err)
		}
		s.regs = append(s.regs, id)
	}
	return nil
}

// RegisterTransfer installs a reliable-transfer handler under the
// same endpoint set.
func (s *Server) RegisterTransfer(internal msg.EP, ev session.TransferEvents) error {
	patterns := []msg.EP{internal, s.cfg.ClusterEP}
	if child := s.instanceChild(); !child.IsZero() {
		patterns = append(patterns, child)
	}

	for _, p := range patterns {
		id, err := s.r.RegisterTransfer(p, ev)
		if err != nil {
			s.Close()
			return fmt.Errorf("topology register transfer %s: %w", p, err)
		}
		s.regs = append(s.regs, id)
	}
	return nil
}

// Close deregisters every published endpoint.
func (s *Server) Close() {
	for _, id := range s.regs {
		s.r.Deregister(id)
	}
	s.regs = nil
}

// -------------------------------------------------------------------------
// Shared discovery helpers
// -------------------------------------------------------------------------

// discoverInstanceEPs lists the distinct per-instance child endpoints
// currently routable under the cluster name, local and remote alike.
func discoverInstanceEPs(r *router.Router, clusterEP msg.EP) []msg.EP {
	want := clusterEP.SegmentCount() + 1
	wild := msg.MustEP(clusterEP.String() + "/" + msg.Wildcard)

	seen := make(map[string]msg.EP)
	for _, lr := range r.LogicalRoutes() {
		p := lr.Pattern
		if p.IsWildcard() || p.SegmentCount() != want {
			continue
		}
		if !p.Matches(wild) {
			continue
		}
		seen[p.String()] = p
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]msg.EP, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}
