// Package router implements the fabric router: the three-tier
// hierarchy (root, hub, leaf), discovery and advertise loops, the
// physical and logical routing tables, the dispatch of inbound
// messages to registered handlers, and the Send/Query/Broadcast
// primitives applications use.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/channel"
	fabricmetrics "github.com/dantte-lp/gofabric/internal/metrics"
	"github.com/dantte-lp/gofabric/internal/msg"
	"github.com/dantte-lp/gofabric/internal/routing"
	"github.com/dantte-lp/gofabric/internal/session"
)

// -------------------------------------------------------------------------
// Router Errors
// -------------------------------------------------------------------------

var (
	// ErrNoRoute indicates no route to the destination after lookup
	// and discovery fallback.
	ErrNoRoute = errors.New("no route to endpoint")

	// ErrTTLExceeded indicates the hop budget ran out. Forwarders
	// drop silently; this kind surfaces only in logs and metrics.
	ErrTTLExceeded = errors.New("message TTL exceeded")

	// ErrDuplicateLeaf indicates this router detected another
	// instance announcing its own physical endpoint and refuses to
	// serve.
	ErrDuplicateLeaf = errors.New("duplicate router endpoint detected")

	// ErrNotStarted indicates an operation on a stopped router.
	ErrNotStarted = errors.New("router not started")

	// ErrBadTier indicates a router endpoint whose segment count does
	// not map to a tier.
	ErrBadTier = errors.New("router endpoint must have 1-3 segments")
)

// HashKeyProp is the reserved property carrying a hashed-selection
// key. When present on a logical send, route selection uses
// hash(key) mod count instead of random choice.
const HashKeyProp = "_fab.hash-key"

// propReceiptFor tags delivery receipts with the received message ID.
const propReceiptFor = "_fab.receipt-for"

// -------------------------------------------------------------------------
// Tier
// -------------------------------------------------------------------------

// Tier is the router's position in the hierarchy, derived from its
// physical endpoint depth.
type Tier uint8

const (
	// TierRoot terminates hub uplinks and routes across subnets.
	TierRoot Tier = iota + 1

	// TierHub serves one subnet of leaves and optionally uplinks to a
	// root.
	TierHub

	// TierLeaf is an application router.
	TierLeaf
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierRoot:
		return "Root"
	case TierHub:
		return "Hub"
	case TierLeaf:
		return "Leaf"
	default:
		return "Unknown"
	}
}

// TierFromEP maps endpoint depth to the tier: one segment is a root,
// two a hub, three a leaf.
func TierFromEP(ep msg.EP) (Tier, error) {
	if !ep.IsPhysical() {
		return 0, fmt.Errorf("router endpoint %s: %w", ep, ErrBadTier)
	}
	switch ep.SegmentCount() {
	case 1:
		return TierRoot, nil
	case 2:
		return TierHub, nil
	case 3:
		return TierLeaf, nil
	default:
		return 0, fmt.Errorf("router endpoint %s: %w", ep, ErrBadTier)
	}
}

// -------------------------------------------------------------------------
// Configuration
// -------------------------------------------------------------------------

// Defaults applied when Config fields are zero.
const (
	DefAdvertiseTime = 10 * time.Second
	DefBkInterval    = 1 * time.Second
	DefMsgTTL        = 5
	DefDeadRouterTTL = 30 * time.Second
	DefMaxAdvertEPs  = 32
)

// Config tunes a router instance.
type Config struct {
	// RouterEP is this router's physical endpoint.
	RouterEP msg.EP

	// EnableP2P lets a leaf track peers and route leaf-to-leaf.
	EnableP2P bool

	// AdvertiseTime is the advertise cadence.
	AdvertiseTime time.Duration

	// BkInterval is the background sweep cadence.
	BkInterval time.Duration

	// DefMsgTTL is the hop budget stamped on outbound messages.
	DefMsgTTL uint8

	// DeadRouterTTL is how long an unresponsive physical route
	// lingers before the sweep removes it.
	DeadRouterTTL time.Duration

	// MaxLogicalAdvertiseEPs shards LogicalAdvertise frames.
	MaxLogicalAdvertiseEPs int

	// UplinkEP is the root's stream address for hub uplinks. The zero
	// AddrPort (or a DETACHED root segment) disables the uplink.
	UplinkEP netip.AddrPort

	// Session carries the session-layer tuning. SelfEP, Tx, and
	// Logger are filled by the router.
	Session session.Config

	// Transport carries the frames. Required.
	Transport Transport

	// Metrics is the optional Prometheus collector.
	Metrics *fabricmetrics.Collector

	// Logger receives router diagnostics. Required.
	Logger *slog.Logger
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.AdvertiseTime <= 0 {
		c.AdvertiseTime = DefAdvertiseTime
	}
	if c.BkInterval <= 0 {
		c.BkInterval = DefBkInterval
	}
	if c.DefMsgTTL == 0 {
		c.DefMsgTTL = DefMsgTTL
	}
	if c.DeadRouterTTL <= 0 {
		c.DeadRouterTTL = DefDeadRouterTTL
	}
	if c.MaxLogicalAdvertiseEPs <= 0 {
		c.MaxLogicalAdvertiseEPs = DefMaxAdvertEPs
	}
	return c
}

// -------------------------------------------------------------------------
// Transport
// -------------------------------------------------------------------------

// Transport abstracts the channel pair a router sends and receives
// through. The production implementation wraps the UDP and TCP
// channels; tests substitute an in-memory fabric.
type Transport interface {
	// Open brings the channels up and installs the inbound callback.
	Open(recv channel.ReceiveFunc) error

	// TransmitUDP sends a frame to a peer's datagram address.
	TransmitUDP(to netip.AddrPort, m *msg.Message) error

	// TransmitTCP sends a frame to a peer's stream address.
	TransmitTCP(to netip.AddrPort, m *msg.Message) error

	// Multicast sends a frame to the discovery group (or broadcast
	// relays).
	Multicast(m *msg.Message) error

	// UDPAddr and TCPAddr return the local bind addresses advertised
	// to peers.
	UDPAddr() netip.AddrPort
	TCPAddr() netip.AddrPort

	// SweepIdle closes idle cached connections.
	SweepIdle(now time.Time)

	// Close tears the channels down.
	Close() error
}

// -------------------------------------------------------------------------
// Router
// -------------------------------------------------------------------------

// workQueueSize bounds the dispatch worker queue; overflow spills to
// fresh goroutines rather than blocking the receive path.
const workQueueSize = 256

// workerCount is the dispatch worker pool size.
const workerCount = 8

// Router is one fabric router instance.
type Router struct {
	cfg    Config
	logger *slog.Logger

	selfEP msg.EP
	tier   Tier
	caps   routing.Capabilities

	phys       *routing.PhysicalTable
	logical    *routing.LogicalTable
	dispatcher *Dispatcher
	sessions   *session.Manager
	transport  Transport
	metrics    *fabricmetrics.Collector

	// mu is the single lock guarding router lifecycle and the
	// endpoint-set generation. The routing tables, the dispatcher and
	// the session manager keep their own locks.
	mu         sync.Mutex
	setID      uuid.UUID
	epSetDirty bool

	startedAt time.Time
	started   atomic.Bool
	dupLeaf   atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	work   chan func()
}

// New builds a router from the configuration. The router is stopped;
// call Start to bring it up.
func New(cfg Config) (*Router, error) {
	cfg = cfg.withDefaults()

	tier, err := TierFromEP(cfg.RouterEP)
	if err != nil {
		return nil, fmt.Errorf("new router: %w", err)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("new router %s: transport is required", cfg.RouterEP)
	}

	caps := routing.Capabilities(0)
	switch tier {
	case TierRoot:
		caps |= routing.CapRoot
	case TierHub:
		caps |= routing.CapHub
	case TierLeaf:
		caps |= routing.CapLeaf
		if cfg.EnableP2P {
			caps |= routing.CapP2P
		}
	}

	r := &Router{
		cfg:        cfg,
		selfEP:     cfg.RouterEP,
		tier:       tier,
		caps:       caps,
		phys:       routing.NewPhysicalTable(),
		logical:    routing.NewLogicalTable(),
		transport:  cfg.Transport,
		metrics:    cfg.Metrics,
		setID:      uuid.New(),
		startedAt:  time.Now(),
		work:       make(chan func(), workQueueSize),
		logger: cfg.Logger.With(
			slog.String("component", "router"),
			slog.String("router_ep", cfg.RouterEP.String()),
		),
	}
	r.dispatcher = NewDispatcher()

	sessCfg := cfg.Session
	sessCfg.SelfEP = cfg.RouterEP
	sessCfg.Tx = r
	sessCfg.Logger = r.logger
	r.sessions = session.NewManager(sessCfg)

	return r, nil
}

// SelfEP returns the router's physical endpoint.
func (r *Router) SelfEP() msg.EP { return r.selfEP }

// Tier returns the router's tier.
func (r *Router) Tier() Tier { return r.tier }

// DuplicateLeafDetected reports whether another router instance was
// seen announcing this router's endpoint.
func (r *Router) DuplicateLeafDetected() bool { return r.dupLeaf.Load() }

// Sessions exposes the session manager for the topology layer.
func (r *Router) Sessions() *session.Manager { return r.sessions }

// Start brings the router up: transport channels, dispatch workers,
// the background tick, and an immediate advertise. Idempotent. A
// failed Start leaves the router stopped.
func (r *Router) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := r.transport.Open(r.onReceive); err != nil {
		r.started.Store(false)
		return fmt.Errorf("start router %s: %w", r.selfEP, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	for i := 0; i < workerCount; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}

	r.wg.Add(1)
	go r.backgroundLoop(ctx)

	r.logger.Info("router started",
		slog.String("tier", r.tier.String()),
		slog.Bool("p2p", r.caps.Has(routing.CapP2P)),
	)

	r.advertise()
	return nil
}

// Stop tears the router down: background loops, sessions (waiters
// observe session.ErrManagerClosed, which wraps
// channel.ErrChannelClosed), and the transport. Idempotent.
func (r *Router) Stop() error {
	if !r.started.CompareAndSwap(true, false) {
		return nil
	}

	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	r.sessions.CloseAll()
	err := r.transport.Close()

	r.logger.Info("router stopped")
	if err != nil {
		return fmt.Errorf("stop router %s: %w", r.selfEP, err)
	}
	return nil
}

// worker runs queued dispatch work.
func (r *Router) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-r.work:
			fn()
		}
	}
}

// submit queues dispatch work, spilling to a fresh goroutine when the
// pool is saturated so the receive path never blocks.
func (r *Router) submit(fn func()) {
	select {
	case r.work <- fn:
	default:
		go fn()
	}
}

// markEPSetDirty flags the advertised endpoint set as changed; the
// next advertise cycle regenerates the set ID and republishes.
func (r *Router) markEPSetDirty() {
	r.mu.Lock()
	r.epSetDirty = true
	r.mu.Unlock()
}

// currentSetID regenerates the endpoint-set ID when dirty and returns
// the active one.
func (r *Router) currentSetID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.epSetDirty {
		r.setID = uuid.New()
		r.epSetDirty = false
	}
	return r.setID
}

// -------------------------------------------------------------------------
// Handler Registration
// -------------------------------------------------------------------------

// Register installs a query (or plain receive) handler for a logical
// endpoint pattern and publishes the pattern on the next advertise.
func (r *Router) Register(pattern msg.EP, opts SessionOptions, h session.HandlerFunc) (uint64, error) {
	reg, err := r.dispatcher.Register(pattern, opts, h)
	if err != nil {
		return 0, err
	}
	r.installLocalRoute(pattern, reg)
	return reg, nil
}

// RegisterDuplex installs a duplex session handler.
func (r *Router) RegisterDuplex(pattern msg.EP, h session.DuplexHandler) (uint64, error) {
	reg, err := r.dispatcher.RegisterDuplex(pattern, h)
	if err != nil {
		return 0, err
	}
	r.installLocalRoute(pattern, reg)
	return reg, nil
}

// RegisterTransfer installs a reliable-transfer handler.
func (r *Router) RegisterTransfer(pattern msg.EP, ev session.TransferEvents) (uint64, error) {
	reg, err := r.dispatcher.RegisterTransfer(pattern, ev)
	if err != nil {
		return 0, err
	}
	r.installLocalRoute(pattern, reg)
	return reg, nil
}

// installLocalRoute adds the process-local logical route.
func (r *Router) installLocalRoute(pattern msg.EP, handlerID uint64) {
	r.logical.Add(&routing.LogicalRoute{
		Pattern:   pattern,
		HandlerID: handlerID,
		Distance:  routing.DistanceProcess,
	})
	r.markEPSetDirty()
}

// Deregister removes a handler and its logical routes; the endpoint
// set republishes on the next advertise.
func (r *Router) Deregister(handlerID uint64) {
	r.dispatcher.Deregister(handlerID)
	r.logical.RemoveLocal(handlerID)
	r.markEPSetDirty()
}

// -------------------------------------------------------------------------
// Messaging Primitives
// -------------------------------------------------------------------------

// Send routes a one-way message to a physical or logical endpoint.
func (r *Router) Send(to msg.EP, m *msg.Message) error {
	if !r.started.Load() {
		return fmt.Errorf("send to %s: %w", to, ErrNotStarted)
	}
	m.ToEP = to
	m.FromEP = r.selfEP
	return r.route(m, false)
}

// Broadcast fans a message out to every route in the closest tier.
func (r *Router) Broadcast(to msg.EP, m *msg.Message) error {
	m.Flags |= msg.FlagBroadcast
	return r.Send(to, m)
}

// Query performs a query/reply round trip against the endpoint.
func (r *Router) Query(ctx context.Context, to msg.EP, m *msg.Message) (*msg.Message, error) {
	if !r.started.Load() {
		return nil, fmt.Errorf("query %s: %w", to, ErrNotStarted)
	}
	m.ToEP = to
	return r.sessions.Query(ctx, m)
}

// QueryHashed performs a query with stable hashed route selection.
func (r *Router) QueryHashed(ctx context.Context, to msg.EP, key string, m *msg.Message) (*msg.Message, error) {
	m.SetProp(HashKeyProp, key)
	return r.Query(ctx, to, m)
}

// SendHashed routes a one-way message with hashed route selection.
func (r *Router) SendHashed(to msg.EP, key string, m *msg.Message) error {
	m.SetProp(HashKeyProp, key)
	return r.Send(to, m)
}

// ConnectDuplex establishes a duplex session with a serving router.
func (r *Router) ConnectDuplex(ctx context.Context, to msg.EP, h session.DuplexHandler) (*session.Duplex, error) {
	if !r.started.Load() {
		return nil, fmt.Errorf("duplex connect %s: %w", to, ErrNotStarted)
	}
	return r.sessions.ConnectDuplex(ctx, to, h)
}

// Upload streams bytes to a reliable-transfer handler serving the
// endpoint.
func (r *Router) Upload(
	ctx context.Context,
	to msg.EP,
	src io.Reader,
	size int64,
	args map[string]string,
	events session.TransferEvents,
) error {
	if !r.started.Load() {
		return fmt.Errorf("upload to %s: %w", to, ErrNotStarted)
	}
	return r.sessions.Upload(ctx, to, src, size, args, events)
}

// Download streams bytes from a reliable-transfer handler serving the
// endpoint.
func (r *Router) Download(
	ctx context.Context,
	to msg.EP,
	dst io.Writer,
	args map[string]string,
	events session.TransferEvents,
) error {
	if !r.started.Load() {
		return fmt.Errorf("download from %s: %w", to, ErrNotStarted)
	}
	return r.sessions.Download(ctx, to, dst, args, events)
}

// ParallelQuery dispatches the operations concurrently per the
// completion mode.
func (r *Router) ParallelQuery(ctx context.Context, ops []*session.ParallelOp, mode session.ParallelMode) error {
	if !r.started.Load() {
		return fmt.Errorf("parallel query: %w", ErrNotStarted)
	}
	return r.sessions.ParallelQuery(ctx, ops, mode)
}

// TransmitMessage implements session.Transmitter: session traffic
// re-enters the routing policy.
func (r *Router) TransmitMessage(m *msg.Message) error {
	if m.FromEP.IsZero() {
		m.FromEP = r.selfEP
	}
	return r.route(m, false)
}
