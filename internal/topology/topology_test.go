package topology_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dantte-lp/gofabric/internal/channel"
	"github.com/dantte-lp/gofabric/internal/msg"
	"github.com/dantte-lp/gofabric/internal/router"
	"github.com/dantte-lp/gofabric/internal/session"
	"github.com/dantte-lp/gofabric/internal/topology"
)

// -------------------------------------------------------------------------
// Minimal in-memory transport (mirror of the router test harness)
// -------------------------------------------------------------------------

type memFabric struct {
	mu    sync.Mutex
	byUDP map[netip.AddrPort]*memTransport
	byTCP map[netip.AddrPort]*memTransport
	next  int
}

func newMemFabric() *memFabric {
	return &memFabric{
		byUDP: make(map[netip.AddrPort]*memTransport),
		byTCP: make(map[netip.AddrPort]*memTransport),
	}
}

func (f *memFabric) transport() *memTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	host := netip.MustParseAddr(fmt.Sprintf("10.2.0.%d", f.next))
	return &memTransport{
		fabric:  f,
		udpAddr: netip.AddrPortFrom(host, 47000),
		tcpAddr: netip.AddrPortFrom(host, 47001),
	}
}

type memTransport struct {
	fabric  *memFabric
	udpAddr netip.AddrPort
	tcpAddr netip.AddrPort
	recv    atomic.Value
	open    atomic.Bool
}

func (t *memTransport) Open(recv channel.ReceiveFunc) error {
	t.recv.Store(recv)
	t.open.Store(true)
	t.fabric.mu.Lock()
	t.fabric.byUDP[t.udpAddr] = t
	t.fabric.byTCP[t.tcpAddr] = t
	t.fabric.mu.Unlock()
	return nil
}

func (t *memTransport) deliver(kind channel.Kind, from netip.AddrPort, frame []byte) {
	if !t.open.Load() {
		return
	}
	m, err := msg.Decode(frame, nil)
	if err != nil {
		return
	}
	if fn, ok := t.recv.Load().(channel.ReceiveFunc); ok && fn != nil {
		fn(channel.EP{Kind: kind, Addr: from}, m)
	}
}

func (t *memTransport) unicast(kind channel.Kind, to netip.AddrPort, m *msg.Message) error {
	if !t.open.Load() {
		return channel.ErrChannelClosed
	}
	frame, err := msg.Encode(m, nil)
	if err != nil {
		return err
	}
	t.fabric.mu.Lock()
	var target *memTransport
	var from netip.AddrPort
	if kind == channel.KindTCP {
		target, from = t.fabric.byTCP[to], t.tcpAddr
	} else {
		target, from = t.fabric.byUDP[to], t.udpAddr
	}
	t.fabric.mu.Unlock()
	if target == nil {
		return channel.ErrNoAddress
	}
	go target.deliver(kind, from, frame)
	return nil
}

func (t *memTransport) TransmitUDP(to netip.AddrPort, m *msg.Message) error {
	return t.unicast(channel.KindUDP, to, m)
}

func (t *memTransport) TransmitTCP(to netip.AddrPort, m *msg.Message) error {
	return t.unicast(channel.KindTCP, to, m)
}

func (t *memTransport) Multicast(m *msg.Message) error {
	if !t.open.Load() {
		return channel.ErrChannelClosed
	}
	frame, err := msg.Encode(m, nil)
	if err != nil {
		return err
	}
	t.fabric.mu.Lock()
	members := make([]*memTransport, 0, len(t.fabric.byUDP))
	for _, member := range t.fabric.byUDP {
		members = append(members, member)
	}
	t.fabric.mu.Unlock()
	for _, member := range members {
		go member.deliver(channel.KindUDP, t.udpAddr, frame)
	}
	return nil
}

func (t *memTransport) UDPAddr() netip.AddrPort { return t.udpAddr }
func (t *memTransport) TCPAddr() netip.AddrPort { return t.tcpAddr }
func (t *memTransport) SweepIdle(time.Time)     {}

func (t *memTransport) Close() error {
	t.open.Store(false)
	t.fabric.mu.Lock()
	delete(t.fabric.byUDP, t.udpAddr)
	delete(t.fabric.byTCP, t.tcpAddr)
	t.fabric.mu.Unlock()
	return nil
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(t *testing.T, f *memFabric, ep string) *router.Router {
	t.Helper()

	r, err := router.New(router.Config{
		RouterEP:      msg.MustEP(ep),
		EnableP2P:     true,
		AdvertiseTime: 50 * time.Millisecond,
		BkInterval:    25 * time.Millisecond,
		DeadRouterTTL: 5 * time.Second,
		Session: session.Config{
			Retries: 3,
			Timeout: 300 * time.Millisecond,
		},
		Transport: f.transport(),
		Logger:    discard(),
	})
	if err != nil {
		t.Fatalf("New(%s): %v", ep, err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start(%s): %v", ep, err)
	}
	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Stop(%s): %v", ep, err)
		}
	})
	return r
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// countingServer wires a topology server whose handler counts
// invocations and replies with its scope label.
type countingServer struct {
	count atomic.Int64
	srv   *topology.Server
}

func newCountingServer(t *testing.T, r *router.Router, cfg topology.Config, label string) *countingServer {
	t.Helper()

	srv, err := topology.OpenServer(r, cfg)
	if err != nil {
		t.Fatalf("OpenServer: %v", err)
	}
	cs := &countingServer{srv: srv}
	err = srv.Register(msg.MustEP("logical://foo"),
		router.SessionOptions{Type: router.SessionQuery},
		func(_ context.Context, q *msg.Message) (*msg.Message, error) {
			cs.count.Add(1)
			reply := msg.NewPropertyMsg(q.FromEP)
			reply.SetProp("value", label)
			return reply, nil
		})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(srv.Close)
	return cs
}

// clusterRouteCount counts the client's remote routes for the
// cluster-public endpoint.
func clusterRouteCount(r *router.Router, cluster string) int {
	n := 0
	for _, lr := range r.LogicalRoutes() {
		if !lr.IsLocal() && lr.Pattern.String() == cluster {
			n++
		}
	}
	return n
}

// -------------------------------------------------------------------------
// Basic Topology
// -------------------------------------------------------------------------

// TestBasicSend verifies load-balanced spread across the cluster's
// servers and isolation from other scopes.
func TestBasicSend(t *testing.T) {
	t.Parallel()

	f := newMemFabric()
	client := newRouter(t, f, "physical://root/hub0/client")

	cfgA := topology.Config{ClusterEP: msg.MustEP("logical://a"), Kind: topology.KindBasic}
	cfgB := topology.Config{ClusterEP: msg.MustEP("logical://b"), Kind: topology.KindBasic}

	servers := make([]*countingServer, 3)
	for i := range servers {
		r := newRouter(t, f, fmt.Sprintf("physical://root/hub0/srv%d", i))
		servers[i] = newCountingServer(t, r, cfgA, "A")
	}
	otherScope := newCountingServer(t, newRouter(t, f, "physical://root/hub0/other"), cfgB, "B")

	topo, err := topology.OpenClient(client, cfgA)
	if err != nil {
		t.Fatalf("OpenClient: %v", err)
	}
	defer topo.Close()

	waitFor(t, 10*time.Second, "client to discover all cluster servers", func() bool {
		return clusterRouteCount(client, "logical://a") == 3
	})

	const total = 100
	for i := 0; i < total; i++ {
		if err := topo.Send(msg.NewPropertyMsg(msg.EP{})); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	waitFor(t, 5*time.Second, "all sends to land", func() bool {
		var sum int64
		for _, s := range servers {
			sum += s.count.Load()
		}
		return sum == total
	})

	for i, s := range servers {
		if s.count.Load() == 0 {
			t.Errorf("server %d received nothing; load balancing failed", i)
		}
	}
	if n := otherScope.count.Load(); n != 0 {
		t.Errorf("scope B server received %d messages, want 0", n)
	}
}

// TestBasicQuery verifies a single-instance query with the scope
// label reply.
func TestBasicQuery(t *testing.T) {
	t.Parallel()

	f := newMemFabric()
	client := newRouter(t, f, "physical://root/hub0/client")
	cfg := topology.Config{ClusterEP: msg.MustEP("logical://a"), Kind: topology.KindBasic}

	servers := make([]*countingServer, 3)
	for i := range servers {
		r := newRouter(t, f, fmt.Sprintf("physical://root/hub0/srv%d", i))
		servers[i] = newCountingServer(t, r, cfg, "A")
	}

	topo, err := topology.OpenClient(client, cfg)
	if err != nil {
		t.Fatalf("OpenClient: %v", err)
	}
	defer topo.Close()

	waitFor(t, 10*time.Second, "discovery", func() bool {
		return clusterRouteCount(client, "logical://a") == 3
	})

	reply, err := topo.Query(context.Background(), msg.NewBlobPropertyMsg(msg.EP{}, []byte{1}))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if reply.Prop("value") != "A" {
		t.Errorf("reply value = %q, want A", reply.Prop("value"))
	}

	var sum int64
	for _, s := range servers {
		sum += s.count.Load()
	}
	if sum != 1 {
		t.Errorf("total handler invocations = %d, want exactly 1", sum)
	}
}

// TestBasicParallelQuery verifies one operation per discovered
// instance.
func TestBasicParallelQuery(t *testing.T) {
	t.Parallel()

	f := newMemFabric()
	client := newRouter(t, f, "physical://root/hub0/client")
	cfg := topology.Config{ClusterEP: msg.MustEP("logical://a"), Kind: topology.KindBasic}

	for i := 0; i < 3; i++ {
		r := newRouter(t, f, fmt.Sprintf("physical://root/hub0/srv%d", i))
		newCountingServer(t, r, cfg, "A")
	}

	topo, err := topology.OpenClient(client, cfg)
	if err != nil {
		t.Fatalf("OpenClient: %v", err)
	}
	defer topo.Close()

	waitFor(t, 10*time.Second, "instance discovery", func() bool {
		n := 0
		for _, lr := range client.LogicalRoutes() {
			if !lr.IsLocal() && lr.Pattern.SegmentCount() == 2 &&
				lr.Pattern.Segment(0) == "a" {
				n++
			}
		}
		return n == 3
	})

	ops, err := topo.ParallelQuery(context.Background(), msg.NewPropertyMsg(msg.EP{}))
	if err != nil {
		t.Fatalf("ParallelQuery: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("ParallelQuery issued %d ops, want 3", len(ops))
	}
	for i, op := range ops {
		if op.Err() != nil {
			t.Errorf("op %d error: %v", i, op.Err())
		}
		if op.Reply() == nil || op.Reply().Prop("value") != "A" {
			t.Errorf("op %d reply missing scope label", i)
		}
	}
}

// -------------------------------------------------------------------------
// Static Hashed Topology
// -------------------------------------------------------------------------

// TestStaticHashedStability verifies hash(key) stability and keyless
// fallback.
func TestStaticHashedStability(t *testing.T) {
	t.Parallel()

	f := newMemFabric()
	client := newRouter(t, f, "physical://root/hub0/client")

	instances := []int{0, 1, 2}
	for _, inst := range instances {
		r := newRouter(t, f, fmt.Sprintf("physical://root/hub0/srv%d", inst))
		srv, err := topology.OpenServer(r, topology.Config{
			ClusterEP:    msg.MustEP("logical://hashed"),
			Kind:         topology.KindStaticHashed,
			Instances:    instances,
			ThisInstance: inst,
		})
		if err != nil {
			t.Fatalf("OpenServer %d: %v", inst, err)
		}
		label := fmt.Sprintf("inst-%d", inst)
		if err := srv.Register(msg.MustEP("logical://foo"),
			router.SessionOptions{Type: router.SessionQuery},
			func(_ context.Context, q *msg.Message) (*msg.Message, error) {
				reply := msg.NewPropertyMsg(q.FromEP)
				reply.SetProp("value", label)
				return reply, nil
			}); err != nil {
			t.Fatalf("Register %d: %v", inst, err)
		}
		t.Cleanup(srv.Close)
	}

	// Client-only role: no this-instance assignment.
	topo, err := topology.OpenClient(client, topology.Config{
		ClusterEP:    msg.MustEP("logical://hashed"),
		Kind:         topology.KindStaticHashed,
		Instances:    instances,
		ThisInstance: -1,
	})
	if err != nil {
		t.Fatalf("OpenClient: %v", err)
	}
	defer topo.Close()

	waitFor(t, 10*time.Second, "discovery", func() bool {
		return clusterRouteCount(client, "logical://hashed") == 3
	})

	first, err := topo.QueryKeyed(context.Background(), "customer-42", msg.NewPropertyMsg(msg.EP{}))
	if err != nil {
		t.Fatalf("QueryKeyed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := topo.QueryKeyed(context.Background(), "customer-42", msg.NewPropertyMsg(msg.EP{}))
		if err != nil {
			t.Fatalf("QueryKeyed repeat: %v", err)
		}
		if again.Prop("value") != first.Prop("value") {
			t.Fatalf("hashed selection unstable: %q vs %q",
				again.Prop("value"), first.Prop("value"))
		}
	}

	// Keyless behaves like Basic: any instance may answer.
	if _, err := topo.Query(context.Background(), msg.NewPropertyMsg(msg.EP{})); err != nil {
		t.Fatalf("keyless Query: %v", err)
	}
}

// TestStaticHashedBroadcastMissingInstance verifies per-operation
// NoRoute for configured-but-absent instances.
func TestStaticHashedBroadcastMissingInstance(t *testing.T) {
	t.Parallel()

	f := newMemFabric()
	client := newRouter(t, f, "physical://root/hub0/client")

	// Instances 0 and 1 configured; only 0 is running.
	r0 := newRouter(t, f, "physical://root/hub0/srv0")
	srv, err := topology.OpenServer(r0, topology.Config{
		ClusterEP:    msg.MustEP("logical://sparse"),
		Kind:         topology.KindStaticHashed,
		Instances:    []int{0, 1},
		ThisInstance: 0,
	})
	if err != nil {
		t.Fatalf("OpenServer: %v", err)
	}
	var received atomic.Int64
	if err := srv.Register(msg.MustEP("logical://foo"), router.SessionOptions{},
		func(_ context.Context, _ *msg.Message) (*msg.Message, error) {
			received.Add(1)
			return nil, nil
		}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(srv.Close)

	topo, err := topology.OpenClient(client, topology.Config{
		ClusterEP:    msg.MustEP("logical://sparse"),
		Kind:         topology.KindStaticHashed,
		Instances:    []int{0, 1},
		ThisInstance: -1,
	})
	if err != nil {
		t.Fatalf("OpenClient: %v", err)
	}
	defer topo.Close()

	waitFor(t, 10*time.Second, "discovery of instance 0", func() bool {
		return clusterRouteCount(client, "logical://sparse") >= 1
	})

	err = topo.Broadcast(msg.NewPropertyMsg(msg.EP{}))
	if !errors.Is(err, router.ErrNoRoute) {
		t.Errorf("Broadcast error = %v, want ErrNoRoute for the missing instance", err)
	}

	waitFor(t, 5*time.Second, "live instance to receive the broadcast", func() bool {
		return received.Load() == 1
	})
}

// -------------------------------------------------------------------------
// LazyMessenger
// -------------------------------------------------------------------------

// TestLazyMessengerConfirmation verifies the confirmation flow and
// the swallow/surface modes.
func TestLazyMessengerConfirmation(t *testing.T) {
	t.Parallel()

	f := newMemFabric()
	client := newRouter(t, f, "physical://root/hub0/client")
	cfg := topology.Config{ClusterEP: msg.MustEP("logical://a"), Kind: topology.KindBasic}

	serverRouter := newRouter(t, f, "physical://root/hub0/srv0")
	newCountingServer(t, serverRouter, cfg, "A")

	// Confirmation sink on its own router.
	sinkRouter := newRouter(t, f, "physical://root/hub0/sink")
	confirmations := make(chan *topology.DeliveryConfirmationMsg, 8)
	if _, err := sinkRouter.Register(msg.MustEP("logical://confirm"),
		router.SessionOptions{},
		func(_ context.Context, m *msg.Message) (*msg.Message, error) {
			if dc, ok := m.Body.(*topology.DeliveryConfirmationMsg); ok {
				confirmations <- dc
			}
			return nil, nil
		}); err != nil {
		t.Fatalf("Register sink: %v", err)
	}

	topo, err := topology.OpenClient(client, cfg)
	if err != nil {
		t.Fatalf("OpenClient: %v", err)
	}
	defer topo.Close()

	waitFor(t, 10*time.Second, "discovery", func() bool {
		confirmKnown := false
		for _, lr := range client.LogicalRoutes() {
			if !lr.IsLocal() && lr.Pattern.String() == "logical://confirm" {
				confirmKnown = true
			}
		}
		return clusterRouteCount(client, "logical://a") == 1 && confirmKnown
	})

	lm := topology.NewLazyMessenger(client, topo, msg.MustEP("logical://confirm"), true, discard())

	reply, err := lm.Deliver(context.Background(), "k1", msg.NewPropertyMsg(msg.EP{}))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if reply.Prop("value") != "A" {
		t.Errorf("reply value = %q, want A", reply.Prop("value"))
	}

	select {
	case dc := <-confirmations:
		if !dc.OK || dc.Param != "k1" || dc.TopologyKind != topology.KindBasic {
			t.Errorf("confirmation = %+v", dc)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("confirmation never arrived")
	}

	// Failure with confirmation required surfaces; swallowed
	// otherwise. Query an unserved cluster for a guaranteed failure.
	deadTopo, err := topology.OpenClient(client, topology.Config{
		ClusterEP: msg.MustEP("logical://dead"), Kind: topology.KindBasic,
	})
	if err != nil {
		t.Fatalf("OpenClient dead: %v", err)
	}
	strict := topology.NewLazyMessenger(client, deadTopo, msg.MustEP("logical://confirm"), true, discard())
	if _, err := strict.Deliver(context.Background(), "k2", msg.NewPropertyMsg(msg.EP{})); err == nil {
		t.Error("strict Deliver to dead cluster should fail")
	}

	lenient := topology.NewLazyMessenger(client, deadTopo, msg.MustEP("logical://confirm"), false, discard())
	if _, err := lenient.Deliver(context.Background(), "k3", msg.NewPropertyMsg(msg.EP{})); err != nil {
		t.Errorf("lenient Deliver should swallow the failure, got %v", err)
	}

	// Both failures still produced confirmations.
	for i := 0; i < 2; i++ {
		select {
		case dc := <-confirmations:
			if dc.OK {
				t.Errorf("failure confirmation %d reports OK", i)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("failure confirmation never arrived")
		}
	}
}
