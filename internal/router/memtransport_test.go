package router_test

import (
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
)

// -------------------------------------------------------------------------
// In-memory transport fabric
// -------------------------------------------------------------------------
//
// memFabric simulates the network: every frame is encoded and decoded
// exactly as on the wire, unicast frames route by address, and
// multicast frames reach every member of the group including the
// sender (self-reception is part of the channel contract).

type memFabric struct {
	mu       sync.Mutex
	byUDP    map[netip.AddrPort]*memTransport
	byTCP    map[netip.AddrPort]*memTransport
	nextHost int
}

func newMemFabric() *memFabric {
	return &memFabric{
		byUDP: make(map[netip.AddrPort]*memTransport),
		byTCP: make(map[netip.AddrPort]*memTransport),
	}
}

// transport allocates a node with its own host address.
func (f *memFabric) transport() *memTransport {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextHost++
	host := netip.MustParseAddr(fmt.Sprintf("10.1.0.%d", f.nextHost))
	t := &memTransport{
		fabric:  f,
		udpAddr: netip.AddrPortFrom(host, 47000),
		tcpAddr: netip.AddrPortFrom(host, 47001),
	}
	return t
}

type memTransport struct {
	fabric  *memFabric
	udpAddr netip.AddrPort
	tcpAddr netip.AddrPort

	recv atomic.Value // channel.ReceiveFunc
	open atomic.Bool
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

func (t *memTransport) TransmitUDP(to netip.AddrPort, m *msg.Message) error {
	return t.unicast(channel.KindUDP, to, m)
}

func (t *memTransport) TransmitTCP(to netip.AddrPort, m *msg.Message) error {
	return t.unicast(channel.KindTCP, to, m)
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
		target = t.fabric.byTCP[to]
		from = t.tcpAddr
	} else {
		target = t.fabric.byUDP[to]
		from = t.udpAddr
	}
	t.fabric.mu.Unlock()

	if target == nil {
		return channel.ErrNoAddress
	}
	go target.deliver(kind, from, frame)
	return nil
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
// Router construction helpers
// -------------------------------------------------------------------------

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRouter builds and starts a router on the fabric.
func newRouter(t *testing.T, f *memFabric, ep string, p2p bool) *router.Router {
	t.Helper()

	r, err := router.New(router.Config{
		RouterEP:      msg.MustEP(ep),
		EnableP2P:     p2p,
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

// waitFor polls cond until it holds or the deadline passes.
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

// remoteLogicalRoutes counts a router's non-local logical routes.
func remoteLogicalRoutes(r *router.Router) int {
	n := 0
	for _, lr := range r.LogicalRoutes() {
		if !lr.IsLocal() {
			n++
		}
	}
	return n
}
