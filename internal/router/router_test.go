package router_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dantte-lp/gofabric/internal/msg"
	"github.com/dantte-lp/gofabric/internal/router"
)

// TestTierFromEP verifies endpoint depth to tier mapping.
func TestTierFromEP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ep      string
		want    router.Tier
		wantErr bool
	}{
		{"physical://root", router.TierRoot, false},
		{"physical://root/hub0", router.TierHub, false},
		{"physical://root/hub0/leaf1", router.TierLeaf, false},
		{"logical://foo", 0, true},
	}
	for _, tt := range tests {
		got, err := router.TierFromEP(msg.MustEP(tt.ep))
		if tt.wantErr {
			if !errors.Is(err, router.ErrBadTier) {
				t.Errorf("TierFromEP(%s) error = %v, want ErrBadTier", tt.ep, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("TierFromEP(%s) = (%v, %v), want %v", tt.ep, got, err, tt.want)
		}
	}
}

// TestStartStopIdempotent verifies the lifecycle contract.
func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	f := newMemFabric()
	r := newRouter(t, f, "physical://root/hub0/solo", false)

	// Second Start and Stop are no-ops.
	if err := r.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if _, err := r.Query(context.Background(), msg.MustEP("logical://x"), msg.NewPropertyMsg(msg.EP{})); !errors.Is(err, router.ErrNotStarted) {
		t.Errorf("Query on stopped router = %v, want ErrNotStarted", err)
	}
}

// TestHubLeafDiscovery verifies that a hub learns its leaves' routes
// and endpoints and that non-P2P leaves learn only their hub.
func TestHubLeafDiscovery(t *testing.T) {
	t.Parallel()

	f := newMemFabric()
	hub := newRouter(t, f, "physical://root/hub0", false)
	leaf1 := newRouter(t, f, "physical://root/hub0/leaf1", false)
	leaf2 := newRouter(t, f, "physical://root/hub0/leaf2", false)

	if _, err := leaf2.Register(msg.MustEP("logical://svc/echo"), router.SessionOptions{Type: router.SessionQuery},
		func(_ context.Context, q *msg.Message) (*msg.Message, error) {
			reply := msg.NewPropertyMsg(q.FromEP)
			reply.SetProp("from", "leaf2")
			return reply, nil
		}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	waitFor(t, 5*time.Second, "hub to learn both leaves", func() bool {
		return len(hub.PhysicalRoutes()) >= 2
	})
	waitFor(t, 5*time.Second, "hub to learn leaf2's endpoint", func() bool {
		return remoteLogicalRoutes(hub) >= 1
	})
	waitFor(t, 5*time.Second, "leaves to learn the hub", func() bool {
		return len(leaf1.PhysicalRoutes()) >= 1 && len(leaf2.PhysicalRoutes()) >= 1
	})

	// Non-P2P leaves never track each other's logical endpoints.
	if n := remoteLogicalRoutes(leaf1); n != 0 {
		t.Errorf("non-P2P leaf tracks %d remote logical routes, want 0", n)
	}

	// A query from leaf1 reaches leaf2's handler via the hub.
	reply, err := leaf1.Query(context.Background(),
		msg.MustEP("logical://svc/echo"), msg.NewPropertyMsg(msg.EP{}))
	if err != nil {
		t.Fatalf("Query via hub: %v", err)
	}
	if reply.Prop("from") != "leaf2" {
		t.Errorf("reply from = %q, want leaf2", reply.Prop("from"))
	}
}

// TestP2PLeafDiscovery verifies the full-mesh scenario: every P2P
// leaf learns every other leaf's endpoints, the hub learns all, and
// no loops form.
func TestP2PLeafDiscovery(t *testing.T) {
	t.Parallel()

	const leafCount = 20

	f := newMemFabric()
	hub := newRouter(t, f, "physical://root/hub0", false)

	leaves := make([]*router.Router, leafCount)
	for i := range leaves {
		leaves[i] = newRouter(t, f, fmt.Sprintf("physical://root/hub0/leaf%d", i), true)
		if _, err := leaves[i].Register(msg.MustEP("logical://foo"),
			router.SessionOptions{Type: router.SessionQuery},
			func(_ context.Context, q *msg.Message) (*msg.Message, error) {
				return msg.NewPropertyMsg(q.FromEP), nil
			}); err != nil {
			t.Fatalf("Register leaf%d: %v", i, err)
		}
	}

	waitFor(t, 30*time.Second, "hub to hold all leaf endpoints", func() bool {
		return remoteLogicalRoutes(hub) == leafCount
	})
	for i, leaf := range leaves {
		waitFor(t, 30*time.Second,
			fmt.Sprintf("leaf%d to hold the other %d endpoints", i, leafCount-1),
			func() bool { return remoteLogicalRoutes(leaf) == leafCount-1 })
	}
}

// TestP2PDirectQuery verifies leaf-to-leaf delivery without the hub.
func TestP2PDirectQuery(t *testing.T) {
	t.Parallel()

	f := newMemFabric()
	// No hub at all: pure P2P subnet still routes leaf-to-leaf.
	serving := newRouter(t, f, "physical://root/hub0/server", true)
	client := newRouter(t, f, "physical://root/hub0/client", true)

	var invocations atomic.Int64
	if _, err := serving.Register(msg.MustEP("logical://p2p/echo"),
		router.SessionOptions{Type: router.SessionQuery, Idempotent: true},
		func(_ context.Context, q *msg.Message) (*msg.Message, error) {
			invocations.Add(1)
			reply := msg.NewPropertyMsg(q.FromEP)
			reply.SetProp("value", "A")
			return reply, nil
		}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	waitFor(t, 5*time.Second, "client to learn the serving leaf", func() bool {
		return remoteLogicalRoutes(client) >= 1
	})

	reply, err := client.Query(context.Background(),
		msg.MustEP("logical://p2p/echo"), msg.NewPropertyMsg(msg.EP{}))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if reply.Prop("value") != "A" {
		t.Errorf("value = %q, want A", reply.Prop("value"))
	}
	if invocations.Load() != 1 {
		t.Errorf("handler invocations = %d, want 1", invocations.Load())
	}
}

// TestBroadcastReachesEveryLeaf verifies one handler invocation per
// serving leaf.
func TestBroadcastReachesEveryLeaf(t *testing.T) {
	t.Parallel()

	const servers = 3

	f := newMemFabric()
	client := newRouter(t, f, "physical://root/hub0/client", true)

	var invocations atomic.Int64
	for i := 0; i < servers; i++ {
		r := newRouter(t, f, fmt.Sprintf("physical://root/hub0/srv%d", i), true)
		if _, err := r.Register(msg.MustEP("logical://bcast"),
			router.SessionOptions{},
			func(_ context.Context, _ *msg.Message) (*msg.Message, error) {
				invocations.Add(1)
				return nil, nil
			}); err != nil {
			t.Fatalf("Register srv%d: %v", i, err)
		}
	}

	waitFor(t, 10*time.Second, "client to learn all servers", func() bool {
		return remoteLogicalRoutes(client) == servers
	})

	if err := client.Broadcast(msg.MustEP("logical://bcast"), msg.NewPropertyMsg(msg.EP{})); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	waitFor(t, 5*time.Second, "all handlers to fire", func() bool {
		return invocations.Load() == servers
	})
	// No extra invocations trickle in.
	time.Sleep(200 * time.Millisecond)
	if n := invocations.Load(); n != servers {
		t.Errorf("handler invocations = %d, want %d", n, servers)
	}
}

// TestTTLExceededDroppedSilently verifies a TTL of 1 dies at the
// first forwarder without reaching the handler.
func TestTTLExceededDroppedSilently(t *testing.T) {
	t.Parallel()

	f := newMemFabric()
	hub := newRouter(t, f, "physical://root/hub0", false)
	_ = hub
	serving := newRouter(t, f, "physical://root/hub0/server", false)
	client := newRouter(t, f, "physical://root/hub0/client", false)

	var invocations atomic.Int64
	if _, err := serving.Register(msg.MustEP("logical://ttl/sink"),
		router.SessionOptions{},
		func(_ context.Context, _ *msg.Message) (*msg.Message, error) {
			invocations.Add(1)
			return nil, nil
		}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	waitFor(t, 5*time.Second, "discovery to settle", func() bool {
		return len(client.PhysicalRoutes()) >= 1 && remoteLogicalRoutes(hub) >= 1
	})

	m := msg.NewPropertyMsg(msg.EP{})
	m.TTL = 1
	if err := client.Send(msg.MustEP("logical://ttl/sink"), m); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if n := invocations.Load(); n != 0 {
		t.Errorf("handler invoked %d times despite TTL exhaustion", n)
	}
}

// TestDuplicateLeafDetection verifies the earliest-created instance
// flags the conflict and refuses to serve.
func TestDuplicateLeafDetection(t *testing.T) {
	t.Parallel()

	f := newMemFabric()
	first := newRouter(t, f, "physical://root/hub0/dup", false)
	time.Sleep(20 * time.Millisecond)
	second := newRouter(t, f, "physical://root/hub0/dup", false)

	waitFor(t, 5*time.Second, "first instance to flag the duplicate", func() bool {
		return first.DuplicateLeafDetected()
	})
	if second.DuplicateLeafDetected() {
		t.Error("latest instance flagged the duplicate, want earliest only")
	}

	if err := first.Send(msg.MustEP("logical://anything"), msg.NewPropertyMsg(msg.EP{})); !errors.Is(err, router.ErrDuplicateLeaf) {
		t.Errorf("Send on refusing router = %v, want ErrDuplicateLeaf", err)
	}
}

// TestEndpointSetReplacement verifies that re-registering a changed
// handler set replaces the peer's view wholesale.
func TestEndpointSetReplacement(t *testing.T) {
	t.Parallel()

	f := newMemFabric()
	hub := newRouter(t, f, "physical://root/hub0", false)
	leaf := newRouter(t, f, "physical://root/hub0/leaf", false)

	noop := func(_ context.Context, _ *msg.Message) (*msg.Message, error) { return nil, nil }

	oldID, err := leaf.Register(msg.MustEP("logical://old/svc"), router.SessionOptions{}, noop)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	waitFor(t, 5*time.Second, "hub to learn the old endpoint", func() bool {
		routes := hub.LogicalRoutes()
		for _, lr := range routes {
			if lr.Pattern.String() == "logical://old/svc" {
				return true
			}
		}
		return false
	})

	// Swap the handler set.
	leaf.Deregister(oldID)
	if _, err := leaf.Register(msg.MustEP("logical://new/svc"), router.SessionOptions{}, noop); err != nil {
		t.Fatalf("Register new: %v", err)
	}

	waitFor(t, 5*time.Second, "hub to swap to the new endpoint", func() bool {
		hasOld, hasNew := false, false
		for _, lr := range hub.LogicalRoutes() {
			switch lr.Pattern.String() {
			case "logical://old/svc":
				hasOld = true
			case "logical://new/svc":
				hasNew = true
			}
		}
		return hasNew && !hasOld
	})
}

// TestSessionOptionsString covers the enum surface.
func TestSessionOptionsString(t *testing.T) {
	t.Parallel()

	want := map[router.SessionType]string{
		router.SessionNone:     "None",
		router.SessionQuery:    "Query",
		router.SessionDuplex:   "Duplex",
		router.SessionTransfer: "ReliableTransfer",
	}
	for st, name := range want {
		if st.String() != name {
			t.Errorf("SessionType(%d).String() = %q, want %q", st, st.String(), name)
		}
	}
}
