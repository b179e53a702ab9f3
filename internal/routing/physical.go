// Package routing implements the router's soft-state routing tables:
// the physical table mapping router endpoints to transport addresses,
// and the logical table mapping service patterns to local handlers or
// physical routes. Both tables are eventually consistent; entries are
// refreshed by advertise traffic and removed by background sweeps.
package routing

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// -------------------------------------------------------------------------
// Capabilities
// -------------------------------------------------------------------------

// Capabilities is the router capability bitset exchanged in advertise
// frames.
type Capabilities uint32

const (
	// CapLeaf marks a leaf-tier router.
	CapLeaf Capabilities = 1 << iota

	// CapHub marks a hub-tier router.
	CapHub

	// CapRoot marks a root-tier router.
	CapRoot

	// CapP2P marks a leaf that participates in leaf-to-leaf routing.
	CapP2P
)

// Has reports whether all bits in mask are set.
func (c Capabilities) Has(mask Capabilities) bool { return c&mask == mask }

// -------------------------------------------------------------------------
// PhysicalRoute
// -------------------------------------------------------------------------

// PhysicalRoute is the soft-state record for one remote router
// instance. Created on the first RouterAdvertise heard from the
// router, refreshed by each subsequent advertise or keep-alive, and
// expired by the background sweep once ExpiresAt passes.
type PhysicalRoute struct {
	// RouterEP is the remote router's physical endpoint.
	RouterEP msg.EP

	// Caps is the remote router's capability bitset.
	Caps Capabilities

	// LogicalSetID is the remote router's current logical
	// endpoint-set generation.
	LogicalSetID uuid.UUID

	// UdpEP and TcpEP are the remote router's transport addresses.
	// Either may be the zero AddrPort when the channel is absent.
	UdpEP netip.AddrPort
	TcpEP netip.AddrPort

	// LastHeard is when the route was last refreshed.
	LastHeard time.Time

	// ExpiresAt is when the route becomes eligible for sweeping.
	ExpiresAt time.Time
}

// clone returns a copy safe for snapshot readers.
func (r *PhysicalRoute) clone() *PhysicalRoute {
	c := *r
	return &c
}

// -------------------------------------------------------------------------
// PhysicalTable
// -------------------------------------------------------------------------

// PhysicalTable maps canonicalized router endpoints to physical
// routes. Reads are frequent (every remote send); writes arrive on the
// advertise cadence, so a single RWMutex suffices.
type PhysicalTable struct {
	mu     sync.RWMutex
	routes map[string]*PhysicalRoute
}

// NewPhysicalTable creates an empty physical routing table.
func NewPhysicalTable() *PhysicalTable {
	return &PhysicalTable{routes: make(map[string]*PhysicalRoute)}
}

// Upsert installs or refreshes a route. For an existing endpoint the
// transport addresses are replaced when different, LastHeard and
// ExpiresAt advance, and the capability bits refresh. The return value
// reports whether the stored logical endpoint-set ID changed, which
// obliges the caller to flush all logical routes pointing at this
// endpoint and await a fresh LogicalAdvertise.
func (t *PhysicalTable) Upsert(route *PhysicalRoute) (setIDChanged bool) {
	key := route.RouterEP.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.routes[key]
	if !ok {
		t.routes[key] = route.clone()
		// A brand-new route has no logical entries yet, so no flush
		// is needed even though the set ID is "new".
		return false
	}

	setIDChanged = existing.LogicalSetID != route.LogicalSetID

	existing.Caps = route.Caps
	existing.LogicalSetID = route.LogicalSetID
	if route.UdpEP.IsValid() {
		existing.UdpEP = route.UdpEP
	}
	if route.TcpEP.IsValid() {
		existing.TcpEP = route.TcpEP
	}
	existing.LastHeard = route.LastHeard
	existing.ExpiresAt = route.ExpiresAt

	return setIDChanged
}

// Touch refreshes LastHeard/ExpiresAt for an endpoint without changing
// its addresses. Used when any traffic arrives from a known router.
func (t *PhysicalTable) Touch(ep msg.EP, now time.Time, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if route, ok := t.routes[ep.String()]; ok {
		route.LastHeard = now
		route.ExpiresAt = now.Add(ttl)
	}
}

// Get returns a snapshot of the route for ep, if present.
func (t *PhysicalTable) Get(ep msg.EP) (*PhysicalRoute, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	route, ok := t.routes[ep.String()]
	if !ok {
		return nil, false
	}
	return route.clone(), true
}

// Remove deletes the route for ep, reporting whether it existed.
func (t *PhysicalTable) Remove(ep msg.EP) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := ep.String()
	_, ok := t.routes[key]
	delete(t.routes, key)
	return ok
}

// SweepExpired removes every route whose ExpiresAt has passed and
// returns the removed endpoints so the logical table can flush.
func (t *PhysicalTable) SweepExpired(now time.Time) []msg.EP {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []msg.EP
	for key, route := range t.routes {
		if now.After(route.ExpiresAt) {
			expired = append(expired, route.RouterEP)
			delete(t.routes, key)
		}
	}
	return expired
}

// Contains reports whether a route exists for the canonical endpoint
// string.
func (t *PhysicalTable) Contains(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.routes[key]
	return ok
}

// List returns route snapshots ordered by endpoint.
func (t *PhysicalTable) List() []*PhysicalRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*PhysicalRoute, 0, len(t.routes))
	for _, route := range t.routes {
		out = append(out, route.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RouterEP.String() < out[j].RouterEP.String()
	})
	return out
}

// Len returns the number of routes.
func (t *PhysicalTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.routes)
}
