package routing

import (
	"hash/fnv"
	"math/rand"
	"net/netip"
	"sort"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// -------------------------------------------------------------------------
// Route Distance
// -------------------------------------------------------------------------

// Distance ranks how close a logical route is to the local router.
// Message delivery prefers the closest non-empty tier.
type Distance uint8

const (
	// DistanceProcess marks a route served by a handler in this
	// process (same router).
	DistanceProcess Distance = iota

	// DistanceMachine marks a route on another router bound to the
	// same host address.
	DistanceMachine

	// DistanceSubnet marks a route within the same hub subtree: the
	// peer shares this router's root/hub prefix, or is this router's
	// own hub or one of its direct leaves.
	DistanceSubnet

	// DistanceExternal marks every other route.
	DistanceExternal
)

// String returns the human-readable distance name.
func (d Distance) String() string {
	switch d {
	case DistanceProcess:
		return "Process"
	case DistanceMachine:
		return "Machine"
	case DistanceSubnet:
		return "Subnet"
	case DistanceExternal:
		return "External"
	default:
		return "Unknown"
	}
}

// ComputeDistance ranks a physical route relative to the local router.
// selfEP is the local physical endpoint; selfAddr is the local channel
// bind address used for the same-machine test.
func ComputeDistance(selfEP msg.EP, selfAddr netip.Addr, route *PhysicalRoute) Distance {
	if route == nil {
		return DistanceProcess
	}
	if route.RouterEP.Equal(selfEP) {
		return DistanceProcess
	}

	if selfAddr.IsValid() {
		peer := route.UdpEP.Addr()
		if !peer.IsValid() {
			peer = route.TcpEP.Addr()
		}
		if peer.IsValid() && peer == selfAddr {
			return DistanceMachine
		}
	}

	if sameSubnetTree(selfEP, route.RouterEP) {
		return DistanceSubnet
	}
	return DistanceExternal
}

// sameSubnetTree reports whether two physical endpoints share a
// root/hub prefix, or one is the direct hub parent of the other.
func sameSubnetTree(a, b msg.EP) bool {
	if a.Root() != b.Root() {
		return false
	}
	ha, hb := a.Hub(), b.Hub()
	switch {
	case ha == "" || hb == "":
		// One side is a root: same tree when roots match.
		return true
	default:
		return ha == hb
	}
}

// -------------------------------------------------------------------------
// Selection Policies
// -------------------------------------------------------------------------

// SelectPolicy chooses among the routes of the closest tier.
type SelectPolicy uint8

const (
	// SelectOne picks a single random route.
	SelectOne SelectPolicy = iota

	// SelectAll returns every route (broadcast fan-out).
	SelectAll

	// SelectHashed picks hash(key) mod count over endpoint-sorted
	// routes, giving a stable mapping while membership is stable.
	SelectHashed
)

// ClosestTier partitions routes by distance and returns the closest
// non-empty tier. The input order is preserved within the tier.
func ClosestTier(routes []*LogicalRoute) []*LogicalRoute {
	if len(routes) == 0 {
		return nil
	}

	best := DistanceExternal
	for _, r := range routes {
		if r.Distance < best {
			best = r.Distance
		}
	}

	var tier []*LogicalRoute
	for _, r := range routes {
		if r.Distance == best {
			tier = append(tier, r)
		}
	}
	return tier
}

// Select applies the policy to the given tier. For SelectHashed the
// key must be the caller's hashing key; it is ignored by the other
// policies. Returns nil for an empty tier.
func Select(tier []*LogicalRoute, policy SelectPolicy, key string) []*LogicalRoute {
	if len(tier) == 0 {
		return nil
	}

	switch policy {
	case SelectAll:
		return tier
	case SelectHashed:
		return []*LogicalRoute{hashedPick(tier, key)}
	default:
		return []*LogicalRoute{tier[rand.Intn(len(tier))]}
	}
}

// hashedPick orders the tier by router endpoint and picks
// hash(key) mod count. Local routes sort with an empty endpoint key,
// placing them first deterministically.
func hashedPick(tier []*LogicalRoute, key string) *LogicalRoute {
	sorted := make([]*LogicalRoute, len(tier))
	copy(sorted, tier)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].sortKey() < sorted[j].sortKey()
	})

	h := fnv.New64a()
	h.Write([]byte(key))
	idx := h.Sum64() % uint64(len(sorted))
	return sorted[idx]
}
