package routing

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// -------------------------------------------------------------------------
// LogicalRoute
// -------------------------------------------------------------------------

// LogicalRoute binds a logical endpoint pattern to a delivery target:
// either a local handler in this process (HandlerID != 0) or a remote
// router's physical route.
type LogicalRoute struct {
	// Pattern is the logical endpoint pattern, possibly wildcarded.
	Pattern msg.EP

	// HandlerID identifies the local dispatcher handler serving the
	// pattern. Zero for remote routes.
	HandlerID uint64

	// Physical is the remote router's route. Nil for local routes.
	Physical *PhysicalRoute

	// Distance is the route's rank relative to the local router,
	// computed when the route is installed.
	Distance Distance
}

// IsLocal reports whether the route targets an in-process handler.
func (r *LogicalRoute) IsLocal() bool { return r.HandlerID != 0 }

// sortKey orders routes deterministically for hashed selection. Local
// routes sort by an empty key ahead of every remote endpoint.
func (r *LogicalRoute) sortKey() string {
	if r.IsLocal() {
		return ""
	}
	return r.Physical.RouterEP.String()
}

// -------------------------------------------------------------------------
// LogicalTable — segment trie
// -------------------------------------------------------------------------

// logicalNode is one trie level keyed by path segment. Routes whose
// pattern ends at this node (including wildcard patterns) live in the
// node itself.
type logicalNode struct {
	children map[string]*logicalNode

	// exact holds routes whose pattern terminates at this node.
	exact []*LogicalRoute

	// wildcard holds routes whose pattern is this prefix plus "*".
	wildcard []*LogicalRoute
}

func newLogicalNode() *logicalNode {
	return &logicalNode{children: make(map[string]*logicalNode)}
}

// LogicalTable stores logical routes in a radix-like trie keyed by the
// pattern's path segments, supporting wildcard lookup from either the
// stored pattern or the query.
type LogicalTable struct {
	mu   sync.RWMutex
	root *logicalNode
}

// NewLogicalTable creates an empty logical routing table.
func NewLogicalTable() *LogicalTable {
	return &LogicalTable{root: newLogicalNode()}
}

// Add installs a route.
func (t *LogicalTable) Add(route *LogicalRoute) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for _, seg := range route.Pattern.Segments() {
		child, ok := node.children[seg]
		if !ok {
			child = newLogicalNode()
			node.children[seg] = child
		}
		node = child
	}
	if route.Pattern.IsWildcard() {
		node.wildcard = append(node.wildcard, route)
	} else {
		node.exact = append(node.exact, route)
	}
}

// GetRoutes returns every route whose pattern matches the query,
// honoring wildcards on either side. A wildcard query enumerates all
// routes under its prefix (used internally to gather advertise sets).
func (t *LogicalTable) GetRoutes(query msg.EP) []*LogicalRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*LogicalRoute
	segs := query.Segments()
	node := t.root

	// Walk down the query path. A stored "prefix/*" route at depth i
	// matches any query carrying at least one segment beyond i.
	for i := 0; i < len(segs); i++ {
		out = append(out, node.wildcard...)
		child, ok := node.children[segs[i]]
		if !ok {
			return out
		}
		node = child
	}

	if query.IsWildcard() {
		// Exact patterns strictly below the prefix match, as do all
		// wildcard patterns at or below it (overlapping prefixes).
		// The prefix node's own exact routes do not: the query's "*"
		// requires at least one extra segment.
		collectSubtree(node, &out, true)
	} else {
		out = append(out, node.exact...)
	}

	return out
}

// collectSubtree appends the subtree's routes. atPrefix suppresses the
// root node's exact routes (see GetRoutes).
func collectSubtree(node *logicalNode, out *[]*LogicalRoute, atPrefix bool) {
	if !atPrefix {
		*out = append(*out, node.exact...)
	}
	*out = append(*out, node.wildcard...)
	keys := make([]string, 0, len(node.children))
	for k := range node.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		collectSubtree(node.children[k], out, false)
	}
}

// RemoveLocal removes every route registered under the local handler
// ID. Returns the number of routes removed.
func (t *LogicalTable) RemoveLocal(handlerID uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.removeWhere(func(r *LogicalRoute) bool {
		return r.HandlerID == handlerID
	})
}

// RemoveByPhysical removes every remote route pointing at the given
// canonical router endpoint string. Returns the number removed.
func (t *LogicalTable) RemoveByPhysical(routerEP string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.removeWhere(func(r *LogicalRoute) bool {
		return !r.IsLocal() && r.Physical.RouterEP.String() == routerEP
	})
}

// ReplaceForPhysical applies a LogicalAdvertise shard: when the stored
// routes for the router carry a different set ID, they are dropped
// wholesale first; then the shard's endpoints are added (deduplicated
// against routes already present for this router and set).
func (t *LogicalTable) ReplaceForPhysical(
	phys *PhysicalRoute,
	setID uuid.UUID,
	endpoints []msg.EP,
	distance Distance,
) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := phys.RouterEP.String()

	stale := false
	existing := make(map[string]bool)
	t.visit(func(r *LogicalRoute) {
		if r.IsLocal() || r.Physical.RouterEP.String() != key {
			return
		}
		if r.Physical.LogicalSetID != setID {
			stale = true
		}
		existing[r.Pattern.String()] = true
	})

	if stale {
		t.removeWhere(func(r *LogicalRoute) bool {
			return !r.IsLocal() && r.Physical.RouterEP.String() == key
		})
		existing = make(map[string]bool)
	}

	physCopy := phys.clone()
	physCopy.LogicalSetID = setID
	for _, ep := range endpoints {
		if existing[ep.String()] {
			continue
		}
		t.addLocked(&LogicalRoute{
			Pattern:  ep,
			Physical: physCopy,
			Distance: distance,
		})
		existing[ep.String()] = true
	}
}

// addLocked installs a route with the lock already held.
func (t *LogicalTable) addLocked(route *LogicalRoute) {
	node := t.root
	for _, seg := range route.Pattern.Segments() {
		child, ok := node.children[seg]
		if !ok {
			child = newLogicalNode()
			node.children[seg] = child
		}
		node = child
	}
	if route.Pattern.IsWildcard() {
		node.wildcard = append(node.wildcard, route)
	} else {
		node.exact = append(node.exact, route)
	}
}

// Flush removes remote routes whose physical route no longer exists
// and local routes whose handler has been deregistered.
func (t *LogicalTable) Flush(physExists func(routerEP string) bool, handlerExists func(id uint64) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.removeWhere(func(r *LogicalRoute) bool {
		if r.IsLocal() {
			return handlerExists != nil && !handlerExists(r.HandlerID)
		}
		return physExists != nil && !physExists(r.Physical.RouterEP.String())
	})
}

// List returns a snapshot of every route.
func (t *LogicalTable) List() []*LogicalRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*LogicalRoute
	t.visit(func(r *LogicalRoute) { out = append(out, r) })
	sort.Slice(out, func(i, j int) bool {
		if a, b := out[i].Pattern.String(), out[j].Pattern.String(); a != b {
			return a < b
		}
		return out[i].sortKey() < out[j].sortKey()
	})
	return out
}

// Len returns the number of routes.
func (t *LogicalTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	t.visit(func(*LogicalRoute) { n++ })
	return n
}

// visit walks every route with the lock held.
func (t *LogicalTable) visit(fn func(*LogicalRoute)) {
	var walk func(*logicalNode)
	walk = func(n *logicalNode) {
		for _, r := range n.exact {
			fn(r)
		}
		for _, r := range n.wildcard {
			fn(r)
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t.root)
}

// removeWhere drops routes matching pred with the lock held,
// returning the number removed.
func (t *LogicalTable) removeWhere(pred func(*LogicalRoute) bool) int {
	removed := 0
	var walk func(*logicalNode)
	walk = func(n *logicalNode) {
		n.exact = filterRoutes(n.exact, pred, &removed)
		n.wildcard = filterRoutes(n.wildcard, pred, &removed)
		for key, child := range n.children {
			walk(child)
			if len(child.exact) == 0 && len(child.wildcard) == 0 && len(child.children) == 0 {
				delete(n.children, key)
			}
		}
	}
	walk(t.root)
	return removed
}

// filterRoutes removes matching routes from a slice in place.
func filterRoutes(routes []*LogicalRoute, pred func(*LogicalRoute) bool, removed *int) []*LogicalRoute {
	out := routes[:0]
	for _, r := range routes {
		if pred(r) {
			*removed++
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
