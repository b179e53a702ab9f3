package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/dantte-lp/gofabric/internal/channel"
	"github.com/dantte-lp/gofabric/internal/msg"
	"github.com/dantte-lp/gofabric/internal/routing"
)

// -------------------------------------------------------------------------
// Background Loop
// -------------------------------------------------------------------------

// now returns the current time. A method so tests hooking the router
// through the transport observe consistent timestamps.
func (r *Router) now() time.Time { return time.Now() }

// backgroundLoop runs the router's periodic work: route sweeps on the
// background tick and advertise emission on its own cadence.
func (r *Router) backgroundLoop(ctx context.Context) {
	defer r.wg.Done()

	tick := time.NewTicker(r.cfg.BkInterval)
	defer tick.Stop()
	adv := time.NewTicker(r.cfg.AdvertiseTime)
	defer adv.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			r.backgroundSweep(now)
		case <-adv.C:
			r.advertise()
		}
	}
}

// backgroundSweep expires physical routes (flushing their logical
// entries), closes idle stream connections, expires cached replies,
// and refreshes the gauges.
func (r *Router) backgroundSweep(now time.Time) {
	expired := r.phys.SweepExpired(now)
	for _, ep := range expired {
		removed := r.logical.RemoveByPhysical(ep.String())
		r.logger.Debug("expired physical route",
			slog.String("router_ep", ep.String()),
			slog.Int("logical_routes_flushed", removed),
		)
	}

	r.logical.Flush(r.phys.Contains, r.dispatcher.Exists)
	r.transport.SweepIdle(now)
	r.sessions.Sweep(now)

	if r.metrics != nil {
		r.metrics.SetTableSizes(r.selfEP.String(), r.phys.Len(), r.logical.Len())
		r.metrics.SetActiveSessions(r.selfEP.String(), r.sessions.Active())
	}
}

// -------------------------------------------------------------------------
// Advertise Emission
// -------------------------------------------------------------------------

// advertise publishes this router's presence and, when it has local
// logical endpoints, those endpoints sharded by
// MaxLogicalAdvertiseEPs under the current set ID.
func (r *Router) advertise() {
	if r.dupLeaf.Load() {
		return
	}

	setID := r.currentSetID()
	adv := r.buildAdvertise(false)

	m := msg.NewMessage(msg.LogicalAllEP, adv)
	m.FromEP = r.selfEP
	m.TTL = 1

	if err := r.transport.Multicast(m); err != nil {
		r.logger.Debug("advertise multicast failed",
			slog.String("error", err.Error()),
		)
	}
	if r.metrics != nil {
		r.metrics.IncAdvertise(r.selfEP.String())
	}

	// Hubs additionally push their advertise up the TCP uplink.
	r.advertiseUplink(m)

	// Publish the logical endpoint set.
	patterns := r.dispatcher.Patterns()
	if len(patterns) == 0 {
		return
	}

	shardSize := r.cfg.MaxLogicalAdvertiseEPs
	total := (len(patterns) + shardSize - 1) / shardSize
	for i := 0; i < total; i++ {
		hi := min((i+1)*shardSize, len(patterns))
		shard := &msg.LogicalAdvertiseMsg{
			LogicalSetID: setID,
			SeqIndex:     uint16(i),
			TotalCount:   uint16(total),
			Endpoints:    patterns[i*shardSize : hi],
		}
		sm := msg.NewMessage(msg.LogicalAllEP, shard)
		sm.FromEP = r.selfEP
		sm.TTL = 1
		if err := r.transport.Multicast(sm); err != nil {
			r.logger.Debug("logical advertise multicast failed",
				slog.String("error", err.Error()),
			)
		}
		r.advertiseUplink(sm)
	}
}

// advertiseUplink pushes an advertise frame to the configured root
// uplink. Hubs with a DETACHED root segment never uplink.
func (r *Router) advertiseUplink(m *msg.Message) {
	if r.tier != TierHub || r.selfEP.IsDetached() || !r.cfg.UplinkEP.IsValid() {
		return
	}
	if err := r.transport.TransmitTCP(r.cfg.UplinkEP, m.Clone()); err != nil {
		r.logger.Debug("uplink advertise failed",
			slog.String("uplink", r.cfg.UplinkEP.String()),
			slog.String("error", err.Error()),
		)
	}
}

// buildAdvertise assembles this router's advertise body.
func (r *Router) buildAdvertise(isReply bool) *msg.RouterAdvertiseMsg {
	r.mu.Lock()
	setID := r.setID
	r.mu.Unlock()

	return &msg.RouterAdvertiseMsg{
		RouterEP:          r.selfEP,
		Capabilities:      uint32(r.caps),
		LogicalSetID:      setID,
		UdpEP:             r.transport.UDPAddr(),
		TcpEP:             r.transport.TCPAddr(),
		RouteTTLSeconds:   uint32(r.cfg.DeadRouterTTL / time.Second),
		StartedAtUnixNano: r.startedAt.UnixNano(),
		IsReply:           isReply,
	}
}

// -------------------------------------------------------------------------
// Advertise Reception
// -------------------------------------------------------------------------

// tracksPeer reports whether this router keeps routes for the
// advertising peer. Leaves only track their hub (and, with P2P, the
// other leaves of the same hub); hubs and roots track everyone.
func (r *Router) tracksPeer(peerEP msg.EP) bool {
	if r.tier != TierLeaf {
		return true
	}
	parent := r.selfEP.Parent()
	if peerEP.Equal(parent) {
		return true
	}
	if r.caps.Has(routing.CapP2P) && peerEP.SegmentCount() == 3 &&
		peerEP.Parent().Equal(parent) {
		return true
	}
	return false
}

// handleRouterAdvertise processes a peer's presence announcement.
func (r *Router) handleRouterAdvertise(from channel.EP, m *msg.Message) {
	adv, ok := m.Body.(*msg.RouterAdvertiseMsg)
	if !ok {
		return
	}

	if adv.RouterEP.Equal(r.selfEP) {
		r.detectDuplicate(adv)
		return
	}

	if !r.tracksPeer(adv.RouterEP) {
		return
	}

	ttl := time.Duration(adv.RouteTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = r.cfg.DeadRouterTTL
	}

	now := r.now()
	route := &routing.PhysicalRoute{
		RouterEP:     adv.RouterEP,
		Caps:         routing.Capabilities(adv.Capabilities),
		LogicalSetID: adv.LogicalSetID,
		UdpEP:        adv.UdpEP,
		TcpEP:        adv.TcpEP,
		LastHeard:    now,
		ExpiresAt:    now.Add(ttl),
	}

	if setIDChanged := r.phys.Upsert(route); setIDChanged {
		// The peer's endpoint list is stale: drop it wholesale and
		// let the accompanying LogicalAdvertise repopulate.
		flushed := r.logical.RemoveByPhysical(adv.RouterEP.String())
		r.logger.Debug("peer endpoint set changed",
			slog.String("router_ep", adv.RouterEP.String()),
			slog.Int("logical_routes_flushed", flushed),
		)
	}

	// Hubs answer their leaves and roots answer their hubs, so the
	// lower tier learns its parent without waiting a full advertise
	// cycle.
	if !adv.IsReply && r.tier != TierLeaf {
		r.sendAdvertiseReply(from)
	}
}

// detectDuplicate handles another instance announcing our endpoint:
// the earliest-created instance sets the flag and refuses to serve.
func (r *Router) detectDuplicate(adv *msg.RouterAdvertiseMsg) {
	if adv.StartedAtUnixNano == r.startedAt.UnixNano() {
		// Our own multicast loopback.
		return
	}
	if r.startedAt.UnixNano() <= adv.StartedAtUnixNano {
		if r.dupLeaf.CompareAndSwap(false, true) {
			r.logger.Error("duplicate router endpoint detected, refusing to serve",
				slog.String("router_ep", r.selfEP.String()),
			)
			r.countDrop("duplicate_leaf")
		}
	}
}

// sendAdvertiseReply answers an advertise with our own, unicast to
// the sender's channel address.
func (r *Router) sendAdvertiseReply(to channel.EP) {
	reply := msg.NewMessage(msg.LogicalAllEP, r.buildAdvertise(true))
	reply.FromEP = r.selfEP
	reply.TTL = 1

	var err error
	if to.Kind == channel.KindTCP {
		err = r.transport.TransmitTCP(to.Addr, reply)
	} else {
		err = r.transport.TransmitUDP(to.Addr, reply)
	}
	if err != nil {
		r.logger.Debug("advertise reply failed",
			slog.String("to", to.String()),
			slog.String("error", err.Error()),
		)
	}
}

// handleLogicalAdvertise merges a peer's logical endpoint shard.
func (r *Router) handleLogicalAdvertise(_ channel.EP, m *msg.Message) {
	adv, ok := m.Body.(*msg.LogicalAdvertiseMsg)
	if !ok || m.FromEP.Equal(r.selfEP) {
		return
	}
	if !r.tracksPeer(m.FromEP) {
		return
	}

	phys, ok := r.phys.Get(m.FromEP)
	if !ok {
		// The RouterAdvertise carrying the addresses has not arrived
		// yet; the next advertise cycle repairs this.
		return
	}

	distance := routing.ComputeDistance(r.selfEP, r.transport.UDPAddr().Addr(), phys)
	r.logical.ReplaceForPhysical(phys, adv.LogicalSetID, adv.Endpoints, distance)

	r.logger.Debug("merged logical advertise",
		slog.String("router_ep", m.FromEP.String()),
		slog.Int("endpoints", len(adv.Endpoints)),
		slog.Uint64("shard", uint64(adv.SeqIndex)),
	)
}

// -------------------------------------------------------------------------
// Snapshots
// -------------------------------------------------------------------------

// PhysicalRoutes returns a snapshot of the physical routing table.
func (r *Router) PhysicalRoutes() []*routing.PhysicalRoute { return r.phys.List() }

// LogicalRoutes returns a snapshot of the logical routing table.
func (r *Router) LogicalRoutes() []*routing.LogicalRoute { return r.logical.List() }

// Status summarizes the router for monitoring surfaces.
type Status struct {
	RouterEP       string    `json:"router_ep"`
	Tier           string    `json:"tier"`
	P2P            bool      `json:"p2p"`
	Started        bool      `json:"started"`
	StartedAt      time.Time `json:"started_at"`
	DuplicateLeaf  bool      `json:"duplicate_leaf"`
	PhysicalRoutes int       `json:"physical_routes"`
	LogicalRoutes  int       `json:"logical_routes"`
	ActiveSessions int       `json:"active_sessions"`
}

// StatusSnapshot returns the router's current status.
func (r *Router) StatusSnapshot() Status {
	return Status{
		RouterEP:       r.selfEP.String(),
		Tier:           r.tier.String(),
		P2P:            r.caps.Has(routing.CapP2P),
		Started:        r.started.Load(),
		StartedAt:      r.startedAt,
		DuplicateLeaf:  r.dupLeaf.Load(),
		PhysicalRoutes: r.phys.Len(),
		LogicalRoutes:  r.logical.Len(),
		ActiveSessions: r.sessions.Active(),
	}
}
