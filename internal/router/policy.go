package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/channel"
	"github.com/dantte-lp/gofabric/internal/msg"
	"github.com/dantte-lp/gofabric/internal/routing"
)

// -------------------------------------------------------------------------
// Routing Policy — outbound and forwarding
// -------------------------------------------------------------------------

// route applies the routing policy to a message. hop marks a message
// being forwarded on behalf of another router: forwarded frames have
// their TTL decremented and their message ID rewritten, and a
// exhausted TTL drops them silently (the sender only ever observes
// the loss through its own timeout).
func (r *Router) route(m *msg.Message, hop bool) error {
	if r.dupLeaf.Load() {
		return fmt.Errorf("route %s: %w", m.ToEP, ErrDuplicateLeaf)
	}
	if m.TTL == 0 && !hop {
		m.TTL = r.cfg.DefMsgTTL
	}

	if m.ToEP.IsPhysical() {
		return r.routePhysical(m, hop)
	}
	return r.routeLogical(m, hop)
}

// routePhysical delivers or forwards a physically addressed message.
func (r *Router) routePhysical(m *msg.Message, hop bool) error {
	to := m.ToEP

	if to.Equal(r.selfEP) {
		r.localDeliver(m)
		return nil
	}

	if route, ok := r.phys.Get(to); ok {
		return r.transmitTo(route, m, hop)
	}

	// Prefix fallback: a hub or root that does not know the exact
	// endpoint may still know the destination's hub.
	for parent := to.Parent(); !parent.IsZero(); parent = parent.Parent() {
		if route, ok := r.phys.Get(parent); ok {
			return r.transmitTo(route, m, hop)
		}
	}

	switch r.tier {
	case TierLeaf:
		// Punt to the hub; the hub knows the subnet.
		if hub, ok := r.phys.Get(r.selfEP.Parent()); ok {
			return r.transmitTo(hub, m, hop)
		}
		return r.multicastOut(m, hop)

	case TierHub:
		// Broadcast a find on the discovery group; the target hears
		// its own endpoint and processes the frame directly.
		return r.multicastOut(m, hop)

	default:
		r.countDrop("no_route")
		return fmt.Errorf("route %s: %w", to, ErrNoRoute)
	}
}

// routeLogical resolves a logical destination and delivers per the
// selection policy.
func (r *Router) routeLogical(m *msg.Message, hop bool) error {
	routes := r.logical.GetRoutes(m.ToEP)
	tier := routing.ClosestTier(routes)

	if len(tier) == 0 {
		// A leaf without a matching route punts to its hub, which
		// holds the subnet's logical map.
		if r.tier == TierLeaf && !hop {
			if hub, ok := r.phys.Get(r.selfEP.Parent()); ok {
				return r.transmitTo(hub, m, hop)
			}
		}
		r.countDrop("no_route")
		return fmt.Errorf("route %s: %w", m.ToEP, ErrNoRoute)
	}

	policy := routing.SelectOne
	key := ""
	switch {
	case m.Flags.Has(msg.FlagBroadcast):
		policy = routing.SelectAll
	case m.HasProp(HashKeyProp):
		policy = routing.SelectHashed
		key = m.Prop(HashKeyProp)
	}

	selected := routing.Select(tier, policy, key)

	var errs error
	for _, sel := range selected {
		out := m
		if len(selected) > 1 {
			out = m.Clone()
			out.MsgID = uuid.New()
		}
		if sel.IsLocal() {
			r.localDispatch(out, sel.HandlerID)
			continue
		}
		errs = errors.Join(errs, r.transmitTo(sel.Physical, out, hop))
	}
	return errs
}

// transmitTo sends a message to a peer router, preferring the stream
// channel and falling back to the datagram channel.
func (r *Router) transmitTo(route *routing.PhysicalRoute, m *msg.Message, hop bool) error {
	out := m
	if hop {
		out = m.Clone()
		out.MsgID = uuid.New()
		if out.TTL == 0 {
			r.countDrop("ttl")
			r.logger.Debug("dropping forwarded message",
				slog.String("to", m.ToEP.String()),
				slog.String("error", ErrTTLExceeded.Error()),
			)
			return nil
		}
		out.TTL--
		if out.TTL == 0 {
			r.countDrop("ttl")
			r.logger.Debug("dropping forwarded message",
				slog.String("to", m.ToEP.String()),
				slog.String("error", ErrTTLExceeded.Error()),
			)
			return nil
		}
	}

	r.countSent(out)

	if route.TcpEP.IsValid() {
		if err := r.transport.TransmitTCP(route.TcpEP, out); err == nil {
			return nil
		}
	}
	if route.UdpEP.IsValid() {
		if err := r.transport.TransmitUDP(route.UdpEP, out); err != nil {
			return fmt.Errorf("transmit to %s: %w", route.RouterEP, err)
		}
		return nil
	}
	return fmt.Errorf("transmit to %s: %w", route.RouterEP, ErrNoRoute)
}

// multicastOut broadcasts a frame on the discovery group.
func (r *Router) multicastOut(m *msg.Message, hop bool) error {
	out := m
	if hop {
		out = m.Clone()
		out.MsgID = uuid.New()
		if out.TTL <= 1 {
			r.countDrop("ttl")
			return nil
		}
		out.TTL--
	}
	r.countSent(out)
	if err := r.transport.Multicast(out); err != nil {
		return fmt.Errorf("multicast %s: %w", m.ToEP, ErrNoRoute)
	}
	return nil
}

// -------------------------------------------------------------------------
// Inbound
// -------------------------------------------------------------------------

// onReceive is the transport's inbound callback.
func (r *Router) onReceive(from channel.EP, m *msg.Message) {
	if r.metrics != nil {
		r.metrics.IncReceived(r.selfEP.String(), m.TypeTag())
	}
	if r.dupLeaf.Load() {
		return
	}

	r.learnRoute(from, m)

	switch m.Body.(type) {
	case *msg.RouterAdvertiseMsg:
		r.handleRouterAdvertise(from, m)
		return
	case *msg.LogicalAdvertiseMsg:
		r.handleLogicalAdvertise(from, m)
		return
	}

	if m.SessionID != (uuid.UUID{}) && r.sessions.OnInbound(m) {
		return
	}

	if m.ToEP.IsPhysical() {
		r.inboundPhysical(from, m)
		return
	}
	r.inboundLogical(m)
}

// inboundPhysical delivers or forwards a physically addressed frame.
func (r *Router) inboundPhysical(from channel.EP, m *msg.Message) {
	if m.ToEP.Equal(r.selfEP) {
		r.localDeliver(m)
		return
	}

	// Leaves never forward on behalf of other routers; a frame
	// addressed elsewhere reached us by multicast or mistake.
	if r.tier == TierLeaf {
		r.countDrop("not_ours")
		return
	}

	if err := r.routePhysical(m, true); err != nil {
		r.logger.Debug("forward failed",
			slog.String("to", m.ToEP.String()),
			slog.String("error", err.Error()),
		)
	}
}

// inboundLogical delivers or forwards a logically addressed frame.
func (r *Router) inboundLogical(m *msg.Message) {
	if err := r.routeLogical(m, true); err != nil {
		r.logger.Debug("logical delivery failed",
			slog.String("to", m.ToEP.String()),
			slog.String("error", err.Error()),
		)
	}
}

// learnRoute installs an implicit physical route for the sender so
// replies have a path even before the next advertise cycle.
func (r *Router) learnRoute(from channel.EP, m *msg.Message) {
	if m.FromEP.IsZero() || m.FromEP.Equal(r.selfEP) || !m.FromEP.IsPhysical() {
		return
	}

	if _, known := r.phys.Get(m.FromEP); known {
		r.phys.Touch(m.FromEP, r.now(), r.cfg.DeadRouterTTL)
		return
	}

	route := &routing.PhysicalRoute{
		RouterEP:  m.FromEP,
		LastHeard: r.now(),
		ExpiresAt: r.now().Add(r.cfg.DeadRouterTTL),
	}
	switch from.Kind {
	case channel.KindTCP:
		route.TcpEP = from.Addr
	default:
		route.UdpEP = from.Addr
	}
	r.phys.Upsert(route)
}

// localDeliver handles a frame addressed to this router's physical
// endpoint. Session traffic was consumed upstream; what remains is
// receipt generation and stray frames.
func (r *Router) localDeliver(m *msg.Message) {
	if m.Flags.Has(msg.FlagReceiptRequest) && !m.ReceiptEP.IsZero() {
		receipt := msg.NewPropertyMsg(m.ReceiptEP)
		receipt.SetProp(propReceiptFor, m.MsgID.String())
		if err := r.Send(m.ReceiptEP, receipt); err != nil {
			r.logger.Debug("receipt send failed",
				slog.String("to", m.ReceiptEP.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	r.logger.Debug("dropping unroutable local frame",
		slog.String("type", m.TypeTag()),
		slog.String("session_id", m.SessionID.String()),
	)
	r.countDrop("no_handler")
}

// localDispatch invokes the registered handler for a locally routed
// logical message on a pool worker.
func (r *Router) localDispatch(m *msg.Message, handlerID uint64) {
	reg, ok := r.dispatcher.byID(handlerID)
	if !ok {
		r.countDrop("no_handler")
		return
	}

	switch {
	case m.Flags.Has(msg.FlagOpenSession):
		r.openServerSession(m, reg)
	case reg.query != nil:
		r.submit(func() {
			if _, err := reg.query(context.Background(), m); err != nil {
				r.logger.Debug("one-way handler failed",
					slog.String("pattern", reg.pattern.String()),
					slog.String("error", err.Error()),
				)
			}
		})
	default:
		r.countDrop("no_handler")
	}
}

// openServerSession starts the appropriate server-side session for an
// OpenSession frame.
func (r *Router) openServerSession(m *msg.Message, reg *registration) {
	switch {
	case reg.duplex != nil:
		if _, err := r.sessions.AcceptDuplex(m, reg.duplex); err != nil {
			r.logger.Debug("duplex accept failed",
				slog.String("pattern", reg.pattern.String()),
				slog.String("error", err.Error()),
			)
		}

	case reg.transfer != nil:
		if err := r.sessions.AcceptTransfer(m, reg.transfer); err != nil {
			r.logger.Debug("transfer accept failed",
				slog.String("pattern", reg.pattern.String()),
				slog.String("error", err.Error()),
			)
		}

	case reg.query != nil:
		r.submit(func() {
			r.sessions.ServeQuery(context.Background(), m, reg.opts.Idempotent, reg.query)
		})

	default:
		r.countDrop("no_handler")
	}
}

// countSent records an outbound frame.
func (r *Router) countSent(m *msg.Message) {
	if r.metrics != nil {
		r.metrics.IncSent(r.selfEP.String(), m.TypeTag())
	}
}

// countDrop records a dropped frame.
func (r *Router) countDrop(reason string) {
	if r.metrics != nil {
		r.metrics.IncDropped(r.selfEP.String(), reason)
	}
}
