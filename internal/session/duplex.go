package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// -------------------------------------------------------------------------
// Duplex Session
// -------------------------------------------------------------------------
//
// A duplex session is a long-lived bidirectional channel between two
// routers. Either side may send one-way messages, run queries
// multiplexed over the channel (any number in flight, paired by a
// per-session monotonic query ID), or close. Keep-alive heartbeats
// flow in both directions; silence beyond the idle limit closes the
// session with timeout=true on the surviving side.

// Duplex operation values for the propDuplexOp property.
const (
	duplexOpOpen      = "open"
	duplexOpOpenAck   = "open-ack"
	duplexOpSend      = "send"
	duplexOpQuery     = "query"
	duplexOpReply     = "reply"
	duplexOpKeepAlive = "keepalive"
	duplexOpClose     = "close"
)

// DuplexHandler observes one side's duplex session events. Every
// event is delivered before the session is considered complete.
type DuplexHandler interface {
	// OnReceive delivers a one-way message from the peer.
	OnReceive(d *Duplex, m *msg.Message)

	// OnQuery delivers a peer query. The handler owns the request
	// context and must eventually Reply, Cancel, or Abort it; that
	// may happen after OnQuery returns (async handlers).
	OnQuery(d *Duplex, req *RequestContext)

	// OnClose fires exactly once when the session ends. timeout is
	// true when the close was caused by keep-alive silence.
	OnClose(d *Duplex, timeout bool)
}

// NopDuplexHandler is an embeddable no-op DuplexHandler.
type NopDuplexHandler struct{}

// OnReceive implements DuplexHandler.
func (NopDuplexHandler) OnReceive(*Duplex, *msg.Message) {}

// OnQuery implements DuplexHandler; unexpected queries are aborted so
// the peer observes a timeout rather than hanging.
func (NopDuplexHandler) OnQuery(_ *Duplex, req *RequestContext) { req.Abort() }

// OnClose implements DuplexHandler.
func (NopDuplexHandler) OnClose(*Duplex, bool) {}

// Duplex is one side of an established duplex session.
type Duplex struct {
	id       uuid.UUID
	isServer bool
	peerEP   msg.EP
	handler  DuplexHandler

	mgr    *Manager
	logger *slog.Logger

	// sendMu serializes outbound traffic, preserving per-direction
	// FIFO over the underlying stream.
	sendMu sync.Mutex

	queryID atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]chan *msg.Message
	lastRecv time.Time

	openCh chan *msg.Message

	closeOnce sync.Once
	closedCh  chan struct{}
}

// RequestContext is the server-side view of one in-flight duplex
// query. Exactly one of Reply, Cancel, or Abort must be called.
type RequestContext struct {
	d       *Duplex
	queryID string
	m       *msg.Message
	done    atomic.Bool
}

// Message returns the query message.
func (rc *RequestContext) Message() *msg.Message { return rc.m }

// Reply completes the query with a response message.
func (rc *RequestContext) Reply(reply *msg.Message) error {
	if !rc.done.CompareAndSwap(false, true) {
		return nil
	}
	if reply == nil {
		reply = msg.NewMessage(rc.d.peerEP, nil)
	}
	return rc.d.sendControl(reply, duplexOpReply, rc.queryID, "")
}

// Cancel completes the query so the peer observes ErrCancel.
func (rc *RequestContext) Cancel() error {
	if !rc.done.CompareAndSwap(false, true) {
		return nil
	}
	return rc.d.sendControl(msg.NewMessage(rc.d.peerEP, nil), duplexOpReply, rc.queryID, statusCancel)
}

// Abort completes the query so the peer observes ErrTimeout.
func (rc *RequestContext) Abort() error {
	if !rc.done.CompareAndSwap(false, true) {
		return nil
	}
	return rc.d.sendControl(msg.NewMessage(rc.d.peerEP, nil), duplexOpReply, rc.queryID, statusTimeout)
}

// ConnectDuplex establishes a duplex session with a router serving
// the logical endpoint toEP. handler may be nil when the client only
// issues queries. Blocks until the peer acknowledges or the session
// timeout passes.
func (mgr *Manager) ConnectDuplex(ctx context.Context, toEP msg.EP, handler DuplexHandler) (*Duplex, error) {
	if handler == nil {
		handler = NopDuplexHandler{}
	}

	d := mgr.newDuplex(uuid.New(), false, handler)
	if !mgr.register(d.id, d) {
		return nil, fmt.Errorf("duplex connect: %w", ErrManagerClosed)
	}

	open := msg.NewMessage(toEP, nil)
	open.FromEP = mgr.cfg.SelfEP
	open.SessionID = d.id
	open.Flags |= msg.FlagOpenSession
	open.SetProp(propDuplexOp, duplexOpOpen)

	if err := mgr.cfg.Tx.TransmitMessage(open); err != nil {
		mgr.unregister(d.id, d)
		return nil, fmt.Errorf("duplex connect: %w", err)
	}

	timer := time.NewTimer(mgr.cfg.Timeout)
	defer timer.Stop()

	select {
	case ack := <-d.openCh:
		d.peerEP = ack.FromEP
		d.startKeepAlive()
		return d, nil
	case <-timer.C:
		mgr.unregister(d.id, d)
		return nil, fmt.Errorf("duplex connect to %s: %w", toEP, ErrTimeout)
	case <-ctx.Done():
		mgr.unregister(d.id, d)
		return nil, fmt.Errorf("duplex connect: %w", ErrCancel)
	case <-mgr.closedCh:
		return nil, fmt.Errorf("duplex connect: %w", ErrManagerClosed)
	}
}

// AcceptDuplex opens the server side of a duplex session for an
// inbound open message. Called by the router's dispatcher when a
// duplex-registered handler matches.
func (mgr *Manager) AcceptDuplex(open *msg.Message, handler DuplexHandler) (*Duplex, error) {
	if handler == nil {
		handler = NopDuplexHandler{}
	}

	d := mgr.newDuplex(open.SessionID, true, handler)
	d.peerEP = open.FromEP
	if !mgr.register(d.id, d) {
		return nil, fmt.Errorf("duplex accept: %w", ErrManagerClosed)
	}

	ack := msg.NewMessage(open.FromEP, nil)
	ack.SetProp(propDuplexOp, duplexOpOpenAck)
	if err := d.transmit(ack); err != nil {
		mgr.unregister(d.id, d)
		return nil, fmt.Errorf("duplex accept: %w", err)
	}

	d.startKeepAlive()
	return d, nil
}

// newDuplex builds the session state shared by both sides.
func (mgr *Manager) newDuplex(id uuid.UUID, isServer bool, handler DuplexHandler) *Duplex {
	return &Duplex{
		id:       id,
		isServer: isServer,
		handler:  handler,
		mgr:      mgr,
		logger: mgr.logger.With(
			slog.String("session_id", id.String()),
			slog.Bool("server", isServer),
		),
		pending:  make(map[uint64]chan *msg.Message),
		lastRecv: time.Now(),
		openCh:   make(chan *msg.Message, 1),
		closedCh: make(chan struct{}),
	}
}

// SessionID returns the duplex session ID.
func (d *Duplex) SessionID() uuid.UUID { return d.id }

// PeerEP returns the peer router's physical endpoint.
func (d *Duplex) PeerEP() msg.EP { return d.peerEP }

// Send transmits a one-way message to the peer.
func (d *Duplex) Send(m *msg.Message) error {
	select {
	case <-d.closedCh:
		return fmt.Errorf("duplex send: %w", ErrManagerClosed)
	default:
	}
	return d.sendControl(m, duplexOpSend, "", "")
}

// Query runs a request/response exchange over the duplex channel. Any
// number of queries may be in flight; replies pair by query ID.
func (d *Duplex) Query(ctx context.Context, m *msg.Message) (*msg.Message, error) {
	qid := d.queryID.Add(1)
	ch := make(chan *msg.Message, 1)

	d.mu.Lock()
	d.pending[qid] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, qid)
		d.mu.Unlock()
	}()

	if err := d.sendControl(m, duplexOpQuery, strconv.FormatUint(qid, 10), ""); err != nil {
		return nil, fmt.Errorf("duplex query: %w", err)
	}

	timer := time.NewTimer(d.mgr.cfg.Timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if err := statusToError(reply.Prop(propStatus), reply.Prop(propError)); err != nil {
			return nil, err
		}
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("duplex query: %w", ErrTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("duplex query: %w", ErrCancel)
	case <-d.closedCh:
		return nil, fmt.Errorf("duplex query: %w", ErrManagerClosed)
	}
}

// Close ends the session, notifying the peer. Safe to call
// repeatedly.
func (d *Duplex) Close() error {
	var err error
	select {
	case <-d.closedCh:
		return nil
	default:
		err = d.sendControl(msg.NewMessage(d.peerEP, nil), duplexOpClose, "", "")
	}
	d.teardown(false)
	return err
}

// sendControl stamps and transmits a duplex frame.
func (d *Duplex) sendControl(m *msg.Message, op, queryID, status string) error {
	m.ToEP = d.peerEP
	m.SetProp(propDuplexOp, op)
	if queryID != "" {
		m.SetProp(propQueryID, queryID)
	}
	if status != "" {
		m.SetProp(propStatus, status)
	}
	return d.transmit(m)
}

// transmit serializes outbound frames so each direction stays FIFO.
func (d *Duplex) transmit(m *msg.Message) error {
	m.FromEP = d.mgr.cfg.SelfEP
	m.SessionID = d.id
	m.Flags |= msg.FlagKeepSessionID
	if d.isServer {
		m.Flags |= msg.FlagServerSession
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	return d.mgr.cfg.Tx.TransmitMessage(m)
}

// startKeepAlive launches the heartbeat and idle-detection loop.
func (d *Duplex) startKeepAlive() {
	go func() {
		ticker := time.NewTicker(d.mgr.cfg.KeepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-d.closedCh:
				return
			case <-d.mgr.closedCh:
				d.teardown(false)
				return
			case <-ticker.C:
				d.mu.Lock()
				idle := time.Since(d.lastRecv)
				d.mu.Unlock()

				if idle > d.mgr.cfg.DuplexIdle {
					d.logger.Debug("duplex idle limit exceeded",
						slog.Duration("idle", idle),
					)
					d.teardown(true)
					return
				}

				ka := msg.NewMessage(d.peerEP, nil)
				if err := d.sendControl(ka, duplexOpKeepAlive, "", ""); err != nil {
					d.logger.Debug("keepalive send failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
}

// teardown closes the session once and fires OnClose.
func (d *Duplex) teardown(timeout bool) {
	d.closeOnce.Do(func() {
		close(d.closedCh)
		d.mgr.unregister(d.id, d)
		d.handler.OnClose(d, timeout)
	})
}

// onMessage implements session: dispatches inbound duplex frames.
func (d *Duplex) onMessage(m *msg.Message) {
	d.mu.Lock()
	d.lastRecv = time.Now()
	d.mu.Unlock()

	switch m.Prop(propDuplexOp) {
	case duplexOpOpenAck:
		select {
		case d.openCh <- m:
		default:
		}

	case duplexOpSend:
		d.handler.OnReceive(d, m)

	case duplexOpQuery:
		rc := &RequestContext{d: d, queryID: m.Prop(propQueryID), m: m}
		d.handler.OnQuery(d, rc)

	case duplexOpReply:
		qid, err := strconv.ParseUint(m.Prop(propQueryID), 10, 64)
		if err != nil {
			d.logger.Debug("duplex reply with bad query id",
				slog.String("query_id", m.Prop(propQueryID)),
			)
			return
		}
		d.mu.Lock()
		ch, ok := d.pending[qid]
		d.mu.Unlock()
		if ok {
			select {
			case ch <- m:
			default:
			}
		}

	case duplexOpKeepAlive:
		// lastRecv already refreshed.

	case duplexOpClose:
		d.teardown(false)

	default:
		d.logger.Debug("unknown duplex operation",
			slog.String("op", m.Prop(propDuplexOp)),
		)
	}
}

// shutdown implements session.
func (d *Duplex) shutdown(error) {
	d.teardown(false)
}
