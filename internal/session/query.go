package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// -------------------------------------------------------------------------
// Client Query Session
// -------------------------------------------------------------------------

// queryResult carries a query session's outcome to its waiter.
type queryResult struct {
	reply *msg.Message
	err   error
}

// querySession is the client half of one query/reply exchange. The
// run goroutine owns the retry loop; the manager delivers inbound
// replies through onMessage.
type querySession struct {
	id   uuid.UUID
	base *msg.Message

	retries int
	timeout time.Duration
	tx      Transmitter
	logger  *slog.Logger

	replyCh  chan *msg.Message
	cancelCh chan struct{}
	closedCh <-chan struct{}

	once sync.Once
	done chan struct{}
	res  queryResult
}

// QueryHandle is the asynchronous completion handle returned by
// BeginQuery. Wait blocks for the outcome; Cancel aborts the exchange
// with ErrCancel.
type QueryHandle struct {
	qs *querySession
}

// SessionID returns the exchange's session ID.
func (h *QueryHandle) SessionID() uuid.UUID { return h.qs.id }

// Wait blocks until the query completes, is cancelled, or ctx ends.
func (h *QueryHandle) Wait(ctx context.Context) (*msg.Message, error) {
	select {
	case <-h.qs.done:
		return h.qs.res.reply, h.qs.res.err
	case <-ctx.Done():
		h.Cancel()
		<-h.qs.done
		return nil, fmt.Errorf("query wait: %w", ErrCancel)
	}
}

// Cancel aborts the exchange. Safe to call repeatedly.
func (h *QueryHandle) Cancel() {
	select {
	case h.qs.cancelCh <- struct{}{}:
	default:
	}
}

// Query performs a synchronous query/reply round trip. The message's
// session is created, retried on timeout with the same session ID and
// the KeepSessionID flag, and torn down on completion. Timeouts,
// cancels, and remote handler errors surface as ErrTimeout, ErrCancel,
// and *SessionError respectively.
func (mgr *Manager) Query(ctx context.Context, m *msg.Message) (*msg.Message, error) {
	h, err := mgr.BeginQuery(m)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// BeginQuery starts an asynchronous query/reply exchange and returns
// its completion handle.
func (mgr *Manager) BeginQuery(m *msg.Message) (*QueryHandle, error) {
	if m.SessionID == (uuid.UUID{}) {
		m.SessionID = uuid.New()
	}
	m.FromEP = mgr.cfg.SelfEP
	m.Flags |= msg.FlagOpenSession

	qs := &querySession{
		id:       m.SessionID,
		base:     m,
		retries:  mgr.cfg.Retries,
		timeout:  mgr.cfg.Timeout,
		tx:       mgr.cfg.Tx,
		logger:   mgr.logger,
		replyCh:  make(chan *msg.Message, 1),
		cancelCh: make(chan struct{}, 1),
		closedCh: mgr.closedCh,
		done:     make(chan struct{}),
	}

	if !mgr.register(qs.id, qs) {
		return nil, fmt.Errorf("begin query: %w", ErrManagerClosed)
	}

	go func() {
		defer mgr.unregister(qs.id, qs)
		qs.run()
	}()

	return &QueryHandle{qs: qs}, nil
}

// run drives the retry loop through the session state machine.
func (qs *querySession) run() {
	state := StateIdle

	for attempt := 0; attempt < qs.retries; attempt++ {
		state, _ = Apply(state, EventSend)

		frame := qs.base.Clone()
		frame.MsgID = uuid.New()
		if attempt > 0 {
			// Resend the same session ID so the server deduplicates.
			frame.Flags |= msg.FlagKeepSessionID
		}

		if err := qs.tx.TransmitMessage(frame); err != nil {
			state, _ = Apply(state, EventSendFailed)
			qs.finish(queryResult{err: fmt.Errorf("query transmit: %w", err)})
			return
		}
		state, _ = Apply(state, EventSent)

		timer := time.NewTimer(qs.timeout)
		select {
		case reply := <-qs.replyCh:
			timer.Stop()
			state, _ = Apply(state, EventReply)
			qs.finish(resultFromReply(reply))
			return

		case <-qs.cancelCh:
			timer.Stop()
			state, _ = Apply(state, EventCancel)
			qs.finish(queryResult{err: ErrCancel})
			return

		case <-qs.closedCh:
			timer.Stop()
			qs.finish(queryResult{err: ErrManagerClosed})
			return

		case <-timer.C:
			if attempt == qs.retries-1 {
				state, _ = Apply(state, EventTimeoutFinal)
				continue
			}
			state, _ = Apply(state, EventTimeoutRetry)
			qs.logger.Debug("query retry",
				slog.String("session_id", qs.id.String()),
				slog.Int("attempt", attempt+1),
			)
		}
	}

	qs.finish(queryResult{err: ErrTimeout})
}

// resultFromReply maps a reply envelope's status to the caller-facing
// outcome.
func resultFromReply(reply *msg.Message) queryResult {
	if err := statusToError(reply.Prop(propStatus), reply.Prop(propError)); err != nil {
		return queryResult{err: err}
	}
	return queryResult{reply: reply}
}

// finish records the outcome exactly once.
func (qs *querySession) finish(res queryResult) {
	qs.once.Do(func() {
		qs.res = res
		close(qs.done)
	})
}

// onMessage implements session: delivers the reply to the run loop.
func (qs *querySession) onMessage(m *msg.Message) {
	select {
	case qs.replyCh <- m:
	default:
		// Duplicate reply (server retransmission); the first won.
	}
}

// shutdown implements session.
func (qs *querySession) shutdown(err error) {
	qs.finish(queryResult{err: err})
}
