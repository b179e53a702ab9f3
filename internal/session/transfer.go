package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// -------------------------------------------------------------------------
// Reliable Transfer Session
// -------------------------------------------------------------------------
//
// A reliable transfer streams bytes in one direction over sequenced,
// individually acknowledged blocks. The sender transmits block n and
// waits for its ack before sending n+1, retrying each block up to
// MaxTries. The receiver recognizes duplicates by sequence number and
// re-acks them; out-of-order data draws a NACK naming the expected
// sequence. The stop-and-wait discipline plus dedup-by-seq is what
// lets the protocol survive the Intermittent, Delay, and Duplicate
// fault modes without corruption.

// Transfer argument property prefix: application args travel in the
// envelope bag under this prefix.
const transferArgPrefix = "xfer."

// TransferEvents observes a transfer's protocol milestones, in order:
// BeginTransfer once, SendData or ReceiveData per block, EndTransfer
// once.
type TransferEvents interface {
	// BeginTransfer fires at negotiation. Server handlers attach the
	// byte sink (uploads) or source (downloads) here; returning an
	// error rejects the transfer.
	BeginTransfer(t *Transfer) error

	// SendData fires on the sending side after each block is
	// acknowledged.
	SendData(t *Transfer, seq int, block []byte)

	// ReceiveData fires on the receiving side after each in-order
	// block is accepted.
	ReceiveData(t *Transfer, seq int, block []byte)

	// EndTransfer fires once with nil on success, ErrCancel on
	// cancellation, or the failure otherwise.
	EndTransfer(t *Transfer, err error)
}

// NopTransferEvents is an embeddable no-op TransferEvents.
type NopTransferEvents struct{}

// BeginTransfer implements TransferEvents.
func (NopTransferEvents) BeginTransfer(*Transfer) error { return nil }

// SendData implements TransferEvents.
func (NopTransferEvents) SendData(*Transfer, int, []byte) {}

// ReceiveData implements TransferEvents.
func (NopTransferEvents) ReceiveData(*Transfer, int, []byte) {}

// EndTransfer implements TransferEvents.
func (NopTransferEvents) EndTransfer(*Transfer, error) {}

// Transfer describes one reliable transfer.
type Transfer struct {
	// ID is the application transfer identifier.
	ID uuid.UUID

	// Dir orients the byte flow relative to the initiating client.
	Dir Direction

	// Size is the payload size in bytes, or -1 when unknown.
	Size int64

	// BlockSize is the negotiated block size.
	BlockSize int

	args map[string]string
	src  io.Reader
	sink io.Writer
}

// Arg returns an application argument supplied by the initiator.
func (t *Transfer) Arg(name string) string { return t.args[name] }

// SetSink attaches the byte destination. Server handlers call this in
// BeginTransfer for uploads.
func (t *Transfer) SetSink(w io.Writer) { t.sink = w }

// SetSource attaches the byte origin and its size. Server handlers
// call this in BeginTransfer for downloads.
func (t *Transfer) SetSource(r io.Reader, size int64) {
	t.src = r
	t.Size = size
}

// transferSession is one side of a reliable transfer.
type transferSession struct {
	sid    uuid.UUID
	t      *Transfer
	events TransferEvents
	mgr    *Manager
	peerEP msg.EP
	server bool

	startCh chan *TransferStartMsg
	ackCh   chan *TransferAckMsg

	mu       sync.Mutex
	expected uint32
	finished bool

	closeOnce sync.Once
	closedCh  chan struct{}
	endErr    error

	logger *slog.Logger
}

// newTransferSession builds the shared state.
func (mgr *Manager) newTransferSession(
	sid uuid.UUID,
	t *Transfer,
	events TransferEvents,
	peerEP msg.EP,
	server bool,
) *transferSession {
	if events == nil {
		events = NopTransferEvents{}
	}
	return &transferSession{
		sid:      sid,
		t:        t,
		events:   events,
		mgr:      mgr,
		peerEP:   peerEP,
		server:   server,
		startCh:  make(chan *TransferStartMsg, 1),
		ackCh:    make(chan *TransferAckMsg, 4),
		closedCh: make(chan struct{}),
		logger: mgr.logger.With(
			slog.String("session_id", sid.String()),
			slog.String("transfer_id", t.ID.String()),
		),
	}
}

// Upload streams size bytes from r to the router serving toEP.
// args are exposed to the server handler; events may be nil.
func (mgr *Manager) Upload(
	ctx context.Context,
	toEP msg.EP,
	r io.Reader,
	size int64,
	args map[string]string,
	events TransferEvents,
) error {
	t := &Transfer{
		ID:        uuid.New(),
		Dir:       DirUpload,
		Size:      size,
		BlockSize: mgr.cfg.BlockSize,
		args:      args,
		src:       r,
	}
	return mgr.runClientTransfer(ctx, toEP, t, events)
}

// Download streams bytes from the router serving toEP into w.
func (mgr *Manager) Download(
	ctx context.Context,
	toEP msg.EP,
	w io.Writer,
	args map[string]string,
	events TransferEvents,
) error {
	t := &Transfer{
		ID:        uuid.New(),
		Dir:       DirDownload,
		Size:      -1,
		BlockSize: mgr.cfg.BlockSize,
		args:      args,
		sink:      w,
	}
	return mgr.runClientTransfer(ctx, toEP, t, events)
}

// runClientTransfer negotiates the session and drives the client's
// side of the block protocol.
func (mgr *Manager) runClientTransfer(
	ctx context.Context,
	toEP msg.EP,
	t *Transfer,
	events TransferEvents,
) error {
	ts := mgr.newTransferSession(uuid.New(), t, events, msg.EP{}, false)
	if !mgr.register(ts.sid, ts) {
		return fmt.Errorf("transfer: %w", ErrManagerClosed)
	}
	defer ts.unregisterLater()

	if err := ts.events.BeginTransfer(t); err != nil {
		ts.end(err)
		return err
	}

	ack, err := ts.negotiate(ctx, toEP)
	if err != nil {
		ts.end(err)
		return err
	}
	if ack.BlockSize > 0 {
		t.BlockSize = int(ack.BlockSize)
	}

	if t.Dir == DirUpload {
		err = ts.sendBlocks(ctx)
	} else {
		err = ts.awaitCompletion(ctx)
	}
	ts.end(err)
	return err
}

// negotiate sends the start frame until the server echoes it back.
func (ts *transferSession) negotiate(ctx context.Context, toEP msg.EP) (*TransferStartMsg, error) {
	start := &TransferStartMsg{
		Direction:  ts.t.Dir,
		Size:       ts.t.Size,
		BlockSize:  uint32(ts.t.BlockSize),
		TransferID: ts.t.ID,
	}

	for try := 0; try < ts.mgr.cfg.MaxTries; try++ {
		m := msg.NewMessage(toEP, start)
		m.Flags |= msg.FlagOpenSession
		if try > 0 {
			m.Flags |= msg.FlagKeepSessionID
		}
		for name, value := range ts.t.args {
			m.SetProp(transferArgPrefix+name, value)
		}
		if err := ts.transmit(m); err != nil {
			return nil, fmt.Errorf("transfer negotiate: %w", err)
		}

		timer := time.NewTimer(ts.mgr.cfg.BlockRetry)
		select {
		case reply := <-ts.startCh:
			timer.Stop()
			return reply, nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			ts.sendDone(doneCancel, "")
			return nil, ErrCancel
		case <-ts.closedCh:
			timer.Stop()
			if err := ts.endError(); err != nil {
				return nil, err
			}
			// A tiny download can complete before the negotiation
			// echo is observed; the requested parameters stand.
			return start, nil
		case <-ts.mgr.closedCh:
			timer.Stop()
			return nil, ErrManagerClosed
		}
	}
	return nil, fmt.Errorf("transfer negotiate with %s: %w", toEP, ErrTimeout)
}

// sendBlocks runs the sending side: block n, ack n, block n+1.
func (ts *transferSession) sendBlocks(ctx context.Context) error {
	buf := make([]byte, ts.t.BlockSize)
	var seq uint32

	for {
		n, rerr := io.ReadFull(ts.t.src, buf)
		last := false
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			last = true
		default:
			ts.sendDone(doneError, rerr.Error())
			return &SessionError{Msg: rerr.Error()}
		}

		// Retransmissions may outlive this loop iteration, so each
		// block owns its bytes.
		block := make([]byte, n)
		copy(block, buf[:n])

		if err := ts.sendOneBlock(ctx, seq, block, last); err != nil {
			return err
		}
		ts.events.SendData(ts.t, int(seq), block)

		if last {
			ts.sendDone(doneOK, "")
			return nil
		}
		seq++
	}
}

// sendOneBlock transmits a block until acknowledged, up to MaxTries.
func (ts *transferSession) sendOneBlock(ctx context.Context, seq uint32, data []byte, last bool) error {
	block := &TransferBlockMsg{Seq: seq, Last: last, Data: data}

	for try := 0; try < ts.mgr.cfg.MaxTries; try++ {
		m := msg.NewMessage(ts.peerEP, block)
		if err := ts.transmit(m); err != nil {
			return fmt.Errorf("transfer block %d: %w", seq, err)
		}

		timer := time.NewTimer(ts.mgr.cfg.BlockRetry)
	waitAck:
		for {
			select {
			case ack := <-ts.ackCh:
				switch {
				case !ack.Nack && ack.Seq == seq:
					timer.Stop()
					return nil
				case ack.Nack && ack.Expected > seq:
					// Receiver already holds this block.
					timer.Stop()
					return nil
				case ack.Nack && ack.Expected == seq:
					// Retransmit immediately.
					break waitAck
				default:
					// Stale duplicate ack; keep waiting.
				}
			case <-timer.C:
				break waitAck
			case <-ctx.Done():
				timer.Stop()
				ts.sendDone(doneCancel, "")
				return ErrCancel
			case <-ts.closedCh:
				timer.Stop()
				return ts.endError()
			case <-ts.mgr.closedCh:
				timer.Stop()
				return ErrManagerClosed
			}
		}
		timer.Stop()
	}
	return fmt.Errorf("transfer block %d exhausted %d tries: %w",
		seq, ts.mgr.cfg.MaxTries, ErrTimeout)
}

// awaitCompletion blocks the receiving side until the final block has
// been accepted or the transfer fails. A dead sender is detected by
// the absence of progress for the sender's full retry budget.
func (ts *transferSession) awaitCompletion(ctx context.Context) error {
	idleLimit := time.Duration(ts.mgr.cfg.MaxTries+2) * ts.mgr.cfg.BlockRetry
	ticker := time.NewTicker(ts.mgr.cfg.BlockRetry)
	defer ticker.Stop()

	lastSeen := time.Now()
	lastExpected := uint32(0)

	for {
		select {
		case <-ts.closedCh:
			return ts.endError()
		case <-ctx.Done():
			ts.sendDone(doneCancel, "")
			return ErrCancel
		case <-ts.mgr.closedCh:
			return ErrManagerClosed
		case <-ticker.C:
			ts.mu.Lock()
			expected := ts.expected
			ts.mu.Unlock()
			if expected != lastExpected {
				lastExpected = expected
				lastSeen = time.Now()
				continue
			}
			if time.Since(lastSeen) > idleLimit {
				return fmt.Errorf("transfer receive stalled at block %d: %w",
					expected, ErrTimeout)
			}
		}
	}
}

// onMessage implements session: dispatches protocol frames.
func (ts *transferSession) onMessage(m *msg.Message) {
	switch body := m.Body.(type) {
	case *TransferStartMsg:
		if ts.server {
			// Duplicate start: the client missed the echo.
			ts.echoStart()
			return
		}
		if ts.peerEP.IsZero() {
			ts.peerEP = m.FromEP
		}
		select {
		case ts.startCh <- body:
		default:
		}

	case *TransferBlockMsg:
		ts.handleBlock(body)

	case *TransferAckMsg:
		select {
		case ts.ackCh <- body:
		default:
		}

	case *TransferDoneMsg:
		switch body.Status {
		case doneCancel:
			ts.finish(ErrCancel)
		case doneError:
			ts.finish(&SessionError{Msg: body.Error})
		default:
			// doneOK is advisory: the receiver completed on the last
			// block, the sender on its ack.
		}

	default:
		ts.logger.Debug("unexpected transfer frame",
			slog.String("type", m.TypeTag()),
		)
	}
}

// handleBlock runs the receiving side's dedup and ordering rules.
func (ts *transferSession) handleBlock(block *TransferBlockMsg) {
	ts.mu.Lock()
	expected := ts.expected
	done := ts.finished
	ts.mu.Unlock()

	switch {
	case block.Seq < expected || (done && block.Seq == expected):
		// Duplicate: re-ack so the sender makes progress.
		ts.sendAck(&TransferAckMsg{Seq: block.Seq})

	case block.Seq > expected:
		// Out-of-order: request retransmission from the gap.
		ts.sendAck(&TransferAckMsg{Nack: true, Expected: expected})

	default:
		if ts.t.sink != nil {
			if _, err := ts.t.sink.Write(block.Data); err != nil {
				ts.sendDone(doneError, err.Error())
				ts.finish(&SessionError{Msg: err.Error()})
				return
			}
		}
		ts.events.ReceiveData(ts.t, int(block.Seq), block.Data)

		ts.mu.Lock()
		ts.expected = expected + 1
		if block.Last {
			ts.finished = true
		}
		ts.mu.Unlock()

		ts.sendAck(&TransferAckMsg{Seq: block.Seq})

		if block.Last {
			ts.finish(nil)
		}
	}
}

// sendAck transmits an ack/nack frame.
func (ts *transferSession) sendAck(ack *TransferAckMsg) {
	m := msg.NewMessage(ts.peerEP, ack)
	if err := ts.transmit(m); err != nil {
		ts.logger.Debug("transfer ack send failed",
			slog.String("error", err.Error()),
		)
	}
}

// sendDone transmits a terminal status frame. Best-effort.
func (ts *transferSession) sendDone(status uint8, text string) {
	if ts.peerEP.IsZero() {
		return
	}
	m := msg.NewMessage(ts.peerEP, &TransferDoneMsg{Status: status, Error: text})
	if err := ts.transmit(m); err != nil {
		ts.logger.Debug("transfer done send failed",
			slog.String("error", err.Error()),
		)
	}
}

// transmit stamps and sends a transfer frame.
func (ts *transferSession) transmit(m *msg.Message) error {
	m.FromEP = ts.mgr.cfg.SelfEP
	m.SessionID = ts.sid
	m.Flags |= msg.FlagKeepSessionID
	if ts.server {
		m.Flags |= msg.FlagServerSession
	}
	return ts.mgr.cfg.Tx.TransmitMessage(m)
}

// finish latches the terminal outcome and wakes waiters.
func (ts *transferSession) finish(err error) {
	ts.closeOnce.Do(func() {
		ts.endErr = err
		close(ts.closedCh)
	})
}

// endError returns the latched terminal error.
func (ts *transferSession) endError() error {
	select {
	case <-ts.closedCh:
		if ts.endErr != nil {
			return ts.endErr
		}
		return nil
	default:
		return nil
	}
}

// end fires EndTransfer once with the final outcome.
func (ts *transferSession) end(err error) {
	ts.finish(err)
	ts.events.EndTransfer(ts.t, ts.endErr)
}

// unregisterLater keeps the session addressable briefly after
// completion so duplicate final blocks and acks are still absorbed.
func (ts *transferSession) unregisterLater() {
	mgr, sid := ts.mgr, ts.sid
	time.AfterFunc(mgr.cfg.BlockRetry*4, func() {
		mgr.unregister(sid, ts)
	})
}

// -------------------------------------------------------------------------
// Server Side
// -------------------------------------------------------------------------

// AcceptTransfer opens the server side of a reliable transfer for an
// inbound start frame. The events handler attaches the sink or source
// in BeginTransfer. Runs the server's side of the protocol in a
// goroutine and returns immediately.
func (mgr *Manager) AcceptTransfer(open *msg.Message, events TransferEvents) error {
	start, ok := open.Body.(*TransferStartMsg)
	if !ok {
		return fmt.Errorf("accept transfer: unexpected body %T: %w", open.Body, ErrManagerClosed)
	}

	blockSize := int(start.BlockSize)
	if blockSize <= 0 || blockSize > mgr.cfg.BlockSize {
		blockSize = mgr.cfg.BlockSize
	}

	t := &Transfer{
		ID:        start.TransferID,
		Dir:       start.Direction,
		Size:      start.Size,
		BlockSize: blockSize,
		args:      transferArgs(open),
	}

	if existing, found := mgr.lookup(open.SessionID); found {
		// Duplicate start (lost ack): re-echo the negotiation.
		if ts, isTransfer := existing.(*transferSession); isTransfer {
			ts.echoStart()
		}
		return nil
	}

	ts := mgr.newTransferSession(open.SessionID, t, events, open.FromEP, true)
	if !mgr.register(ts.sid, ts) {
		return fmt.Errorf("accept transfer: %w", ErrManagerClosed)
	}

	go ts.runServer()
	return nil
}

// transferArgs extracts the application arguments from the start
// envelope.
func transferArgs(m *msg.Message) map[string]string {
	args := make(map[string]string)
	for _, name := range m.PropNames() {
		if len(name) > len(transferArgPrefix) && name[:len(transferArgPrefix)] == transferArgPrefix {
			args[name[len(transferArgPrefix):]] = m.Prop(name)
		}
	}
	return args
}

// echoStart retransmits the negotiation echo for a duplicate start.
func (ts *transferSession) echoStart() {
	m := msg.NewMessage(ts.peerEP, &TransferStartMsg{
		Direction:  ts.t.Dir,
		Size:       ts.t.Size,
		BlockSize:  uint32(ts.t.BlockSize),
		TransferID: ts.t.ID,
	})
	if err := ts.transmit(m); err != nil {
		ts.logger.Debug("transfer start echo failed",
			slog.String("error", err.Error()),
		)
	}
}

// runServer drives the server's side of the protocol.
func (ts *transferSession) runServer() {
	defer ts.unregisterLater()

	if err := ts.events.BeginTransfer(ts.t); err != nil {
		ts.sendDone(doneError, err.Error())
		ts.end(&SessionError{Msg: err.Error()})
		return
	}

	ts.echoStart()

	ctx := context.Background()
	var err error
	if ts.t.Dir == DirUpload {
		err = ts.awaitCompletion(ctx)
	} else {
		err = ts.sendBlocks(ctx)
	}
	ts.end(err)
}
