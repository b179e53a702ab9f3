package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// -------------------------------------------------------------------------
// TCP Channel
// -------------------------------------------------------------------------

// tcpDialTimeout bounds lazy connection establishment; the OS-level
// connect timeout applies underneath.
const tcpDialTimeout = 5 * time.Second

// TCPConfig configures the stream channel.
type TCPConfig struct {
	// Bind is the local listen address. A zero port requests an
	// ephemeral bind.
	Bind netip.AddrPort

	// Key enables frame encryption when non-nil.
	Key []byte

	// MaxIdle closes cached connections idle longer than this.
	// Zero disables the idle sweep.
	MaxIdle time.Duration

	// QueueSize bounds each connection's send queue.
	QueueSize int

	// OnReceive is invoked for each decoded inbound message.
	OnReceive ReceiveFunc

	// Logger receives channel diagnostics. Must not be nil.
	Logger *slog.Logger
}

// TCP is the stream channel. Connections to peers are opened lazily on
// first send and cached per remote address; each cached connection
// drains its own FIFO queue, preserving per-peer ordering.
type TCP struct {
	ln      net.Listener
	key     []byte
	maxIdle time.Duration
	qsize   int
	recv    ReceiveFunc
	logger  *slog.Logger
	local   netip.AddrPort

	mu    sync.Mutex
	conns map[netip.AddrPort]*tcpConn

	fail FailInjector

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// tcpConn is one cached outbound connection with its FIFO send queue.
type tcpConn struct {
	peer     netip.AddrPort
	conn     net.Conn
	out      chan []byte
	lastUsed time.Time
	closed   chan struct{}
	once     sync.Once
}

// NewTCP opens the listener and starts the accept loop.
func NewTCP(cfg TCPConfig) (*TCP, error) {
	bind := cfg.Bind
	if !bind.Addr().IsValid() {
		bind = netip.AddrPortFrom(netip.IPv4Unspecified(), bind.Port())
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp4", bind.String())
	if err != nil {
		return nil, fmt.Errorf("tcp channel listen %s: %w", bind, err)
	}

	qsize := cfg.QueueSize
	if qsize <= 0 {
		qsize = defaultQueueSize
	}

	t := &TCP{
		ln:      ln,
		key:     cfg.Key,
		maxIdle: cfg.MaxIdle,
		qsize:   qsize,
		recv:    cfg.OnReceive,
		conns:   make(map[netip.AddrPort]*tcpConn),
		closed:  make(chan struct{}),
		logger:  cfg.Logger.With(slog.String("component", "channel.tcp")),
	}

	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		t.local = addr.AddrPort()
	}

	t.wg.Add(1)
	go t.acceptLoop()

	return t, nil
}

// LocalAddr returns the bound listen address.
func (t *TCP) LocalAddr() netip.AddrPort { return t.local }

// FailModeControl exposes the channel's fault injector.
func (t *TCP) FailModeControl() *FailInjector { return &t.fail }

// Transmit encodes the frame and queues it on the peer's cached
// connection, dialing lazily on first use. A full per-connection queue
// rejects with ErrSendQueueFull.
func (t *TCP) Transmit(to netip.AddrPort, m *msg.Message) error {
	if !to.IsValid() {
		return fmt.Errorf("tcp transmit: %w", ErrNoAddress)
	}

	select {
	case <-t.closed:
		return fmt.Errorf("tcp transmit: %w", ErrChannelClosed)
	default:
	}

	frame, err := msg.Encode(m, t.key)
	if err != nil {
		return fmt.Errorf("tcp transmit: %w", err)
	}

	tc, err := t.connFor(to)
	if err != nil {
		return fmt.Errorf("tcp transmit to %s: %w", to, err)
	}

	select {
	case tc.out <- frame:
		return nil
	case <-tc.closed:
		return fmt.Errorf("tcp transmit to %s: %w", to, ErrChannelClosed)
	default:
		return fmt.Errorf("tcp transmit to %s: %w", to, ErrSendQueueFull)
	}
}

// connFor returns the cached connection for the peer, dialing when
// absent.
func (t *TCP) connFor(to netip.AddrPort) (*tcpConn, error) {
	t.mu.Lock()
	if tc, ok := t.conns[to]; ok {
		tc.lastUsed = time.Now()
		t.mu.Unlock()
		return tc, nil
	}
	t.mu.Unlock()

	// Dial outside the lock; a race just produces an extra conn that
	// loses the map insert and is closed.
	conn, err := net.DialTimeout("tcp4", to.String(), tcpDialTimeout)
	if err != nil {
		return nil, err
	}

	tc := t.register(to, conn)
	return tc, nil
}

// register installs a connection in the cache and starts its loops.
// A concurrent duplicate for the same peer closes the newcomer.
func (t *TCP) register(peer netip.AddrPort, conn net.Conn) *tcpConn {
	tc := &tcpConn{
		peer:     peer,
		conn:     conn,
		out:      make(chan []byte, t.qsize),
		lastUsed: time.Now(),
		closed:   make(chan struct{}),
	}

	t.mu.Lock()
	if existing, ok := t.conns[peer]; ok {
		t.mu.Unlock()
		_ = conn.Close()
		return existing
	}
	t.conns[peer] = tc
	t.mu.Unlock()

	t.wg.Add(2)
	go t.writeLoop(tc)
	go t.readLoop(tc)
	return tc
}

// closeConn tears one connection down and drops it from the cache.
func (t *TCP) closeConn(tc *tcpConn) {
	tc.once.Do(func() {
		close(tc.closed)
		_ = tc.conn.Close()
	})

	t.mu.Lock()
	if cur, ok := t.conns[tc.peer]; ok && cur == tc {
		delete(t.conns, tc.peer)
	}
	t.mu.Unlock()
}

// writeLoop drains a connection's FIFO queue onto the stream. A write
// failure closes the connection; queued frames are lost, no error
// reaches their Transmit callers, and they are not re-sent.
func (t *TCP) writeLoop(tc *tcpConn) {
	defer t.wg.Done()
	defer t.closeConn(tc)

	for {
		select {
		case <-t.closed:
			return
		case <-tc.closed:
			return
		case frame := <-tc.out:
			err := t.fail.Apply(func() error {
				_, werr := tc.conn.Write(frame)
				return werr
			})
			if err != nil {
				t.logger.Debug("tcp write failed",
					slog.String("peer", tc.peer.String()),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// readLoop reads length-prefixed frames off the stream and delivers
// decoded messages. The frame's leading u16 length field doubles as
// the stream delimiter.
func (t *TCP) readLoop(tc *tcpConn) {
	defer t.wg.Done()
	defer t.closeConn(tc)

	header := make([]byte, 2)
	for {
		if _, err := io.ReadFull(tc.conn, header); err != nil {
			t.logReadEnd(tc, err)
			return
		}
		frameLen := int(binary.BigEndian.Uint16(header))

		frame := make([]byte, 2+frameLen)
		copy(frame, header)
		if _, err := io.ReadFull(tc.conn, frame[2:]); err != nil {
			t.logReadEnd(tc, err)
			return
		}

		m, err := msg.Decode(frame, t.key)
		if err != nil {
			t.logger.Debug("dropping inbound frame",
				slog.String("peer", tc.peer.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		if t.recv != nil {
			t.recv(EP{Kind: KindTCP, Addr: tc.peer}, m)
		}
	}
}

// logReadEnd records why a connection's read side ended.
func (t *TCP) logReadEnd(tc *tcpConn, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	t.logger.Debug("tcp read failed",
		slog.String("peer", tc.peer.String()),
		slog.String("error", err.Error()),
	)
}

// acceptLoop registers inbound connections in the cache keyed by the
// remote address, so replies ride the same stream.
func (t *TCP) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.logger.Debug("tcp accept failed", slog.String("error", err.Error()))
			continue
		}

		peer := netip.AddrPort{}
		if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			peer = addr.AddrPort()
		}
		t.register(peer, conn)
	}
}

// SweepIdle closes cached connections idle longer than MaxIdle.
// Called from the router's background tick.
func (t *TCP) SweepIdle(now time.Time) int {
	if t.maxIdle <= 0 {
		return 0
	}

	t.mu.Lock()
	var idle []*tcpConn
	for _, tc := range t.conns {
		if now.Sub(tc.lastUsed) > t.maxIdle {
			idle = append(idle, tc)
		}
	}
	t.mu.Unlock()

	for _, tc := range idle {
		t.closeConn(tc)
	}
	return len(idle)
}

// Close stops the listener and tears down every cached connection.
// Queued frames are discarded; pending Transmit callers observe
// ErrChannelClosed.
func (t *TCP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.ln.Close()

		t.mu.Lock()
		conns := make([]*tcpConn, 0, len(t.conns))
		for _, tc := range t.conns {
			conns = append(conns, tc)
		}
		t.mu.Unlock()

		for _, tc := range conns {
			t.closeConn(tc)
		}
		t.wg.Wait()
	})
	if err != nil {
		return fmt.Errorf("close tcp channel: %w", err)
	}
	return nil
}
