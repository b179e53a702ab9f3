package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// -------------------------------------------------------------------------
// UDP Channel
// -------------------------------------------------------------------------

// UDPConfig configures a datagram channel.
type UDPConfig struct {
	// Bind is the local address. An unspecified address or zero port
	// requests an ephemeral bind.
	Bind netip.AddrPort

	// Group is the multicast discovery group (CloudEP). The zero
	// AddrPort disables multicast membership.
	Group netip.AddrPort

	// Relays lists broadcast-relay servers used instead of multicast
	// when discovery runs in UDPBROADCAST mode.
	Relays []netip.AddrPort

	// Key enables frame encryption when non-nil.
	Key []byte

	// QueueSize bounds the outbound queue. Zero selects the default.
	QueueSize int

	// OnReceive is invoked for each decoded inbound message.
	OnReceive ReceiveFunc

	// Logger receives channel diagnostics. Must not be nil.
	Logger *slog.Logger
}

// udpOut is one queued outbound datagram.
type udpOut struct {
	to    netip.AddrPort
	frame []byte
}

// UDP is the datagram channel. One socket serves unicast traffic and,
// when joined, the multicast discovery group. Messages addressed to
// the channel's own bind from its own multicast sends are delivered
// back to the local receiver like any other frame.
type UDP struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	group  netip.AddrPort
	relays []netip.AddrPort
	key    []byte
	local  netip.AddrPort

	out    chan udpOut
	fail   FailInjector
	recv   ReceiveFunc
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewUDP opens the socket, joins the multicast group when configured,
// and starts the send and receive loops.
func NewUDP(cfg UDPConfig) (*UDP, error) {
	bind := cfg.Bind
	if !bind.Addr().IsValid() {
		bind = netip.AddrPortFrom(netip.IPv4Unspecified(), bind.Port())
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := listenUDP(&lc, bind)
	if err != nil {
		return nil, fmt.Errorf("udp channel listen %s: %w", bind, err)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	u := &UDP{
		conn:   pc,
		group:  cfg.Group,
		relays: cfg.Relays,
		key:    cfg.Key,
		out:    make(chan udpOut, queueSize),
		recv:   cfg.OnReceive,
		closed: make(chan struct{}),
		logger: cfg.Logger.With(slog.String("component", "channel.udp")),
	}

	if addr, ok := pc.LocalAddr().(*net.UDPAddr); ok {
		u.local = addr.AddrPort()
	}

	if cfg.Group.IsValid() {
		if err := u.joinGroup(cfg.Group); err != nil {
			closeErr := pc.Close()
			return nil, errors.Join(
				fmt.Errorf("udp channel join group %s: %w", cfg.Group, err),
				closeErr,
			)
		}
	}

	u.wg.Add(2)
	go u.sendLoop()
	go u.recvLoop()

	return u, nil
}

// joinGroup joins the multicast discovery group on the system-default
// interface with loopback enabled so a router hears its own advertise
// frames (self-reception is allowed by design).
func (u *UDP) joinGroup(group netip.AddrPort) error {
	p := ipv4.NewPacketConn(u.conn)
	groupAddr := &net.UDPAddr{IP: group.Addr().AsSlice()}
	if err := p.JoinGroup(nil, groupAddr); err != nil {
		return err
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		u.logger.Warn("failed to enable multicast loopback",
			slog.String("error", err.Error()),
		)
	}
	u.pconn = p
	return nil
}

// LocalAddr returns the bound address, with the ephemeral port
// resolved.
func (u *UDP) LocalAddr() netip.AddrPort { return u.local }

// FailModeControl exposes the channel's fault injector.
func (u *UDP) FailModeControl() *FailInjector { return &u.fail }

// Transmit encodes and queues a frame for the peer. A full queue
// rejects the frame with ErrSendQueueFull; the caller may retry.
func (u *UDP) Transmit(to netip.AddrPort, m *msg.Message) error {
	if !to.IsValid() {
		return fmt.Errorf("udp transmit: %w", ErrNoAddress)
	}
	frame, err := msg.Encode(m, u.key)
	if err != nil {
		return fmt.Errorf("udp transmit: %w", err)
	}
	return u.enqueue(udpOut{to: to, frame: frame})
}

// Multicast encodes and queues a frame for the discovery group, or
// for each configured broadcast relay when no group is joined.
func (u *UDP) Multicast(m *msg.Message) error {
	frame, err := msg.Encode(m, u.key)
	if err != nil {
		return fmt.Errorf("udp multicast: %w", err)
	}

	if u.group.IsValid() {
		return u.enqueue(udpOut{to: u.group, frame: frame})
	}

	if len(u.relays) == 0 {
		return fmt.Errorf("udp multicast: %w", ErrNoAddress)
	}
	var errs error
	for _, relay := range u.relays {
		errs = errors.Join(errs, u.enqueue(udpOut{to: relay, frame: frame}))
	}
	return errs
}

// enqueue places an outbound datagram on the bounded queue.
func (u *UDP) enqueue(item udpOut) error {
	select {
	case <-u.closed:
		return fmt.Errorf("udp transmit: %w", ErrChannelClosed)
	default:
	}

	select {
	case u.out <- item:
		return nil
	default:
		return fmt.Errorf("udp transmit to %s: %w", item.to, ErrSendQueueFull)
	}
}

// sendLoop drains the outbound queue onto the socket, applying the
// fault injector to each datagram.
func (u *UDP) sendLoop() {
	defer u.wg.Done()

	for {
		select {
		case <-u.closed:
			return
		case item := <-u.out:
			err := u.fail.Apply(func() error {
				_, werr := u.conn.WriteToUDPAddrPort(item.frame, item.to)
				return werr
			})
			if err != nil {
				u.logger.Debug("udp send failed",
					slog.String("to", item.to.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// recvLoop reads datagrams, decodes them, and delivers to the receive
// callback. Malformed or tampered frames are logged and dropped; wire
// errors never reach the application.
func (u *UDP) recvLoop() {
	defer u.wg.Done()

	buf := make([]byte, msg.MaxFrameSize+2)
	for {
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-u.closed:
				return
			default:
			}
			u.logger.Debug("udp read failed", slog.String("error", err.Error()))
			continue
		}

		m, err := msg.Decode(buf[:n], u.key)
		if err != nil {
			u.logger.Debug("dropping inbound frame",
				slog.String("from", from.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		if u.recv != nil {
			u.recv(EP{Kind: KindUDP, Addr: from}, m)
		}
	}
}

// Close shuts the socket and stops both loops. Queued frames are
// discarded; subsequent Transmit calls fail with ErrChannelClosed.
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.closed)
		if u.pconn != nil {
			groupAddr := &net.UDPAddr{IP: u.group.Addr().AsSlice()}
			_ = u.pconn.LeaveGroup(nil, groupAddr)
		}
		err = u.conn.Close()
		u.wg.Wait()
	})
	if err != nil {
		return fmt.Errorf("close udp channel: %w", err)
	}
	return nil
}

// listenUDP binds the datagram socket via ListenConfig so the
// SO_REUSEADDR control applies (multiple routers on one host may share
// a multicast group port).
func listenUDP(lc *net.ListenConfig, bind netip.AddrPort) (*net.UDPConn, error) {
	pc, err := lc.ListenPacket(context.Background(), "udp4", bind.String())
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, errors.New("unexpected packet conn type")
	}
	return conn, nil
}
