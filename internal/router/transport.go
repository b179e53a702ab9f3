package router

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/gofabric/internal/channel"
	"github.com/dantte-lp/gofabric/internal/msg"
)

// -------------------------------------------------------------------------
// NetTransport — production channel pair
// -------------------------------------------------------------------------

// DiscoveryMode selects how routers find each other.
type DiscoveryMode uint8

const (
	// DiscoveryMulticast uses a multicast group (CloudEP).
	DiscoveryMulticast DiscoveryMode = iota

	// DiscoveryUDPBroadcast relays discovery frames through one or
	// more broadcast servers instead of multicast (for networks
	// without multicast routing).
	DiscoveryUDPBroadcast
)

// String returns the discovery mode name.
func (d DiscoveryMode) String() string {
	switch d {
	case DiscoveryUDPBroadcast:
		return "UDPBROADCAST"
	default:
		return "MULTICAST"
	}
}

// ParseDiscoveryMode maps a configuration string to a mode.
func ParseDiscoveryMode(s string) (DiscoveryMode, error) {
	switch s {
	case "", "MULTICAST", "multicast":
		return DiscoveryMulticast, nil
	case "UDPBROADCAST", "udpbroadcast":
		return DiscoveryUDPBroadcast, nil
	default:
		return 0, fmt.Errorf("discovery mode %q: must be MULTICAST or UDPBROADCAST", s)
	}
}

// NetTransportConfig configures the production transport.
type NetTransportConfig struct {
	// UdpBind and TcpBind are the local bind addresses. ANY:0
	// requests ephemeral binds.
	UdpBind netip.AddrPort
	TcpBind netip.AddrPort

	// Mode selects multicast or broadcast-relay discovery.
	Mode DiscoveryMode

	// CloudEP is the multicast discovery group (multicast mode).
	CloudEP netip.AddrPort

	// Relays are the broadcast relay servers (broadcast mode).
	Relays []netip.AddrPort

	// SharedKey enables frame encryption; "PLAINTEXT" disables.
	SharedKey string

	// MaxIdle closes idle cached stream connections.
	MaxIdle time.Duration

	// Logger receives channel diagnostics. Required.
	Logger *slog.Logger
}

// NetTransport is the production Transport: one UDP channel (with the
// discovery group joined) and one TCP channel with a connection
// cache. Channels are created on Open so a failed Start leaves no
// sockets behind.
type NetTransport struct {
	cfg NetTransportConfig
	udp *channel.UDP
	tcp *channel.TCP
}

// NewNetTransport builds an unopened transport.
func NewNetTransport(cfg NetTransportConfig) *NetTransport {
	return &NetTransport{cfg: cfg}
}

// Open implements Transport.
func (n *NetTransport) Open(recv channel.ReceiveFunc) error {
	key := msg.DeriveKey(n.cfg.SharedKey)

	group := netip.AddrPort{}
	var relays []netip.AddrPort
	if n.cfg.Mode == DiscoveryUDPBroadcast {
		relays = n.cfg.Relays
	} else {
		group = n.cfg.CloudEP
	}

	udp, err := channel.NewUDP(channel.UDPConfig{
		Bind:      n.cfg.UdpBind,
		Group:     group,
		Relays:    relays,
		Key:       key,
		OnReceive: recv,
		Logger:    n.cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	tcp, err := channel.NewTCP(channel.TCPConfig{
		Bind:      n.cfg.TcpBind,
		Key:       key,
		MaxIdle:   n.cfg.MaxIdle,
		OnReceive: recv,
		Logger:    n.cfg.Logger,
	})
	if err != nil {
		closeErr := udp.Close()
		return errors.Join(fmt.Errorf("open transport: %w", err), closeErr)
	}

	n.udp = udp
	n.tcp = tcp
	return nil
}

// TransmitUDP implements Transport.
func (n *NetTransport) TransmitUDP(to netip.AddrPort, m *msg.Message) error {
	if n.udp == nil {
		return channel.ErrChannelClosed
	}
	return n.udp.Transmit(to, m)
}

// TransmitTCP implements Transport.
func (n *NetTransport) TransmitTCP(to netip.AddrPort, m *msg.Message) error {
	if n.tcp == nil {
		return channel.ErrChannelClosed
	}
	return n.tcp.Transmit(to, m)
}

// Multicast implements Transport.
func (n *NetTransport) Multicast(m *msg.Message) error {
	if n.udp == nil {
		return channel.ErrChannelClosed
	}
	return n.udp.Multicast(m)
}

// UDPAddr implements Transport.
func (n *NetTransport) UDPAddr() netip.AddrPort {
	if n.udp == nil {
		return netip.AddrPort{}
	}
	return n.udp.LocalAddr()
}

// TCPAddr implements Transport.
func (n *NetTransport) TCPAddr() netip.AddrPort {
	if n.tcp == nil {
		return netip.AddrPort{}
	}
	return n.tcp.LocalAddr()
}

// SweepIdle implements Transport.
func (n *NetTransport) SweepIdle(now time.Time) {
	if n.tcp != nil {
		n.tcp.SweepIdle(now)
	}
}

// Close implements Transport.
func (n *NetTransport) Close() error {
	var errs error
	if n.udp != nil {
		errs = errors.Join(errs, n.udp.Close())
		n.udp = nil
	}
	if n.tcp != nil {
		errs = errors.Join(errs, n.tcp.Close())
		n.tcp = nil
	}
	return errs
}

// UDPFailControl exposes the datagram channel's fault injector, or
// nil before Open.
func (n *NetTransport) UDPFailControl() *channel.FailInjector {
	if n.udp == nil {
		return nil
	}
	return n.udp.FailModeControl()
}

// TCPFailControl exposes the stream channel's fault injector, or nil
// before Open.
func (n *NetTransport) TCPFailControl() *channel.FailInjector {
	if n.tcp == nil {
		return nil
	}
	return n.tcp.FailModeControl()
}
