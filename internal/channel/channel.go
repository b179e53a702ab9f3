// Package channel implements the fabric's wire transports: a datagram
// channel with optional multicast membership and a stream channel with
// a per-peer connection cache. Both carry encoded msg frames and
// deliver inbound messages through a receive callback.
package channel

import (
	"errors"
	"net/netip"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// Kind identifies the transport of a channel endpoint.
type Kind uint8

const (
	// KindUDP is the unicast datagram transport.
	KindUDP Kind = iota + 1

	// KindTCP is the stream transport.
	KindTCP

	// KindMulticast is the discovery group transport.
	KindMulticast
)

// String returns the transport name.
func (k Kind) String() string {
	switch k {
	case KindUDP:
		return "udp"
	case KindTCP:
		return "tcp"
	case KindMulticast:
		return "multicast"
	default:
		return "unknown"
	}
}

// EP is a channel endpoint: a transport kind plus an address. It is
// the ip:port overlay a physical endpoint resolves to.
type EP struct {
	Kind Kind
	Addr netip.AddrPort
}

// String returns kind://addr.
func (e EP) String() string {
	return e.Kind.String() + "://" + e.Addr.String()
}

// ReceiveFunc is invoked for each decoded inbound message. Callbacks
// run on the channel's receive goroutine; implementations hand off to
// worker pools for anything slow.
type ReceiveFunc func(from EP, m *msg.Message)

// Channel errors.
var (
	// ErrChannelClosed indicates an operation on a closed channel.
	// Pending waiters are unblocked with this error when a channel or
	// router shuts down.
	ErrChannelClosed = errors.New("channel closed")

	// ErrSendQueueFull indicates the bounded outbound queue rejected a
	// frame; the caller may retry.
	ErrSendQueueFull = errors.New("outbound queue full")

	// ErrNoAddress indicates a transmit with no usable peer address.
	ErrNoAddress = errors.New("no transport address for peer")

	// ErrFrameTooLarge indicates a frame exceeding the datagram limit.
	ErrFrameTooLarge = errors.New("frame exceeds datagram limit")
)

// defaultQueueSize bounds outbound queues when the config leaves the
// size zero.
const defaultQueueSize = 128
