package msg

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// Reserved type tags for the discovery control frames. These travel in
// the same envelope as application messages and are consumed by the
// router before dispatch.
const (
	TagRouterAdvertise  = "fabric.router-advertise"
	TagLogicalAdvertise = "fabric.logical-advertise"
)

// -------------------------------------------------------------------------
// RouterAdvertiseMsg
// -------------------------------------------------------------------------

// RouterAdvertiseMsg announces a router's presence, transport
// addresses, and current logical endpoint-set ID. Receivers refresh
// the sender's physical route; a changed set ID signals that the
// sender's logical endpoint list must be replaced wholesale.
type RouterAdvertiseMsg struct {
	// RouterEP is the sender's physical endpoint.
	RouterEP EP

	// Capabilities is the sender's capability bitset (tier, P2P).
	Capabilities uint32

	// LogicalSetID identifies the sender's current logical endpoint
	// set. Regenerated whenever the advertised set changes.
	LogicalSetID uuid.UUID

	// UdpEP and TcpEP are the sender's transport bind addresses.
	UdpEP netip.AddrPort
	TcpEP netip.AddrPort

	// RouteTTLSeconds is how long receivers should keep the physical
	// route alive without hearing from the sender again.
	RouteTTLSeconds uint32

	// StartedAtUnixNano orders router instances for duplicate
	// endpoint detection.
	StartedAtUnixNano int64

	// IsReply marks an advertise sent in answer to another advertise,
	// suppressing a further answer.
	IsReply bool
}

// TypeTag implements Body.
func (*RouterAdvertiseMsg) TypeTag() string { return TagRouterAdvertise }

// MarshalBody implements Body.
func (a *RouterAdvertiseMsg) MarshalBody() ([]byte, error) {
	var w Writer
	w.String(a.RouterEP.String())
	w.U32(a.Capabilities)
	w.UUID(a.LogicalSetID)
	w.String(a.UdpEP.String())
	w.String(a.TcpEP.String())
	w.U32(a.RouteTTLSeconds)
	w.U64(uint64(a.StartedAtUnixNano))
	if a.IsReply {
		w.U8(1)
	} else {
		w.U8(0)
	}
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("marshal router advertise: %w", err)
	}
	return w.Bytes(), nil
}

// UnmarshalBody implements Body.
func (a *RouterAdvertiseMsg) UnmarshalBody(data []byte) error {
	r := NewReader(data)
	epText := r.String()
	a.Capabilities = r.U32()
	a.LogicalSetID = r.UUID()
	udpText := r.String()
	tcpText := r.String()
	a.RouteTTLSeconds = r.U32()
	a.StartedAtUnixNano = int64(r.U64())
	a.IsReply = r.U8() != 0
	if err := r.Err(); err != nil {
		return fmt.Errorf("unmarshal router advertise: %w", err)
	}

	ep, err := ParseEP(epText)
	if err != nil {
		return fmt.Errorf("unmarshal router advertise endpoint: %w: %w", err, ErrFrameFormat)
	}
	a.RouterEP = ep

	a.UdpEP = parseAddrPort(udpText)
	a.TcpEP = parseAddrPort(tcpText)
	return nil
}

// parseAddrPort parses an addr:port string, returning the zero
// AddrPort for empty or invalid input (the peer has no such channel).
func parseAddrPort(s string) netip.AddrPort {
	if s == "" || s == "invalid AddrPort" {
		return netip.AddrPort{}
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}

// -------------------------------------------------------------------------
// LogicalAdvertiseMsg
// -------------------------------------------------------------------------

// LogicalAdvertiseMsg publishes a shard of the sender's logical
// endpoint set. Large sets are split across frames sharing one set ID;
// SeqIndex/TotalCount let receivers detect shard membership.
type LogicalAdvertiseMsg struct {
	// LogicalSetID ties the shard to an endpoint-set generation.
	LogicalSetID uuid.UUID

	// SeqIndex is this shard's position, 0-based.
	SeqIndex uint16

	// TotalCount is the number of shards in the set.
	TotalCount uint16

	// Endpoints is this shard's logical endpoint list.
	Endpoints []EP
}

// TypeTag implements Body.
func (*LogicalAdvertiseMsg) TypeTag() string { return TagLogicalAdvertise }

// MarshalBody implements Body.
func (a *LogicalAdvertiseMsg) MarshalBody() ([]byte, error) {
	var w Writer
	w.UUID(a.LogicalSetID)
	w.U16(a.SeqIndex)
	w.U16(a.TotalCount)
	if len(a.Endpoints) > maxWireString {
		return nil, fmt.Errorf("marshal logical advertise: %d endpoints: %w",
			len(a.Endpoints), ErrFrameTooLarge)
	}
	w.U16(uint16(len(a.Endpoints)))
	for _, ep := range a.Endpoints {
		w.String(ep.String())
	}
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("marshal logical advertise: %w", err)
	}
	return w.Bytes(), nil
}

// UnmarshalBody implements Body.
func (a *LogicalAdvertiseMsg) UnmarshalBody(data []byte) error {
	r := NewReader(data)
	a.LogicalSetID = r.UUID()
	a.SeqIndex = r.U16()
	a.TotalCount = r.U16()
	count := int(r.U16())

	a.Endpoints = a.Endpoints[:0]
	for i := 0; i < count; i++ {
		text := r.String()
		if r.Err() != nil {
			break
		}
		ep, err := ParseEP(text)
		if err != nil {
			return fmt.Errorf("unmarshal logical advertise endpoint %q: %w: %w",
				text, err, ErrFrameFormat)
		}
		a.Endpoints = append(a.Endpoints, ep)
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("unmarshal logical advertise: %w", err)
	}
	return nil
}

func init() {
	RegisterMessageType(TagRouterAdvertise, func() Body { return &RouterAdvertiseMsg{} })
	RegisterMessageType(TagLogicalAdvertise, func() Body { return &LogicalAdvertiseMsg{} })
}
