package msg

import (
	"encoding/base64"
	"sort"

	"github.com/google/uuid"
)

// -------------------------------------------------------------------------
// Envelope Flags
// -------------------------------------------------------------------------

// Flags is the message header flag bitset.
type Flags uint32

const (
	// FlagBroadcast requests fan-out to every route in the closest
	// distance tier instead of single-route selection.
	FlagBroadcast Flags = 1 << iota

	// FlagKeepSessionID preserves the session ID across retries so the
	// receiver can deduplicate resent queries.
	FlagKeepSessionID

	// FlagOpenSession asks the receiver to open (or rejoin) a
	// server-side session keyed by the message's session ID.
	FlagOpenSession

	// FlagServerSession marks a frame travelling server-to-client
	// within an established session (replies, duplex server traffic).
	FlagServerSession

	// FlagReceiptRequest asks the final router to emit a delivery
	// receipt to the envelope's receipt endpoint.
	FlagReceiptRequest

	// FlagPriority hints queue-jumping on outbound channel queues.
	FlagPriority
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Version is the envelope wire version.
const Version uint8 = 1

// -------------------------------------------------------------------------
// Message — the fabric envelope
// -------------------------------------------------------------------------

// Message is the unit of transfer across the fabric: a routing header,
// a string property bag, and an optional typed body. Header fields are
// mutated in place by the owning router only; forwarders must Clone
// before rewriting TTL, FromEP, or MsgID.
type Message struct {
	// Version is the envelope wire version.
	Version uint8

	// ToEP is the destination endpoint (physical or logical).
	ToEP EP

	// FromEP is the sending router's physical endpoint.
	FromEP EP

	// ReceiptEP optionally names where delivery receipts are sent.
	ReceiptEP EP

	// TTL is the remaining hop budget; decremented on each forward,
	// zero means drop.
	TTL uint8

	// Flags is the header flag bitset.
	Flags Flags

	// MsgID uniquely identifies this frame on this hop. Forwarders
	// rewrite it so hop-by-hop deduplication works.
	MsgID uuid.UUID

	// SessionID groups the frames of one transactional or long-lived
	// exchange. Zero UUID means no session.
	SessionID uuid.UUID

	// props is the string property bag. Lazily allocated.
	props map[string]string

	// Body is the optional typed payload. Shared (not deep-copied) by
	// Clone; bodies are treated as immutable once attached.
	Body Body
}

// NewMessage creates a message addressed to to with the given body
// (nil for a bag-only message) and a fresh message ID.
func NewMessage(to EP, body Body) *Message {
	return &Message{
		Version: Version,
		ToEP:    to,
		MsgID:   uuid.New(),
		Body:    body,
	}
}

// -------------------------------------------------------------------------
// Property Bag
// -------------------------------------------------------------------------

// SetProp sets a string property.
func (m *Message) SetProp(name, value string) {
	if m.props == nil {
		m.props = make(map[string]string, 4)
	}
	m.props[name] = value
}

// Prop returns the named property, or "" when absent.
func (m *Message) Prop(name string) string { return m.props[name] }

// HasProp reports whether the named property is set.
func (m *Message) HasProp(name string) bool {
	_, ok := m.props[name]
	return ok
}

// DeleteProp removes the named property.
func (m *Message) DeleteProp(name string) { delete(m.props, name) }

// SetBytesProp stores a binary property base64-encoded.
func (m *Message) SetBytesProp(name string, value []byte) {
	m.SetProp(name, base64.StdEncoding.EncodeToString(value))
}

// BytesProp decodes a binary property. Returns nil when absent or
// malformed.
func (m *Message) BytesProp(name string) []byte {
	v, ok := m.props[name]
	if !ok {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil
	}
	return b
}

// PropNames returns the sorted property names.
func (m *Message) PropNames() []string {
	names := make([]string, 0, len(m.props))
	for n := range m.props {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PropCount returns the number of properties.
func (m *Message) PropCount() int { return len(m.props) }

// -------------------------------------------------------------------------
// Clone-on-forward
// -------------------------------------------------------------------------

// Clone returns a copy safe for independent header mutation. The
// property bag is copied; the body is shared immutable, so concurrent
// in-flight retries never observe another frame's TTL, FromEP, or
// MsgID rewrites.
func (m *Message) Clone() *Message {
	c := &Message{
		Version:   m.Version,
		ToEP:      m.ToEP,
		FromEP:    m.FromEP,
		ReceiptEP: m.ReceiptEP,
		TTL:       m.TTL,
		Flags:     m.Flags,
		MsgID:     m.MsgID,
		SessionID: m.SessionID,
		Body:      m.Body,
	}
	if m.props != nil {
		c.props = make(map[string]string, len(m.props))
		for k, v := range m.props {
			c.props[k] = v
		}
	}
	return c
}

// TypeTag returns the body's type tag, or "" for a bag-only message.
func (m *Message) TypeTag() string {
	if m.Body == nil {
		return ""
	}
	return m.Body.TypeTag()
}
