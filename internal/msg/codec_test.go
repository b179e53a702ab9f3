package msg_test

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// newTestMessage builds a fully populated envelope for codec tests.
func newTestMessage() *msg.Message {
	m := msg.NewBlobPropertyMsg(msg.MustEP("logical://svc/orders"), []byte{1, 2, 3, 0xFF})
	m.FromEP = msg.MustEP("physical://root/hub0/leaf3")
	m.ReceiptEP = msg.MustEP("logical://svc/receipts")
	m.TTL = 5
	m.Flags = msg.FlagOpenSession | msg.FlagKeepSessionID
	m.SessionID = uuid.New()
	m.SetProp("value", "A")
	m.SetProp("cmd", "async-cancel")
	m.SetBytesProp("digest", []byte{9, 8, 7})
	return m
}

// assertMessagesEqual compares every envelope field the codec carries.
func assertMessagesEqual(t *testing.T, want, got *msg.Message) {
	t.Helper()

	if !got.ToEP.Equal(want.ToEP) {
		t.Errorf("ToEP = %s, want %s", got.ToEP, want.ToEP)
	}
	if !got.FromEP.Equal(want.FromEP) {
		t.Errorf("FromEP = %s, want %s", got.FromEP, want.FromEP)
	}
	if !got.ReceiptEP.Equal(want.ReceiptEP) {
		t.Errorf("ReceiptEP = %s, want %s", got.ReceiptEP, want.ReceiptEP)
	}
	if got.TTL != want.TTL {
		t.Errorf("TTL = %d, want %d", got.TTL, want.TTL)
	}
	if got.Flags != want.Flags {
		t.Errorf("Flags = %x, want %x", got.Flags, want.Flags)
	}
	if got.MsgID != want.MsgID {
		t.Errorf("MsgID = %s, want %s", got.MsgID, want.MsgID)
	}
	if got.SessionID != want.SessionID {
		t.Errorf("SessionID = %s, want %s", got.SessionID, want.SessionID)
	}
	if got.PropCount() != want.PropCount() {
		t.Errorf("PropCount = %d, want %d", got.PropCount(), want.PropCount())
	}
	for _, name := range want.PropNames() {
		if got.Prop(name) != want.Prop(name) {
			t.Errorf("Prop(%q) = %q, want %q", name, got.Prop(name), want.Prop(name))
		}
	}
	if got.TypeTag() != want.TypeTag() {
		t.Errorf("TypeTag = %q, want %q", got.TypeTag(), want.TypeTag())
	}
}

// TestCodecRoundTrip verifies decode(encode(m)) == m in plaintext and
// encrypted modes.
func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	keys := []struct {
		name string
		key  []byte
	}{
		{"plaintext", nil},
		{"aes-gcm", msg.DeriveKey("fabric-shared-secret")},
	}

	for _, tt := range keys {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			want := newTestMessage()
			frame, err := msg.Encode(want, tt.key)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			got, err := msg.Decode(frame, tt.key)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			assertMessagesEqual(t, want, got)

			blob, ok := got.Body.(*msg.BlobPropertyMsg)
			if !ok {
				t.Fatalf("Body type = %T, want *BlobPropertyMsg", got.Body)
			}
			if !bytes.Equal(blob.Blob, []byte{1, 2, 3, 0xFF}) {
				t.Errorf("Blob = %x", blob.Blob)
			}
		})
	}
}

// TestCodecBagOnly verifies untyped (nil body) envelopes survive the
// codec.
func TestCodecBagOnly(t *testing.T) {
	t.Parallel()

	want := msg.NewMessage(msg.MustEP("logical://foo"), nil)
	want.SetProp("k", "v")

	frame, err := msg.Encode(want, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := msg.Decode(frame, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Body != nil {
		t.Errorf("Body = %T, want nil", got.Body)
	}
	if got.Prop("k") != "v" {
		t.Errorf("Prop(k) = %q, want v", got.Prop("k"))
	}
}

// TestCodecMalformed verifies that truncated and corrupted plaintext
// frames fail with ErrFrameFormat.
func TestCodecMalformed(t *testing.T) {
	t.Parallel()

	frame, err := msg.Encode(newTestMessage(), nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"truncated header", func(b []byte) []byte { return b[:1] }},
		{"truncated body", func(b []byte) []byte {
			c := append([]byte(nil), b[:len(b)/2]...)
			// Fix the frame length so only the interior is short.
			c[0] = byte((len(c) - 2) >> 8)
			c[1] = byte(len(c) - 2)
			return c
		}},
		{"length mismatch", func(b []byte) []byte {
			c := append([]byte(nil), b...)
			c[1] ^= 0x01
			return c
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := msg.Decode(tt.mutate(append([]byte(nil), frame...)), nil)
			if !errors.Is(err, msg.ErrFrameFormat) {
				t.Errorf("Decode error = %v, want ErrFrameFormat", err)
			}
		})
	}
}

// TestCodecTamper verifies that flipping any ciphertext bit fails with
// ErrMAC and that key mismatch is rejected.
func TestCodecTamper(t *testing.T) {
	t.Parallel()

	key := msg.DeriveKey("alpha")
	frame, err := msg.Encode(newTestMessage(), key)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	t.Run("bit flip", func(t *testing.T) {
		t.Parallel()

		tampered := append([]byte(nil), frame...)
		tampered[len(tampered)-1] ^= 0x80
		if _, err := msg.Decode(tampered, key); !errors.Is(err, msg.ErrMAC) {
			t.Errorf("Decode error = %v, want ErrMAC", err)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		t.Parallel()

		if _, err := msg.Decode(frame, msg.DeriveKey("beta")); !errors.Is(err, msg.ErrMAC) {
			t.Errorf("Decode error = %v, want ErrMAC", err)
		}
	})

	t.Run("plaintext read of sealed frame", func(t *testing.T) {
		t.Parallel()

		if _, err := msg.Decode(frame, nil); err == nil {
			t.Error("Decode of sealed frame without key should fail")
		}
	})
}

// TestCodecUnknownType verifies catalog misses surface as frame format
// errors.
func TestCodecUnknownType(t *testing.T) {
	t.Parallel()

	m := msg.NewMessage(msg.MustEP("logical://foo"), unregisteredBody{})
	frame, err := msg.Encode(m, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := msg.Decode(frame, nil); !errors.Is(err, msg.ErrUnknownType) {
		t.Errorf("Decode error = %v, want ErrUnknownType", err)
	}
}

// unregisteredBody is a body type deliberately absent from the catalog.
type unregisteredBody struct{}

func (unregisteredBody) TypeTag() string                { return "test.unregistered" }
func (unregisteredBody) MarshalBody() ([]byte, error)   { return nil, nil }
func (unregisteredBody) UnmarshalBody(data []byte) error { return nil }

// TestAdvertiseRoundTrip verifies the discovery frame bodies.
func TestAdvertiseRoundTrip(t *testing.T) {
	t.Parallel()

	setID := uuid.New()

	adv := &msg.RouterAdvertiseMsg{
		RouterEP:          msg.MustEP("physical://root/hub0/leaf1"),
		Capabilities:      0x05,
		LogicalSetID:      setID,
		UdpEP:             netip.MustParseAddrPort("192.168.1.10:47000"),
		TcpEP:             netip.MustParseAddrPort("192.168.1.10:47001"),
		RouteTTLSeconds:   30,
		StartedAtUnixNano: 1234567890,
		IsReply:           true,
	}
	m := msg.NewMessage(msg.MustEP("logical://*"), adv)
	m.FromEP = adv.RouterEP

	frame, err := msg.Encode(m, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := msg.Decode(frame, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	gotAdv, ok := got.Body.(*msg.RouterAdvertiseMsg)
	if !ok {
		t.Fatalf("Body type = %T", got.Body)
	}
	if !gotAdv.RouterEP.Equal(adv.RouterEP) || gotAdv.Capabilities != adv.Capabilities ||
		gotAdv.LogicalSetID != adv.LogicalSetID || gotAdv.UdpEP != adv.UdpEP ||
		gotAdv.TcpEP != adv.TcpEP || gotAdv.RouteTTLSeconds != adv.RouteTTLSeconds ||
		gotAdv.StartedAtUnixNano != adv.StartedAtUnixNano || !gotAdv.IsReply {
		t.Errorf("RouterAdvertiseMsg round trip mismatch: %+v", gotAdv)
	}

	la := &msg.LogicalAdvertiseMsg{
		LogicalSetID: setID,
		SeqIndex:     1,
		TotalCount:   2,
		Endpoints: []msg.EP{
			msg.MustEP("logical://foo"),
			msg.MustEP("logical://bar/baz/*"),
		},
	}
	m2 := msg.NewMessage(msg.MustEP("logical://*"), la)
	frame2, err := msg.Encode(m2, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got2, err := msg.Decode(frame2, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	gotLA, ok := got2.Body.(*msg.LogicalAdvertiseMsg)
	if !ok {
		t.Fatalf("Body type = %T", got2.Body)
	}
	if gotLA.LogicalSetID != la.LogicalSetID || gotLA.SeqIndex != 1 || gotLA.TotalCount != 2 {
		t.Errorf("LogicalAdvertiseMsg header mismatch: %+v", gotLA)
	}
	if len(gotLA.Endpoints) != 2 || !gotLA.Endpoints[0].Equal(la.Endpoints[0]) ||
		!gotLA.Endpoints[1].Equal(la.Endpoints[1]) {
		t.Errorf("LogicalAdvertiseMsg endpoints mismatch: %v", gotLA.Endpoints)
	}
}

// TestMessageClone verifies clone-on-forward header isolation.
func TestMessageClone(t *testing.T) {
	t.Parallel()

	orig := newTestMessage()
	c := orig.Clone()

	c.TTL--
	c.MsgID = uuid.New()
	c.SetProp("extra", "x")

	if orig.TTL != 5 {
		t.Errorf("original TTL mutated to %d", orig.TTL)
	}
	if orig.HasProp("extra") {
		t.Error("original property bag mutated")
	}
	if c.Body != orig.Body {
		t.Error("clone should share the immutable body")
	}
}
