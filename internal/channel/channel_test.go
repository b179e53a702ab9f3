package channel_test

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/gofabric/internal/channel"
	"github.com/dantte-lp/gofabric/internal/msg"
)

// collector accumulates received messages.
type collector struct {
	mu   sync.Mutex
	got  []*msg.Message
	from []channel.EP
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 64)}
}

func (c *collector) receive(from channel.EP, m *msg.Message) {
	c.mu.Lock()
	c.got = append(c.got, m)
	c.from = append(c.from, from)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

// wait blocks until n messages arrived or the deadline passes.
func (c *collector) wait(t *testing.T, n int, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		c.mu.Lock()
		have := len(c.got)
		c.mu.Unlock()
		if have >= n {
			return
		}
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, have %d", n, have)
		}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

// TestFailInjectorModes verifies the deterministic behavior of each
// fault mode.
func TestFailInjectorModes(t *testing.T) {
	t.Parallel()

	countSends := func(f *channel.FailInjector, attempts int) int {
		sent := 0
		var mu sync.Mutex
		for i := 0; i < attempts; i++ {
			_ = f.Apply(func() error {
				mu.Lock()
				sent++
				mu.Unlock()
				return nil
			})
		}
		// Allow delayed sends to land.
		time.Sleep(120 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		return sent
	}

	tests := []struct {
		name     string
		mode     channel.FailMode
		attempts int
		want     int
	}{
		{"normal passes all", channel.FailNormal, 10, 10},
		{"disconnected drops all", channel.FailDisconnected, 10, 0},
		{"intermittent drops every other", channel.FailIntermittent, 10, 5},
		{"duplicate doubles", channel.FailDuplicate, 10, 20},
		{"delay delivers late", channel.FailDelay, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var f channel.FailInjector
			f.SetMode(tt.mode)
			if got := countSends(&f, tt.attempts); got != tt.want {
				t.Errorf("%s: %d sends, want %d", tt.mode, got, tt.want)
			}
		})
	}
}

// newTestMessage builds an addressed envelope for transport tests.
func newTestMessage(prop string) *msg.Message {
	m := msg.NewPropertyMsg(msg.MustEP("logical://test/sink"))
	m.FromEP = msg.MustEP("physical://root/hub0/leaf1")
	m.TTL = 5
	m.SetProp("n", prop)
	return m
}

// TestUDPRoundTrip verifies unicast delivery between two UDP channels
// on the loopback interface, with and without frame encryption.
func TestUDPRoundTrip(t *testing.T) {
	t.Parallel()

	keys := []struct {
		name string
		key  []byte
	}{
		{"plaintext", nil},
		{"encrypted", msg.DeriveKey("shared")},
	}

	for _, tt := range keys {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sink := newCollector()
			recvCh, err := channel.NewUDP(channel.UDPConfig{
				Bind:      netip.MustParseAddrPort("127.0.0.1:0"),
				Key:       tt.key,
				OnReceive: sink.receive,
				Logger:    discardLogger(),
			})
			if err != nil {
				t.Fatalf("NewUDP receiver: %v", err)
			}
			defer recvCh.Close()

			sendCh, err := channel.NewUDP(channel.UDPConfig{
				Bind:   netip.MustParseAddrPort("127.0.0.1:0"),
				Key:    tt.key,
				Logger: discardLogger(),
			})
			if err != nil {
				t.Fatalf("NewUDP sender: %v", err)
			}
			defer sendCh.Close()

			for i := 0; i < 3; i++ {
				if err := sendCh.Transmit(recvCh.LocalAddr(), newTestMessage("x")); err != nil {
					t.Fatalf("Transmit: %v", err)
				}
			}

			sink.wait(t, 3, 5*time.Second)
		})
	}
}

// TestUDPRejectsTamperedFrames verifies that a receiver with a
// different key silently drops traffic (wire errors stay local).
func TestUDPRejectsTamperedFrames(t *testing.T) {
	t.Parallel()

	sink := newCollector()
	recvCh, err := channel.NewUDP(channel.UDPConfig{
		Bind:      netip.MustParseAddrPort("127.0.0.1:0"),
		Key:       msg.DeriveKey("right"),
		OnReceive: sink.receive,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	defer recvCh.Close()

	sendCh, err := channel.NewUDP(channel.UDPConfig{
		Bind:   netip.MustParseAddrPort("127.0.0.1:0"),
		Key:    msg.DeriveKey("wrong"),
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	defer sendCh.Close()

	if err := sendCh.Transmit(recvCh.LocalAddr(), newTestMessage("x")); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if n := sink.count(); n != 0 {
		t.Errorf("receiver decoded %d frames under a mismatched key", n)
	}
}

// TestTCPRoundTrip verifies lazy-dial stream delivery and per-peer
// FIFO ordering.
func TestTCPRoundTrip(t *testing.T) {
	t.Parallel()

	sink := newCollector()
	server, err := channel.NewTCP(channel.TCPConfig{
		Bind:      netip.MustParseAddrPort("127.0.0.1:0"),
		OnReceive: sink.receive,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewTCP server: %v", err)
	}
	defer server.Close()

	clientSink := newCollector()
	client, err := channel.NewTCP(channel.TCPConfig{
		Bind:      netip.MustParseAddrPort("127.0.0.1:0"),
		OnReceive: clientSink.receive,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewTCP client: %v", err)
	}
	defer client.Close()

	const total = 20
	for i := 0; i < total; i++ {
		m := newTestMessage(string(rune('a' + i)))
		if err := client.Transmit(server.LocalAddr(), m); err != nil {
			t.Fatalf("Transmit %d: %v", i, err)
		}
	}

	sink.wait(t, total, 5*time.Second)

	// Stream transport preserves per-peer FIFO.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, m := range sink.got {
		if want := string(rune('a' + i)); m.Prop("n") != want {
			t.Fatalf("message %d out of order: got %q, want %q", i, m.Prop("n"), want)
		}
	}
}

// TestTCPTransmitAfterClose verifies the close contract.
func TestTCPTransmitAfterClose(t *testing.T) {
	t.Parallel()

	ch, err := channel.NewTCP(channel.TCPConfig{
		Bind:   netip.MustParseAddrPort("127.0.0.1:0"),
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	addr := ch.LocalAddr()
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err = ch.Transmit(addr, newTestMessage("x"))
	if !errors.Is(err, channel.ErrChannelClosed) {
		t.Errorf("Transmit after close = %v, want ErrChannelClosed", err)
	}
}
