package channel

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Network Fault Injection
// -------------------------------------------------------------------------

// FailMode enumerates the first-class fault-injection modes applied to
// outbound frames. The modes exist so the end-to-end reliability tests
// are reproducible without a real lossy network.
type FailMode uint32

const (
	// FailNormal passes frames through unchanged.
	FailNormal FailMode = iota

	// FailDisconnected silently drops every outbound frame.
	FailDisconnected

	// FailIntermittent drops every other outbound frame. The
	// alternation is deterministic so retry behavior is testable.
	FailIntermittent

	// FailDelay defers each outbound frame by a short random delay,
	// reordering traffic.
	FailDelay

	// FailDuplicate transmits every outbound frame twice.
	FailDuplicate
)

// String returns the fault mode name.
func (m FailMode) String() string {
	switch m {
	case FailNormal:
		return "Normal"
	case FailDisconnected:
		return "Disconnected"
	case FailIntermittent:
		return "Intermittent"
	case FailDelay:
		return "Delay"
	case FailDuplicate:
		return "Duplicate"
	default:
		return "Unknown"
	}
}

// Delay bounds for FailDelay.
const (
	failDelayMin = 5 * time.Millisecond
	failDelaySpan = 45 * time.Millisecond
)

// FailInjector filters outbound sends according to the current mode.
// Safe for concurrent use; the mode is switchable at runtime.
type FailInjector struct {
	mode    atomic.Uint32
	counter atomic.Uint64
}

// SetMode switches the fault mode.
func (f *FailInjector) SetMode(mode FailMode) {
	f.mode.Store(uint32(mode))
}

// Mode returns the current fault mode.
func (f *FailInjector) Mode() FailMode {
	return FailMode(f.mode.Load())
}

// Apply runs send under the current fault mode. Dropped frames return
// nil: the loss is indistinguishable from the network eating the
// datagram, which is exactly what the reliability layers must absorb.
func (f *FailInjector) Apply(send func() error) error {
	switch f.Mode() {
	case FailDisconnected:
		return nil

	case FailIntermittent:
		if f.counter.Add(1)%2 == 1 {
			return nil
		}
		return send()

	case FailDelay:
		delay := failDelayMin + time.Duration(rand.Int63n(int64(failDelaySpan)))
		time.AfterFunc(delay, func() {
			_ = send()
		})
		return nil

	case FailDuplicate:
		if err := send(); err != nil {
			return err
		}
		return send()

	default:
		return send()
	}
}
