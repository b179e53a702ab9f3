package router

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dantte-lp/gofabric/internal/msg"
	"github.com/dantte-lp/gofabric/internal/session"
)

// -------------------------------------------------------------------------
// Session Options
// -------------------------------------------------------------------------

// SessionType selects the session semantics of a registered handler.
type SessionType uint8

const (
	// SessionNone dispatches plain one-way messages.
	SessionNone SessionType = iota

	// SessionQuery serves query/reply sessions.
	SessionQuery

	// SessionDuplex serves long-lived duplex sessions.
	SessionDuplex

	// SessionTransfer serves reliable-transfer sessions.
	SessionTransfer
)

// String returns the session type name.
func (t SessionType) String() string {
	switch t {
	case SessionNone:
		return "None"
	case SessionQuery:
		return "Query"
	case SessionDuplex:
		return "Duplex"
	case SessionTransfer:
		return "ReliableTransfer"
	default:
		return "Unknown"
	}
}

// SessionOptions configures a handler registration.
type SessionOptions struct {
	// Type selects the session semantics.
	Type SessionType

	// Idempotent caches query replies for duplicate suppression.
	Idempotent bool

	// KeepAlive is stored with the registration but not read by the
	// router: duplex sessions use the session manager's KeepAlive.
	KeepAlive time.Duration

	// SessionTimeout is stored with the registration but not read by
	// the router: sessions use the session manager's Timeout and
	// DuplexIdle.
	SessionTimeout time.Duration

	// IsAsync marks duplex query handlers that complete their
	// RequestContext after returning.
	IsAsync bool
}

// Dispatcher errors.
var (
	// ErrBadPattern indicates a registration against a non-logical
	// endpoint.
	ErrBadPattern = errors.New("handler pattern must be a logical endpoint")

	// ErrNilHandler indicates a registration without a handler.
	ErrNilHandler = errors.New("handler must not be nil")
)

// -------------------------------------------------------------------------
// Dispatcher
// -------------------------------------------------------------------------

// registration is one installed handler.
type registration struct {
	id       uint64
	pattern  msg.EP
	opts     SessionOptions
	query    session.HandlerFunc
	duplex   session.DuplexHandler
	transfer session.TransferEvents
}

// Dispatcher resolves inbound messages to handlers registered against
// logical endpoint patterns.
type Dispatcher struct {
	mu     sync.RWMutex
	regs   map[uint64]*registration
	nextID uint64
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{regs: make(map[uint64]*registration)}
}

// Register installs a query or one-way handler.
func (d *Dispatcher) Register(pattern msg.EP, opts SessionOptions, h session.HandlerFunc) (uint64, error) {
	if h == nil {
		return 0, fmt.Errorf("register %s: %w", pattern, ErrNilHandler)
	}
	return d.install(&registration{pattern: pattern, opts: opts, query: h})
}

// RegisterDuplex installs a duplex handler.
func (d *Dispatcher) RegisterDuplex(pattern msg.EP, h session.DuplexHandler) (uint64, error) {
	if h == nil {
		return 0, fmt.Errorf("register duplex %s: %w", pattern, ErrNilHandler)
	}
	return d.install(&registration{
		pattern: pattern,
		opts:    SessionOptions{Type: SessionDuplex},
		duplex:  h,
	})
}

// RegisterTransfer installs a reliable-transfer handler.
func (d *Dispatcher) RegisterTransfer(pattern msg.EP, ev session.TransferEvents) (uint64, error) {
	if ev == nil {
		return 0, fmt.Errorf("register transfer %s: %w", pattern, ErrNilHandler)
	}
	return d.install(&registration{
		pattern:  pattern,
		opts:     SessionOptions{Type: SessionTransfer},
		transfer: ev,
	})
}

// install validates the pattern and stores the registration.
func (d *Dispatcher) install(reg *registration) (uint64, error) {
	if !reg.pattern.IsLogical() {
		return 0, fmt.Errorf("register %s: %w", reg.pattern, ErrBadPattern)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	reg.id = d.nextID
	d.regs[reg.id] = reg
	return reg.id, nil
}

// Deregister removes a handler.
func (d *Dispatcher) Deregister(id uint64) {
	d.mu.Lock()
	delete(d.regs, id)
	d.mu.Unlock()
}

// Exists reports whether a handler ID is still registered.
func (d *Dispatcher) Exists(id uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.regs[id]
	return ok
}

// byID returns a registration.
func (d *Dispatcher) byID(id uint64) (*registration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.regs[id]
	return reg, ok
}

// Patterns returns the registered logical endpoint patterns,
// deduplicated.
func (d *Dispatcher) Patterns() []msg.EP {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]bool, len(d.regs))
	var out []msg.EP
	for _, reg := range d.regs {
		key := reg.pattern.String()
		if !seen[key] {
			seen[key] = true
			out = append(out, reg.pattern)
		}
	}
	return out
}
