package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// -------------------------------------------------------------------------
// Manager Configuration
// -------------------------------------------------------------------------

// Transmitter abstracts the router's outbound path. Implementations
// route the message (logical resolution, physical forwarding, local
// loopback) and report immediate delivery failures.
type Transmitter interface {
	TransmitMessage(m *msg.Message) error
}

// Defaults applied when Config fields are zero.
const (
	DefRetries      = 3
	DefTimeout      = 10 * time.Second
	DefCacheTime    = 60 * time.Second
	DefKeepAlive    = 1 * time.Second
	DefDuplexIdle   = 5 * time.Second
	DefBlockSize    = 64000
	DefMaxTries     = 10
	DefBlockRetry   = 500 * time.Millisecond
)

// Config tunes the session manager.
type Config struct {
	// SelfEP is the owning router's physical endpoint, stamped on
	// session traffic.
	SelfEP msg.EP

	// Retries is the query retry budget (total transmissions).
	Retries int

	// Timeout is the per-attempt reply wait.
	Timeout time.Duration

	// CacheTime retains idempotent replies for duplicate suppression.
	CacheTime time.Duration

	// KeepAlive is the duplex heartbeat cadence.
	KeepAlive time.Duration

	// DuplexIdle closes a duplex session after this much silence.
	DuplexIdle time.Duration

	// BlockSize is the default reliable-transfer block size.
	BlockSize int

	// MaxTries bounds per-block retransmissions.
	MaxTries int

	// BlockRetry is the per-block ack wait before retransmitting.
	BlockRetry time.Duration

	// Tx is the outbound path. Required.
	Tx Transmitter

	// Logger receives session diagnostics. Required.
	Logger *slog.Logger
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.Retries <= 0 {
		c.Retries = DefRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = DefTimeout
	}
	if c.CacheTime <= 0 {
		c.CacheTime = DefCacheTime
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefKeepAlive
	}
	if c.DuplexIdle <= 0 {
		c.DuplexIdle = DefDuplexIdle
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefBlockSize
	}
	if c.MaxTries <= 0 {
		c.MaxTries = DefMaxTries
	}
	if c.BlockRetry <= 0 {
		c.BlockRetry = DefBlockRetry
	}
	return c
}

// -------------------------------------------------------------------------
// Manager
// -------------------------------------------------------------------------

// session is the contract every session variant implements toward the
// manager's inbound dispatch.
type session interface {
	onMessage(m *msg.Message)
	shutdown(err error)
}

// cachedReply retains an idempotent session's reply so duplicate
// queries within the cache window are answered without re-invoking
// the handler.
type cachedReply struct {
	reply   *msg.Message
	expires time.Time
}

// Manager owns the process-wide session map, the idempotent reply
// cache, and the server-side deduplication of retried queries.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]session
	cache    map[uuid.UUID]*cachedReply
	inflight map[uuid.UUID]struct{}
	closed   bool

	closedCh chan struct{}
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "session.manager")),
		sessions: make(map[uuid.UUID]session),
		cache:    make(map[uuid.UUID]*cachedReply),
		inflight: make(map[uuid.UUID]struct{}),
		closedCh: make(chan struct{}),
	}
}

// register installs a session. Reports false when the manager is
// closed.
func (mgr *Manager) register(id uuid.UUID, s session) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.closed {
		return false
	}
	mgr.sessions[id] = s
	return true
}

// unregister removes a session, but only while it still owns the ID.
// A later session may legitimately reuse a session ID (idempotent
// replays pin it); a stale teardown must not evict the newcomer.
func (mgr *Manager) unregister(id uuid.UUID, s session) {
	mgr.mu.Lock()
	if cur, ok := mgr.sessions[id]; ok && cur == s {
		delete(mgr.sessions, id)
	}
	mgr.mu.Unlock()
}

// lookup finds a live session.
func (mgr *Manager) lookup(id uuid.UUID) (session, bool) {
	mgr.mu.RLock()
	s, ok := mgr.sessions[id]
	mgr.mu.RUnlock()
	return s, ok
}

// Active returns the number of live sessions.
func (mgr *Manager) Active() int {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return len(mgr.sessions)
}

// OnInbound offers an inbound message to the session layer. Returns
// true when the message was consumed (matched a live session, or was
// session traffic with nowhere to go and has been dropped). A false
// return with FlagOpenSession set means the router should open a
// server session through its dispatcher.
func (mgr *Manager) OnInbound(m *msg.Message) bool {
	if m.SessionID == (uuid.UUID{}) {
		return false
	}

	if s, ok := mgr.lookup(m.SessionID); ok {
		s.onMessage(m)
		return true
	}

	if m.Flags.Has(msg.FlagOpenSession) {
		// New server session: the dispatcher decides how to serve it.
		return false
	}

	// Continuation traffic for a session that no longer exists: a
	// stale reply or a data frame outliving its transfer. Dropped
	// here; the peer's own timeout machinery deals with the loss.
	mgr.logger.Debug("dropping frame for unknown session",
		slog.String("session_id", m.SessionID.String()),
		slog.String("type", m.TypeTag()),
	)
	return true
}

// Sweep expires cached replies. Called from the router's background
// tick.
func (mgr *Manager) Sweep(now time.Time) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	for id, entry := range mgr.cache {
		if now.After(entry.expires) {
			delete(mgr.cache, id)
		}
	}
}

// CloseAll shuts down every session; pending waiters observe
// ErrManagerClosed. Idempotent.
func (mgr *Manager) CloseAll() {
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return
	}
	mgr.closed = true
	close(mgr.closedCh)
	active := make([]session, 0, len(mgr.sessions))
	for _, s := range mgr.sessions {
		active = append(active, s)
	}
	mgr.sessions = make(map[uuid.UUID]session)
	mgr.mu.Unlock()

	for _, s := range active {
		s.shutdown(ErrManagerClosed)
	}
}

// -------------------------------------------------------------------------
// Server Side — query dedup and idempotent reply cache
// -------------------------------------------------------------------------

// HandlerFunc is a server query handler. Returning a non-nil message
// sends it as the reply; returning ErrNoReply suppresses the reply
// entirely; any other error is reported to the client as a
// SessionError with the error text.
type HandlerFunc func(ctx context.Context, m *msg.Message) (*msg.Message, error)

// ServeQuery runs a server-side query session for an inbound
// OpenSession message. For idempotent handlers the reply is cached
// under the session ID for the configured cache time; duplicate
// deliveries inside the window replay the cached reply bit-identically
// without re-invoking the handler. Non-idempotent handlers run on
// every delivery.
func (mgr *Manager) ServeQuery(
	ctx context.Context,
	m *msg.Message,
	idempotent bool,
	handler HandlerFunc,
) {
	sid := m.SessionID

	if idempotent {
		if mgr.replayCached(sid, m) {
			return
		}
		if !mgr.markInflight(sid) {
			// The handler is still running for an earlier delivery of
			// this query; the duplicate is dropped and the client's
			// next retry will hit the cache.
			return
		}
		defer mgr.clearInflight(sid)
	}

	reply, err := handler(ctx, m)
	if err == ErrNoReply {
		if idempotent {
			// Cache the suppression too: duplicate deliveries of a
			// deliberately unanswered query must not re-invoke the
			// handler.
			mgr.cacheReply(sid, nil)
		}
		return
	}

	out := mgr.buildReply(m, reply, err)
	if idempotent {
		mgr.cacheReply(sid, out)
	}

	if terr := mgr.cfg.Tx.TransmitMessage(out); terr != nil {
		mgr.logger.Debug("failed to send reply",
			slog.String("session_id", sid.String()),
			slog.String("error", terr.Error()),
		)
	}
}

// buildReply constructs the reply envelope for a handled query.
func (mgr *Manager) buildReply(req *msg.Message, reply *msg.Message, err error) *msg.Message {
	if reply == nil {
		reply = msg.NewMessage(req.FromEP, nil)
	}
	reply.ToEP = req.FromEP
	reply.FromEP = mgr.cfg.SelfEP
	reply.SessionID = req.SessionID
	reply.Flags |= msg.FlagServerSession | msg.FlagKeepSessionID

	switch {
	case err == nil:
	case err == ErrCancel:
		reply.SetProp(propStatus, statusCancel)
	case err == ErrTimeout:
		reply.SetProp(propStatus, statusTimeout)
	default:
		reply.SetProp(propStatus, statusError)
		reply.SetProp(propError, err.Error())
	}
	return reply
}

// replayCached resends the cached reply for a duplicate query.
// The cached envelope is cloned with a fresh hop message ID but is
// otherwise bit-identical to the first response. A cached nil reply
// (suppressed response) consumes the duplicate silently.
func (mgr *Manager) replayCached(sid uuid.UUID, req *msg.Message) bool {
	mgr.mu.RLock()
	entry, ok := mgr.cache[sid]
	mgr.mu.RUnlock()

	if !ok || time.Now().After(entry.expires) {
		return false
	}
	if entry.reply == nil {
		return true
	}

	out := entry.reply.Clone()
	out.MsgID = uuid.New()
	out.ToEP = req.FromEP
	if err := mgr.cfg.Tx.TransmitMessage(out); err != nil {
		mgr.logger.Debug("failed to replay cached reply",
			slog.String("session_id", sid.String()),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// cacheReply stores an idempotent session's reply. A nil reply caches
// the suppression itself.
func (mgr *Manager) cacheReply(sid uuid.UUID, reply *msg.Message) {
	entry := &cachedReply{expires: time.Now().Add(mgr.cfg.CacheTime)}
	if reply != nil {
		entry.reply = reply.Clone()
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.closed {
		return
	}
	mgr.cache[sid] = entry
}

// markInflight records a server session as being handled. Reports
// false when the session is already in flight.
func (mgr *Manager) markInflight(sid uuid.UUID) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if _, busy := mgr.inflight[sid]; busy {
		return false
	}
	mgr.inflight[sid] = struct{}{}
	return true
}

// clearInflight removes the in-flight marker.
func (mgr *Manager) clearInflight(sid uuid.UUID) {
	mgr.mu.Lock()
	delete(mgr.inflight, sid)
	mgr.mu.Unlock()
}

// CachedReplyCount returns the idempotent cache size.
func (mgr *Manager) CachedReplyCount() int {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return len(mgr.cache)
}
