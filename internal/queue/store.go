// Package queue implements a standalone file-backed message queue
// store; the router and session packages do not use it. One record
// file per message: a binary info header followed by the message's
// wire frame.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// Store errors.
var (
	// ErrNotFound indicates no record exists for the persist ID.
	ErrNotFound = errors.New("queued message not found")

	// ErrStoreClosed indicates an operation on a closed store.
	ErrStoreClosed = errors.New("queue store closed")

	// ErrBadRecord indicates a corrupt record file.
	ErrBadRecord = errors.New("corrupt queue record")
)

// Status is a queued message's delivery state.
type Status uint8

const (
	// StatusPending awaits a delivery attempt.
	StatusPending Status = iota

	// StatusInFlight is being delivered.
	StatusInFlight

	// StatusDelivered completed and awaits removal.
	StatusDelivered

	// StatusExpired passed its expiry without delivery.
	StatusExpired
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusInFlight:
		return "InFlight"
	case StatusDelivered:
		return "Delivered"
	case StatusExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Info is a queued message's delivery metadata.
type Info struct {
	// PersistID identifies the record. Assigned by Add when zero.
	PersistID uuid.UUID

	// MsgID is the enqueued message's envelope ID.
	MsgID uuid.UUID

	// TargetEP is the delivery destination.
	TargetEP msg.EP

	// Priority orders dequeuing; higher first.
	Priority int32

	// DeliveryAttempts counts attempts so far.
	DeliveryAttempts uint32

	// DeliveryTime is the earliest next attempt.
	DeliveryTime time.Time

	// ExpireTime is when the message lapses.
	ExpireTime time.Time

	// Status is the delivery state.
	Status Status

	// EnqueuedAt is when the record was added.
	EnqueuedAt time.Time
}

// recordMagic guards record files against foreign content.
const recordMagic = 0x46514D31 // "FQM1"

// recordExt is the record file extension.
const recordExt = ".qmsg"

// Store is the file-backed queue. The in-memory index mirrors the
// record headers; message payloads stay on disk until fetched.
type Store struct {
	dir string

	mu      sync.Mutex
	index   map[uuid.UUID]*Info
	byMsgID map[uuid.UUID]uuid.UUID
	closed  bool
}

// Open loads (or creates) a store rooted at dir, indexing every
// existing record. Corrupt records are skipped with their files left
// in place for inspection.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open queue store %s: %w", dir, err)
	}

	s := &Store{
		dir:     dir,
		index:   make(map[uuid.UUID]*Info),
		byMsgID: make(map[uuid.UUID]uuid.UUID),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open queue store %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != recordExt {
			continue
		}
		info, _, err := s.readRecord(filepath.Join(dir, entry.Name()), false)
		if err != nil {
			continue
		}
		s.index[info.PersistID] = info
		s.byMsgID[info.MsgID] = info.PersistID
	}

	return s, nil
}

// Close releases the store. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// path returns a record's file path.
func (s *Store) path(persistID uuid.UUID) string {
	return filepath.Join(s.dir, persistID.String()+recordExt)
}

// Add persists a message with its delivery metadata and returns the
// assigned persist ID.
func (s *Store) Add(info *Info, m *msg.Message) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return uuid.UUID{}, fmt.Errorf("queue add: %w", ErrStoreClosed)
	}

	stored := *info
	if stored.PersistID == (uuid.UUID{}) {
		stored.PersistID = uuid.New()
	}
	if stored.EnqueuedAt.IsZero() {
		stored.EnqueuedAt = time.Now()
	}
	stored.MsgID = m.MsgID

	if err := s.writeRecord(&stored, m); err != nil {
		return uuid.UUID{}, err
	}

	s.index[stored.PersistID] = &stored
	s.byMsgID[stored.MsgID] = stored.PersistID
	return stored.PersistID, nil
}

// Get loads a queued message and its metadata.
func (s *Store) Get(persistID uuid.UUID) (*Info, *msg.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, fmt.Errorf("queue get: %w", ErrStoreClosed)
	}
	if _, ok := s.index[persistID]; !ok {
		return nil, nil, fmt.Errorf("queue get %s: %w", persistID, ErrNotFound)
	}

	info, m, err := s.readRecord(s.path(persistID), true)
	if err != nil {
		return nil, nil, err
	}
	return info, m, nil
}

// GetInfo returns a record's metadata without touching the payload.
func (s *Store) GetInfo(persistID uuid.UUID) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("queue get info: %w", ErrStoreClosed)
	}
	info, ok := s.index[persistID]
	if !ok {
		return nil, fmt.Errorf("queue get info %s: %w", persistID, ErrNotFound)
	}
	out := *info
	return &out, nil
}

// GetPersistID maps an envelope message ID to its persist ID.
func (s *Store) GetPersistID(msgID uuid.UUID) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	persistID, ok := s.byMsgID[msgID]
	return persistID, ok
}

// SetDeliveryAttempt increments the attempt counter and stamps the
// next delivery time.
func (s *Store) SetDeliveryAttempt(persistID uuid.UUID, next time.Time) error {
	return s.mutate(persistID, func(info *Info) {
		info.DeliveryAttempts++
		info.DeliveryTime = next
		info.Status = StatusInFlight
	})
}

// SetPriority updates a record's priority.
func (s *Store) SetPriority(persistID uuid.UUID, priority int32) error {
	return s.mutate(persistID, func(info *Info) {
		info.Priority = priority
	})
}

// Modify rewrites a record's routing metadata.
func (s *Store) Modify(
	persistID uuid.UUID,
	targetEP msg.EP,
	deliveryTime time.Time,
	expireTime time.Time,
	status Status,
) error {
	return s.mutate(persistID, func(info *Info) {
		info.TargetEP = targetEP
		info.DeliveryTime = deliveryTime
		info.ExpireTime = expireTime
		info.Status = status
	})
}

// mutate applies fn to a record's metadata and rewrites the file.
func (s *Store) mutate(persistID uuid.UUID, fn func(*Info)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("queue modify: %w", ErrStoreClosed)
	}
	if _, ok := s.index[persistID]; !ok {
		return fmt.Errorf("queue modify %s: %w", persistID, ErrNotFound)
	}

	info, m, err := s.readRecord(s.path(persistID), true)
	if err != nil {
		return err
	}
	fn(info)
	if err := s.writeRecord(info, m); err != nil {
		return err
	}
	s.index[persistID] = info
	return nil
}

// Remove deletes a record.
func (s *Store) Remove(persistID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("queue remove: %w", ErrStoreClosed)
	}
	info, ok := s.index[persistID]
	if !ok {
		return fmt.Errorf("queue remove %s: %w", persistID, ErrNotFound)
	}

	delete(s.index, persistID)
	delete(s.byMsgID, info.MsgID)

	if err := os.Remove(s.path(persistID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("queue remove %s: %w", persistID, err)
	}
	return nil
}

// List returns record metadata ordered by priority (highest first),
// then earliest delivery time.
func (s *Store) List() []*Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Info, 0, len(s.index))
	for _, info := range s.index {
		cp := *info
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].DeliveryTime.Before(out[j].DeliveryTime)
	})
	return out
}

// Len returns the number of queued records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// -------------------------------------------------------------------------
// Record Format
// -------------------------------------------------------------------------
//
//	[u32 magic][info][u32 frameLen][frame]
//
// The info section reuses the wire primitives; the frame is the
// message exactly as encoded for transmission.

// writeRecord persists a record atomically (temp file + rename).
func (s *Store) writeRecord(info *Info, m *msg.Message) error {
	frame, err := msg.Encode(m, nil)
	if err != nil {
		return fmt.Errorf("queue write %s: %w", info.PersistID, err)
	}

	var w msg.Writer
	w.U32(recordMagic)
	w.UUID(info.PersistID)
	w.UUID(info.MsgID)
	w.String(info.TargetEP.String())
	w.U32(uint32(info.Priority))
	w.U32(info.DeliveryAttempts)
	w.U64(nanosFromTime(info.DeliveryTime))
	w.U64(nanosFromTime(info.ExpireTime))
	w.U8(uint8(info.Status))
	w.U64(nanosFromTime(info.EnqueuedAt))
	w.Blob(frame)
	if err := w.Err(); err != nil {
		return fmt.Errorf("queue write %s: %w", info.PersistID, err)
	}

	final := s.path(info.PersistID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, w.Bytes(), 0o644); err != nil {
		return fmt.Errorf("queue write %s: %w", info.PersistID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("queue write %s: %w", info.PersistID, err)
	}
	return nil
}

// readRecord loads a record file. withPayload controls whether the
// frame is decoded.
func (s *Store) readRecord(path string, withPayload bool) (*Info, *msg.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("queue read %s: %w", path, err)
	}

	r := msg.NewReader(data)
	if r.U32() != recordMagic {
		return nil, nil, fmt.Errorf("queue read %s: %w", path, ErrBadRecord)
	}

	info := &Info{}
	info.PersistID = r.UUID()
	info.MsgID = r.UUID()
	targetText := r.String()
	info.Priority = int32(r.U32())
	info.DeliveryAttempts = r.U32()
	info.DeliveryTime = timeFromNanos(r.U64())
	info.ExpireTime = timeFromNanos(r.U64())
	info.Status = Status(r.U8())
	info.EnqueuedAt = timeFromNanos(r.U64())
	frame := r.Blob()
	if err := r.Err(); err != nil {
		return nil, nil, fmt.Errorf("queue read %s: %w: %w", path, ErrBadRecord, err)
	}

	if targetText != "" {
		ep, err := msg.ParseEP(targetText)
		if err != nil {
			return nil, nil, fmt.Errorf("queue read %s: %w: %w", path, ErrBadRecord, err)
		}
		info.TargetEP = ep
	}

	if !withPayload {
		return info, nil, nil
	}
	m, err := msg.Decode(frame, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("queue read %s: %w: %w", path, ErrBadRecord, err)
	}
	return info, m, nil
}

// nanosFromTime encodes a timestamp, mapping the zero time to the
// zero encoding.
func nanosFromTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

// timeFromNanos rebuilds a timestamp, mapping the zero encoding back
// to the zero time.
func timeFromNanos(ns uint64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns))
}
