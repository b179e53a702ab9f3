package msg

import (
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Body Contract
// -------------------------------------------------------------------------

// Body is a typed message payload. Messages are self-describing: the
// encoded frame carries the body's type tag, and the receiver rebuilds
// the body through the process-global type catalog. Implementations
// must be safe to share between frames after attachment (treated as
// immutable).
type Body interface {
	// TypeTag returns the catalog tag identifying this body type on
	// the wire. Both routers must register the same tag.
	TypeTag() string

	// MarshalBody serializes the payload.
	MarshalBody() ([]byte, error)

	// UnmarshalBody deserializes the payload in place.
	UnmarshalBody(data []byte) error
}

// Catalog errors.
var (
	// ErrUnknownType indicates a frame carrying a type tag absent from
	// the local catalog. Surfaces as a receive-side format error.
	ErrUnknownType = errors.New("message type not in catalog")

	// ErrDuplicateType indicates two registrations of the same tag.
	ErrDuplicateType = errors.New("message type already registered")
)

// catalog is the process-global type registry. Write-once at startup:
// registrations happen from package init functions and application
// setup before any router starts.
var catalog = struct {
	mu        sync.RWMutex
	factories map[string]func() Body
}{factories: make(map[string]func() Body)}

// RegisterMessageType adds a body factory to the process-global
// catalog. Panics on duplicate tags: catalogs are assembled at startup
// and a collision is a programming error.
func RegisterMessageType(tag string, factory func() Body) {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()

	if _, exists := catalog.factories[tag]; exists {
		panic(fmt.Errorf("register message type %q: %w", tag, ErrDuplicateType))
	}
	catalog.factories[tag] = factory
}

// newBody builds an empty body for the given tag.
func newBody(tag string) (Body, error) {
	catalog.mu.RLock()
	factory, ok := catalog.factories[tag]
	catalog.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("type tag %q: %w: %w", tag, ErrUnknownType, ErrFrameFormat)
	}
	return factory(), nil
}

// -------------------------------------------------------------------------
// Built-in Bodies
// -------------------------------------------------------------------------

// Reserved type tags for the built-in bodies.
const (
	TagProperty     = "fabric.property"
	TagBlobProperty = "fabric.blob-property"
)

// PropertyMsg is the basic application message: all data travels in
// the envelope property bag, the body itself is empty.
type PropertyMsg struct{}

// NewPropertyMsg creates a bag-only message addressed to to.
func NewPropertyMsg(to EP) *Message {
	return NewMessage(to, &PropertyMsg{})
}

// TypeTag implements Body.
func (*PropertyMsg) TypeTag() string { return TagProperty }

// MarshalBody implements Body.
func (*PropertyMsg) MarshalBody() ([]byte, error) { return nil, nil }

// UnmarshalBody implements Body.
func (*PropertyMsg) UnmarshalBody(data []byte) error {
	if len(data) != 0 {
		return fmt.Errorf("property body with %d payload bytes: %w", len(data), ErrFrameFormat)
	}
	return nil
}

// BlobPropertyMsg extends PropertyMsg with an opaque binary blob.
type BlobPropertyMsg struct {
	// Blob is the opaque payload.
	Blob []byte
}

// NewBlobPropertyMsg creates a blob message addressed to to.
func NewBlobPropertyMsg(to EP, blob []byte) *Message {
	return NewMessage(to, &BlobPropertyMsg{Blob: blob})
}

// TypeTag implements Body.
func (*BlobPropertyMsg) TypeTag() string { return TagBlobProperty }

// MarshalBody implements Body.
func (b *BlobPropertyMsg) MarshalBody() ([]byte, error) {
	var w Writer
	w.Blob(b.Blob)
	return w.Bytes(), w.Err()
}

// UnmarshalBody implements Body.
func (b *BlobPropertyMsg) UnmarshalBody(data []byte) error {
	r := NewReader(data)
	b.Blob = r.Blob()
	if err := r.Err(); err != nil {
		return fmt.Errorf("blob property body: %w", err)
	}
	return nil
}

func init() {
	RegisterMessageType(TagProperty, func() Body { return &PropertyMsg{} })
	RegisterMessageType(TagBlobProperty, func() Body { return &BlobPropertyMsg{} })
}
