package msg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// This file holds the low-level binary primitives shared by the frame
// codec and the typed body implementations. All integers are big-endian;
// strings and byte blobs are length-prefixed (u16 for strings, u32 for
// blobs).

// Wire errors.
var (
	// ErrFrameFormat indicates a malformed wire frame or body.
	ErrFrameFormat = errors.New("malformed wire frame")

	// ErrMAC indicates an encryption or integrity failure on a frame.
	ErrMAC = errors.New("frame integrity check failed")

	// ErrFrameTooLarge indicates an encoded frame exceeding the u16
	// frame length field.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// maxWireString bounds length-prefixed strings to the u16 prefix.
const maxWireString = 0xFFFF

// -------------------------------------------------------------------------
// Writer
// -------------------------------------------------------------------------

// Writer accumulates big-endian wire data. The zero value is ready for
// use.
type Writer struct {
	buf []byte
	err error
}

// Err returns the first error encountered while writing.
func (w *Writer) Err() error { return w.err }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// U8 appends one byte.
func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

// U16 appends a big-endian uint16.
func (w *Writer) U16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// U32 appends a big-endian uint32.
func (w *Writer) U32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// U64 appends a big-endian uint64.
func (w *Writer) U64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// UUID appends the 16 raw UUID bytes.
func (w *Writer) UUID(id uuid.UUID) {
	w.buf = append(w.buf, id[:]...)
}

// String appends a u16-length-prefixed UTF-8 string.
func (w *Writer) String(s string) {
	if len(s) > maxWireString {
		if w.err == nil {
			w.err = fmt.Errorf("string of %d bytes: %w", len(s), ErrFrameTooLarge)
		}
		return
	}
	w.U16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// Blob appends a u32-length-prefixed byte blob.
func (w *Writer) Blob(b []byte) {
	w.U32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// -------------------------------------------------------------------------
// Reader
// -------------------------------------------------------------------------

// Reader consumes big-endian wire data. The first short read latches
// ErrFrameFormat; subsequent reads return zero values.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps buf for reading.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Err returns the latched error, if any.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// fail latches the format error.
func (r *Reader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("truncated at offset %d: %w", r.off, ErrFrameFormat)
	}
}

// take returns the next n bytes, or nil after latching an error.
func (r *Reader) take(n int) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.buf) {
		r.fail()
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// U8 reads one byte.
func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// U16 reads a big-endian uint16.
func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// U32 reads a big-endian uint32.
func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// U64 reads a big-endian uint64.
func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// UUID reads 16 raw UUID bytes.
func (r *Reader) UUID() uuid.UUID {
	b := r.take(16)
	if b == nil {
		return uuid.UUID{}
	}
	var id uuid.UUID
	copy(id[:], b)
	return id
}

// String reads a u16-length-prefixed string.
func (r *Reader) String() string {
	n := int(r.U16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// Blob reads a u32-length-prefixed byte blob. The returned slice is a
// copy, safe to retain after the frame buffer is reused.
func (r *Reader) Blob() []byte {
	n := int(r.U32())
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
