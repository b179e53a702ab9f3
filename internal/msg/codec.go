package msg

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// -------------------------------------------------------------------------
// Frame Codec
// -------------------------------------------------------------------------
//
// Wire layout:
//
//	[u16 frameLen]                 length of everything after this field
//	[u8  version]
//	[str fromEP][str toEP]         u16-length-prefixed UTF-8
//	[u32 flags][u8 ttl]
//	[16B msgID][16B sessionID]
//	[str typeTag]                  empty for bag-only messages
//	[u16 propCount]{str,str}*      property bag, name/value pairs
//	[u32 payloadLen][payload]      marshalled body
//
// The receipt endpoint travels as the reserved property "_fab.receipt"
// so the fixed header stays compact.
//
// With a non-nil key, the post-version bytes are sealed with
// AES-256-GCM: [u16 frameLen][u8 version][12B nonce][ciphertext+tag].
// The GCM tag is the integrity MAC; frames failing authentication are
// rejected with ErrMAC and dropped by the caller.

// MaxFrameSize is the largest encodable frame: the u16 frame length
// field bounds frames to a single UDP datagram.
const MaxFrameSize = 0xFFFF

// gcmNonceSize is the AES-GCM nonce length prepended to sealed frames.
const gcmNonceSize = 12

// propReceiptEP is the reserved property carrying the receipt endpoint.
const propReceiptEP = "_fab.receipt"

// PlaintextKey is the shared-key value disabling frame encryption.
const PlaintextKey = "PLAINTEXT"

// DeriveKey maps a configured shared-key string to an AES-256 key.
// Returns nil (encryption disabled) for the PLAINTEXT sentinel or an
// empty string.
func DeriveKey(sharedKey string) []byte {
	if sharedKey == "" || sharedKey == PlaintextKey {
		return nil
	}
	sum := sha256.Sum256([]byte(sharedKey))
	return sum[:]
}

// Encode serializes m into a framed byte slice. A non-nil key enables
// AES-256-GCM sealing of the post-version bytes.
func Encode(m *Message, key []byte) ([]byte, error) {
	var w Writer
	w.String(m.FromEP.String())
	w.String(m.ToEP.String())
	w.U32(uint32(m.Flags))
	w.U8(m.TTL)
	w.UUID(m.MsgID)
	w.UUID(m.SessionID)
	w.String(m.TypeTag())

	props := m.props
	receipt := m.ReceiptEP.String()
	propCount := len(props)
	if receipt != "" {
		propCount++
	}
	if propCount > maxWireString {
		return nil, fmt.Errorf("encode message: %d properties: %w", propCount, ErrFrameTooLarge)
	}
	w.U16(uint16(propCount))
	for _, name := range m.PropNames() {
		w.String(name)
		w.String(props[name])
	}
	if receipt != "" {
		w.String(propReceiptEP)
		w.String(receipt)
	}

	if m.Body != nil {
		payload, err := m.Body.MarshalBody()
		if err != nil {
			return nil, fmt.Errorf("encode message body %q: %w", m.TypeTag(), err)
		}
		w.Blob(payload)
	} else {
		w.Blob(nil)
	}
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	inner := w.Bytes()
	if key != nil {
		sealed, err := sealFrame(inner, key)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		inner = sealed
	}

	frameLen := 1 + len(inner) // version byte + body
	if frameLen > MaxFrameSize {
		return nil, fmt.Errorf("encode message: frame of %d bytes: %w", frameLen, ErrFrameTooLarge)
	}

	var out Writer
	out.U16(uint16(frameLen))
	out.U8(Version)
	out.buf = append(out.buf, inner...)
	return out.Bytes(), nil
}

// Decode parses a framed byte slice produced by Encode. The buffer
// must contain exactly one frame. A non-nil key requires sealed frames
// and rejects tampered ones with ErrMAC.
func Decode(buf []byte, key []byte) (*Message, error) {
	r := NewReader(buf)
	frameLen := int(r.U16())
	if r.Err() != nil || frameLen != r.Remaining() {
		return nil, fmt.Errorf("decode frame: length field %d, remaining %d: %w",
			frameLen, r.Remaining(), ErrFrameFormat)
	}

	version := r.U8()
	if version != Version {
		return nil, fmt.Errorf("decode frame: version %d: %w", version, ErrFrameFormat)
	}

	inner := buf[3:]
	if key != nil {
		opened, err := openFrame(inner, key)
		if err != nil {
			return nil, err
		}
		inner = opened
	}

	return decodeInner(inner, version)
}

// decodeInner parses the post-version plaintext bytes.
func decodeInner(inner []byte, version uint8) (*Message, error) {
	r := NewReader(inner)

	m := &Message{Version: version}

	fromText := r.String()
	toText := r.String()
	m.Flags = Flags(r.U32())
	m.TTL = r.U8()
	m.MsgID = r.UUID()
	m.SessionID = r.UUID()
	typeTag := r.String()

	propCount := int(r.U16())
	for i := 0; i < propCount; i++ {
		name := r.String()
		value := r.String()
		if r.Err() != nil {
			break
		}
		if name == propReceiptEP {
			ep, err := ParseEP(value)
			if err != nil {
				return nil, fmt.Errorf("decode frame receipt endpoint: %w: %w", err, ErrFrameFormat)
			}
			m.ReceiptEP = ep
			continue
		}
		m.SetProp(name, value)
	}

	payload := r.Blob()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("decode frame: %d trailing bytes: %w", r.Remaining(), ErrFrameFormat)
	}

	var err error
	if fromText != "" {
		if m.FromEP, err = ParseEP(fromText); err != nil {
			return nil, fmt.Errorf("decode frame from endpoint: %w: %w", err, ErrFrameFormat)
		}
	}
	if m.ToEP, err = ParseEP(toText); err != nil {
		return nil, fmt.Errorf("decode frame to endpoint: %w: %w", err, ErrFrameFormat)
	}

	if typeTag != "" {
		body, err := newBody(typeTag)
		if err != nil {
			return nil, err
		}
		if err := body.UnmarshalBody(payload); err != nil {
			return nil, fmt.Errorf("decode body %q: %w", typeTag, err)
		}
		m.Body = body
	} else if len(payload) != 0 {
		return nil, fmt.Errorf("decode frame: untyped payload of %d bytes: %w",
			len(payload), ErrFrameFormat)
	}

	return m, nil
}

// -------------------------------------------------------------------------
// Frame Sealing — AES-256-GCM
// -------------------------------------------------------------------------

// sealFrame encrypts plaintext under key with a random nonce prefix.
func sealFrame(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal frame nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openFrame authenticates and decrypts a sealed frame body.
func openFrame(sealed, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcmNonceSize {
		return nil, fmt.Errorf("open frame: %d bytes: %w", len(sealed), ErrMAC)
	}
	nonce, ciphertext := sealed[:gcmNonceSize], sealed[gcmNonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", ErrMAC)
	}
	return plaintext, nil
}

// newAEAD builds the AES-256-GCM cipher for key.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("frame cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("frame cipher: %w", err)
	}
	return aead, nil
}
