package session

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// Reserved type tags for the reliable-transfer control frames.
const (
	tagTransferStart = "fabric.transfer.start"
	tagTransferBlock = "fabric.transfer.block"
	tagTransferAck   = "fabric.transfer.ack"
	tagTransferDone  = "fabric.transfer.done"
)

// Direction orients a reliable transfer relative to the initiator.
type Direction uint8

const (
	// DirUpload streams bytes from the initiating client to the server.
	DirUpload Direction = iota + 1

	// DirDownload streams bytes from the server to the initiating
	// client.
	DirDownload
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirUpload:
		return "Upload"
	case DirDownload:
		return "Download"
	default:
		return "Unknown"
	}
}

// doneStatus values for TransferDoneMsg.
const (
	doneOK uint8 = iota
	doneCancel
	doneError
)

// -------------------------------------------------------------------------
// TransferStartMsg
// -------------------------------------------------------------------------

// TransferStartMsg opens a reliable transfer session and negotiates
// its parameters. The server echoes it back with the accepted block
// size. Application arguments travel in the envelope property bag.
type TransferStartMsg struct {
	Direction  Direction
	Size       int64
	BlockSize  uint32
	TransferID uuid.UUID
}

// TypeTag implements msg.Body.
func (*TransferStartMsg) TypeTag() string { return tagTransferStart }

// MarshalBody implements msg.Body.
func (t *TransferStartMsg) MarshalBody() ([]byte, error) {
	var w msg.Writer
	w.U8(uint8(t.Direction))
	w.U64(uint64(t.Size))
	w.U32(t.BlockSize)
	w.UUID(t.TransferID)
	return w.Bytes(), w.Err()
}

// UnmarshalBody implements msg.Body.
func (t *TransferStartMsg) UnmarshalBody(data []byte) error {
	r := msg.NewReader(data)
	t.Direction = Direction(r.U8())
	t.Size = int64(r.U64())
	t.BlockSize = r.U32()
	t.TransferID = r.UUID()
	if err := r.Err(); err != nil {
		return fmt.Errorf("unmarshal transfer start: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// TransferBlockMsg
// -------------------------------------------------------------------------

// TransferBlockMsg carries one sequenced data block.
type TransferBlockMsg struct {
	Seq  uint32
	Last bool
	Data []byte
}

// TypeTag implements msg.Body.
func (*TransferBlockMsg) TypeTag() string { return tagTransferBlock }

// MarshalBody implements msg.Body.
func (t *TransferBlockMsg) MarshalBody() ([]byte, error) {
	var w msg.Writer
	w.U32(t.Seq)
	if t.Last {
		w.U8(1)
	} else {
		w.U8(0)
	}
	w.Blob(t.Data)
	return w.Bytes(), w.Err()
}

// UnmarshalBody implements msg.Body.
func (t *TransferBlockMsg) UnmarshalBody(data []byte) error {
	r := msg.NewReader(data)
	t.Seq = r.U32()
	t.Last = r.U8() != 0
	t.Data = r.Blob()
	if err := r.Err(); err != nil {
		return fmt.Errorf("unmarshal transfer block: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// TransferAckMsg
// -------------------------------------------------------------------------

// TransferAckMsg acknowledges a block, or NACKs out-of-order data by
// naming the expected sequence number.
type TransferAckMsg struct {
	Seq      uint32
	Nack     bool
	Expected uint32
}

// TypeTag implements msg.Body.
func (*TransferAckMsg) TypeTag() string { return tagTransferAck }

// MarshalBody implements msg.Body.
func (t *TransferAckMsg) MarshalBody() ([]byte, error) {
	var w msg.Writer
	w.U32(t.Seq)
	if t.Nack {
		w.U8(1)
	} else {
		w.U8(0)
	}
	w.U32(t.Expected)
	return w.Bytes(), w.Err()
}

// UnmarshalBody implements msg.Body.
func (t *TransferAckMsg) UnmarshalBody(data []byte) error {
	r := msg.NewReader(data)
	t.Seq = r.U32()
	t.Nack = r.U8() != 0
	t.Expected = r.U32()
	if err := r.Err(); err != nil {
		return fmt.Errorf("unmarshal transfer ack: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// TransferDoneMsg
// -------------------------------------------------------------------------

// TransferDoneMsg terminates a transfer: normal completion, cancel, or
// error with message text.
type TransferDoneMsg struct {
	Seq    uint32
	Status uint8
	Error  string
}

// TypeTag implements msg.Body.
func (*TransferDoneMsg) TypeTag() string { return tagTransferDone }

// MarshalBody implements msg.Body.
func (t *TransferDoneMsg) MarshalBody() ([]byte, error) {
	var w msg.Writer
	w.U32(t.Seq)
	w.U8(t.Status)
	w.String(t.Error)
	return w.Bytes(), w.Err()
}

// UnmarshalBody implements msg.Body.
func (t *TransferDoneMsg) UnmarshalBody(data []byte) error {
	r := msg.NewReader(data)
	t.Seq = r.U32()
	t.Status = r.U8()
	t.Error = r.String()
	if err := r.Err(); err != nil {
		return fmt.Errorf("unmarshal transfer done: %w", err)
	}
	return nil
}

func init() {
	msg.RegisterMessageType(tagTransferStart, func() msg.Body { return &TransferStartMsg{} })
	msg.RegisterMessageType(tagTransferBlock, func() msg.Body { return &TransferBlockMsg{} })
	msg.RegisterMessageType(tagTransferAck, func() msg.Body { return &TransferAckMsg{} })
	msg.RegisterMessageType(tagTransferDone, func() msg.Body { return &TransferDoneMsg{} })
}
