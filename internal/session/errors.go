// Package session implements the transactional layer of the fabric:
// the process-wide session manager with its idempotent reply cache,
// and the session variants built over it (query/reply, duplex,
// reliable transfer, parallel query).
package session

import (
	"errors"
	"fmt"

	"github.com/dantte-lp/gofabric/internal/channel"
)

// Session error taxonomy. Wire-level errors stay local to the
// channels; the kinds below are the ones surfaced at client call
// sites.
var (
	// ErrTimeout indicates session retries were exhausted, or the
	// remote handler deliberately signalled a timeout.
	ErrTimeout = errors.New("session timed out")

	// ErrCancel indicates an explicit cancel by either party.
	ErrCancel = errors.New("session cancelled")

	// ErrNoReply is returned by server handlers to suppress the reply
	// entirely, leaving the client to run out its retry budget.
	ErrNoReply = errors.New("handler sends no reply")

	// ErrManagerClosed indicates the session manager shut down while
	// the operation was pending. Waiters unblocked by a router close
	// observe this; it wraps channel.ErrChannelClosed.
	ErrManagerClosed = fmt.Errorf("session manager closed: %w", channel.ErrChannelClosed)
)

// SessionError carries a remote handler failure back to the client
// with the handler's message text.
type SessionError struct {
	// Msg is the text reported by the remote handler.
	Msg string
}

// Error implements error.
func (e *SessionError) Error() string {
	return fmt.Sprintf("session handler error: %s", e.Msg)
}

// Reserved envelope properties used by the session layer. The "_fab."
// prefix keeps them clear of application property names.
const (
	// propStatus marks a reply's disposition: missing for success,
	// otherwise one of the status values below.
	propStatus = "_fab.status"

	// propError carries the handler error text with statusError.
	propError = "_fab.error"

	// propDuplexOp tags duplex traffic with its operation.
	propDuplexOp = "_fab.duplex-op"

	// propQueryID pairs duplex queries with their replies.
	propQueryID = "_fab.query-id"
)

// propStatus values.
const (
	statusError   = "error"
	statusCancel  = "cancel"
	statusTimeout = "timeout"
)

// statusToError maps a reply's status property to the client-side
// error, or nil for success.
func statusToError(status, text string) error {
	switch status {
	case "":
		return nil
	case statusCancel:
		return ErrCancel
	case statusTimeout:
		return ErrTimeout
	case statusError:
		return &SessionError{Msg: text}
	default:
		return &SessionError{Msg: "unknown status " + status}
	}
}
