package xpnet

import (
	"fmt"

	"github.com/cubzh/xpnet/internal/protocol"
)

// Payload is the unit of data exchanged over a Connection.
type Payload = protocol.Payload

// Status is the lifecycle state of a Connection.
//
// A connection starts Idle, moves to OK once established and ends in one of
// the closed states. Closed states are terminal.
type Status int

const (
	StatusIdle Status = iota
	StatusOK
	StatusClosedOnError
	StatusClosedInitialConnectionFailure
	StatusClosed
)

// IsClosed reports whether s is one of the terminal states.
func (s Status) IsClosed() bool {
	return s == StatusClosed || s == StatusClosedOnError || s == StatusClosedInitialConnectionFailure
}

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusOK:
		return "OK"
	case StatusClosedOnError:
		return "CLOSED_ON_ERROR"
	case StatusClosedInitialConnectionFailure:
		return "CLOSED_INITIAL_CONNECTION_FAILURE"
	case StatusClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Connection is a bidirectional, payload-oriented link.
//
// Three variants exist: an in-process pair (Local), an outgoing WebSocket
// client driven by the socket service, and a WebSocket accepted by a listen
// server. Outgoing data is queued with PushPayloadToWrite and pulled by the
// transport through Write, which hands out bytes in fragments sized by the
// caller.
//
// Example usage:
//
//	conn := ctx.Dial("wss://example.com:443/join")
//	conn.SetDelegate(myDelegate)
//	if err := conn.Connect(); err != nil {
//	    return err
//	}
//	conn.PushPayloadToWrite(xpnet.NewPayload([]byte("hello")))
type Connection interface {
	// Handle returns a stable identifier for the connection. It is used by the
	// transport to route events without holding references to the connection.
	Handle() string

	// Connect starts establishing the connection. The delegate is notified
	// with ConnectionDidEstablish on success, or ConnectionDidClose with a
	// StatusClosedInitialConnectionFailure status on failure.
	Connect() error

	// Reset returns a closed client connection to Idle so it can be connected
	// again. Other variants refuse.
	Reset() error

	// Close closes the connection. Closing an already closed connection is a
	// logged no-op and the delegate is not notified twice.
	Close()

	// CloseOnError closes the connection after a failure. From Idle the final
	// state is StatusClosedInitialConnectionFailure, otherwise
	// StatusClosedOnError.
	CloseOnError()

	// Status returns the current lifecycle state.
	Status() Status

	// IsClosed reports whether Status is terminal.
	IsClosed() bool

	// SetDelegate installs the receiver of lifecycle events and payloads.
	SetDelegate(d ConnectionDelegate)

	// Delegate returns the installed delegate, or nil.
	Delegate() ConnectionDelegate

	// PushPayloadToWrite queues p for sending. It fails with
	// ErrNotConnected when the connection is not OK, and the payload is
	// dropped.
	PushPayloadToWrite(p *Payload) error

	// Write fills buf with the next outgoing bytes. isFirstFragment is true
	// when the bytes start a payload and isPartial is true while the payload
	// has bytes left after this call. n is 0 when nothing is queued.
	Write(buf []byte) (n int, isFirstFragment bool, isPartial bool)

	// DoneWriting reports whether nothing is left to write.
	DoneWriting() bool
}

// ConnectionDelegate receives connection events. Methods are called without
// any connection lock held, so they may call back into the connection.
type ConnectionDelegate interface {
	ConnectionDidEstablish(conn Connection)
	ConnectionDidReceive(conn Connection, p *Payload)
	ConnectionDidClose(conn Connection)
}

// ListenServerDelegate is notified of each accepted connection before the
// connection's own delegate gets ConnectionDidEstablish. Returning false
// refuses the connection and closes it.
type ListenServerDelegate interface {
	DidEstablishNewConnection(conn Connection) bool
}

// NewPayload creates a payload carrying an identifier, its creation time and
// a travel history.
func NewPayload(content []byte) *Payload {
	return protocol.New(content, protocol.IncludeID|protocol.IncludeCreatedAt|protocol.IncludeTravelHistory)
}
