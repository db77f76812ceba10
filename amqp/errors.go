package amqp

import (
	"fmt"

	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// CloseReason is the structured reason attached to a connection.close or
// channel.close method. Code and Text come from the peer; ClassID and
// MethodID identify the method that provoked the close, when the peer
// reported one. Callers distinguish clean from failed closure by Code,
// never by matching Text.
type CloseReason struct {
	Code     uint16
	Text     string
	Server   bool
	ClassID  uint16
	MethodID uint16
}

// Clean reports whether the close was a normal shutdown.
func (r *CloseReason) Clean() bool {
	return r == nil || r.Code == protocol.ReplySuccess
}

func (r *CloseReason) String() string {
	if r == nil {
		return "no reason given"
	}
	origin := "client"
	if r.Server {
		origin = "server"
	}
	return fmt.Sprintf("%d (%s) %q", r.Code, origin, r.Text)
}

// ProtocolError reports a malformed or out-of-order frame. It is fatal
// to the connection.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("amqp: protocol violation: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("amqp: protocol violation: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// ConnectionError reports a failed handshake: the connection never
// reached the open state. Reason is set when the broker rejected us with
// a connection.close (for example bad credentials).
type ConnectionError struct {
	Stage  string
	Reason *CloseReason
	Cause  error
}

func (e *ConnectionError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("amqp: handshake failed during %s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("amqp: handshake failed during %s: %v", e.Stage, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// ConnectionLostError reports a dead connection: heartbeat timeout or a
// transport failure after the connection was open. Every operation that
// was pending anywhere on the connection resolves with it.
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("amqp: connection lost: %v", e.Cause)
}

func (e *ConnectionLostError) Unwrap() error { return e.Cause }

// ConnectionClosedError reports a deliberate connection closure, local
// or broker-initiated. Reason.Clean distinguishes the two flavors.
type ConnectionClosedError struct {
	Reason *CloseReason
}

func (e *ConnectionClosedError) Error() string {
	return fmt.Sprintf("amqp: connection closed: %s", e.Reason)
}

// ChannelClosedError reports an operation attempted on, or pending on, a
// channel that has been closed. Sibling channels are unaffected.
type ChannelClosedError struct {
	Reason *CloseReason
}

func (e *ChannelClosedError) Error() string {
	return fmt.Sprintf("amqp: channel closed: %s", e.Reason)
}

// ChannelError reports a broker channel exception, such as a failed
// precondition on a declare. It resolves the operation that provoked it;
// the channel is unusable afterwards per AMQP semantics, but the
// connection stays open.
type ChannelError struct {
	Reason *CloseReason
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("amqp: channel exception: %s", e.Reason)
}
