package fabric

import "errors"

// SendResult is the outcome of Transport.Send, per spec.md §1's fabric
// interface.
type SendResult int

const (
	SendOK SendResult = iota
	SendQueueFull
	SendNoPeer
	SendErr
)

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "OK"
	case SendQueueFull:
		return "QUEUE_FULL"
	case SendNoPeer:
		return "NO_PEER"
	case SendErr:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// Priority selects which per-peer send queue a message is placed on. The
// migration engine uses High for control messages (START/DONE and their
// acks) and Low for bulk INSERT traffic, per spec.md §4.1.
type Priority int

const (
	Low Priority = iota
	High
)

// Handler processes one inbound message from a peer. The peer argument is
// the originating node's fabric address.
type Handler func(peer string, msg *Message)

// MessageType identifies which handler a fabric message type is routed to.
// This module registers exactly one: the migration message type.
type MessageType uint32

// ErrUnregisteredType names the condition of a message type with no
// registered handler. Send reports its outcome as a SendResult and does
// not return this error.
var ErrUnregisteredType = errors.New("fabric: message type not registered")

// Transport is the external fabric collaborator the migration engine is
// built against (spec.md §1, out of scope for this module to re-implement
// from scratch, but concretely provided here as the TCP transport).
type Transport interface {
	// Send enqueues msg for delivery to peer at the given priority. Send
	// does not block on a full queue; it returns SendQueueFull immediately.
	// Send always consumes a reference on msg: on SendOK the transport
	// releases it once delivered (or gives up); on any other result the
	// caller's reference is returned intact and the caller must Put it.
	Send(peer string, msg *Message, priority Priority) SendResult

	// Alloc returns a fresh reference-counted Message for the given op.
	Alloc(op Op) *Message

	// Register installs the handler invoked for every inbound message of
	// msgType. Only one handler may be registered per type.
	Register(msgType MessageType, handler Handler) error

	// Start begins accepting connections and dispatching inbound messages.
	Start() error

	// Stop closes all peer connections and the listener.
	Stop() error
}

// MigrateMessageType is the one fabric message type this module uses.
const MigrateMessageType MessageType = 1
