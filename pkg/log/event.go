package log

import (
	"time"
)

// Event represents a transport log event captured at any layer.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time

	// ConnectionID uniquely identifies the connection (UUID).
	ConnectionID string

	// Direction indicates message flow.
	Direction Direction

	// Layer where the event was captured.
	Layer Layer

	// Category classifies the event type.
	Category Category

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       // Transport layer
	Exchange    *ExchangeEvent    // Session layer (decoded)
	StateChange *StateChangeEvent // Connection state
	ControlMsg  *ControlMsgEvent  // Ping/pong/close
	Error       *ErrorEventData   // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerSession is the exchange multiplexing layer.
	LayerSession Layer = 1
	// LayerRPC is the application facade layer.
	LayerRPC Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerSession:
		return "SESSION"
	case LayerRPC:
		return "RPC"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a request or response frame.
	CategoryMessage Category = 0
	// CategoryControl indicates a control message (ping/pong/close).
	CategoryControl Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including length prefix).
	Size int

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte

	// Truncated indicates if Data was truncated.
	Truncated bool
}

// ExchangeEvent captures a decoded exchange message at the session layer.
type ExchangeEvent struct {
	// ExchangeID correlates request/response pairs.
	ExchangeID uint32

	// Method is the requested method (requests only).
	Method string

	// Status is the result status name (responses only).
	Status string
}

// StateChangeEvent captures connection lifecycle events.
type StateChangeEvent struct {
	// OldState is the previous state (may be empty).
	OldState string

	// NewState is the new state.
	NewState string

	// Reason for the change (if available).
	Reason string
}

// ControlMsgEvent captures transport-level control messages.
type ControlMsgEvent struct {
	// Kind is the control message kind name (ping/pong/close).
	Kind string

	// Sequence is the keepalive sequence number, if any.
	Sequence uint32
}

// ErrorEventData captures error details.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer

	// Message is the error text.
	Message string

	// Context describes what was being attempted.
	Context string
}
