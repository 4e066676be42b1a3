package wire

import (
	"fmt"
)

// Kind identifies the type of a mux message (CBOR key 1).
type Kind uint8

const (
	// KindRequest is a request opening a logical exchange.
	KindRequest Kind = 1

	// KindResponse is a response completing a logical exchange.
	KindResponse Kind = 2

	// KindPing is a liveness probe.
	KindPing Kind = 3

	// KindPong is the response to a ping.
	KindPong Kind = 4

	// KindClose signals graceful session close.
	KindClose Kind = 5
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// IsControl returns true for ping, pong and close.
func (k Kind) IsControl() bool {
	return k == KindPing || k == KindPong || k == KindClose
}

// Exchange ID 0 is reserved; requests must carry a nonzero ID so responses
// can always be matched.
const reservedExchangeID uint32 = 0

// Request opens a logical exchange on a session.
type Request struct {
	ExchangeID uint32
	Method     string
	Payload    []byte
}

// Validate checks if the request is valid.
func (r *Request) Validate() error {
	if r.ExchangeID == reservedExchangeID {
		return fmt.Errorf("exchange ID 0 is reserved")
	}
	if r.Method == "" {
		return fmt.Errorf("method is required")
	}
	return nil
}

// Response completes a logical exchange.
type Response struct {
	ExchangeID uint32
	Status     Status
	Payload    []byte
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status.IsSuccess()
}

// ControlMessage is a transport-level ping, pong or close.
type ControlMessage struct {
	Kind     Kind
	Sequence uint32
}
