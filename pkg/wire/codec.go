package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for mux messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for mux messages.
var decMode cbor.DecMode

func init() {
	var err error

	// Configure encoder for deterministic output
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Configure decoder to be lenient for forward compatibility
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// envelope is the single wire representation of all message kinds.
// Unused keys are omitted per kind; the decoder dispatches on Kind.
type envelope struct {
	Kind       Kind   `cbor:"1,keyasint"`
	ExchangeID uint32 `cbor:"2,keyasint,omitempty"`
	Method     string `cbor:"3,keyasint,omitempty"`
	Status     Status `cbor:"4,keyasint,omitempty"`
	Payload    []byte `cbor:"5,keyasint,omitempty"`
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeRequest encodes a request message to CBOR bytes.
func EncodeRequest(req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return Marshal(&envelope{
		Kind:       KindRequest,
		ExchangeID: req.ExchangeID,
		Method:     req.Method,
		Payload:    req.Payload,
	})
}

// DecodeRequest decodes CBOR bytes into a request message.
func DecodeRequest(data []byte) (*Request, error) {
	var env envelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if env.Kind != KindRequest {
		return nil, fmt.Errorf("not a request: kind=%s", env.Kind)
	}
	req := &Request{
		ExchangeID: env.ExchangeID,
		Method:     env.Method,
		Payload:    env.Payload,
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

// EncodeResponse encodes a response message to CBOR bytes.
func EncodeResponse(resp *Response) ([]byte, error) {
	return Marshal(&envelope{
		Kind:       KindResponse,
		ExchangeID: resp.ExchangeID,
		Status:     resp.Status,
		Payload:    resp.Payload,
	})
}

// DecodeResponse decodes CBOR bytes into a response message.
func DecodeResponse(data []byte) (*Response, error) {
	var env envelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Kind != KindResponse {
		return nil, fmt.Errorf("not a response: kind=%s", env.Kind)
	}
	return &Response{
		ExchangeID: env.ExchangeID,
		Status:     env.Status,
		Payload:    env.Payload,
	}, nil
}

// EncodeControlMessage encodes a ping, pong or close message to CBOR bytes.
func EncodeControlMessage(msg *ControlMessage) ([]byte, error) {
	if !msg.Kind.IsControl() {
		return nil, fmt.Errorf("not a control kind: %s", msg.Kind)
	}
	return Marshal(&envelope{
		Kind:       msg.Kind,
		ExchangeID: msg.Sequence,
	})
}

// DecodeControlMessage decodes CBOR bytes into a control message.
func DecodeControlMessage(data []byte) (*ControlMessage, error) {
	var env envelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode control message: %w", err)
	}
	if !env.Kind.IsControl() {
		return nil, fmt.Errorf("not a control message: kind=%s", env.Kind)
	}
	return &ControlMessage{
		Kind:     env.Kind,
		Sequence: env.ExchangeID,
	}, nil
}

// PeekKind examines CBOR data and returns the message kind without fully
// decoding the message.
func PeekKind(data []byte) (Kind, error) {
	var peek struct {
		Kind Kind `cbor:"1,keyasint"`
	}
	if err := Unmarshal(data, &peek); err != nil {
		return 0, fmt.Errorf("failed to peek message kind: %w", err)
	}
	switch peek.Kind {
	case KindRequest, KindResponse, KindPing, KindPong, KindClose:
		return peek.Kind, nil
	default:
		return 0, fmt.Errorf("unknown message kind: %d", peek.Kind)
	}
}
