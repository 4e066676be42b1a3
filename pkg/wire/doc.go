// Package wire defines the mux message envelope and its CBOR encoding.
//
// Every message on a secured session is one CBOR map with integer keys,
// carried in a length-prefixed frame. Key 1 is the message kind; the
// remaining keys depend on the kind:
//
//	request:  {1: kind, 2: exchangeId, 3: method, 5: payload}
//	response: {1: kind, 2: exchangeId, 4: status, 5: payload}
//	control:  {1: kind, 2: sequence}
//
// Exchange IDs tag concurrent request/response pairs so responses can be
// matched to requests out of order. Control messages (ping, pong, close)
// carry no exchange ID; their key 2 is a keepalive sequence number.
package wire
