// Package rpc is the method-call facade over the secure mux transport.
//
// A client dials, negotiates TLS under its validation policy, and issues
// concurrent calls over one multiplexed session. A server accepts, serves
// each secured session with a handler or method mux, and accounts live
// secured connections on an injectable stats sink: the gauge at
// [label "tls" "connections"] is incremented exactly once when a
// connection is established and decremented exactly once when its teardown
// completes. Failed handshakes never touch the gauge.
package rpc
