// Package session multiplexes logical request/response exchanges over one
// secured transport stream.
//
// Each exchange carries a unique tag so responses match requests out of
// order; many exchanges proceed concurrently without re-handshaking.
// Closing a session is asynchronous: it signals intent, aborts in-flight
// exchanges, tears down the secured stream, and only then reports the
// session closed (Done, OnClosed). Exchanges issued against a closed
// session fail immediately.
package session
