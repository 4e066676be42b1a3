package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/Ceponce/finagle/pkg/policy"
)

// FailureKind classifies why a handshake failed.
type FailureKind uint8

const (
	// FailureTransport is a byte-stream or protocol error during the
	// handshake, not related to any validation policy.
	FailureTransport FailureKind = iota

	// FailureServerRejectedPeer means the server side refused the
	// connection. On the server it carries the local policy's verdict; on
	// the client it is the generic "the other side refused us" class,
	// since the client cannot observe the server's reasoning.
	FailureServerRejectedPeer

	// FailureClientRejectedPeer means the client's own validation policy
	// rejected the server's presented identity. Only raised on the client,
	// which has full information about why it rejected.
	FailureClientRejectedPeer
)

// String returns the failure kind name.
func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "TRANSPORT_FAILURE"
	case FailureServerRejectedPeer:
		return "SERVER_REJECTED_PEER"
	case FailureClientRejectedPeer:
		return "CLIENT_REJECTED_PEER"
	default:
		return "UNKNOWN"
	}
}

// HandshakeError is a typed handshake failure. Callers match on Kind
// instead of string-matching the underlying error.
type HandshakeError struct {
	Kind FailureKind
	Role Role
	Err  error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed (%s, %s role): %v", e.Kind, e.Role, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind of a handshake error, or
// (FailureTransport, false) when err is not a handshake error.
func KindOf(err error) (FailureKind, bool) {
	var he *HandshakeError
	if errors.As(err, &he) {
		return he.Kind, true
	}
	return FailureTransport, false
}

// classifyHandshakeError maps a raw handshake error to a typed failure.
//
// A local policy rejection surfaces as ClientRejectedPeer on the client and
// ServerRejectedPeer on the server. A remote TLS alert observed by the
// client means the server side refused us; the client cannot distinguish a
// policy rejection from any other server-side refusal, so both map to
// ServerRejectedPeer. Everything else is a transport failure.
func classifyHandshakeError(role Role, err error) *HandshakeError {
	kind := FailureTransport

	switch {
	case policy.IsRejection(err):
		if role == RoleClient {
			kind = FailureClientRejectedPeer
		} else {
			kind = FailureServerRejectedPeer
		}
	case role == RoleClient && IsRemoteAlert(err):
		kind = FailureServerRejectedPeer
	}

	return &HandshakeError{Kind: kind, Role: role, Err: err}
}

// IsRemoteAlert reports whether err is a TLS alert sent by the peer.
// crypto/tls surfaces remote alerts as a net.OpError with Op "remote error".
//
// In TLS 1.3 the client's handshake completes before the server has
// evaluated the client's certificate, so a server-side rejection reaches the
// client as a remote alert on its first read after the handshake. Callers
// observing that read use IsRemoteAlert to classify it.
func IsRemoteAlert(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "remote error"
}
