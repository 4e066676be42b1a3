package transport

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/Ceponce/finagle/pkg/policy"
)

// Role indicates which side of the connection this endpoint is.
type Role uint8

const (
	// RoleClient dials connections.
	RoleClient Role = 0

	// RoleServer accepts connections.
	RoleServer Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "CLIENT"
	case RoleServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// SecuredSession is the authenticated, encrypted channel handle produced by
// a successful handshake. It is only ever returned after both the TLS
// handshake and the validation policy accepted the peer; no
// partially-authenticated session exists.
type SecuredSession struct {
	conn  *tls.Conn
	state tls.ConnectionState
	role  Role
}

// Conn returns the secured byte stream.
func (s *SecuredSession) Conn() net.Conn {
	return s.conn
}

// State returns the TLS connection state.
func (s *SecuredSession) State() tls.ConnectionState {
	return s.state
}

// Role returns the local role of this endpoint.
func (s *SecuredSession) Role() Role {
	return s.role
}

// Peer returns the identity the peer presented during the handshake.
func (s *SecuredSession) Peer() policy.Identity {
	return policy.Identity{Certificates: s.state.PeerCertificates}
}

// LocalAddr returns the local network address.
func (s *SecuredSession) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (s *SecuredSession) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close closes the secured stream.
func (s *SecuredSession) Close() error {
	return s.conn.Close()
}

// Negotiate drives the TLS handshake over a raw connection and returns a
// secured session, or a *HandshakeError classifying the failure.
//
// The validation policy configured in tlsConf (via NewClientTLSConfig /
// NewServerTLSConfig) is consulted synchronously within the handshake; a
// Reject verdict aborts the handshake before completion.
//
// The supplied context bounds the handshake: when it expires the handshake
// fails with a transport-class error that preserves the context error for
// errors.Is checks. Negotiate takes ownership of conn and closes it on
// failure. It never mutates connection accounting.
func Negotiate(ctx context.Context, conn net.Conn, role Role, tlsConf *tls.Config) (*SecuredSession, error) {
	var tlsConn *tls.Conn
	if role == RoleServer {
		tlsConn = tls.Server(conn, tlsConf)
	} else {
		tlsConn = tls.Client(conn, tlsConf)
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, classifyHandshakeError(role, err)
	}

	state := tlsConn.ConnectionState()
	if err := VerifyConnection(state); err != nil {
		tlsConn.Close()
		return nil, &HandshakeError{Kind: FailureTransport, Role: role, Err: err}
	}

	return &SecuredSession{
		conn:  tlsConn,
		state: state,
		role:  role,
	}, nil
}
