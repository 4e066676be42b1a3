package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/Ceponce/finagle/pkg/policy"
)

// TLS constants for the mux protocol.
const (
	// ALPN protocol identifier for mux.
	ALPNProtocol = "mux/1"

	// DefaultPort is the default mux port.
	DefaultPort = 9443
)

// Config holds configuration for mux TLS connections.
type Config struct {
	// Certificate is the TLS certificate for this endpoint.
	Certificate tls.Certificate

	// RootCAs is the pool of trusted CA certificates used by clients to
	// verify server certificates.
	RootCAs *x509.CertPool

	// ClientCAs is the pool of CA certificates used by servers to verify
	// client certificates.
	ClientCAs *x509.CertPool

	// ServerName is the expected server name for client connections.
	ServerName string

	// Policy is the validation policy consulted during the handshake.
	// Nil means accept every peer the chain verification admits.
	Policy policy.Policy

	// InsecureSkipVerify disables certificate chain verification. The
	// validation policy still runs. Only for testing.
	InsecureSkipVerify bool
}

// NewServerTLSConfig creates a TLS configuration for the server side.
func NewServerTLSConfig(cfg *Config) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("transport config is required")
	}
	if len(cfg.Certificate.Certificate) == 0 {
		return nil, fmt.Errorf("server certificate is required")
	}

	tlsConfig := &tls.Config{
		// TLS 1.3 only - no fallback
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,

		// Require client certificate (mutual TLS)
		ClientAuth: tls.RequireAndVerifyClientCert,

		Certificates: []tls.Certificate{cfg.Certificate},

		// CA pool for verifying client certificates
		ClientCAs: cfg.ClientCAs,

		NextProtos: []string{ALPNProtocol},

		// Curve preferences for key exchange
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		// Session tickets disabled (no resumption)
		SessionTicketsDisabled: true,

		// Policy verdict is taken inside the handshake
		VerifyPeerCertificate: policyVerifier(cfg.Policy),
	}

	// For testing only
	if cfg.InsecureSkipVerify {
		tlsConfig.ClientAuth = tls.RequireAnyClientCert
		tlsConfig.InsecureSkipVerify = true
	}

	return tlsConfig, nil
}

// NewClientTLSConfig creates a TLS configuration for the client side.
func NewClientTLSConfig(cfg *Config) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("transport config is required")
	}
	if len(cfg.Certificate.Certificate) == 0 {
		return nil, fmt.Errorf("client certificate is required")
	}

	tlsConfig := &tls.Config{
		// TLS 1.3 only - no fallback
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,

		Certificates: []tls.Certificate{cfg.Certificate},

		// CA pool for verifying server certificates
		RootCAs: cfg.RootCAs,

		ServerName: cfg.ServerName,

		NextProtos: []string{ALPNProtocol},

		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		SessionTicketsDisabled: true,

		// Policy verdict is taken inside the handshake
		VerifyPeerCertificate: policyVerifier(cfg.Policy),

		// For testing only
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	return tlsConfig, nil
}

// policyVerifier wraps a validation policy as a TLS peer-certificate
// callback. The callback runs during the handshake, after the standard
// chain verification; a Reject verdict aborts the handshake before it
// completes.
func policyVerifier(p policy.Policy) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if p == nil {
		p = policy.AlwaysAccept{}
	}

	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		identity := policy.Identity{}
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			identity.Certificates = append(identity.Certificates, cert)
		}

		if p.Evaluate(identity) != policy.Accept {
			return &policy.RejectionError{PeerName: identity.Name()}
		}
		return nil
	}
}

// VerifyTLS13 checks that a TLS connection is using TLS 1.3.
func VerifyTLS13(state tls.ConnectionState) error {
	if state.Version != tls.VersionTLS13 {
		return fmt.Errorf("TLS version %x is not TLS 1.3 (0x0304)", state.Version)
	}
	return nil
}

// VerifyALPN checks that the negotiated ALPN protocol is correct.
func VerifyALPN(state tls.ConnectionState) error {
	if state.NegotiatedProtocol != ALPNProtocol {
		return fmt.Errorf("ALPN protocol %q is not %q", state.NegotiatedProtocol, ALPNProtocol)
	}
	return nil
}

// VerifyConnection performs standard mux connection verification.
func VerifyConnection(state tls.ConnectionState) error {
	if err := VerifyTLS13(state); err != nil {
		return err
	}
	if err := VerifyALPN(state); err != nil {
		return err
	}
	return nil
}
