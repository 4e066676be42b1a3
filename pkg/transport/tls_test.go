package transport

import (
	"crypto/tls"
	"errors"
	"testing"

	"github.com/Ceponce/finagle/pkg/cert"
	"github.com/Ceponce/finagle/pkg/policy"
)

func testCertificate(t *testing.T, name string) tls.Certificate {
	t.Helper()
	c, err := cert.GenerateSelfSigned(name)
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}
	return c
}

func TestNewServerTLSConfig(t *testing.T) {
	tlsConf, err := NewServerTLSConfig(&Config{
		Certificate: testCertificate(t, "server"),
	})
	if err != nil {
		t.Fatalf("NewServerTLSConfig failed: %v", err)
	}

	if tlsConf.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %x, want TLS 1.3", tlsConf.MinVersion)
	}
	if tlsConf.MaxVersion != tls.VersionTLS13 {
		t.Errorf("MaxVersion = %x, want TLS 1.3", tlsConf.MaxVersion)
	}
	if tlsConf.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", tlsConf.ClientAuth)
	}
	if !tlsConf.SessionTicketsDisabled {
		t.Error("session tickets must be disabled")
	}
	if len(tlsConf.NextProtos) != 1 || tlsConf.NextProtos[0] != ALPNProtocol {
		t.Errorf("NextProtos = %v, want [%s]", tlsConf.NextProtos, ALPNProtocol)
	}
	if tlsConf.VerifyPeerCertificate == nil {
		t.Error("VerifyPeerCertificate must be set")
	}
}

func TestNewServerTLSConfigInsecure(t *testing.T) {
	tlsConf, err := NewServerTLSConfig(&Config{
		Certificate:        testCertificate(t, "server"),
		InsecureSkipVerify: true,
	})
	if err != nil {
		t.Fatalf("NewServerTLSConfig failed: %v", err)
	}

	// Insecure mode still requires a client certificate; only chain
	// verification is skipped.
	if tlsConf.ClientAuth != tls.RequireAnyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAnyClientCert", tlsConf.ClientAuth)
	}
}

func TestNewClientTLSConfig(t *testing.T) {
	tlsConf, err := NewClientTLSConfig(&Config{
		Certificate: testCertificate(t, "client"),
		ServerName:  "mux.example.com",
	})
	if err != nil {
		t.Fatalf("NewClientTLSConfig failed: %v", err)
	}

	if tlsConf.MinVersion != tls.VersionTLS13 || tlsConf.MaxVersion != tls.VersionTLS13 {
		t.Error("client must be TLS 1.3 only")
	}
	if tlsConf.ServerName != "mux.example.com" {
		t.Errorf("ServerName = %q, want mux.example.com", tlsConf.ServerName)
	}
	if !tlsConf.SessionTicketsDisabled {
		t.Error("session tickets must be disabled")
	}
	if len(tlsConf.NextProtos) != 1 || tlsConf.NextProtos[0] != ALPNProtocol {
		t.Errorf("NextProtos = %v, want [%s]", tlsConf.NextProtos, ALPNProtocol)
	}
}

func TestTLSConfigRequiresCertificate(t *testing.T) {
	if _, err := NewServerTLSConfig(&Config{}); err == nil {
		t.Error("server config without certificate should fail")
	}
	if _, err := NewClientTLSConfig(&Config{}); err == nil {
		t.Error("client config without certificate should fail")
	}
	if _, err := NewServerTLSConfig(nil); err == nil {
		t.Error("nil config should fail")
	}
	if _, err := NewClientTLSConfig(nil); err == nil {
		t.Error("nil config should fail")
	}
}

func TestPolicyVerifier(t *testing.T) {
	leaf := testCertificate(t, "worker-1")
	raw := leaf.Certificate[0]

	tests := []struct {
		name    string
		policy  policy.Policy
		wantErr bool
	}{
		{"accept", policy.AlwaysAccept{}, false},
		{"reject", policy.NeverAccept{}, true},
		{"nil means accept", nil, false},
		{
			name: "name allow-list hit",
			policy: policy.Func(func(peer policy.Identity) policy.Verdict {
				if peer.Name() == "worker-1" {
					return policy.Accept
				}
				return policy.Reject
			}),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verify := policyVerifier(tt.policy)
			err := verify([][]byte{raw}, nil)
			if tt.wantErr && err == nil {
				t.Error("expected rejection")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPolicyVerifierRejectionIsTyped(t *testing.T) {
	leaf := testCertificate(t, "stranger")
	verify := policyVerifier(policy.NeverAccept{})

	err := verify([][]byte{leaf.Certificate[0]}, nil)
	if err == nil {
		t.Fatal("expected rejection")
	}

	var re *policy.RejectionError
	if !errors.As(err, &re) {
		t.Fatalf("expected *policy.RejectionError, got %T", err)
	}
	if re.PeerName != "stranger" {
		t.Errorf("PeerName = %q, want stranger", re.PeerName)
	}
}

func TestVerifyConnection(t *testing.T) {
	good := tls.ConnectionState{
		Version:            tls.VersionTLS13,
		NegotiatedProtocol: ALPNProtocol,
	}
	if err := VerifyConnection(good); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	oldVersion := good
	oldVersion.Version = tls.VersionTLS12
	if err := VerifyConnection(oldVersion); err == nil {
		t.Error("TLS 1.2 must be rejected")
	}

	wrongALPN := good
	wrongALPN.NegotiatedProtocol = "h2"
	if err := VerifyConnection(wrongALPN); err == nil {
		t.Error("wrong ALPN must be rejected")
	}
}
