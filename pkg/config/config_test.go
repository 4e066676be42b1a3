package config

import (
	"crypto/x509"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ceponce/finagle/pkg/cert"
	"github.com/Ceponce/finagle/pkg/policy"
)

const sampleYAML = `
label: edge
address: "127.0.0.1:9443"
tls:
  cert_file: /etc/mux/node.crt
  key_file: /etc/mux/node.key
  server_name: mux.internal
policy:
  mode: allow-names
  allowed_names:
    - worker-1
    - worker-2
timeouts:
  connect: 10s
  call: 30s
  handshake: 5s
max_message_size: 131072
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Label != "edge" {
		t.Errorf("Label = %q, want edge", cfg.Label)
	}
	if cfg.Address != "127.0.0.1:9443" {
		t.Errorf("Address = %q", cfg.Address)
	}
	if cfg.TLS.CertFile != "/etc/mux/node.crt" {
		t.Errorf("CertFile = %q", cfg.TLS.CertFile)
	}
	if cfg.TLS.ServerName != "mux.internal" {
		t.Errorf("ServerName = %q", cfg.TLS.ServerName)
	}
	if cfg.Policy.Mode != PolicyAllowNames {
		t.Errorf("Policy.Mode = %q", cfg.Policy.Mode)
	}
	if len(cfg.Policy.AllowedNames) != 2 {
		t.Errorf("AllowedNames = %v", cfg.Policy.AllowedNames)
	}
	if cfg.Timeouts.Connect != 10*time.Second {
		t.Errorf("Timeouts.Connect = %v", cfg.Timeouts.Connect)
	}
	if cfg.MaxMessageSize != 131072 {
		t.Errorf("MaxMessageSize = %d", cfg.MaxMessageSize)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("label: [unterminated")); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty is valid", Config{}, false},
		{"accept mode", Config{Policy: PolicyConfig{Mode: PolicyAccept}}, false},
		{"reject mode", Config{Policy: PolicyConfig{Mode: PolicyReject}}, false},
		{
			"allow-names with names",
			Config{Policy: PolicyConfig{Mode: PolicyAllowNames, AllowedNames: []string{"a"}}},
			false,
		},
		{
			"allow-names without names",
			Config{Policy: PolicyConfig{Mode: PolicyAllowNames}},
			true,
		},
		{
			"chain-trust without ca_file",
			Config{Policy: PolicyConfig{Mode: PolicyChainTrust}},
			true,
		},
		{
			"chain-trust with ca_file",
			Config{
				Policy: PolicyConfig{Mode: PolicyChainTrust},
				TLS:    TLSConfig{CAFile: "/etc/mux/ca.crt"},
			},
			false,
		},
		{"unknown mode", Config{Policy: PolicyConfig{Mode: "maybe"}}, true},
		{"cert without key", Config{TLS: TLSConfig{CertFile: "a.crt"}}, true},
		{"key without cert", Config{TLS: TLSConfig{KeyFile: "a.key"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestBuildPolicy(t *testing.T) {
	accept := Config{Policy: PolicyConfig{Mode: PolicyAccept}}
	p, err := accept.BuildPolicy()
	if err != nil {
		t.Fatalf("BuildPolicy failed: %v", err)
	}
	if p.Evaluate(policy.Identity{}) != policy.Accept {
		t.Error("accept mode must accept")
	}

	// An unset mode defaults to accept.
	unset := Config{}
	p, err = unset.BuildPolicy()
	if err != nil {
		t.Fatalf("BuildPolicy failed: %v", err)
	}
	if p.Evaluate(policy.Identity{}) != policy.Accept {
		t.Error("unset mode must default to accept")
	}

	reject := Config{Policy: PolicyConfig{Mode: PolicyReject}}
	p, err = reject.BuildPolicy()
	if err != nil {
		t.Fatalf("BuildPolicy failed: %v", err)
	}
	if p.Evaluate(policy.Identity{}) != policy.Reject {
		t.Error("reject mode must reject")
	}
}

func TestBuildPolicyAllowNames(t *testing.T) {
	cfg := Config{Policy: PolicyConfig{Mode: PolicyAllowNames, AllowedNames: []string{"worker-1"}}}
	p, err := cfg.BuildPolicy()
	if err != nil {
		t.Fatalf("BuildPolicy failed: %v", err)
	}

	allowed, err := cert.GenerateSelfSigned("worker-1")
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}
	if p.Evaluate(policy.Identity{Certificates: []*x509.Certificate{allowed.Leaf}}) != policy.Accept {
		t.Error("listed name must be accepted")
	}

	other, err := cert.GenerateSelfSigned("worker-9")
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}
	if p.Evaluate(policy.Identity{Certificates: []*x509.Certificate{other.Leaf}}) != policy.Reject {
		t.Error("unlisted name must be rejected")
	}
}

func TestBuildPolicyChainTrust(t *testing.T) {
	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.crt")

	ca, err := cert.GenerateCA("test-root")
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	if err := cert.WriteCertFile(caPath, ca.Certificate); err != nil {
		t.Fatalf("WriteCertFile failed: %v", err)
	}

	cfg := Config{
		Policy: PolicyConfig{Mode: PolicyChainTrust},
		TLS:    TLSConfig{CAFile: caPath},
	}
	p, err := cfg.BuildPolicy()
	if err != nil {
		t.Fatalf("BuildPolicy failed: %v", err)
	}

	issued, err := ca.Issue("member")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if p.Evaluate(policy.Identity{Certificates: []*x509.Certificate{issued.Leaf}}) != policy.Accept {
		t.Error("CA-issued certificate must be accepted")
	}

	stranger, err := cert.GenerateSelfSigned("stranger")
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}
	if p.Evaluate(policy.Identity{Certificates: []*x509.Certificate{stranger.Leaf}}) != policy.Reject {
		t.Error("untrusted certificate must be rejected")
	}
}

func TestBuildTransport(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")
	caPath := filepath.Join(dir, "ca.crt")

	ca, err := cert.GenerateCA("test-root")
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	issued, err := ca.Issue("node-1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if err := cert.WriteTLSCertificate(certPath, keyPath, issued); err != nil {
		t.Fatalf("WriteTLSCertificate failed: %v", err)
	}
	if err := cert.WriteCertFile(caPath, ca.Certificate); err != nil {
		t.Fatalf("WriteCertFile failed: %v", err)
	}

	cfg := Config{
		TLS: TLSConfig{
			CertFile:   certPath,
			KeyFile:    keyPath,
			CAFile:     caPath,
			ServerName: "node-1",
		},
	}

	tc, err := cfg.BuildTransport()
	if err != nil {
		t.Fatalf("BuildTransport failed: %v", err)
	}
	if tc.Certificate.Leaf == nil {
		t.Error("certificate leaf not populated")
	}
	if tc.ServerName != "node-1" {
		t.Errorf("ServerName = %q", tc.ServerName)
	}
	if tc.RootCAs == nil || tc.ClientCAs == nil {
		t.Error("CA pools not populated")
	}
	if tc.Policy == nil {
		t.Error("policy not populated")
	}
}

func TestBuildTransportMissingCert(t *testing.T) {
	cfg := Config{
		TLS: TLSConfig{
			CertFile: "/nonexistent/node.crt",
			KeyFile:  "/nonexistent/node.key",
		},
	}
	if _, err := cfg.BuildTransport(); err == nil {
		t.Error("expected error for missing certificate files")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
