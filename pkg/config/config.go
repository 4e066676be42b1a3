// Package config loads YAML configuration for the mux commands and turns
// it into transport and policy settings.
package config

import (
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Ceponce/finagle/pkg/cert"
	"github.com/Ceponce/finagle/pkg/policy"
	"github.com/Ceponce/finagle/pkg/transport"
)

// Policy modes accepted in configuration files.
const (
	PolicyAccept     = "accept"
	PolicyReject     = "reject"
	PolicyAllowNames = "allow-names"
	PolicyChainTrust = "chain-trust"
)

// Config is the top-level configuration for a mux server or client.
type Config struct {
	// Label groups this process's connections for accounting.
	Label string `yaml:"label"`

	// Address is the listen address (server) or target address (client).
	Address string `yaml:"address"`

	// TLS holds certificate material paths.
	TLS TLSConfig `yaml:"tls"`

	// Policy selects the peer validation policy.
	Policy PolicyConfig `yaml:"policy"`

	// Timeouts for connection setup and calls.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// MaxMessageSize bounds frames in both directions (bytes).
	MaxMessageSize uint32 `yaml:"max_message_size"`
}

// TLSConfig holds certificate material paths.
type TLSConfig struct {
	// CertFile and KeyFile are the local certificate and private key (PEM).
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// CAFile is the trust anchor used for chain verification (PEM, optional).
	CAFile string `yaml:"ca_file"`

	// ServerName overrides the SNI sent by clients (optional).
	ServerName string `yaml:"server_name"`

	// Insecure disables chain verification, leaving the validation policy
	// as the only gate. For development only.
	Insecure bool `yaml:"insecure"`
}

// PolicyConfig selects the peer validation policy.
type PolicyConfig struct {
	// Mode is one of "accept", "reject", "allow-names" or "chain-trust".
	Mode string `yaml:"mode"`

	// AllowedNames lists accepted peer names for mode "allow-names".
	AllowedNames []string `yaml:"allowed_names"`
}

// TimeoutConfig bounds connection setup and calls.
type TimeoutConfig struct {
	Connect   time.Duration `yaml:"connect"`
	Call      time.Duration `yaml:"call"`
	Handshake time.Duration `yaml:"handshake"`
}

// Parse parses configuration from YAML bytes and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Policy.Mode {
	case "", PolicyAccept, PolicyReject:
	case PolicyAllowNames:
		if len(c.Policy.AllowedNames) == 0 {
			return fmt.Errorf("policy mode %q requires allowed_names", c.Policy.Mode)
		}
	case PolicyChainTrust:
		if c.TLS.CAFile == "" {
			return fmt.Errorf("policy mode %q requires tls.ca_file", c.Policy.Mode)
		}
	default:
		return fmt.Errorf("unknown policy mode: %q", c.Policy.Mode)
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}

	return nil
}

// BuildPolicy constructs the configured validation policy.
func (c *Config) BuildPolicy() (policy.Policy, error) {
	switch c.Policy.Mode {
	case "", PolicyAccept:
		return policy.AlwaysAccept{}, nil
	case PolicyReject:
		return policy.NeverAccept{}, nil
	case PolicyAllowNames:
		return policy.AllowNames(c.Policy.AllowedNames...), nil
	case PolicyChainTrust:
		ca, err := cert.ReadCertFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509Pool(ca)
		return policy.ChainTrust(pool), nil
	default:
		return nil, fmt.Errorf("unknown policy mode: %q", c.Policy.Mode)
	}
}

// BuildTransport constructs the transport configuration, loading certificate
// material from disk.
func (c *Config) BuildTransport() (*transport.Config, error) {
	pol, err := c.BuildPolicy()
	if err != nil {
		return nil, err
	}

	tc := &transport.Config{
		Policy:             pol,
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.Insecure,
	}

	if c.TLS.CertFile != "" {
		certificate, err := cert.LoadTLSCertificate(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		tc.Certificate = certificate
	}

	if c.TLS.CAFile != "" {
		ca, err := cert.ReadCertFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509Pool(ca)
		tc.RootCAs = pool
		tc.ClientCAs = pool
	}

	return tc, nil
}

// x509Pool wraps a single certificate in a pool.
func x509Pool(ca *x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return pool
}
