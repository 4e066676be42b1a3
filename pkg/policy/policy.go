package policy

import (
	"crypto/x509"
	"errors"
	"fmt"
)

// Verdict is the outcome of evaluating a peer identity.
type Verdict int

const (
	// Reject indicates the peer identity is not acceptable.
	Reject Verdict = iota

	// Accept indicates the peer identity is acceptable.
	Accept
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Accept:
		return "ACCEPT"
	case Reject:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// Identity is the identity material a peer presented during the handshake.
type Identity struct {
	// Certificates is the presented chain, leaf first. May be empty when
	// the peer presented no certificate.
	Certificates []*x509.Certificate
}

// Leaf returns the peer's end-entity certificate, or nil if none was presented.
func (id Identity) Leaf() *x509.Certificate {
	if len(id.Certificates) == 0 {
		return nil
	}
	return id.Certificates[0]
}

// Name returns the leaf certificate's CommonName, or "" if no certificate
// was presented.
func (id Identity) Name() string {
	if leaf := id.Leaf(); leaf != nil {
		return leaf.Subject.CommonName
	}
	return ""
}

// Policy decides whether a peer's presented identity is acceptable.
//
// Implementations must be side-effect-free and deterministic for a given
// identity: a handshake may be retried by a higher layer and the policy is
// evaluated exactly once per attempt.
type Policy interface {
	Evaluate(peer Identity) Verdict
}

// Func adapts a plain function to the Policy interface.
type Func func(peer Identity) Verdict

// Evaluate calls f.
func (f Func) Evaluate(peer Identity) Verdict { return f(peer) }

// AlwaysAccept accepts every peer. It is the default policy when none is
// configured.
type AlwaysAccept struct{}

// Evaluate returns Accept.
func (AlwaysAccept) Evaluate(Identity) Verdict { return Accept }

// NeverAccept rejects every peer. Useful to simulate a misconfigured or
// hostile endpoint.
type NeverAccept struct{}

// Evaluate returns Reject.
func (NeverAccept) Evaluate(Identity) Verdict { return Reject }

// Compile-time interface satisfaction checks.
var (
	_ Policy = AlwaysAccept{}
	_ Policy = NeverAccept{}
	_ Policy = Func(nil)
)

// RejectionError marks a handshake failure caused by a local policy verdict
// rather than a transport-level problem. The handshake negotiator uses it to
// classify failures.
type RejectionError struct {
	// PeerName is the CommonName of the rejected peer, if any.
	PeerName string
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	if e.PeerName == "" {
		return "validation policy rejected peer"
	}
	return fmt.Sprintf("validation policy rejected peer %q", e.PeerName)
}

// IsRejection reports whether err was caused by a local policy rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
