package policy

import (
	"crypto/x509"
	"time"
)

// AllowNames builds a policy that accepts a peer only when its leaf
// certificate's CommonName or one of its DNS SANs matches an allowed name.
func AllowNames(names ...string) Policy {
	allowed := make(map[string]struct{}, len(names))
	for _, n := range names {
		allowed[n] = struct{}{}
	}

	return Func(func(peer Identity) Verdict {
		leaf := peer.Leaf()
		if leaf == nil {
			return Reject
		}
		if _, ok := allowed[leaf.Subject.CommonName]; ok {
			return Accept
		}
		for _, dns := range leaf.DNSNames {
			if _, ok := allowed[dns]; ok {
				return Accept
			}
		}
		return Reject
	})
}

// ChainTrust builds a policy that accepts a peer only when its presented
// chain verifies against the given root pool. Intermediates from the
// presented chain are used during verification.
func ChainTrust(roots *x509.CertPool) Policy {
	return Func(func(peer Identity) Verdict {
		leaf := peer.Leaf()
		if leaf == nil || roots == nil {
			return Reject
		}

		intermediates := x509.NewCertPool()
		for _, c := range peer.Certificates[1:] {
			intermediates.AddCert(c)
		}

		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			CurrentTime:   time.Now(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		}
		if _, err := leaf.Verify(opts); err != nil {
			return Reject
		}
		return Accept
	})
}
