package pki

import (
	"crypto/x509"
	"time"

	"github.com/coral-mesh/certrotor/internal/errors"
)

// Verify checks that cert chains to the hierarchy's root through its
// intermediate at time now.
func Verify(cert *x509.Certificate, h *Hierarchy, now time.Time) error {
	if h == nil || h.Root == nil || h.Intermediate == nil {
		return &errors.IntegrityError{Kind: errors.ChainVerificationFailed, Subject: "hierarchy", Err: errors.New("no active CA")}
	}

	roots := x509.NewCertPool()
	roots.AddCert(h.Root.Certificate)
	intermediates := x509.NewCertPool()
	intermediates.AddCert(h.Intermediate.Certificate)

	_, err := cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return &errors.IntegrityError{
			Kind:    errors.ChainVerificationFailed,
			Subject: cert.Subject.CommonName,
			Err:     err,
		}
	}
	return nil
}

// VerifyLeaf parses the leaf, verifies its chain and checks that its recorded
// issuer fingerprint is the active intermediate.
func VerifyLeaf(leaf *LeafCertificate, h *Hierarchy, now time.Time) error {
	cert, err := leaf.Certificate()
	if err != nil {
		return &errors.IntegrityError{Kind: errors.ChainVerificationFailed, Subject: leaf.Node + "/" + string(leaf.Class), Err: err}
	}
	if err := Verify(cert, h, now); err != nil {
		return err
	}
	if leaf.Stale(h.Intermediate.Fingerprint) {
		return &errors.IntegrityError{
			Kind:     errors.ChainVerificationFailed,
			Subject:  leaf.Node + "/" + string(leaf.Class),
			Expected: h.Intermediate.Fingerprint,
			Actual:   leaf.IssuerFingerprint,
		}
	}
	return nil
}
