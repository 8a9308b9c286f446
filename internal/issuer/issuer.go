// Package issuer signs and renews leaf certificates for cluster members.
//
// The private key of a leaf is generated on its node; the issuer only ever
// sees the CSR and the resulting certificate.
package issuer

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/metrics"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/retry"
)

// Signer is the certificate authority. ca.Store implements it; a remote CA
// returns errors wrapping errors.ErrCAUnreachable when it cannot be reached.
type Signer interface {
	GetActive() (*pki.Hierarchy, error)
	Sign(ctx context.Context, tmpl *x509.Certificate, pub crypto.PublicKey) (*x509.Certificate, error)
}

// Agent is the part of agent.NodeAgent the issuer needs.
type Agent interface {
	GenerateCSR(ctx context.Context, node pki.NodeIdentity, class pki.Class) ([]byte, error)
	InstallCertificate(ctx context.Context, node pki.NodeIdentity, class pki.Class, certPEM, rootPEM []byte) error
}

// Config configures an Issuer.
type Config struct {
	Policy pki.DurationPolicy
	Retry  retry.Config
	Logger zerolog.Logger
	Now    func() time.Time
}

// IssueRequest asks for the certificate of one node and class.
type IssueRequest struct {
	Node  pki.NodeIdentity
	Class pki.Class

	// Lifetime is clamped to the policy. Zero means the policy default.
	Lifetime time.Duration

	// Force reissues a valid certificate. With ForceBefore set, only
	// certificates issued before that time are reissued.
	Force       bool
	ForceBefore time.Time
}

// Issuer issues leaf certificates through a Signer and records them in the inventory.
type Issuer struct {
	signer    Signer
	agent     Agent
	inventory inventory.Store
	policy    pki.DurationPolicy
	retry     retry.Config
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates an Issuer. An invalid policy is a ConfigError.
func New(signer Signer, agent Agent, inv inventory.Store, cfg Config) (*Issuer, error) {
	if err := cfg.Policy.Validate(); err != nil {
		var ce *errors.ConfigError
		if errors.As(err, &ce) {
			return nil, &errors.ConfigError{Field: "certificates." + ce.Field, Reason: ce.Reason}
		}
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{
		signer:    signer,
		agent:     agent,
		inventory: inv,
		policy:    cfg.Policy,
		retry:     cfg.Retry,
		logger:    cfg.Logger.With().Str("component", "issuer").Logger(),
		now:       cfg.Now,
	}, nil
}

// Policy returns the duration policy.
func (i *Issuer) Policy() pki.DurationPolicy { return i.policy }

// Issue returns the current certificate of req.Node and req.Class, or issues a
// new one on a freshly generated key. The boolean reports whether a new
// certificate was issued.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*pki.LeafCertificate, bool, error) {
	if !req.Class.Valid() {
		return nil, false, errors.Configf("class", "unknown certificate class %q", req.Class)
	}
	h, err := i.signer.GetActive()
	if err != nil {
		return nil, false, fmt.Errorf("no active CA: %w", err)
	}

	logger := i.logger.With().Str("node", req.Node.Name).Str("class", string(req.Class)).Logger()

	existing, err := i.inventory.ActiveCertificate(ctx, req.Node.Name, req.Class)
	switch {
	case err == nil:
		reason := i.reissueReason(existing, h, req)
		if reason == "" {
			logger.Debug().Str("serial", existing.Serial).Msg("Certificate is current")
			return existing, false, nil
		}
		logger.Info().Str("serial", existing.Serial).Str("reason", reason).Msg("Reissuing certificate")
	case errors.Is(err, inventory.ErrNotFound):
	default:
		return nil, false, fmt.Errorf("failed to read inventory: %w", err)
	}

	csrDER, err := i.agent.GenerateCSR(ctx, req.Node, req.Class)
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate CSR on %s: %w", req.Node.Name, err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, false, fmt.Errorf("invalid CSR from %s: %w", req.Node.Name, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, false, fmt.Errorf("invalid CSR signature from %s: %w", req.Node.Name, err)
	}

	serial, err := pki.NewSerial()
	if err != nil {
		return nil, false, err
	}
	now := i.now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         req.Node.Name,
			OrganizationalUnit: []string{string(req.Class)},
		},
		DNSNames:    csr.DNSNames,
		IPAddresses: csr.IPAddresses,
		NotBefore:   now,
		NotAfter:    now.Add(i.policy.Clamp(req.Lifetime)),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: req.Class.ExtKeyUsages(),
	}

	leaf, err := i.signAndInstall(ctx, req.Node, req.Class, h, tmpl, csr.PublicKey)
	if err != nil {
		return nil, false, err
	}
	metrics.CertificatesIssued.WithLabelValues(string(req.Class), "issue").Inc()
	logger.Info().Str("serial", leaf.Serial).Time("not_after", leaf.NotAfter).Msg("Certificate issued")
	return leaf, true, nil
}

func (i *Issuer) reissueReason(existing *pki.LeafCertificate, h *pki.Hierarchy, req IssueRequest) string {
	if existing.Expired(i.now()) {
		return "expired"
	}
	if err := pki.VerifyLeaf(existing, h, i.now()); err != nil {
		return "chain verification failed"
	}
	if req.Force && (req.ForceBefore.IsZero() || existing.IssuedAt.Before(req.ForceBefore)) {
		return "forced"
	}
	return ""
}

// Renew signs a new validity window for existing with the same serial and
// public key. The lifetime is the original one clamped to the policy.
func (i *Issuer) Renew(ctx context.Context, node pki.NodeIdentity, existing *pki.LeafCertificate) (*pki.LeafCertificate, error) {
	h, err := i.signer.GetActive()
	if err != nil {
		return nil, fmt.Errorf("no active CA: %w", err)
	}
	if existing.Stale(h.Intermediate.Fingerprint) {
		return nil, errors.Configf("issuer_fingerprint",
			"%s/%s was issued by %s, not the active intermediate %s; regenerate instead of renewing",
			existing.Node, existing.Class, existing.IssuerFingerprint, h.Intermediate.Fingerprint)
	}
	cert, err := existing.Certificate()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s/%s: %w", existing.Node, existing.Class, err)
	}

	now := i.now()
	tmpl := &x509.Certificate{
		SerialNumber: cert.SerialNumber,
		Subject:      cert.Subject,
		DNSNames:     cert.DNSNames,
		IPAddresses:  cert.IPAddresses,
		NotBefore:    now,
		NotAfter:     now.Add(i.policy.Clamp(existing.Lifetime())),
		KeyUsage:     cert.KeyUsage,
		ExtKeyUsage:  cert.ExtKeyUsage,
	}

	leaf, err := i.signAndInstall(ctx, node, existing.Class, h, tmpl, cert.PublicKey)
	if err != nil {
		return nil, err
	}
	metrics.CertificatesIssued.WithLabelValues(string(existing.Class), "renew").Inc()
	i.logger.Info().
		Str("node", node.Name).
		Str("class", string(existing.Class)).
		Str("serial", leaf.Serial).
		Time("not_after", leaf.NotAfter).
		Msg("Certificate renewed")
	return leaf, nil
}

// Verify checks a recorded certificate against the active hierarchy.
func (i *Issuer) Verify(leaf *pki.LeafCertificate) error {
	h, err := i.signer.GetActive()
	if err != nil {
		return err
	}
	return pki.VerifyLeaf(leaf, h, i.now())
}

func (i *Issuer) signAndInstall(ctx context.Context, node pki.NodeIdentity, class pki.Class, h *pki.Hierarchy, tmpl *x509.Certificate, pub crypto.PublicKey) (*pki.LeafCertificate, error) {
	var cert *x509.Certificate
	err := retry.DoNotify(ctx, i.retry, func() error {
		signed, err := i.signer.Sign(ctx, tmpl, pub)
		if err != nil {
			return err
		}
		cert = signed
		return nil
	}, errors.IsTransient, func(attempt int, err error, next time.Duration) {
		metrics.SignRetries.Inc()
		i.logger.Warn().Err(err).Int("attempt", attempt).Dur("next", next).Str("node", node.Name).Msg("CA unreachable, retrying")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s/%s: %w", node.Name, class, err)
	}

	leaf := &pki.LeafCertificate{
		Node:              node.Name,
		Class:             class,
		Serial:            pki.SerialString(cert.SerialNumber),
		CertificatePEM:    pki.EncodeCertificatePEM(cert.Raw),
		PublicKeyDER:      cert.RawSubjectPublicKeyInfo,
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
		IssuedAt:          i.now(),
		IssuerFingerprint: h.Intermediate.Fingerprint,
		Status:            pki.StatusActive,
	}
	if err := pki.VerifyLeaf(leaf, h, i.now()); err != nil {
		return nil, err
	}

	if err := i.agent.InstallCertificate(ctx, node, class, leaf.CertificatePEM, h.Root.CertificatePEM); err != nil {
		return nil, fmt.Errorf("failed to install %s/%s: %w", node.Name, class, err)
	}
	if err := i.inventory.RecordIssued(ctx, leaf); err != nil {
		return nil, fmt.Errorf("failed to record %s/%s: %w", node.Name, class, err)
	}
	metrics.ObserveExpiry(node.Name, string(class), leaf.NotAfter)
	return leaf, nil
}
