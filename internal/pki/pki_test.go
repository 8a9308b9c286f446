package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/certrotor/internal/errors"
)

func newCA(t *testing.T, name string, parent *CertificateAuthority, now time.Time) *CertificateAuthority {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := NewSerial()
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	issuerCert, issuerKey := tmpl, any(key)
	level := LevelRoot
	if parent != nil {
		issuerCert, issuerKey = parent.Certificate, parent.Signer
		tmpl.MaxPathLenZero = true
		level = LevelIntermediate
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuerCert, &key.PublicKey, issuerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &CertificateAuthority{
		Level:          level,
		Certificate:    cert,
		CertificatePEM: EncodeCertificatePEM(der),
		Signer:         key,
		Fingerprint:    Fingerprint(cert),
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
	}
}

func newHierarchy(t *testing.T, now time.Time) *Hierarchy {
	root := newCA(t, "root", nil, now)
	return &Hierarchy{Generation: 1, Root: root, Intermediate: newCA(t, "intermediate", root, now)}
}

func newLeaf(t *testing.T, h *Hierarchy, now time.Time) *LeafCertificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := NewSerial()
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "n1"},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(time.Hour),
		ExtKeyUsage:  ClassPeer.ExtKeyUsages(),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, h.Intermediate.Certificate, &key.PublicKey, h.Intermediate.Signer)
	require.NoError(t, err)
	return &LeafCertificate{
		Node:              "n1",
		Class:             ClassPeer,
		Serial:            SerialString(serial),
		CertificatePEM:    EncodeCertificatePEM(der),
		NotBefore:         tmpl.NotBefore,
		NotAfter:          tmpl.NotAfter,
		IssuerFingerprint: h.Intermediate.Fingerprint,
		Status:            StatusActive,
	}
}

func TestFingerprintNormalization(t *testing.T) {
	assert.Equal(t, "abcdef", NormalizeFingerprint(" sha256:AB:CD:EF "))
	assert.True(t, EqualFingerprint("sha256:AB:CD", "abcd"))
	assert.False(t, EqualFingerprint("", ""))
	assert.False(t, EqualFingerprint("ab", "cd"))
}

func TestDurationPolicy(t *testing.T) {
	p := DurationPolicy{Default: 10 * time.Hour, Min: time.Hour, Max: 100 * time.Hour}
	require.NoError(t, p.Validate())

	assert.Equal(t, 10*time.Hour, p.Clamp(0))
	assert.Equal(t, time.Hour, p.Clamp(time.Minute))
	assert.Equal(t, 100*time.Hour, p.Clamp(1000*time.Hour))
	assert.Equal(t, 5*time.Hour, p.Clamp(5*time.Hour))

	invalid := []DurationPolicy{
		{Default: time.Hour, Min: 0, Max: time.Hour},
		{Default: time.Hour, Min: 2 * time.Hour, Max: time.Hour},
		{Default: 5 * time.Hour, Min: time.Hour, Max: 2 * time.Hour},
	}
	for _, p := range invalid {
		var ce *errors.ConfigError
		assert.ErrorAs(t, p.Validate(), &ce, "%+v", p)
	}
}

func TestVerifyLeaf(t *testing.T) {
	now := time.Now()
	h := newHierarchy(t, now)
	leaf := newLeaf(t, h, now)

	require.NoError(t, VerifyLeaf(leaf, h, now))

	t.Run("other hierarchy", func(t *testing.T) {
		other := newHierarchy(t, now)
		err := VerifyLeaf(leaf, other, now)
		assert.True(t, errors.IsIntegrity(err, errors.ChainVerificationFailed))
	})

	t.Run("expired", func(t *testing.T) {
		err := VerifyLeaf(leaf, h, now.Add(2*time.Hour))
		assert.True(t, errors.IsIntegrity(err, errors.ChainVerificationFailed))
	})

	t.Run("recorded issuer mismatch", func(t *testing.T) {
		stale := *leaf
		stale.IssuerFingerprint = "deadbeef"
		err := VerifyLeaf(&stale, h, now)
		var ie *errors.IntegrityError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, h.Intermediate.Fingerprint, ie.Expected)
	})

	t.Run("garbage pem", func(t *testing.T) {
		bad := *leaf
		bad.CertificatePEM = []byte("nope")
		assert.True(t, errors.IsIntegrity(VerifyLeaf(&bad, h, now), errors.ChainVerificationFailed))
	})
}

func TestLeafCertificateTimes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	leaf := &LeafCertificate{NotBefore: now, NotAfter: now.Add(90 * time.Hour), IssuerFingerprint: "AA"}

	assert.Equal(t, 90*time.Hour, leaf.Lifetime())
	assert.Equal(t, 30*time.Hour, leaf.Remaining(now.Add(60*time.Hour)))
	assert.False(t, leaf.Expired(now))
	assert.True(t, leaf.Expired(now.Add(90*time.Hour)))
	assert.False(t, leaf.Stale("aa"))
	assert.True(t, leaf.Stale("bb"))
}

func TestParseCertificatePEM_SkipsOtherBlocks(t *testing.T) {
	now := time.Now()
	h := newHierarchy(t, now)
	data := append(pem.EncodeToMemory(&pem.Block{Type: "EC PARAMETERS", Bytes: []byte{1}}), h.Root.CertificatePEM...)

	cert, err := ParseCertificatePEM(data)
	require.NoError(t, err)
	assert.Equal(t, h.Root.Fingerprint, Fingerprint(cert))
}

func TestHierarchy(t *testing.T) {
	var nilH *Hierarchy
	assert.Empty(t, nilH.Fingerprint())
	assert.False(t, nilH.CanSign())

	h := newHierarchy(t, time.Now())
	assert.Equal(t, h.Root.Fingerprint, h.Fingerprint())
	assert.True(t, h.CanSign())
}

func TestClassExtKeyUsages(t *testing.T) {
	assert.Len(t, ClassPeer.ExtKeyUsages(), 2)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, ClassServer.ExtKeyUsages())
	assert.True(t, ClassClient.Valid())
	assert.False(t, Class("admin").Valid())
}
