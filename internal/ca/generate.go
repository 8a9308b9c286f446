package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/seal"
)

// generate builds a brand-new root and intermediate. Nothing from a previous
// generation is reused.
func (s *Store) generate(pw PasswordConfig, generation int, previousRoot string) (*material, *pki.Hierarchy, error) {
	now := s.now()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate root key: %w", err)
	}
	rootSerial, err := pki.NewSerial()
	if err != nil {
		return nil, nil, err
	}
	rootTemplate := &x509.Certificate{
		SerialNumber: rootSerial,
		Subject: pkix.Name{
			Organization: []string{"certrotor"},
			CommonName:   fmt.Sprintf("%s Root CA g%d", s.cluster, generation),
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(s.rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse root certificate: %w", err)
	}

	intKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate intermediate key: %w", err)
	}
	intSerial, err := pki.NewSerial()
	if err != nil {
		return nil, nil, err
	}
	intTemplate := &x509.Certificate{
		SerialNumber: intSerial,
		Subject: pkix.Name{
			Organization: []string{"certrotor"},
			CommonName:   fmt.Sprintf("%s Intermediate CA g%d", s.cluster, generation),
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(s.intermediateValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	intDER, err := x509.CreateCertificate(rand.Reader, intTemplate, rootCert, &intKey.PublicKey, rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create intermediate certificate: %w", err)
	}
	intCert, err := x509.ParseCertificate(intDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse intermediate certificate: %w", err)
	}

	sealedRoot, err := sealKey(rootKey, pw.Root)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seal root key: %w", err)
	}
	sealedInt, err := sealKey(intKey, pw.Intermediate)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seal intermediate key: %w", err)
	}

	h := &pki.Hierarchy{
		Generation: generation,
		Root: &pki.CertificateAuthority{
			Level:          pki.LevelRoot,
			Certificate:    rootCert,
			CertificatePEM: pki.EncodeCertificatePEM(rootDER),
			Signer:         rootKey,
			SealedKey:      sealedRoot,
			Fingerprint:    pki.Fingerprint(rootCert),
			NotBefore:      rootCert.NotBefore,
			NotAfter:       rootCert.NotAfter,
		},
		Intermediate: &pki.CertificateAuthority{
			Level:          pki.LevelIntermediate,
			Certificate:    intCert,
			CertificatePEM: pki.EncodeCertificatePEM(intDER),
			Signer:         intKey,
			SealedKey:      sealedInt,
			Fingerprint:    pki.Fingerprint(intCert),
			NotBefore:      intCert.NotBefore,
			NotAfter:       intCert.NotAfter,
		},
	}

	m := &material{
		meta: Metadata{
			Cluster:                 s.cluster,
			Generation:              generation,
			CreatedAt:               now.UTC(),
			RootFingerprint:         h.Root.Fingerprint,
			IntermediateFingerprint: h.Intermediate.Fingerprint,
			RootNotAfter:            rootCert.NotAfter.UTC(),
			IntermediateNotAfter:    intCert.NotAfter.UTC(),
			PreviousRootFingerprint: previousRoot,
		},
		files: map[string][]byte{
			pki.RootCertPath:         h.Root.CertificatePEM,
			pki.IntermediateCertPath: h.Intermediate.CertificatePEM,
			pki.RootKeyPath:          sealedRoot,
			pki.IntermediateKeyPath:  sealedInt,
		},
	}
	if err := m.marshal(); err != nil {
		return nil, nil, err
	}
	return m, h, nil
}

func sealKey(key *ecdsa.PrivateKey, password []byte) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return seal.Seal(password, seal.LabelCAKey, keyPEM)
}

func openKey(sealed, password []byte) (*ecdsa.PrivateKey, error) {
	keyPEM, err := seal.Open(password, seal.LabelCAKey, sealed)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode key PEM")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}
