package pki

import (
	"fmt"
	"sort"
)

// Paths of the CA layout, relative to the CA directory.
const (
	CAMetadataPath       = "config/ca.yaml"
	RootCertPath         = "certs/root_ca.crt"
	IntermediateCertPath = "certs/intermediate_ca.crt"
	RootKeyPath          = "secrets/root_ca_key"
	IntermediateKeyPath  = "secrets/intermediate_ca_key"
	RetiredDir           = "retired"
	CAConfigDir          = "config"
	CACertsDir           = "certs"
	CASecretsDir         = "secrets"
)

// CABundle is the replicable CA material: certificates, sealed keys and metadata.
// It never carries a plaintext private key.
type CABundle struct {
	Cluster    string
	Generation int
	Files      map[string][]byte
}

// Paths returns the bundle's relative paths in sorted order.
func (b *CABundle) Paths() []string {
	paths := make([]string, 0, len(b.Files))
	for p := range b.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Fingerprints computes the fingerprints of the certificates in the bundle.
func (b *CABundle) Fingerprints() (CAFingerprints, error) {
	return FingerprintsFromPEM(b.Files[RootCertPath], b.Files[IntermediateCertPath])
}

// CAFingerprints identifies a hierarchy by both of its certificates.
type CAFingerprints struct {
	Root         string `json:"root"`
	Intermediate string `json:"intermediate"`
}

// Equal compares both fingerprints.
func (f CAFingerprints) Equal(o CAFingerprints) bool {
	return EqualFingerprint(f.Root, o.Root) && EqualFingerprint(f.Intermediate, o.Intermediate)
}

// FingerprintsFromPEM parses the root and intermediate PEM and fingerprints them.
func FingerprintsFromPEM(rootPEM, intermediatePEM []byte) (CAFingerprints, error) {
	root, err := ParseCertificatePEM(rootPEM)
	if err != nil {
		return CAFingerprints{}, fmt.Errorf("root certificate: %w", err)
	}
	intermediate, err := ParseCertificatePEM(intermediatePEM)
	if err != nil {
		return CAFingerprints{}, fmt.Errorf("intermediate certificate: %w", err)
	}
	return CAFingerprints{Root: Fingerprint(root), Intermediate: Fingerprint(intermediate)}, nil
}

// Fingerprints returns the fingerprints of the hierarchy.
func (h *Hierarchy) Fingerprints() CAFingerprints {
	if h == nil || h.Root == nil || h.Intermediate == nil {
		return CAFingerprints{}
	}
	return CAFingerprints{Root: h.Root.Fingerprint, Intermediate: h.Intermediate.Fingerprint}
}
