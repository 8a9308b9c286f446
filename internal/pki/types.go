// Package pki holds the certificate data model shared by the CA store, the issuer,
// the inventory and the rotation controller.
package pki

import (
	"crypto"
	"crypto/x509"
	"time"
)

// Level is the position of a CA in the hierarchy.
type Level string

const (
	LevelRoot         Level = "root"
	LevelIntermediate Level = "intermediate"
)

// Class is the usage class of a leaf certificate.
type Class string

const (
	ClassPeer   Class = "peer"
	ClassServer Class = "server"
	ClassClient Class = "client"
)

// AllClasses lists every class in issuance order.
var AllClasses = []Class{ClassPeer, ClassServer, ClassClient}

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	switch c {
	case ClassPeer, ClassServer, ClassClient:
		return true
	}
	return false
}

// ExtKeyUsages returns the extended key usages a leaf of this class carries.
func (c Class) ExtKeyUsages() []x509.ExtKeyUsage {
	switch c {
	case ClassServer:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case ClassClient:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		// Peer certificates authenticate both ends of member-to-member links.
		return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}
}

// Status of a leaf certificate.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
)

// CARole is the part a node plays in holding CA material.
type CARole string

const (
	CARoleNone    CARole = "none"
	CARolePrimary CARole = "primary"
	CARoleBackup  CARole = "backup"
)

// CertificateAuthority is one level of the active hierarchy.
type CertificateAuthority struct {
	Level          Level
	Certificate    *x509.Certificate
	CertificatePEM []byte

	// Signer is nil on read-only replicas.
	Signer crypto.Signer

	// SealedKey is the password-sealed PEM private key as stored on disk.
	SealedKey []byte

	Fingerprint string
	NotBefore   time.Time
	NotAfter    time.Time
}

// Hierarchy is the active root and intermediate pair.
type Hierarchy struct {
	Generation   int
	Root         *CertificateAuthority
	Intermediate *CertificateAuthority
}

// Fingerprint identifies the hierarchy by its root.
func (h *Hierarchy) Fingerprint() string {
	if h == nil || h.Root == nil {
		return ""
	}
	return h.Root.Fingerprint
}

// CanSign reports whether the intermediate key is available.
func (h *Hierarchy) CanSign() bool {
	return h != nil && h.Intermediate != nil && h.Intermediate.Signer != nil
}

// NodeIdentity is a cluster member known to the controller.
type NodeIdentity struct {
	Name           string    `json:"name"`
	Addresses      []string  `json:"addresses"`
	HealthEndpoint string    `json:"health_endpoint,omitempty"`
	DataPlane      bool      `json:"data_plane"`
	CARole         CARole    `json:"ca_role"`
	JoinedAt       time.Time `json:"joined_at"`
}

// LeafCertificate is an issued end-entity certificate. The private key never
// leaves the node; only the certificate and its public key are recorded.
type LeafCertificate struct {
	Node              string    `json:"node"`
	Class             Class     `json:"class"`
	Serial            string    `json:"serial"`
	CertificatePEM    []byte    `json:"-"`
	PublicKeyDER      []byte    `json:"-"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	IssuedAt          time.Time `json:"issued_at"`
	IssuerFingerprint string    `json:"issuer_fingerprint"`
	Status            Status    `json:"status"`
}

// Lifetime is the original validity span.
func (l *LeafCertificate) Lifetime() time.Duration {
	return l.NotAfter.Sub(l.NotBefore)
}

// Remaining is the validity left at now.
func (l *LeafCertificate) Remaining(now time.Time) time.Duration {
	return l.NotAfter.Sub(now)
}

// Expired reports whether the certificate is no longer valid at now.
func (l *LeafCertificate) Expired(now time.Time) bool {
	return !now.Before(l.NotAfter)
}

// Stale reports whether the certificate was issued by an intermediate other
// than the active one.
func (l *LeafCertificate) Stale(activeIntermediate string) bool {
	return !EqualFingerprint(l.IssuerFingerprint, activeIntermediate)
}

// Certificate parses the stored PEM.
func (l *LeafCertificate) Certificate() (*x509.Certificate, error) {
	return ParseCertificatePEM(l.CertificatePEM)
}
