// Package agent defines the typed command interface the controller sends to a
// cluster member, and a local implementation for members whose filesystem is
// reachable from the controller.
package agent

import (
	"context"
	"fmt"

	"github.com/coral-mesh/certrotor/internal/pki"
)

// NodeAgent executes commands on one cluster member. The private key of a leaf
// certificate is generated by GenerateCSR and never leaves the node.
type NodeAgent interface {
	// GenerateCSR creates a fresh key pair for class and returns a DER CSR.
	GenerateCSR(ctx context.Context, node pki.NodeIdentity, class pki.Class) ([]byte, error)

	// InstallCertificate installs a PEM certificate and the root bundle. The
	// certificate must match either the key from the last GenerateCSR or, for
	// renewals, the currently installed key.
	InstallCertificate(ctx context.Context, node pki.NodeIdentity, class pki.Class, certPEM, rootPEM []byte) error

	// Reload asks the dependent service to pick up new certificates without downtime.
	Reload(ctx context.Context, node pki.NodeIdentity) error

	// Restart restarts the dependent service. The node is out of service until
	// its health endpoint reports healthy again.
	Restart(ctx context.Context, node pki.NodeIdentity) error

	// Snapshot returns a consistent snapshot of the node's data.
	Snapshot(ctx context.Context, node pki.NodeIdentity) ([]byte, error)

	// ReplicateCA stores a CA bundle as the node's read-only replica.
	ReplicateCA(ctx context.Context, node pki.NodeIdentity, bundle *pki.CABundle) error

	// CAFingerprint computes the fingerprints of the node's CA replica.
	CAFingerprint(ctx context.Context, node pki.NodeIdentity) (pki.CAFingerprints, error)
}

// CertFileName is the installed certificate of a class: <node>-<class>.cert.
func CertFileName(node string, class pki.Class) string {
	return fmt.Sprintf("%s-%s.cert", node, class)
}

// KeyFileName is the installed key of a class: <node>-<class>.key.
func KeyFileName(node string, class pki.Class) string {
	return fmt.Sprintf("%s-%s.key", node, class)
}

// RootBundleFileName is the locally trusted root bundle.
const RootBundleFileName = "root-ca.cert"

// ReplicaDirName is the directory holding a backup holder's CA replica.
const ReplicaDirName = "ca"
