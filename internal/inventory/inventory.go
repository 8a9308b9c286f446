// Package inventory persists the cluster's nodes, issued leaf certificates and
// rotation operation records.
package inventory

import (
	"context"
	"sort"
	"time"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
)

// ErrNotFound is returned when a node, certificate or operation does not exist.
var ErrNotFound = errors.New("not found")

// OperationRecord is a persisted rotation operation. Data holds the full
// operation as written by the rotation controller.
type OperationRecord struct {
	ID         string
	Kind       string
	State      string
	Outcome    string
	StartedAt  time.Time
	FinishedAt time.Time
	Data       []byte
}

// Store is the inventory backend.
type Store interface {
	UpsertNode(ctx context.Context, node pki.NodeIdentity) error
	RemoveNode(ctx context.Context, name string) error
	GetNode(ctx context.Context, name string) (*pki.NodeIdentity, error)
	// ListNodes returns every node ordered by name.
	ListNodes(ctx context.Context) ([]pki.NodeIdentity, error)

	// RecordIssued stores leaf as the active certificate of its (node, class)
	// and supersedes the previous one.
	RecordIssued(ctx context.Context, leaf *pki.LeafCertificate) error
	ActiveCertificate(ctx context.Context, node string, class pki.Class) (*pki.LeafCertificate, error)
	// ActiveCertificates returns every active certificate ordered by node and class.
	ActiveCertificates(ctx context.Context) ([]*pki.LeafCertificate, error)
	// History returns every certificate of a node, newest first.
	History(ctx context.Context, node string) ([]*pki.LeafCertificate, error)

	SaveOperation(ctx context.Context, op *OperationRecord) error
	GetOperation(ctx context.Context, id string) (*OperationRecord, error)
	// ListOperations returns the most recent operations first.
	ListOperations(ctx context.Context, limit int) ([]*OperationRecord, error)

	Close() error
}

func sortCertificates(certs []*pki.LeafCertificate) {
	sort.Slice(certs, func(i, j int) bool {
		if certs[i].Node != certs[j].Node {
			return certs[i].Node < certs[j].Node
		}
		return certs[i].Class < certs[j].Class
	})
}
