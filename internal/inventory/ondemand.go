package inventory

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
)

// OnDemand opens the DuckDB inventory for every call and closes it again.
// DuckDB admits a single read-write process per file, so a long-running
// process uses OnDemand to leave the file free for operator commands between
// its own calls.
type OnDemand struct {
	path   string
	logger zerolog.Logger
}

// NewOnDemand checks that the inventory at path can be opened and returns a
// store that reopens it per call.
func NewOnDemand(path string, logger zerolog.Logger) (*OnDemand, error) {
	d, err := OpenDuckDB(path, logger)
	if err != nil {
		return nil, err
	}
	if err := d.Close(); err != nil {
		return nil, err
	}
	return &OnDemand{path: path, logger: logger}, nil
}

func (o *OnDemand) do(fn func(d *DuckDB) error) error {
	d, err := OpenDuckDB(o.path, o.logger)
	if err != nil {
		return err
	}
	defer errors.DeferClose(o.logger, d, "failed to close inventory")
	return fn(d)
}

func onDemand[T any](o *OnDemand, fn func(d *DuckDB) (T, error)) (T, error) {
	var out T
	err := o.do(func(d *DuckDB) error {
		var err error
		out, err = fn(d)
		return err
	})
	return out, err
}

func (o *OnDemand) UpsertNode(ctx context.Context, node pki.NodeIdentity) error {
	return o.do(func(d *DuckDB) error { return d.UpsertNode(ctx, node) })
}

func (o *OnDemand) RemoveNode(ctx context.Context, name string) error {
	return o.do(func(d *DuckDB) error { return d.RemoveNode(ctx, name) })
}

func (o *OnDemand) GetNode(ctx context.Context, name string) (*pki.NodeIdentity, error) {
	return onDemand(o, func(d *DuckDB) (*pki.NodeIdentity, error) { return d.GetNode(ctx, name) })
}

func (o *OnDemand) ListNodes(ctx context.Context) ([]pki.NodeIdentity, error) {
	return onDemand(o, func(d *DuckDB) ([]pki.NodeIdentity, error) { return d.ListNodes(ctx) })
}

func (o *OnDemand) RecordIssued(ctx context.Context, leaf *pki.LeafCertificate) error {
	return o.do(func(d *DuckDB) error { return d.RecordIssued(ctx, leaf) })
}

func (o *OnDemand) ActiveCertificate(ctx context.Context, node string, class pki.Class) (*pki.LeafCertificate, error) {
	return onDemand(o, func(d *DuckDB) (*pki.LeafCertificate, error) { return d.ActiveCertificate(ctx, node, class) })
}

func (o *OnDemand) ActiveCertificates(ctx context.Context) ([]*pki.LeafCertificate, error) {
	return onDemand(o, func(d *DuckDB) ([]*pki.LeafCertificate, error) { return d.ActiveCertificates(ctx) })
}

func (o *OnDemand) History(ctx context.Context, node string) ([]*pki.LeafCertificate, error) {
	return onDemand(o, func(d *DuckDB) ([]*pki.LeafCertificate, error) { return d.History(ctx, node) })
}

func (o *OnDemand) SaveOperation(ctx context.Context, op *OperationRecord) error {
	return o.do(func(d *DuckDB) error { return d.SaveOperation(ctx, op) })
}

func (o *OnDemand) GetOperation(ctx context.Context, id string) (*OperationRecord, error) {
	return onDemand(o, func(d *DuckDB) (*OperationRecord, error) { return d.GetOperation(ctx, id) })
}

func (o *OnDemand) ListOperations(ctx context.Context, limit int) ([]*OperationRecord, error) {
	return onDemand(o, func(d *DuckDB) ([]*OperationRecord, error) { return d.ListOperations(ctx, limit) })
}

// Close is a no-op; nothing stays open between calls.
func (o *OnDemand) Close() error { return nil }

// Path returns the database file.
func (o *OnDemand) Path() string { return o.path }
