package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/retry"
)

// DuckDB stores the inventory in an embedded DuckDB file.
type DuckDB struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// OpenDuckDB opens or creates the inventory database at path.
func OpenDuckDB(path string, logger zerolog.Logger) (*DuckDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), constants.DirPerm); err != nil {
		return nil, fmt.Errorf("failed to create inventory directory: %w", err)
	}

	// Another process may hold the file for the duration of one command.
	var db *sql.DB
	err := retry.Do(context.Background(), lockWait, func() error {
		var err error
		if db, err = sql.Open("duckdb", path); err != nil {
			return err
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return err
		}
		return nil
	}, isLockConflict)
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	d := &DuckDB{
		db:     db,
		path:   path,
		logger: logger.With().Str("component", "inventory").Logger(),
	}
	if err := d.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize inventory schema: %w", err)
	}

	d.logger.Debug().Str("path", path).Msg("Inventory opened")
	return d, nil
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		name TEXT PRIMARY KEY,
		addresses TEXT NOT NULL,
		health_endpoint TEXT,
		data_plane BOOLEAN NOT NULL,
		ca_role TEXT NOT NULL,
		joined_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS certificates (
		id TEXT PRIMARY KEY,
		seq BIGINT NOT NULL,
		node TEXT NOT NULL,
		class TEXT NOT NULL,
		serial TEXT NOT NULL,
		certificate_pem BLOB NOT NULL,
		public_key BLOB,
		not_before TIMESTAMP NOT NULL,
		not_after TIMESTAMP NOT NULL,
		issued_at TIMESTAMP NOT NULL,
		issuer_fingerprint TEXT NOT NULL,
		status TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		outcome TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		data BLOB
	)`,
}

func (d *DuckDB) initSchema() error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer errors.DeferRollback(d.logger, tx)

	for _, ddl := range schemaDDL {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("failed to execute DDL: %w", err)
		}
	}
	return tx.Commit()
}

// Path returns the database file.
func (d *DuckDB) Path() string { return d.path }

func (d *DuckDB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close inventory: %w", err)
	}
	return nil
}

// withConflictRetry retries writes that lost a DuckDB transaction conflict.
func (d *DuckDB) withConflictRetry(ctx context.Context, fn func() error) error {
	cfg := retry.Config{
		MaxRetries:     5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		Jitter:         0.1,
	}
	return retry.Do(ctx, cfg, fn, isTransactionConflict)
}

// lockWait bounds how long an open waits for another process to release the file.
var lockWait = retry.Config{
	MaxRetries:     20,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

func isLockConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Could not set lock") ||
		strings.Contains(msg, "Conflicting lock")
}

func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflict on") ||
		strings.Contains(msg, "TransactionContext Error")
}

func (d *DuckDB) UpsertNode(ctx context.Context, node pki.NodeIdentity) error {
	addrs, err := json.Marshal(node.Addresses)
	if err != nil {
		return err
	}
	if node.JoinedAt.IsZero() {
		node.JoinedAt = time.Now()
	}
	return d.withConflictRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO nodes (name, addresses, health_endpoint, data_plane, ca_role, joined_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				addresses = excluded.addresses,
				health_endpoint = excluded.health_endpoint,
				data_plane = excluded.data_plane,
				ca_role = excluded.ca_role
		`, node.Name, string(addrs), node.HealthEndpoint, node.DataPlane, string(node.CARole), node.JoinedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert node %s: %w", node.Name, err)
		}
		return nil
	})
}

func (d *DuckDB) RemoveNode(ctx context.Context, name string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM nodes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to remove node %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const nodeColumns = `name, addresses, health_endpoint, data_plane, ca_role, joined_at`

func scanNode(row interface{ Scan(...any) error }) (pki.NodeIdentity, error) {
	var (
		n        pki.NodeIdentity
		addrs    string
		endpoint sql.NullString
		role     string
	)
	if err := row.Scan(&n.Name, &addrs, &endpoint, &n.DataPlane, &role, &n.JoinedAt); err != nil {
		return n, err
	}
	if err := json.Unmarshal([]byte(addrs), &n.Addresses); err != nil {
		return n, fmt.Errorf("node %s has invalid addresses: %w", n.Name, err)
	}
	n.HealthEndpoint = endpoint.String
	n.CARole = pki.CARole(role)
	return n, nil
}

func (d *DuckDB) GetNode(ctx context.Context, name string) (*pki.NodeIdentity, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE name = ?`, name)
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get node %s: %w", name, err)
	}
	return &n, nil
}

func (d *DuckDB) ListNodes(ctx context.Context) ([]pki.NodeIdentity, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer errors.DeferClose(d.logger, rows, "failed to close rows")

	var nodes []pki.NodeIdentity
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (d *DuckDB) RecordIssued(ctx context.Context, leaf *pki.LeafCertificate) error {
	return d.withConflictRetry(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer errors.DeferRollback(d.logger, tx)

		if _, err := tx.ExecContext(ctx, `
			UPDATE certificates SET status = ?
			WHERE node = ? AND class = ? AND status = ?
		`, string(pki.StatusSuperseded), leaf.Node, string(leaf.Class), string(pki.StatusActive)); err != nil {
			return fmt.Errorf("failed to supersede certificate: %w", err)
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM certificates`).Scan(&seq); err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO certificates (id, seq, node, class, serial, certificate_pem, public_key,
				not_before, not_after, issued_at, issuer_fingerprint, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), seq, leaf.Node, string(leaf.Class), leaf.Serial, leaf.CertificatePEM, leaf.PublicKeyDER,
			leaf.NotBefore.UTC(), leaf.NotAfter.UTC(), leaf.IssuedAt.UTC(), leaf.IssuerFingerprint,
			string(pki.StatusActive)); err != nil {
			return fmt.Errorf("failed to insert certificate: %w", err)
		}
		return tx.Commit()
	})
}

const certColumns = `node, class, serial, certificate_pem, public_key, not_before, not_after,
	issued_at, issuer_fingerprint, status`

func scanCertificate(row interface{ Scan(...any) error }) (*pki.LeafCertificate, error) {
	var (
		c            pki.LeafCertificate
		class, state string
	)
	if err := row.Scan(&c.Node, &class, &c.Serial, &c.CertificatePEM, &c.PublicKeyDER,
		&c.NotBefore, &c.NotAfter, &c.IssuedAt, &c.IssuerFingerprint, &state); err != nil {
		return nil, err
	}
	c.Class = pki.Class(class)
	c.Status = pki.Status(state)
	return &c, nil
}

func (d *DuckDB) queryCertificates(ctx context.Context, query string, args ...any) ([]*pki.LeafCertificate, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query certificates: %w", err)
	}
	defer errors.DeferClose(d.logger, rows, "failed to close rows")

	var out []*pki.LeafCertificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DuckDB) ActiveCertificate(ctx context.Context, node string, class pki.Class) (*pki.LeafCertificate, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates
		WHERE node = ? AND class = ? AND status = ?`, node, string(class), string(pki.StatusActive))
	c, err := scanCertificate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get certificate %s/%s: %w", node, class, err)
	}
	return c, nil
}

func (d *DuckDB) ActiveCertificates(ctx context.Context) ([]*pki.LeafCertificate, error) {
	certs, err := d.queryCertificates(ctx, `SELECT `+certColumns+` FROM certificates
		WHERE status = ?`, string(pki.StatusActive))
	if err != nil {
		return nil, err
	}
	sortCertificates(certs)
	return certs, nil
}

func (d *DuckDB) History(ctx context.Context, node string) ([]*pki.LeafCertificate, error) {
	return d.queryCertificates(ctx, `SELECT `+certColumns+` FROM certificates
		WHERE node = ? ORDER BY seq DESC`, node)
}

func (d *DuckDB) SaveOperation(ctx context.Context, op *OperationRecord) error {
	var finished sql.NullTime
	if !op.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: op.FinishedAt.UTC(), Valid: true}
	}
	return d.withConflictRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO operations (id, kind, state, outcome, started_at, finished_at, data)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				state = excluded.state,
				outcome = excluded.outcome,
				finished_at = excluded.finished_at,
				data = excluded.data
		`, op.ID, op.Kind, op.State, op.Outcome, op.StartedAt.UTC(), finished, op.Data)
		if err != nil {
			return fmt.Errorf("failed to save operation %s: %w", op.ID, err)
		}
		return nil
	})
}

const opColumns = `id, kind, state, outcome, started_at, finished_at, data`

func scanOperation(row interface{ Scan(...any) error }) (*OperationRecord, error) {
	var (
		op       OperationRecord
		outcome  sql.NullString
		finished sql.NullTime
	)
	if err := row.Scan(&op.ID, &op.Kind, &op.State, &outcome, &op.StartedAt, &finished, &op.Data); err != nil {
		return nil, err
	}
	op.Outcome = outcome.String
	if finished.Valid {
		op.FinishedAt = finished.Time
	}
	return &op, nil
}

func (d *DuckDB) GetOperation(ctx context.Context, id string) (*OperationRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+opColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get operation %s: %w", id, err)
	}
	return op, nil
}

func (d *DuckDB) ListOperations(ctx context.Context, limit int) ([]*OperationRecord, error) {
	query := `SELECT ` + opColumns + ` FROM operations ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer errors.DeferClose(d.logger, rows, "failed to close rows")

	var out []*OperationRecord
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
