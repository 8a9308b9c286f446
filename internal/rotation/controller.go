// Package rotation drives the three rotation operations through an explicit
// state machine: renewing certificates in place, regenerating node
// certificates with a rolling restart, and regenerating the CA hierarchy.
//
// Only one operation runs cluster-wide at a time; the lease is taken when an
// operation enters Planning and released when it reaches Done or Failed.
package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/ca"
	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/issuer"
	"github.com/coral-mesh/certrotor/internal/metrics"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/rollout"
)

// CAStore is the part of ca.Store the controller drives.
type CAStore interface {
	GetActive() (*pki.Hierarchy, error)
	Rotate(ctx context.Context, pw ca.PasswordConfig) (string, error)
	Replicate(ctx context.Context, target pki.NodeIdentity) error
}

// Issuer issues, renews and verifies leaf certificates.
type Issuer interface {
	Issue(ctx context.Context, req issuer.IssueRequest) (*pki.LeafCertificate, bool, error)
	Renew(ctx context.Context, node pki.NodeIdentity, existing *pki.LeafCertificate) (*pki.LeafCertificate, error)
	Verify(leaf *pki.LeafCertificate) error
}

// Reloader asks a node to pick up renewed certificates.
type Reloader interface {
	Reload(ctx context.Context, node pki.NodeIdentity) error
}

// Rollout is the quorum-safe restart coordinator.
type Rollout interface {
	Precheck(ctx context.Context, force bool) (string, error)
	Run(ctx context.Context, plan rollout.Plan) (*rollout.Report, error)
	WaitHealthy(ctx context.Context, node pki.NodeIdentity) error
}

// Deps are the collaborators of a Controller.
type Deps struct {
	CA        CAStore
	Issuer    Issuer
	Reloader  Reloader
	Rollout   Rollout
	Inventory inventory.Store
	Lease     Lease
}

// Config configures a Controller.
type Config struct {
	// Classes issued to every node.
	Classes []pki.Class

	// Force overrides the quorum pre-check.
	Force bool

	LeaseTTL time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Controller runs rotation operations.
type Controller struct {
	deps    Deps
	classes []pki.Class
	force   bool
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a Controller.
func New(deps Deps, cfg Config) *Controller {
	if len(cfg.Classes) == 0 {
		cfg.Classes = pki.AllClasses
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = constants.DefaultLeaseTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Lease == nil {
		deps.Lease = NewMemoryLease()
	}
	return &Controller{
		deps:    deps,
		classes: cfg.Classes,
		force:   cfg.Force,
		ttl:     cfg.LeaseTTL,
		logger:  cfg.Logger.With().Str("component", "rotation").Logger(),
		now:     cfg.Now,
	}
}

// run holds the state of one executing operation.
type run struct {
	c      *Controller
	op     *Operation
	nodes  []pki.NodeIdentity
	logger zerolog.Logger
}

// begin creates an operation, takes the lease and enters Planning.
func (c *Controller) begin(ctx context.Context, kind Kind, scope []string, classes []pki.Class) (*run, error) {
	op := &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Scope:     scope,
		Classes:   classes,
		State:     StateIdle,
		StartedAt: c.now(),
	}
	if err := c.deps.Lease.Acquire(ctx, op.ID, c.ttl); err != nil {
		return nil, err
	}
	r := &run{c: c, op: op, logger: c.logger.With().Str("operation", op.ID).Str("kind", string(kind)).Logger()}
	if err := op.Transition(StatePlanning); err != nil {
		r.release()
		return nil, err
	}
	if err := r.save(ctx); err != nil {
		r.release()
		return nil, err
	}
	r.logger.Info().Strs("scope", scope).Msg("Operation started")
	return r, nil
}

func (r *run) save(ctx context.Context) error {
	rec, err := r.op.record()
	if err != nil {
		return err
	}
	if err := r.c.deps.Inventory.SaveOperation(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("failed to persist operation %s: %w", r.op.ID, err)
	}
	return nil
}

// checkpoint persists progress and extends the lease.
func (r *run) checkpoint(ctx context.Context) error {
	if err := r.save(ctx); err != nil {
		return err
	}
	return r.c.deps.Lease.Refresh(context.WithoutCancel(ctx), r.op.ID, r.c.ttl)
}

func (r *run) release() {
	if err := r.c.deps.Lease.Release(context.Background(), r.op.ID); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to release rotation lease")
	}
}

// plan resolves the scope and marks every node pending.
func (r *run) plan(ctx context.Context) error {
	nodes, err := r.c.resolve(ctx, r.op.Scope)
	if err != nil {
		return err
	}
	r.nodes = rollout.Order(nodes)
	r.op.Scope = make([]string, 0, len(r.nodes))
	r.op.Results = make([]NodeResult, 0, len(r.nodes))
	for _, n := range r.nodes {
		r.op.Scope = append(r.op.Scope, n.Name)
		r.op.Results = append(r.op.Results, NodeResult{Node: n.Name, Status: NodePending})
	}
	return nil
}

// finish moves the operation to Done or Failed, persists it and releases the lease.
func (r *run) finish(ctx context.Context, cause error) (*Operation, error) {
	defer r.release()

	op := r.op
	if cause == nil {
		op.Outcome = op.computeOutcome()
		if op.Outcome != OutcomeSuccess {
			cause = fmt.Errorf("operation %s finished with outcome %s", op.ID, op.Outcome)
		}
	}

	target := StateDone
	if cause != nil {
		target = StateFailed
		op.Error = cause.Error()
		op.Outcome = op.computeOutcome()
		if op.Outcome == OutcomeSuccess {
			op.Outcome = OutcomeFailed
		}
	}
	if !op.State.Terminal() {
		if err := op.Transition(target); err != nil {
			return op, err
		}
	}
	op.FinishedAt = r.c.now()

	if err := r.save(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist final operation state")
		if cause == nil {
			cause = err
		}
	}

	metrics.Operations.WithLabelValues(string(op.Kind), string(op.Outcome)).Inc()
	metrics.OperationDuration.WithLabelValues(string(op.Kind)).Observe(op.FinishedAt.Sub(op.StartedAt).Seconds())

	event := r.logger.Info()
	if cause != nil {
		event = r.logger.Error().Err(cause)
	}
	event.Str("outcome", string(op.Outcome)).Interface("counts", op.Counts()).Msg("Operation finished")
	return op, cause
}

// resolve returns the inventory entries of names, or every node when names is empty.
func (c *Controller) resolve(ctx context.Context, names []string) ([]pki.NodeIdentity, error) {
	if len(names) == 0 {
		nodes, err := c.deps.Inventory.ListNodes(ctx)
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			return nil, errors.Configf("scope", "the inventory has no nodes")
		}
		return nodes, nil
	}
	nodes := make([]pki.NodeIdentity, 0, len(names))
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		n, err := c.deps.Inventory.GetNode(ctx, name)
		if err != nil {
			if errors.Is(err, inventory.ErrNotFound) {
				return nil, errors.Configf("scope", "unknown node %q", name)
			}
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, nil
}

// Get returns a persisted operation.
func (c *Controller) Get(ctx context.Context, id string) (*Operation, error) {
	rec, err := c.deps.Inventory.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	return DecodeOperation(rec)
}

// History returns the most recent operations first.
func (c *Controller) History(ctx context.Context, limit int) ([]*Operation, error) {
	recs, err := c.deps.Inventory.ListOperations(ctx, limit)
	if err != nil {
		return nil, err
	}
	ops := make([]*Operation, 0, len(recs))
	for _, rec := range recs {
		op, err := DecodeOperation(rec)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
