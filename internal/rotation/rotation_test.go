package rotation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/certrotor/internal/agent/agenttest"
	"github.com/coral-mesh/certrotor/internal/ca"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/issuer"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/retry"
	"github.com/coral-mesh/certrotor/internal/rollout"
	"github.com/coral-mesh/certrotor/internal/seal"
	"github.com/coral-mesh/certrotor/internal/testutil"
)

func TestMain(m *testing.M) {
	seal.DefaultParams = seal.Params{Time: 1, Memory: 1024, Threads: 1}
	os.Exit(m.Run())
}

var fastRetry = retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond}

type fixture struct {
	store   *ca.Store
	cluster *agenttest.Cluster
	inv     *inventory.Memory
	issuer  *issuer.Issuer
	lease   *MemoryLease
	ctrl    *Controller
	nodes   []pki.NodeIdentity
}

func newFixture(t *testing.T, extra ...pki.NodeIdentity) *fixture {
	t.Helper()
	ctx := testutil.NewTestContext(t)
	logger := testutil.NewTestLogger(t)

	nodes := append(agenttest.DataPlaneNodes(3), extra...)
	f := &fixture{
		cluster: agenttest.NewCluster(nodes...),
		inv:     inventory.NewMemory(),
		lease:   NewMemoryLease(),
		nodes:   nodes,
	}
	f.store = ca.New(filepath.Join(t.TempDir(), "ca"), ca.Options{
		Cluster:    "test",
		Replicator: f.cluster,
		Retry:      fastRetry,
		Logger:     logger,
	})
	_, err := f.store.Bootstrap(ctx, ca.PasswordConfig{Root: []byte("r1"), Intermediate: []byte("i1")})
	require.NoError(t, err)

	f.issuer, err = issuer.New(f.store, f.cluster, f.inv, issuer.Config{
		Policy: pki.DurationPolicy{Default: 24 * time.Hour, Min: time.Hour, Max: 48 * time.Hour},
		Retry:  fastRetry,
		Logger: logger,
	})
	require.NoError(t, err)

	for _, n := range nodes {
		require.NoError(t, f.inv.UpsertNode(ctx, n))
	}

	coord := rollout.New(f.cluster, f.cluster, rollout.Config{PollRetries: 5, PollBackoff: time.Millisecond, Logger: logger})
	f.ctrl = New(Deps{
		CA:        f.store,
		Issuer:    f.issuer,
		Reloader:  f.cluster,
		Rollout:   coord,
		Inventory: f.inv,
		Lease:     f.lease,
	}, Config{Logger: logger})
	return f
}

// issueAll gives every node a certificate of every class.
func (f *fixture) issueAll(t *testing.T) map[string]string {
	t.Helper()
	serials := make(map[string]string)
	for _, n := range f.nodes {
		for _, class := range pki.AllClasses {
			leaf, _, err := f.issuer.Issue(context.Background(), issuer.IssueRequest{Node: n, Class: class})
			require.NoError(t, err)
			serials[n.Name+"/"+string(class)] = leaf.Serial
		}
	}
	return serials
}

func (f *fixture) activeSerials(t *testing.T) map[string]string {
	t.Helper()
	certs, err := f.inv.ActiveCertificates(context.Background())
	require.NoError(t, err)
	serials := make(map[string]string)
	for _, c := range certs {
		serials[c.Node+"/"+string(c.Class)] = c.Serial
	}
	return serials
}

func statuses(op *Operation) map[string]NodeStatus {
	out := make(map[string]NodeStatus)
	for _, r := range op.Results {
		out[r.Node] = r.Status
	}
	return out
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StatePlanning, true},
		{StatePlanning, StateExecuting, true},
		{StatePlanning, StateFailed, true},
		{StateExecuting, StateVerifying, true},
		{StateExecuting, StateFailed, true},
		{StateVerifying, StateDone, true},
		{StateVerifying, StateFailed, true},
		{StateIdle, StateExecuting, false},
		{StatePlanning, StateDone, false},
		{StateExecuting, StateDone, false},
		{StateDone, StatePlanning, false},
		{StateFailed, StateExecuting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			op := &Operation{State: tt.from}
			err := op.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, op.State)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, op.State)
			}
		})
	}
}

func TestRenewInPlace_IsIdempotent(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t)
	before := f.issueAll(t)

	for range 2 {
		op, err := f.ctrl.RenewInPlace(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuccess, op.Outcome)
		assert.Equal(t, StateDone, op.State)
		assert.Equal(t, before, f.activeSerials(t))
	}

	assert.Empty(t, f.cluster.RestartOrder())
	for _, n := range f.nodes {
		assert.Equal(t, 2, f.cluster.Reloads(n.Name))
	}
	assert.Empty(t, f.lease.Holder())
}

func TestRenewInPlace_MissingCertificateStops(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t)

	op, err := f.ctrl.RenewInPlace(ctx, []string{"n2", "n1"}, []pki.Class{pki.ClassPeer})
	require.Error(t, err)
	assert.Equal(t, StateFailed, op.State)
	assert.Equal(t, OutcomeFailed, op.Outcome)
	assert.Equal(t, []string{"n1", "n2"}, op.Scope)
	assert.Equal(t, map[string]NodeStatus{"n1": NodeFailed, "n2": NodePending}, statuses(op))
}

func TestRenewInPlace_UnhealthyNodeIsNotTouched(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t)
	f.issueAll(t)
	before, err := f.inv.ActiveCertificate(ctx, "n2", pki.ClassPeer)
	require.NoError(t, err)
	f.cluster.SetDown("n2")

	op, err := f.ctrl.RenewInPlace(ctx, []string{"n2"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre-renewal health check")
	assert.Equal(t, map[string]NodeStatus{"n2": NodeFailed}, statuses(op))

	after, err := f.inv.ActiveCertificate(ctx, "n2", pki.ClassPeer)
	require.NoError(t, err)
	assert.Equal(t, before.NotAfter, after.NotAfter)
	assert.Zero(t, f.cluster.Reloads("n2"))
}

func TestRenewInPlace_UnknownNode(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t)

	op, err := f.ctrl.RenewInPlace(ctx, []string{"nope"}, nil)
	var ce *errors.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, StateFailed, op.State)
}

func TestRegenerateNodeCerts(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t)
	before := f.issueAll(t)
	caBefore, err := f.store.GetActive()
	require.NoError(t, err)

	op, err := f.ctrl.RegenerateNodeCerts(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, op.Outcome)

	caAfter, err := f.store.GetActive()
	require.NoError(t, err)
	assert.Equal(t, caBefore.Fingerprint(), caAfter.Fingerprint())
	assert.Equal(t, caBefore.Intermediate.Fingerprint, caAfter.Intermediate.Fingerprint)

	after := f.activeSerials(t)
	require.Len(t, after, len(before))
	for k, serial := range before {
		assert.NotEqual(t, serial, after[k], k)
	}
	assert.Equal(t, []string{"n1", "n2", "n3"}, f.cluster.RestartOrder())
	assert.Equal(t, 1, f.cluster.MaxConcurrentDown())

	stored, err := f.ctrl.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, stored.State)
	assert.Len(t, stored.Results[0].Serials, 3)
}

func TestRegenerateNodeCerts_QuorumRiskMutatesNothing(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t)
	before := f.issueAll(t)
	f.cluster.SetDown("n2")
	mutations := f.cluster.Mutations()

	op, err := f.ctrl.RegenerateNodeCerts(ctx, nil)
	var risk *errors.QuorumRiskError
	require.ErrorAs(t, err, &risk)
	assert.Equal(t, OutcomeFailed, op.Outcome)
	assert.Equal(t, mutations, f.cluster.Mutations())
	assert.Equal(t, before, f.activeSerials(t))
	for _, s := range statuses(op) {
		assert.Equal(t, NodePending, s)
	}
}

func TestRegenerateNodeCerts_Resume(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t)
	f.issueAll(t)
	f.cluster.NeverRecovers("n2")

	first, err := f.ctrl.RegenerateNodeCerts(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, OutcomePartial, first.Outcome)
	assert.Equal(t, map[string]NodeStatus{"n1": NodeCompleted, "n2": NodeFailed, "n3": NodePending}, statuses(first))

	f.cluster.Recover("n2")
	second, err := f.ctrl.Resume(ctx, first.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, second.Outcome)
	assert.Equal(t, first.ID, second.ResumedFrom)
	// n2 never confirmed health, so it is restarted and gated again.
	assert.Equal(t, map[string]NodeStatus{"n1": NodeCurrent, "n2": NodeCompleted, "n3": NodeCompleted}, statuses(second))
	assert.Equal(t, []string{"n1", "n2", "n2", "n3"}, f.cluster.RestartOrder())

	ops, err := f.ctrl.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestRegenerateNodeCerts_ResumeAfterFailedRestart(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t)
	f.issueAll(t)
	refused := false
	f.cluster.OnRestart = func(node string) error {
		if node == "n2" && !refused {
			refused = true
			return errors.New("restart refused")
		}
		return nil
	}

	first, err := f.ctrl.RegenerateNodeCerts(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, map[string]NodeStatus{"n1": NodeCompleted, "n2": NodeFailed, "n3": NodePending}, statuses(first))
	assert.Equal(t, []string{"n1"}, f.cluster.RestartOrder())
	// The new certificates were installed before the restart failed.
	installed := f.activeSerials(t)

	second, err := f.ctrl.Resume(ctx, first.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, second.Outcome)
	assert.Equal(t, map[string]NodeStatus{"n1": NodeCurrent, "n2": NodeCompleted, "n3": NodeCompleted}, statuses(second))
	assert.Equal(t, []string{"n1", "n2", "n3"}, f.cluster.RestartOrder())

	after := f.activeSerials(t)
	for _, class := range pki.AllClasses {
		key := "n2/" + string(class)
		assert.Equal(t, installed[key], after[key], key)
	}
	assert.Len(t, second.Results[1].Serials, len(pki.AllClasses))
}

func caHolders() []pki.NodeIdentity {
	return []pki.NodeIdentity{
		{Name: "ca-primary", CARole: pki.CARolePrimary},
		{Name: "ca-backup", CARole: pki.CARoleBackup},
	}
}

func TestRegenerateCA(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t, caHolders()...)
	f.issueAll(t)

	old, err := f.inv.ActiveCertificate(ctx, "n1", pki.ClassPeer)
	require.NoError(t, err)
	oldHierarchy, err := f.store.GetActive()
	require.NoError(t, err)

	op, err := f.ctrl.RegenerateCA(ctx, ca.PasswordConfig{Root: []byte("r2"), Intermediate: []byte("i2")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, op.Outcome)

	h, err := f.store.GetActive()
	require.NoError(t, err)
	assert.Equal(t, h.Fingerprint(), op.NewCAFingerprint)
	assert.NotEqual(t, oldHierarchy.Fingerprint(), h.Fingerprint())

	certs, err := f.inv.ActiveCertificates(ctx)
	require.NoError(t, err)
	require.Len(t, certs, 5*3)
	for _, c := range certs {
		assert.Equal(t, h.Intermediate.Fingerprint, c.IssuerFingerprint, c.Node)
		assert.NoError(t, f.issuer.Verify(c))
	}
	assert.True(t, errors.IsIntegrity(f.issuer.Verify(old), errors.ChainVerificationFailed))

	// Both CA holders agree on the new hierarchy.
	replica := f.cluster.Replica("ca-backup")
	require.NotNil(t, replica)
	fps, err := replica.Fingerprints()
	require.NoError(t, err)
	assert.True(t, fps.Equal(h.Fingerprints()))
	assert.Nil(t, f.cluster.Replica("ca-primary"))

	assert.Equal(t, []string{"n1", "n2", "n3", "ca-backup", "ca-primary"}, f.cluster.RestartOrder())
}

func TestRegenerateCA_RequiresPasswords(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t)
	before, err := f.store.GetActive()
	require.NoError(t, err)

	_, err = f.ctrl.RegenerateCA(ctx, ca.PasswordConfig{Root: []byte("only-root")})
	var ce *errors.ConfigError
	require.ErrorAs(t, err, &ce)

	after, err := f.store.GetActive()
	require.NoError(t, err)
	assert.Equal(t, before.Fingerprint(), after.Fingerprint())
	ops, err := f.ctrl.History(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Zero(t, f.cluster.Mutations())
}

func TestRegenerateCA_ReplicaMismatchHaltsBeforeNodes(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t, caHolders()...)
	before := f.issueAll(t)
	f.cluster.CorruptReplica = true

	op, err := f.ctrl.RegenerateCA(ctx, ca.PasswordConfig{Root: []byte("r2"), Intermediate: []byte("i2")})
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err, errors.FingerprintMismatch))
	assert.Equal(t, StateFailed, op.State)
	assert.NotEmpty(t, op.NewCAFingerprint)
	assert.Empty(t, f.cluster.RestartOrder())
	assert.Equal(t, before, f.activeSerials(t))

	// Resuming reuses the rotated CA and needs no passwords.
	f.cluster.CorruptReplica = false
	resumed, err := f.ctrl.Resume(ctx, op.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, resumed.Outcome)
	assert.Equal(t, op.NewCAFingerprint, resumed.NewCAFingerprint)

	h, err := f.store.GetActive()
	require.NoError(t, err)
	assert.Equal(t, op.NewCAFingerprint, h.Fingerprint())
	retired, err := f.store.Retired()
	require.NoError(t, err)
	assert.Len(t, retired, 1)
}

func TestResume_SucceededOperation(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t)
	f.issueAll(t)

	op, err := f.ctrl.RenewInPlace(ctx, nil, nil)
	require.NoError(t, err)
	_, err = f.ctrl.Resume(ctx, op.ID, nil)
	var ce *errors.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestLeaseHeldBlocksOperation(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	f := newFixture(t)
	f.issueAll(t)
	require.NoError(t, f.lease.Acquire(ctx, "someone-else", time.Minute))

	_, err := f.ctrl.RenewInPlace(ctx, nil, nil)
	assert.ErrorIs(t, err, errors.ErrLeaseHeld)
	ops, err := f.ctrl.History(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
