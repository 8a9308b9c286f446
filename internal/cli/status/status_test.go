package status

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/certrotor/internal/ca"
	"github.com/coral-mesh/certrotor/internal/health"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/seal"
	"github.com/coral-mesh/certrotor/internal/testutil"
)

func TestMain(m *testing.M) {
	seal.DefaultParams = seal.Params{Time: 1, Memory: 1024, Threads: 1}
	os.Exit(m.Run())
}

type fakeProbe map[string]health.Status

func (p fakeProbe) Health(_ context.Context, endpoints []string) (health.Status, error) {
	s, ok := p[endpoints[0]]
	if !ok {
		return health.Unhealthy, errors.New("connection refused")
	}
	return s, nil
}

func newProvider(t *testing.T, bootstrap bool) (*Provider, *inventory.Memory) {
	t.Helper()
	ctx := testutil.NewTestContext(t)
	store := ca.New(filepath.Join(t.TempDir(), "ca"), ca.Options{Cluster: "prod", Logger: testutil.NewTestLogger(t)})
	if bootstrap {
		_, err := store.Bootstrap(ctx, ca.PasswordConfig{Root: []byte("r"), Intermediate: []byte("i")})
		require.NoError(t, err)
	}

	inv := inventory.NewMemory()
	for _, n := range []pki.NodeIdentity{
		{Name: "n1", HealthEndpoint: "http://n1", DataPlane: true, CARole: pki.CARolePrimary},
		{Name: "n2", HealthEndpoint: "http://n2", DataPlane: true, CARole: pki.CARoleBackup},
		{Name: "n3", HealthEndpoint: "http://n3", DataPlane: true},
		{Name: "ctl", CARole: pki.CARoleNone},
	} {
		require.NoError(t, inv.UpsertNode(ctx, n))
	}

	return &Provider{
		Cluster:   "prod",
		CA:        store,
		Inventory: inv,
		Probe:     fakeProbe{"http://n1": health.Healthy, "http://n2": health.Healthy},
		Timeout:   time.Second,
		Logger:    testutil.NewTestLogger(t),
		Now:       func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) },
	}, inv
}

func TestCollect(t *testing.T) {
	p, inv := newProvider(t, true)
	ctx := testutil.NewTestContext(t)

	now := p.Now()
	require.NoError(t, inv.RecordIssued(ctx, &pki.LeafCertificate{
		Node: "n1", Class: pki.ClassServer, Serial: "01",
		NotBefore: now.Add(-time.Hour), NotAfter: now.Add(50 * time.Hour),
		IssuerFingerprint: "old",
	}))

	r, err := p.Collect(ctx, 10)
	require.NoError(t, err)

	assert.True(t, r.CA.Initialized)
	assert.Equal(t, 1, r.CA.Generation)
	assert.Zero(t, r.CA.Retired)

	require.Len(t, r.Nodes, 4)
	byName := map[string]NodeInfo{}
	for _, n := range r.Nodes {
		byName[n.Name] = n
	}
	assert.Equal(t, health.Healthy, byName["n1"].Health)
	assert.Equal(t, health.Unhealthy, byName["n3"].Health)
	assert.Contains(t, byName["n3"].Error, "connection refused")
	assert.Equal(t, "no health endpoint", byName["ctl"].Error)

	// Two of three data-plane members cannot lose another one.
	assert.Equal(t, 3, r.Quorum.Total)
	assert.Equal(t, 2, r.Quorum.Healthy)
	assert.Equal(t, health.Unhealthy, r.Quorum.Status)
	assert.Equal(t, []string{"n3"}, r.Quorum.Unhealthy)

	require.Len(t, r.Certificates, 1)
	c := r.Certificates[0]
	assert.Equal(t, "2d 2h", c.Remaining)
	assert.False(t, c.Expired)
	assert.True(t, c.Stale)
	assert.Empty(t, r.Operations)
}

func TestCollectUninitializedCA(t *testing.T) {
	p, _ := newProvider(t, false)

	r, err := p.Collect(testutil.NewTestContext(t), 10)
	require.NoError(t, err)
	assert.False(t, r.CA.Initialized)
	assert.Len(t, r.Nodes, 4)

	var buf bytes.Buffer
	require.NoError(t, OutputTable(&buf, r, false))
	assert.Contains(t, buf.String(), "not initialized")
	assert.Contains(t, buf.String(), "AT RISK")
}

func TestOutputTable(t *testing.T) {
	p, _ := newProvider(t, true)
	p.Probe = fakeProbe{"http://n1": health.Healthy, "http://n2": health.Healthy, "http://n3": health.Healthy}

	r, err := p.Collect(testutil.NewTestContext(t), 10)
	require.NoError(t, err)
	r.Version = "v1.2.3"

	var buf bytes.Buffer
	require.NoError(t, OutputTable(&buf, r, true))
	out := buf.String()
	assert.Contains(t, out, "Cluster prod")
	assert.Contains(t, out, "generation 1")
	assert.Contains(t, out, r.CA.RootFingerprint)
	assert.Contains(t, out, "3/3 data-plane members healthy (ok)")
	assert.Contains(t, out, "certrotor v1.2.3")
	assert.Contains(t, out, "CA ROLE")
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{15*time.Minute + 30*time.Second, "15m 30s"},
		{5*time.Hour + 20*time.Minute, "5h 20m"},
		{51 * time.Hour, "2d 3h"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatRemaining(tt.d))
	}
	assert.Equal(t, "expired", remaining(-time.Minute))
}
