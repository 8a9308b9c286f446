package helpers

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/certrotor/internal/config"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/testutil"
)

func appConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Cluster = "test"
	cfg.StateDir = dir
	cfg.Inventory = filepath.Join(dir, "inventory.duckdb")
	cfg.CA.Dir = filepath.Join(dir, "ca")
	cfg.Nodes = []config.NodeConfig{{Name: "n1", Addresses: []string{"10.0.0.1"}}}
	return cfg
}

func TestNewApp_SharedInventory(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	cfg := appConfig(t)

	app, err := NewApp(ctx, cfg, &bytes.Buffer{}, WithSharedInventory())
	require.NoError(t, err)
	defer app.Close()
	require.IsType(t, &inventory.OnDemand{}, app.Inventory)

	// Another command opens the file while the app is alive.
	other, err := inventory.OpenDuckDB(cfg.Inventory, testutil.NewTestLogger(t))
	require.NoError(t, err)
	nodes, err := other.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].Name)
	require.NoError(t, other.UpsertNode(ctx, pki.NodeIdentity{Name: "n2", Addresses: []string{"10.0.0.2"}, DataPlane: true, CARole: pki.CARoleNone}))
	require.NoError(t, other.Close())

	nodes, err = app.Nodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestNewApp_ExclusiveInventory(t *testing.T) {
	ctx := testutil.NewTestContext(t)

	app, err := NewApp(ctx, appConfig(t), &bytes.Buffer{})
	require.NoError(t, err)
	defer app.Close()
	assert.IsType(t, &inventory.DuckDB{}, app.Inventory)
}
