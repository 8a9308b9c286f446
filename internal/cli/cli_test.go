package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clibackup "github.com/coral-mesh/certrotor/internal/cli/backup"
	"github.com/coral-mesh/certrotor/internal/cli/helpers"
	"github.com/coral-mesh/certrotor/internal/cli/rotate"
	"github.com/coral-mesh/certrotor/internal/cli/status"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/health"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/rotation"
	"github.com/coral-mesh/certrotor/internal/seal"
	"github.com/coral-mesh/certrotor/pkg/version"
)

func TestMain(m *testing.M) {
	seal.DefaultParams = seal.Params{Time: 1, Memory: 1024, Threads: 1}
	os.Exit(m.Run())
}

type cluster struct {
	t       *testing.T
	dir     string
	config  string
	healthy atomic.Bool
}

// newCluster writes a config for three data-plane members and a backup CA
// holder, all answering health checks from one test server.
func newCluster(t *testing.T) *cluster {
	t.Helper()
	c := &cluster{t: t, dir: t.TempDir()}
	c.healthy.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.healthy.Load() || r.URL.Query().Get("node") != "n3" {
			_, _ = w.Write([]byte(`{"health":"true"}`))
			return
		}
		_, _ = w.Write([]byte(`{"health":"false","reason":"raft: no leader"}`))
	}))
	t.Cleanup(srv.Close)

	var nodes strings.Builder
	for _, n := range []string{"n1", "n2", "n3"} {
		fmt.Fprintf(&nodes, "  - name: %s\n    addresses: [%s.example.internal]\n    health_endpoint: %s/health?node=%s\n", n, n, srv.URL, n)
	}
	fmt.Fprintf(&nodes, "  - name: ca-2\n    data_plane: false\n    ca_role: backup\n    health_endpoint: %s/health?node=ca-2\n", srv.URL)

	cfg := fmt.Sprintf(`cluster: test
state_dir: %s
metrics_addr: ""
logging:
  level: error
nodes:
%shealth:
  probe_timeout: 1s
  poll_retries: 3
  poll_backoff: 10ms
retry:
  max_retries: 2
  initial_backoff: 1ms
`, c.dir, nodes.String())
	c.config = filepath.Join(c.dir, "certrotor.yaml")
	require.NoError(t, os.WriteFile(c.config, []byte(cfg), 0o600))

	t.Setenv(helpers.EnvRootPassword, "root-secret")
	t.Setenv(helpers.EnvIntermediatePassword, "intermediate-secret")
	return c
}

func (c *cluster) run(args ...string) (string, string, error) {
	c.t.Helper()
	cmd := NewRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", c.config}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func (c *cluster) mustRun(args ...string) string {
	c.t.Helper()
	out, stderr, err := c.run(args...)
	require.NoError(c.t, err, "certrotor %s: %s", strings.Join(args, " "), stderr)
	return out
}

func decode[T any](t *testing.T, data string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(data), &v), data)
	return v
}

func TestLifecycle(t *testing.T) {
	c := newCluster(t)

	assert.Contains(t, c.mustRun("config", "validate"), "is valid")
	assert.Contains(t, c.mustRun("ca", "bootstrap"), "Root fingerprint:")

	_, _, err := c.run("ca", "bootstrap")
	assert.Equal(t, ExitConfig, ExitCode(err))

	nodes := decode[[]pki.NodeIdentity](t, c.mustRun("node", "list", "-o", "json"))
	require.Len(t, nodes, 4)

	res := decode[rotate.Result](t, c.mustRun("regenerate-node-certs", "--all", "-o", "json"))
	assert.Equal(t, rotation.OutcomeSuccess, res.Outcome)
	require.Len(t, res.PerNodeStatus, 4)
	for _, n := range res.PerNodeStatus {
		assert.Equal(t, rotation.NodeCompleted, n.Status, n.Node)
		assert.Len(t, n.Serials, 3)
	}
	assert.Equal(t, "ca-2", res.PerNodeStatus[3].Node)

	renewed := decode[rotate.Result](t, c.mustRun("renew-in-place", "--node", "n1", "--class", "server", "-o", "json"))
	assert.Equal(t, rotation.OutcomeSuccess, renewed.Outcome)
	assert.Equal(t, []string{"n1"}, renewed.Scope)

	report := decode[status.Report](t, c.mustRun("status", "-o", "json"))
	assert.True(t, report.CA.Initialized)
	assert.Equal(t, health.Healthy, report.Quorum.Status)
	assert.Len(t, report.Certificates, 12)
	assert.Len(t, report.Operations, 2)
	assert.Equal(t, version.Version, report.Version)

	table := c.mustRun("status")
	assert.Contains(t, table, "3/3 data-plane members healthy (ok)")

	assert.Contains(t, c.mustRun("ca", "replicate"), "Replicated CA to ca-2")

	ops := decode[[]*rotation.Operation](t, c.mustRun("operations", "-o", "json"))
	require.Len(t, ops, 2)
	one := decode[rotate.Result](t, c.mustRun("operations", ops[0].ID, "-o", "json"))
	assert.Equal(t, ops[0].ID, one.Operation)
}

func TestBackupAndRestore(t *testing.T) {
	c := newCluster(t)
	c.mustRun("ca", "bootstrap")

	arts := decode[clibackup.Artifacts](t, c.mustRun("backup", "-o", "json"))
	require.Len(t, arts, 1)
	assert.Equal(t, "ca-secrets", arts[0].Kind)

	_, stderr, err := c.run("backup")
	require.NoError(t, err)
	assert.Contains(t, stderr, "No changes")

	listed := decode[clibackup.Artifacts](t, c.mustRun("backup", "list", "-o", "json"))
	assert.Len(t, listed, 1)

	target := filepath.Join(c.dir, "restored")
	c.mustRun("restore", "--target", target)
	assert.FileExists(t, filepath.Join(target, "config", "ca.yaml"))

	_, _, err = c.run("restore", "--kind", "data-snapshot")
	assert.Equal(t, ExitConfig, ExitCode(err))
}

func TestRegenerateCA(t *testing.T) {
	c := newCluster(t)
	c.mustRun("ca", "bootstrap")
	before := decode[status.Report](t, c.mustRun("status", "-o", "json"))

	res := decode[rotate.Result](t, c.mustRun("regenerate-ca", "-o", "json"))
	assert.Equal(t, rotation.OutcomeSuccess, res.Outcome)
	assert.NotEmpty(t, res.NewCAFingerprint)
	assert.NotEqual(t, before.CA.RootFingerprint, res.NewCAFingerprint)

	after := decode[status.Report](t, c.mustRun("status", "-o", "json"))
	assert.Equal(t, 2, after.CA.Generation)
	assert.Equal(t, 1, after.CA.Retired)
	for _, cert := range after.Certificates {
		assert.False(t, cert.Stale, cert.Node)
	}

	// The retired CA was backed up before the rotation.
	listed := decode[clibackup.Artifacts](t, c.mustRun("backup", "list", "-o", "json"))
	require.Len(t, listed, 1)
	assert.Equal(t, before.CA.RootFingerprint, listed[0].SourceFingerprint)
}

func TestResumeRegenerateCAWithNewPasswords(t *testing.T) {
	c := newCluster(t)
	c.mustRun("ca", "bootstrap")
	c.healthy.Store(false)

	out, _, err := c.run("regenerate-ca", "-o", "json")
	assert.Equal(t, ExitQuorumRisk, ExitCode(err))
	failed := decode[rotate.Result](t, out)
	assert.Empty(t, failed.NewCAFingerprint)

	rootFile := filepath.Join(c.dir, "root.pw")
	intFile := filepath.Join(c.dir, "intermediate.pw")
	require.NoError(t, os.WriteFile(rootFile, []byte("root-rotated\n"), 0o600))
	require.NoError(t, os.WriteFile(intFile, []byte("intermediate-rotated\n"), 0o600))

	c.healthy.Store(true)
	res := decode[rotate.Result](t, c.mustRun("resume", failed.Operation,
		"--root-password-file", rootFile, "--intermediate-password-file", intFile, "-o", "json"))
	assert.Equal(t, rotation.OutcomeSuccess, res.Outcome)
	assert.Equal(t, failed.Operation, res.ResumedFrom)
	assert.NotEmpty(t, res.NewCAFingerprint)

	// The new hierarchy is sealed with the passwords given to resume.
	_, _, err = c.run("renew-in-place", "--node", "n1")
	require.Error(t, err)
	t.Setenv(helpers.EnvRootPassword, "root-rotated")
	t.Setenv(helpers.EnvIntermediatePassword, "intermediate-rotated")
	c.mustRun("renew-in-place", "--node", "n1")

	listed := decode[clibackup.Artifacts](t, c.mustRun("backup", "list", "-o", "json"))
	assert.Len(t, listed, 1)
}

func TestQuorumRiskBlocksRollout(t *testing.T) {
	c := newCluster(t)
	c.mustRun("ca", "bootstrap")
	c.healthy.Store(false)

	_, _, err := c.run("regenerate-node-certs", "--all")
	require.Error(t, err)
	assert.Equal(t, ExitQuorumRisk, ExitCode(err))

	report := decode[status.Report](t, c.mustRun("status", "-o", "json"))
	assert.Empty(t, report.Certificates)

	// Forced, the healthy member is rotated and the risk is on record.
	res := decode[rotate.Result](t, c.mustRun("regenerate-node-certs", "--node", "n1", "--force", "-o", "json"))
	assert.Equal(t, rotation.OutcomeSuccess, res.Outcome)
	assert.Contains(t, res.ForcedRisk, "unhealthy members [n3]")
}

func TestScopeFlagsRequired(t *testing.T) {
	c := newCluster(t)
	c.mustRun("ca", "bootstrap")

	_, _, err := c.run("renew-in-place")
	var ce *errors.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "scope", ce.Field)
}

func TestVersion(t *testing.T) {
	c := newCluster(t)
	info := decode[version.Info](t, c.mustRun("version", "-o", "json"))
	assert.Equal(t, version.Version, info.Version)
	assert.Contains(t, c.mustRun("version"), "certrotor version")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitError, ExitCode(errors.New("boom")))
	assert.Equal(t, ExitConfig, ExitCode(fmt.Errorf("x: %w", errors.Configf("a", "b"))))
	assert.Equal(t, ExitQuorumRisk, ExitCode(&errors.QuorumRiskError{Healthy: 1, Total: 3}))
	assert.Equal(t, ExitIntegrity, ExitCode(&errors.IntegrityError{Kind: errors.ChecksumMismatch}))
}
