package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/certrotor/internal/agent/agenttest"
	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/testutil"
)

type pipelineHarness struct {
	p       *Pipeline
	store   ObjectStore
	caDir   string
	cluster *agenttest.Cluster
	clock   *testutil.Clock
	alerts  *recordingAlerter
}

func newPipeline(t *testing.T, enc Encryptor, store ObjectStore, retentionDays int) *pipelineHarness {
	t.Helper()
	ctx := testutil.NewTestContext(t)
	logger := testutil.NewTestLogger(t)

	h := &pipelineHarness{
		store:   store,
		caDir:   newCADir(t),
		cluster: agenttest.NewCluster(agenttest.DataPlaneNodes(3)...),
		clock:   testutil.NewClock(time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)),
		alerts:  &recordingAlerter{},
	}
	h.cluster.SnapshotData = []byte("raft snapshot v1")

	inv := inventory.NewMemory()
	for _, n := range agenttest.DataPlaneNodes(3) {
		require.NoError(t, inv.UpsertNode(ctx, n))
	}

	var err error
	h.p, err = New(Config{
		Cluster:   "test",
		Store:     store,
		Encryptor: enc,
		Sources: []Source{
			NewCASource(h.caDir),
			NewSnapshotSource(h.cluster, h.cluster, inv, false, logger),
		},
		Alerter:       h.alerts,
		Retry:         fastRetry,
		RetentionDays: retentionDays,
		Logger:        logger,
		Now:           h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func newFSPipeline(t *testing.T, enc Encryptor) *pipelineHarness {
	t.Helper()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return newPipeline(t, enc, store, 0)
}

func encryptors(t *testing.T) []Encryptor {
	t.Helper()
	pw, err := NewPasswordEncryptor([]byte("backup-secret"))
	require.NoError(t, err)
	env, err := NewEnvelopeEncryptor(newFakeKMS(), "alias/backup")
	require.NoError(t, err)
	return []Encryptor{NoEncryption{}, pw, env}
}

func TestBackupRestoreCA(t *testing.T) {
	for _, enc := range encryptors(t) {
		t.Run(enc.Method(), func(t *testing.T) {
			ctx := testutil.NewTestContext(t)
			h := newFSPipeline(t, enc)

			a, err := h.p.Backup(ctx, constants.KindCASecrets, false)
			require.NoError(t, err)
			assert.Equal(t, "test/2026/03/test-2026-03-10_04-00-00-snapshot.ca.tar.gz"+enc.Suffix(), a.Key)
			assert.Equal(t, enc.Method(), a.Encryption)
			assert.NotEmpty(t, a.SourceFingerprint)

			sidecar, err := h.store.Get(ctx, a.Key+".sha256")
			require.NoError(t, err)
			assert.Equal(t, a.PlaintextSHA256+"  test-2026-03-10_04-00-00-snapshot.ca.tar.gz\n", string(sidecar))

			latest, err := h.p.Latest(ctx, constants.KindCASecrets)
			require.NoError(t, err)
			assert.Equal(t, a.Key, latest.Key)

			restoreDir := filepath.Join(t.TempDir(), "restored")
			got, err := h.p.Restore(ctx, "latest", NewCADirTarget(restoreDir))
			require.NoError(t, err)
			assert.Equal(t, a.Key, got.Key)

			hash, err := NewCASource(restoreDir).Hash(ctx)
			require.NoError(t, err)
			assert.Equal(t, a.SourceHash, hash)

			assert.Equal(t, []string{"ca-secrets:success"}, h.alerts.all())
		})
	}
}

func TestBackupSkipsUnchangedCA(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	h := newFSPipeline(t, NoEncryption{})

	first, err := h.p.Backup(ctx, constants.KindCASecrets, false)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	again, err := h.p.Backup(ctx, constants.KindCASecrets, false)
	assert.ErrorIs(t, err, ErrUnchanged)
	assert.Equal(t, first.Key, again.Key)

	forced, err := h.p.Backup(ctx, constants.KindCASecrets, true)
	require.NoError(t, err)
	assert.NotEqual(t, first.Key, forced.Key)

	// Any change to the CA tree triggers a new backup.
	require.NoError(t, os.WriteFile(filepath.Join(h.caDir, "config", "extra.yaml"), []byte("x: 1\n"), 0o644))
	h.clock.Advance(time.Minute)
	changed, err := h.p.Backup(ctx, constants.KindCASecrets, false)
	require.NoError(t, err)
	assert.NotEqual(t, forced.SourceHash, changed.SourceHash)

	list, err := h.p.List(ctx, constants.KindCASecrets)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, changed.Key, list[0].Key)
	assert.Equal(t, first.Key, list[2].Key)

	assert.Equal(t, []string{
		"ca-secrets:success",
		"ca-secrets:no-changes",
		"ca-secrets:success",
		"ca-secrets:success",
	}, h.alerts.all())
}

// caDirState captures everything a failed restore must leave untouched.
func caDirState(t *testing.T, dir string) (string, []byte) {
	t.Helper()
	hash, err := NewCASource(dir).Hash(context.Background())
	require.NoError(t, err)
	retired, err := os.ReadFile(filepath.Join(dir, "retired", "gen-0001", "certs", "root_ca.crt"))
	require.NoError(t, err)
	return hash, retired
}

func TestRestoreRejectsCorruptedArtifact(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	enc, err := NewPasswordEncryptor([]byte("backup-secret"))
	require.NoError(t, err)
	h := newFSPipeline(t, enc)

	a, err := h.p.Backup(ctx, constants.KindCASecrets, false)
	require.NoError(t, err)

	target := newCADir(t)
	retired := filepath.Join(target, "retired", "gen-0001", "certs", "root_ca.crt")
	require.NoError(t, os.MkdirAll(filepath.Dir(retired), 0o700))
	require.NoError(t, os.WriteFile(retired, []byte("old root"), 0o644))
	hash, retiredData := caDirState(t, target)

	stored, err := h.store.Get(ctx, a.Key)
	require.NoError(t, err)
	stored[len(stored)-1] ^= 0xff
	require.NoError(t, h.store.Put(ctx, a.Key, stored))

	_, err = h.p.Restore(ctx, a.Key, NewCADirTarget(target))
	assert.True(t, errors.IsIntegrity(err, errors.ChecksumMismatch), "got %v", err)
	gotHash, gotRetired := caDirState(t, target)
	assert.Equal(t, hash, gotHash)
	assert.Equal(t, retiredData, gotRetired)

	// A manifest doctored to match the tampered bytes still fails to decrypt.
	a.StoredSHA256 = sha256Hex(stored)
	manifest, err := json.Marshal(a)
	require.NoError(t, err)
	require.NoError(t, h.store.Put(ctx, manifestKey(a.Key), manifest))

	_, err = h.p.Restore(ctx, a.Key, NewCADirTarget(target))
	assert.True(t, errors.IsIntegrity(err, errors.DecryptionFailed), "got %v", err)
	gotHash, gotRetired = caDirState(t, target)
	assert.Equal(t, hash, gotHash)
	assert.Equal(t, retiredData, gotRetired)

	// Integrity failures are not retried and raise no alert.
	assert.Equal(t, []string{"ca-secrets:success"}, h.alerts.all())
}

func TestRestoreDownloadFailureAlerts(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	client := newFakeS3()
	h := newPipeline(t, NoEncryption{}, NewS3StoreWithClient(client, "bucket", ""), 0)
	_, err := h.p.Backup(ctx, constants.KindDataSnapshot, false)
	require.NoError(t, err)

	client.err = errors.New("connection reset by peer")
	path := filepath.Join(t.TempDir(), "snapshot.db")
	_, err = h.p.Restore(ctx, "latest", NewFileTarget(path, constants.KindDataSnapshot, nil))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.NoFileExists(t, path)
	assert.Equal(t, []string{"data-snapshot:success", "data-snapshot:fail"}, h.alerts.all())
}

func TestRestoreRetriesKeyServiceDecrypt(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	kms := newFakeKMS()
	enc, err := NewEnvelopeEncryptor(kms, "alias/backup")
	require.NoError(t, err)
	h := newFSPipeline(t, enc)
	a, err := h.p.Backup(ctx, constants.KindCASecrets, false)
	require.NoError(t, err)

	kms.decryptFailures = fastRetry.MaxRetries - 1
	kms.decrypts = 0
	_, err = h.p.Restore(ctx, a.Key, NewCADirTarget(filepath.Join(t.TempDir(), "restored")))
	require.NoError(t, err)
	assert.Equal(t, fastRetry.MaxRetries, kms.decrypts)

	kms.err = errors.New("service unavailable")
	kms.decrypts = 0
	restoreDir := filepath.Join(t.TempDir(), "again")
	_, err = h.p.Restore(ctx, a.Key, NewCADirTarget(restoreDir))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, fastRetry.MaxRetries, kms.decrypts)
	assert.NoDirExists(t, restoreDir)
	assert.Equal(t, []string{"ca-secrets:success", "ca-secrets:fail"}, h.alerts.all())
}

func TestRestoreWrongPassword(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	enc, err := NewPasswordEncryptor([]byte("backup-secret"))
	require.NoError(t, err)
	h := newFSPipeline(t, enc)
	a, err := h.p.Backup(ctx, constants.KindCASecrets, false)
	require.NoError(t, err)

	wrong, err := NewPasswordEncryptor([]byte("not-it"))
	require.NoError(t, err)
	other, err := New(Config{Cluster: "test", Store: h.store, Encryptor: wrong, Retry: fastRetry, Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)

	target := newCADir(t)
	before, err := NewCASource(target).Hash(ctx)
	require.NoError(t, err)

	_, err = other.Restore(ctx, a.Key, NewCADirTarget(target))
	assert.True(t, errors.IsIntegrity(err, errors.DecryptionFailed), "got %v", err)

	after, err := NewCASource(target).Hash(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRestoreFingerprintMismatch(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	h := newFSPipeline(t, NoEncryption{})
	a, err := h.p.Backup(ctx, constants.KindCASecrets, false)
	require.NoError(t, err)

	a.SourceFingerprint = "00ff"
	manifest, err := json.Marshal(a)
	require.NoError(t, err)
	require.NoError(t, h.store.Put(ctx, manifestKey(a.Key), manifest))

	restoreDir := filepath.Join(t.TempDir(), "restored")
	_, err = h.p.Restore(ctx, a.Key, NewCADirTarget(restoreDir))
	assert.True(t, errors.IsIntegrity(err, errors.FingerprintMismatch), "got %v", err)
	assert.NoDirExists(t, restoreDir)
}

func TestRestoreKeepsRetiredGenerations(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	h := newFSPipeline(t, NoEncryption{})
	a, err := h.p.Backup(ctx, constants.KindCASecrets, false)
	require.NoError(t, err)

	target := newCADir(t)
	retired := filepath.Join(target, "retired", "gen-0001", "certs", "root_ca.crt")
	require.NoError(t, os.MkdirAll(filepath.Dir(retired), 0o700))
	require.NoError(t, os.WriteFile(retired, []byte("old root"), 0o644))

	_, err = h.p.Restore(ctx, a.Key, NewCADirTarget(target))
	require.NoError(t, err)

	hash, err := NewCASource(target).Hash(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.SourceHash, hash)
	assert.FileExists(t, retired)
}

func TestRestoreKindMismatch(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	h := newFSPipeline(t, NoEncryption{})
	a, err := h.p.Backup(ctx, constants.KindCASecrets, false)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "snapshot.db")
	_, err = h.p.Restore(ctx, a.Key, NewFileTarget(path, constants.KindDataSnapshot, nil))
	var ce *errors.ConfigError
	assert.ErrorAs(t, err, &ce)
	assert.NoFileExists(t, path)

	_, err = h.p.Restore(ctx, "latest", NewFileTarget(path, constants.KindDataSnapshot, nil))
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestSnapshotBackupRestoreOverS3(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	enc, err := NewEnvelopeEncryptor(newFakeKMS(), "alias/backup")
	require.NoError(t, err)
	client := newFakeS3()
	h := newPipeline(t, enc, NewS3StoreWithClient(client, "bucket", "certrotor"), 0)

	a, err := h.p.Backup(ctx, constants.KindDataSnapshot, false)
	require.NoError(t, err)
	assert.Equal(t, "n1", a.SourceNode)
	assert.True(t, a.Online)
	assert.Contains(t, client.keys(), "certrotor/"+a.Key)
	assert.Contains(t, client.keys(), "certrotor/test/latest-data-snapshot.json")

	path := filepath.Join(t.TempDir(), "restore", "snapshot.db")
	_, err = h.p.Restore(ctx, "latest", NewFileTarget(path, constants.KindDataSnapshot, nil))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "raft snapshot v1", string(data))
}

func TestBackupFailureAlerts(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	client := newFakeS3()
	h := newPipeline(t, NoEncryption{}, NewS3StoreWithClient(client, "bucket", ""), 0)
	client.err = errors.New("connection reset by peer")

	_, err := h.p.Backup(ctx, constants.KindDataSnapshot, false)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, []string{"data-snapshot:fail"}, h.alerts.all())

	_, err = h.p.Backup(ctx, "bogus", false)
	var ce *errors.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestPruneRetention(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	h := newPipeline(t, NoEncryption{}, store, 30)

	old, err := h.p.Backup(ctx, constants.KindDataSnapshot, false)
	require.NoError(t, err)
	oldCA, err := h.p.Backup(ctx, constants.KindCASecrets, false)
	require.NoError(t, err)

	h.clock.Advance(40 * 24 * time.Hour)
	fresh, err := h.p.Backup(ctx, constants.KindDataSnapshot, false)
	require.NoError(t, err)

	list, err := h.p.List(ctx, constants.KindDataSnapshot)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fresh.Key, list[0].Key)

	for _, key := range []string{old.Key, checksumKey(old.Key), manifestKey(old.Key)} {
		_, err := store.Get(ctx, key)
		assert.ErrorIs(t, err, ErrObjectNotFound, key)
	}

	// Other kinds are pruned on their own schedule.
	_, err = store.Get(ctx, oldCA.Key)
	assert.NoError(t, err)
	n, err := h.p.Prune(ctx, constants.KindCASecrets)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The latest pointer survives even when its artifact expired.
	latest, err := h.p.Latest(ctx, constants.KindCASecrets)
	require.NoError(t, err)
	assert.Equal(t, oldCA.Key, latest.Key)
}

func TestDecryptDetectsMethod(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	enc, err := NewPasswordEncryptor([]byte("backup-secret"))
	require.NoError(t, err)
	h := newFSPipeline(t, enc)

	a, err := h.p.Backup(ctx, constants.KindDataSnapshot, false)
	require.NoError(t, err)
	stored, err := h.store.Get(ctx, a.Key)
	require.NoError(t, err)

	plain, err := h.p.Decrypt(ctx, filepath.Base(a.Key), stored)
	require.NoError(t, err)
	assert.Equal(t, "raft snapshot v1", string(plain))
}
