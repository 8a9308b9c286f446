package ca

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
)

type fakeReplicator struct {
	mu       sync.Mutex
	replicas map[string]*pki.CABundle
	// stale is the number of polls that still report the previous bundle.
	stale    int
	previous pki.CAFingerprints
	corrupt  bool
	pushErrs int
}

func newFakeReplicator() *fakeReplicator {
	return &fakeReplicator{replicas: make(map[string]*pki.CABundle)}
}

func (f *fakeReplicator) ReplicateCA(ctx context.Context, node pki.NodeIdentity, bundle *pki.CABundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErrs > 0 {
		f.pushErrs--
		return errors.Transient("push", errors.New("connection reset"))
	}
	f.replicas[node.Name] = bundle
	return nil
}

func (f *fakeReplicator) CAFingerprint(ctx context.Context, node pki.NodeIdentity) (pki.CAFingerprints, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stale > 0 {
		f.stale--
		return f.previous, nil
	}
	if f.corrupt {
		return pki.CAFingerprints{Root: "ffff", Intermediate: "ffff"}, nil
	}
	b, ok := f.replicas[node.Name]
	if !ok {
		return pki.CAFingerprints{}, nil
	}
	return b.Fingerprints()
}

var backupHolder = pki.NodeIdentity{Name: "ca-2", CARole: pki.CARoleBackup}

func primaryWith(t *testing.T, repl Replicator) *Store {
	t.Helper()
	s := newStore(t, filepath.Join(t.TempDir(), "ca"), repl)
	_, err := s.Bootstrap(context.Background(), passwords("1"))
	require.NoError(t, err)
	return s
}

func TestReplicate(t *testing.T) {
	repl := newFakeReplicator()
	repl.pushErrs = 1
	s := primaryWith(t, repl)

	require.NoError(t, s.Replicate(context.Background(), backupHolder))

	b := repl.replicas["ca-2"]
	require.NotNil(t, b)
	assert.Equal(t, 1, b.Generation)
	assert.Contains(t, b.Paths(), pki.RootKeyPath)
	fps, err := b.Fingerprints()
	require.NoError(t, err)
	assert.Equal(t, s.active.Fingerprints(), fps)
}

func TestReplicate_WaitsForConvergenceAfterRotate(t *testing.T) {
	repl := newFakeReplicator()
	s := primaryWith(t, repl)
	require.NoError(t, s.Replicate(context.Background(), backupHolder))
	repl.previous = s.active.Fingerprints()

	_, err := s.Rotate(context.Background(), passwords("2"))
	require.NoError(t, err)

	repl.stale = 2
	require.NoError(t, s.Replicate(context.Background(), backupHolder))
	assert.Equal(t, 2, repl.replicas["ca-2"].Generation)
}

func TestReplicate_NeverConverges(t *testing.T) {
	repl := newFakeReplicator()
	s := primaryWith(t, repl)
	require.NoError(t, s.Replicate(context.Background(), backupHolder))
	repl.previous = s.active.Fingerprints()
	_, err := s.Rotate(context.Background(), passwords("2"))
	require.NoError(t, err)

	repl.stale = 100
	err = s.Replicate(context.Background(), backupHolder)
	assert.True(t, errors.IsIntegrity(err, errors.FingerprintMismatch), "got %v", err)
}

func TestReplicate_MismatchIsFatal(t *testing.T) {
	repl := newFakeReplicator()
	repl.corrupt = true
	s := primaryWith(t, repl)

	err := s.Replicate(context.Background(), backupHolder)
	var ie *errors.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, errors.FingerprintMismatch, ie.Kind)
	assert.Equal(t, "ffff", ie.Actual)
}

func TestReplicate_RefusesPrimary(t *testing.T) {
	s := primaryWith(t, newFakeReplicator())
	err := s.Replicate(context.Background(), pki.NodeIdentity{Name: "ca-1", CARole: pki.CARolePrimary})
	assert.Error(t, err)
}
