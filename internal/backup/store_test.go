package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/certrotor/internal/errors"
)

func exerciseStore(t *testing.T, store ObjectStore) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "c/2026/03/b.db", []byte("b")))
	require.NoError(t, store.Put(ctx, "c/2026/03/a.db", []byte("a")))
	require.NoError(t, store.Put(ctx, "c/latest.json", []byte("{}")))
	require.NoError(t, store.Put(ctx, "other/x.db", []byte("x")))

	got, err := store.Get(ctx, "c/2026/03/a.db")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	_, err = store.Get(ctx, "c/missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	objs, err := store.List(ctx, "c/")
	require.NoError(t, err)
	var keys []string
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"c/2026/03/a.db", "c/2026/03/b.db", "c/latest.json"}, keys)
	assert.EqualValues(t, 1, objs[0].Size)

	require.NoError(t, store.Delete(ctx, "c/2026/03/a.db"))
	require.NoError(t, store.Delete(ctx, "c/2026/03/a.db"))
	_, err = store.Get(ctx, "c/2026/03/a.db")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestFSStore(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	require.NoError(t, err)
	exerciseStore(t, store)

	info, err := os.Stat(filepath.Join(root, "c", "2026", "03", "b.db"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, store.Delete(context.Background(), "c/2026/03/b.db"))
	assert.NoDirExists(t, filepath.Join(root, "c", "2026"))
	assert.DirExists(t, filepath.Join(root, "c"))
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, store.Put(ctx, "../escape", []byte("x")))
	_, err = store.Get(ctx, "/etc/passwd")
	assert.Error(t, err)

	_, err = NewFSStore("")
	var ce *errors.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestS3Store(t *testing.T) {
	client := newFakeS3()
	store := NewS3StoreWithClient(client, "bucket", "/backups/")
	exerciseStore(t, store)

	assert.Contains(t, client.keys(), "backups/c/2026/03/b.db")
	assert.Contains(t, client.keys(), "backups/other/x.db")
}

func TestS3StoreUnavailableIsTransient(t *testing.T) {
	client := newFakeS3()
	client.err = errors.New("connection reset by peer")
	store := NewS3StoreWithClient(client, "bucket", "")
	ctx := context.Background()

	err := store.Put(ctx, "k", []byte("v"))
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)

	_, err = store.Get(ctx, "k")
	assert.True(t, errors.IsTransient(err))

	_, err = store.List(ctx, "")
	assert.True(t, errors.IsTransient(err))
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{})
	var ce *errors.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "backup.bucket", ce.Field)
}
