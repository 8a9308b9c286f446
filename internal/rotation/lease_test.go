package rotation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/testutil"
)

func TestMemoryLease(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewMemoryLease()
	l.now = clock.Now

	require.NoError(t, l.Acquire(ctx, "a", time.Minute))
	assert.ErrorIs(t, l.Acquire(ctx, "b", time.Minute), errors.ErrLeaseHeld)
	require.NoError(t, l.Acquire(ctx, "a", time.Minute), "re-entrant for the owner")
	assert.Equal(t, "a", l.Holder())

	assert.ErrorIs(t, l.Refresh(ctx, "b", time.Minute), errors.ErrLeaseHeld)
	require.NoError(t, l.Release(ctx, "b"))
	assert.Equal(t, "a", l.Holder())

	clock.Advance(2 * time.Minute)
	assert.Empty(t, l.Holder())
	require.NoError(t, l.Acquire(ctx, "b", time.Minute), "expired lease can be taken")

	require.NoError(t, l.Release(ctx, "b"))
	assert.Empty(t, l.Holder())
}

func TestRedisLease(t *testing.T) {
	addr := os.Getenv("CERTROTOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CERTROTOR_TEST_REDIS_ADDR not set")
	}
	ctx := testutil.NewTestContext(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	key := "certrotor-test:" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), key) })

	l := NewRedisLease(client, key)
	require.NoError(t, l.Acquire(ctx, "a", time.Minute))
	assert.ErrorIs(t, l.Acquire(ctx, "b", time.Minute), errors.ErrLeaseHeld)
	require.NoError(t, l.Refresh(ctx, "a", time.Minute))
	assert.ErrorIs(t, l.Refresh(ctx, "b", time.Minute), errors.ErrLeaseHeld)

	require.NoError(t, l.Release(ctx, "b"))
	assert.ErrorIs(t, l.Acquire(ctx, "b", time.Minute), errors.ErrLeaseHeld)

	require.NoError(t, l.Release(ctx, "a"))
	require.NoError(t, l.Acquire(ctx, "b", time.Minute))
}
