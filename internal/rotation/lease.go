package rotation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
)

// Lease guarantees at most one operation in flight cluster-wide.
type Lease interface {
	// Acquire takes the lease for owner or fails with errors.ErrLeaseHeld.
	Acquire(ctx context.Context, owner string, ttl time.Duration) error
	// Refresh extends a lease held by owner.
	Refresh(ctx context.Context, owner string, ttl time.Duration) error
	// Release gives up a lease held by owner. Releasing a lease owned by
	// someone else is a no-op.
	Release(ctx context.Context, owner string) error
}

// MemoryLease is a process-local lease.
type MemoryLease struct {
	mu      sync.Mutex
	owner   string
	expires time.Time
	now     func() time.Time
}

// NewMemoryLease creates an unheld lease.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{now: time.Now}
}

func (l *MemoryLease) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" && l.owner != owner && l.now().Before(l.expires) {
		return fmt.Errorf("%w: %s", errors.ErrLeaseHeld, l.owner)
	}
	l.owner = owner
	l.expires = l.now().Add(ttl)
	return nil
}

func (l *MemoryLease) Refresh(ctx context.Context, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != owner {
		return fmt.Errorf("%w: lease lost", errors.ErrLeaseHeld)
	}
	l.expires = l.now().Add(ttl)
	return nil
}

func (l *MemoryLease) Release(ctx context.Context, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.owner = ""
	}
	return nil
}

// Holder returns the current owner, if the lease is held.
func (l *MemoryLease) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == "" || !l.now().Before(l.expires) {
		return ""
	}
	return l.owner
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLease shares the lease between controllers through Redis.
type RedisLease struct {
	client redis.UniversalClient
	key    string
}

// NewRedisLease creates a lease stored under key, or constants.LeaseKey when empty.
func NewRedisLease(client redis.UniversalClient, key string) *RedisLease {
	if key == "" {
		key = constants.LeaseKey
	}
	return &RedisLease{client: client, key: key}
}

func (l *RedisLease) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, owner, ttl).Result()
	if err != nil {
		return errors.Transient("lease acquire", err)
	}
	if ok {
		return nil
	}
	holder, err := l.client.Get(ctx, l.key).Result()
	if err == nil && holder == owner {
		return l.Refresh(ctx, owner, ttl)
	}
	return fmt.Errorf("%w: %s", errors.ErrLeaseHeld, holder)
}

func (l *RedisLease) Refresh(ctx context.Context, owner string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.Transient("lease refresh", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: lease lost", errors.ErrLeaseHeld)
	}
	return nil
}

func (l *RedisLease) Release(ctx context.Context, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, owner).Err(); err != nil {
		return errors.Transient("lease release", err)
	}
	return nil
}
