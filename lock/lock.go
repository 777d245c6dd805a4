// Package lock implements the best-effort scheduler lease on Redis. The
// lease keeps concurrent scheduler replicas from doing duplicate work; it is
// not load-bearing for correctness, which rests on the store's
// compare-and-swap transitions and the bus's duplicate suppression.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// renewScript extends the TTL only when the caller still owns the key.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// Lease is a single named lock with an owner token, so a replica can never
// release or renew a lease a slower replica lost and another picked up.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	owner  string
}

// New returns an unacquired lease on key with the given TTL.
func New(client *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		ttl:    ttl,
		owner:  uuid.NewString(),
	}
}

// Acquire tries to take the lease. It does not block; false means another
// owner holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

// Renew extends the TTL if this instance still owns the lease.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release drops the lease if this instance still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
