package runlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLocker holds run locks as SET NX keys with a TTL, so a crashed worker
// loses the lock after ttl. Phases extend the lease once per batch.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, runID string) (Lease, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate lock token: %w", err)
	}
	lease := &redisLease{
		client: l.client,
		key:    "migration:run-lock:" + runID,
		token:  hex.EncodeToString(b),
		ttl:    l.ttl,
	}
	ok, err := l.client.SetNX(ctx, lease.key, lease.token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", runID, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return lease, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

func (r *redisLease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, r.client, []string{r.key}, r.token, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend run lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Result(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}
