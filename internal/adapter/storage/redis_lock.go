package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	defaultLockLease = 30 * time.Second
	defaultLockRetry = 100 * time.Millisecond
)

// Deletes the key only while it still holds this owner's token, so an expired
// lease never removes a lock taken over by another process.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (r *RedisLocker) Acquire(ctx context.Context, resource string, opts port.LockOptions) (port.Lease, error) {
	if opts.Lease <= 0 {
		opts.Lease = defaultLockLease
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultLockRetry
	}

	token := uuid.NewString()
	deadline := time.Now().Add(opts.MaxWait)

	for {
		ok, err := r.client.SetNX(ctx, resource, token, opts.Lease).Result()
		if err != nil {
			return nil, fmt.Errorf("set lock %s: %w", resource, err)
		}
		if ok {
			return &redisLease{client: r.client, key: resource, token: token, acquired: true}, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return &redisLease{key: resource}, nil
		}

		timer := time.NewTimer(min(opts.RetryInterval, wait))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

type redisLease struct {
	client   *redis.Client
	key      string
	token    string
	acquired bool
	released bool
}

func (l *redisLease) Acquired() bool { return l.acquired }

func (l *redisLease) Release(ctx context.Context) error {
	if !l.acquired || l.released {
		return nil
	}
	l.released = true

	deleted, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if deleted == 0 {
		return fmt.Errorf("release lock %s: lease expired before release", l.key)
	}
	return nil
}
