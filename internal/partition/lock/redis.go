package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var errLockHeld = errors.New("partition lock held elsewhere")

// RedisLocker layers a Redis SET NX lease on top of an in-process Locker so
// processes that share the row store but not PostgreSQL advisory locks
// still serialize. The lease expires after ttl if its holder dies.
type RedisLocker struct {
	local  Locker
	client redis.UniversalClient
	script *redis.Script
	prefix string
	ttl    time.Duration
	// poll bounds the wait between SET NX attempts while another process holds the key.
	poll time.Duration
}

func NewRedisLocker(local Locker, client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		local:  local,
		client: client,
		script: redis.NewScript(releaseScript),
		prefix: prefix,
		ttl:    ttl,
		poll:   2 * time.Second,
	}
}

func (l *RedisLocker) Key(key string) string {
	return l.prefix + ":lock:" + key
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errors.New("lock key is empty")
	}
	if l.ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	releaseLocal, err := l.local.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := l.Key(key)
	token := uuid.NewString()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = l.poll
	bo.MaxElapsedTime = 0

	err = backoff.Retry(func() error {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		releaseLocal()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("redis lock %s: %w", redisKey, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = l.script.Run(context.Background(), l.client, []string{redisKey}, token).Err()
			releaseLocal()
		})
	}, nil
}
