package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-appointments/internal/lock"
)

const (
	minRetryDelay = 5 * time.Millisecond
	maxRetryDelay = 50 * time.Millisecond
)

type redisKeyLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLocker creates a locker that uses one Redis key per lock key.
// Contended callers poll until ctx is done.
func NewRedisLocker(client *redis.Client, ttl time.Duration) lock.Locker {
	return &redisKeyLocker{
		client: client,
		ttl:    ttl,
		prefix: "lock:",
	}
}

func (l *redisKeyLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	redisKey := l.prefix + key
	token := uuid.NewString()

	if err := l.acquire(ctx, redisKey, token); err != nil {
		return err
	}

	defer func() {
		// release must run even if ctx was cancelled inside fn
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = l.release(releaseCtx, redisKey, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisKeyLocker) acquire(ctx context.Context, key, token string) error {
	delay := minRetryDelay
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %v", lock.ErrNotAcquired, key, ctx.Err())
			}
			// an unreachable Redis is a lock we could not take
			return fmt.Errorf("%w: %s: %v", lock.ErrNotAcquired, key, err)
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %v", lock.ErrNotAcquired, key, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisKeyLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
