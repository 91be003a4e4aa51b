package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/schaermu/blogsync/internal/failure"
)

// DefaultTTL bounds how long a crashed holder can keep a slot.
const DefaultTTL = 2 * time.Minute

const keyPrefix = "blogsync:lock:"

// The holder's token guards both scripts so an expired holder cannot
// release or extend a slot someone else has since taken.
const (
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

	extendScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`
)

// redisClient is the subset of *redis.Client the locker needs.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker shares slots between processes through Redis. A held slot
// is extended in the background until it is released.
type RedisLocker struct {
	client redisClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker on client. Slots expire after ttl unless
// their holder is still alive.
func NewRedisLocker(client redisClient, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

// TryAcquire implements Locker.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, failure.Connection("acquire "+key, fmt.Errorf("failed to setnx %s: %w", redisKey, err))
	}
	if !ok {
		return nil, failure.New(failure.CodeBusy, "acquire "+key, "another operation is in progress")
	}
	l.logger.Debug("acquired slot", "key", key)

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.client.Eval(releaseCtx, releaseScript, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("failed to release slot, it will expire", "key", key, "error", err)
				return
			}
			l.logger.Debug("released slot", "key", key)
		})
	}, nil
}

func (l *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := l.client.Eval(ctx, extendScript, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Warn("failed to extend slot", "key", redisKey, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Warn("slot lost before release", "key", redisKey)
				return
			}
		}
	}
}
