// Package lock provides per-blog mutually exclusive slots so at most one
// publish and one sync run against a blog at a time.
package lock

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/schaermu/blogsync/internal/failure"
)

// Locker hands out exclusive slots by key. TryAcquire never waits: a held
// slot yields a failure.CodeBusy error. The returned release func is safe
// to call more than once.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (release func(), err error)
}

// PublishKey is the slot guarding publishes to blogURL.
func PublishKey(blogURL string) string { return "publish:" + blogURL }

// SyncKey is the slot guarding sync check and pull for blogURL.
func SyncKey(blogURL string) string { return "sync:" + blogURL }

// MemoryLocker serializes holders within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryAcquire implements Locker.
func (l *MemoryLocker) TryAcquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, failure.New(failure.CodeBusy, "acquire "+key, "another operation is in progress")
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Open returns a RedisLocker when addr is set and a MemoryLocker otherwise.
// The close func releases the Redis connection pool.
func Open(addr string, logger *slog.Logger) (Locker, func() error) {
	if addr == "" {
		return NewMemoryLocker(), func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedisLocker(client, DefaultTTL, logger), client.Close
}
