// Package lock provides the per-scan mutual exclusion used by ingestion.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLocked is returned when the key is held by someone else.
	ErrLocked = errors.New("lock is held")
	// ErrNotHeld is returned when releasing a lock that expired or belongs to another holder.
	ErrNotHeld = errors.New("lock not held")
)

// Locker grants exclusive, expiring ownership of a key.
type Locker interface {
	// Acquire takes key for ttl and returns the token that releases it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Release gives key back if token still owns it.
	Release(ctx context.Context, key, token string) error
}

// KeyPrefix namespaces lock keys in redis.
const KeyPrefix = "vulnhub:lock:"

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker implements Locker with SET NX PX and a token-checked delete.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client redis.UniversalClient) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	return &RedisLocker{client: client}, nil
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, KeyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("error acquiring lock %s: %w", key, err)
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrLocked)
	}
	return token, nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{KeyPrefix + key}, token).Int()
	if err != nil {
		return fmt.Errorf("error releasing lock %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", key, ErrNotHeld)
	}
	return nil
}

type memoryEntry struct {
	expires time.Time
	token   string
}

// MemoryLocker implements Locker inside one process.
type MemoryLocker struct {
	entries map[string]memoryEntry
	now     func() time.Time
	mu      sync.Mutex
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: map[string]memoryEntry{}, now: time.Now}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expires) {
		return "", fmt.Errorf("%s: %w", key, ErrLocked)
	}
	token := uuid.NewString()
	l.entries[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return token, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok || e.token != token || !l.now().Before(e.expires) {
		return fmt.Errorf("%s: %w", key, ErrNotHeld)
	}
	delete(l.entries, key)
	return nil
}
