// Package slotlock provides short-lived exclusive locks keyed by slot. A lock
// is a fast path that turns racing booking attempts away before they reach
// the database; the database constraint still decides the winner.
package slotlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotAcquired means another holder owns the key.
var ErrNotAcquired = errors.New("slot lock not acquired")

// RedisLocker holds each lock as a Redis key set with NX and a TTL, so a
// crashed holder cannot wedge a slot for longer than the TTL.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Acquire takes the lock or returns ErrNotAcquired. The release func only
// deletes the key while it still holds this holder's token.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	key = "lock:" + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire slot lock: %w", err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return func() {
		// The caller's context may already be done once the booking returns.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn().Err(err).Str("key", key).Msg("release slot lock")
		}
	}, nil
}

// MemoryLocker is the in-process Locker used when no Redis is configured.
// Locks expire after ttl like their Redis counterparts.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryLock
	ttl  time.Duration
	now  func() time.Time
}

type memoryLock struct {
	token   uint64
	expires time.Time
}

func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]memoryLock),
		ttl:  ttl,
		now:  time.Now,
	}
}

var tokens struct {
	sync.Mutex
	next uint64
}

func nextToken() uint64 {
	tokens.Lock()
	defer tokens.Unlock()
	tokens.next++
	return tokens.next
}

func (l *MemoryLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, ErrNotAcquired
	}
	token := nextToken()
	l.held[key] = memoryLock{token: token, expires: now.Add(l.ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
	}, nil
}

// Held returns the number of unexpired locks.
func (l *MemoryLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for _, cur := range l.held {
		if now.Before(cur.expires) {
			n++
		}
	}
	return n
}
