// Package ratelimit caps how many deliveries a recipient receives on a
// channel per window, so a burst of events does not turn into a burst of
// paid SMS.
//
// Import Path: herald.io/herald/internal/ratelimit
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"herald.io/herald/internal/domain"
)

// Limiter is a fixed-window counter per (recipient, channel).
type Limiter interface {
	// Allow consumes one unit and reports whether the recipient is still
	// within limit for the current window. On backend errors it returns true
	// together with the error.
	Allow(ctx context.Context, recipientID string, ch domain.Channel, limit int, window time.Duration) (bool, error)
}

// Counts one hit; the first hit of a window sets the window's TTL.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter shares counters across instances.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiter creates a limiter. An empty prefix uses "herald:rate:".
func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "herald:rate:"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, recipientID string, ch domain.Channel, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := l.prefix + string(ch) + ":" + recipientID

	count, err := hitScript.Run(ctx, l.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return true, fmt.Errorf("increment rate counter: %w", err)
	}
	return count <= int64(limit), nil
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a process-local Limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryLimiter returns an empty limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window), now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, recipientID string, ch domain.Channel, limit int, d time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := string(ch) + ":" + recipientID
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		l.windows[key] = w
	}
	w.count++
	return w.count <= limit, nil
}
