package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces reservation keys.
const DefaultKeyPrefix = "herald:dedupe:"

// Deletes the key only while it still holds the caller's record id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard reserves keys with SET NX PX, shared by every instance.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
}

var _ Guard = (*RedisGuard)(nil)

// NewRedisGuard creates a guard. An empty prefix uses DefaultKeyPrefix.
func NewRedisGuard(client redis.UniversalClient, prefix string) *RedisGuard {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisGuard{client: client, prefix: prefix}
}

func (g *RedisGuard) key(recipientID, key string) string {
	return g.prefix + recipientID + ":" + key
}

func (g *RedisGuard) CheckAndReserve(ctx context.Context, key, recipientID string, window time.Duration, candidateID string) (Reservation, error) {
	k := g.key(recipientID, key)

	// A reservation can expire between the failed SETNX and the GET; one
	// retry covers that gap.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := g.client.SetNX(ctx, k, candidateID, window).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("reserve dedupe key: %w", err)
		}
		if ok {
			return Reservation{IsNew: true}, nil
		}

		existing, err := g.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, fmt.Errorf("read dedupe key: %w", err)
		}
		return Reservation{ExistingRecordID: existing}, nil
	}
	return Reservation{}, fmt.Errorf("reserve dedupe key %s: reservation churned", key)
}

func (g *RedisGuard) Release(ctx context.Context, key, recipientID, recordID string) error {
	if err := releaseScript.Run(ctx, g.client, []string{g.key(recipientID, key)}, recordID).Err(); err != nil {
		return fmt.Errorf("release dedupe key: %w", err)
	}
	return nil
}
