package testutil

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OpenRedis connects to TEST_REDIS_ADDR and returns the client together with
// a key prefix unique to the test. The test is skipped when the variable is
// not set. Keys under the prefix are removed on cleanup.
func OpenRedis(t *testing.T) (*redis.Client, string) {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("Redis test address not set: export TEST_REDIS_ADDR to run Redis-backed tests")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("ping redis: %v", err)
	}

	prefix := "test:" + strings.ReplaceAll(uuid.NewString(), "-", "") + ":"
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val()).Err()
		}
		_ = client.Close()
	})
	return client, prefix
}
