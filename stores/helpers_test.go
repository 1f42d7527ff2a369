package stores

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/boptone/ratelimiter"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return server, client
}

var (
	freeTier = ratelimiter.TierPolicy{
		Name:      "free",
		Capacity:  5,
		Window:    time.Minute,
		Algorithm: ratelimiter.AlgorithmWindow,
	}
	bucketTier = ratelimiter.TierPolicy{
		Name:           "burst",
		Capacity:       10,
		Window:         10 * time.Second,
		RefillInterval: time.Second,
		Algorithm:      ratelimiter.AlgorithmTokenBucket,
	}
)

func mustKey(t *testing.T, tenant, resource, tier string) ratelimiter.Key {
	t.Helper()
	key, err := ratelimiter.DeriveKey(tenant, resource, tier)
	require.NoError(t, err)
	return key
}
