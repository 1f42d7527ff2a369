package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	_ Incrementer = &RedisIncrementer{}
)

// incrementWithExpiry runs INCRBY and sets the expiry in the same script, so
// the counter can never be left without a TTL between the two commands. A
// counter found without a TTL (for example after a failover) is healed.
var incrementWithExpiry = redis.NewScript(`
local count = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	ttl = tonumber(ARGV[2])
end
return {count, ttl}
`)

// RedisIncrementer implements Incrementer on top of Redis.
type RedisIncrementer struct {
	client redis.Scripter
	prefix string
}

// RedisOption configures a RedisIncrementer.
type RedisOption func(*RedisIncrementer)

// WithKeyPrefix prefixes every key written to Redis.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisIncrementer) { r.prefix = prefix }
}

// NewRedisIncrementer creates a RedisIncrementer. client may be a
// *redis.Client, *redis.ClusterClient or any other redis.Scripter.
func NewRedisIncrementer(client redis.Scripter, opts ...RedisOption) *RedisIncrementer {
	r := &RedisIncrementer{
		client: client,
		prefix: "ratelimit:",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IncrementWithExpiry implements Incrementer.
func (r *RedisIncrementer) IncrementWithExpiry(ctx context.Context, key string, by int64, ttl time.Duration) (int64, time.Duration, error) {
	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = 1
	}

	values, err := incrementWithExpiry.Run(ctx, r.client, []string{r.prefix + key}, by, ttlMs).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment key %v: %w", key, err)
	}
	if len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply for key %v: %v", key, values)
	}

	return values[0], time.Duration(values[1]) * time.Millisecond, nil
}

// Ping checks that Redis is reachable.
func Ping(ctx context.Context, client redis.UniversalClient) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}
