// Package stores provides the counter stores behind the limiter engine: an
// in-process store with its janitor and a store shared through Redis.
package stores

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/boptone/ratelimiter"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

var (
	_ ratelimiter.Store = &LocalStore{}
)

const shardCount = 64

// LocalStore is an in-process counter store. Keys are spread over shards whose
// locks only guard lookup and insertion; each counter has its own mutex, so
// unrelated keys never wait on each other while consuming.
//
// State is lost on restart, which is acceptable because the shared store is
// authoritative whenever it is healthy.
type LocalStore struct {
	shards [shardCount]localShard
	grace  time.Duration
	now    func() time.Time
}

type localShard struct {
	mu       sync.Mutex
	counters map[ratelimiter.Key]*counter
}

type counter struct {
	mu   sync.Mutex
	dead bool

	windowStart time.Time
	count       int64

	bucket *rate.Limiter

	// expiresAt is when the counter stops carrying information: the window
	// end, or the time the bucket is full again.
	expiresAt time.Time
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithGracePeriod keeps counters for d after they expire before the janitor
// may evict them.
func WithGracePeriod(d time.Duration) LocalOption {
	return func(s *LocalStore) { s.grace = d }
}

// WithLocalClock overrides the store clock.
func WithLocalClock(now func() time.Time) LocalOption {
	return func(s *LocalStore) { s.now = now }
}

// NewLocalStore creates an empty LocalStore.
func NewLocalStore(opts ...LocalOption) *LocalStore {
	s := &LocalStore{
		grace: 30 * time.Second,
		now:   time.Now,
	}
	for i := range s.shards {
		s.shards[i].counters = make(map[ratelimiter.Key]*counter)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryConsume consumes cost tokens for key under policy.
func (s *LocalStore) TryConsume(_ context.Context, key ratelimiter.Key, policy ratelimiter.TierPolicy, cost int64) (*ratelimiter.Decision, error) {
	if cost <= 0 {
		return nil, fmt.Errorf("%w: %d", ratelimiter.ErrInvalidCost, cost)
	}

	now := s.now()
	for {
		c := s.counter(key)

		c.mu.Lock()
		// Evicted between lookup and lock; take the replacement instead.
		if c.dead {
			c.mu.Unlock()
			continue
		}

		var dec *ratelimiter.Decision
		if policy.Algorithm == ratelimiter.AlgorithmTokenBucket {
			dec = c.takeTokens(policy, cost, now)
		} else {
			dec = c.countWindow(policy, cost, now)
		}
		c.mu.Unlock()

		return dec, nil
	}
}

func (s *LocalStore) shard(key ratelimiter.Key) *localShard {
	return &s.shards[xxhash.Sum64String(string(key))%shardCount]
}

func (s *LocalStore) counter(key ratelimiter.Key) *counter {
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if !ok {
		c = &counter{}
		sh.counters[key] = c
	}
	return c
}

func (c *counter) countWindow(p ratelimiter.TierPolicy, cost int64, now time.Time) *ratelimiter.Decision {
	if c.windowStart.IsZero() || !now.Before(c.windowStart.Add(p.Window)) {
		c.windowStart = now
		c.count = 0
	}

	resetAt := c.windowStart.Add(p.Window)
	c.expiresAt = resetAt

	allowed := c.count+cost <= p.Capacity
	if allowed {
		c.count += cost
	}

	return &ratelimiter.Decision{
		Allowed:   allowed,
		Remaining: max(p.Capacity-c.count, 0),
		ResetAt:   resetAt,
	}
}

func (c *counter) takeTokens(p ratelimiter.TierPolicy, cost int64, now time.Time) *ratelimiter.Decision {
	perSecond := p.RefillPerSecond()
	if c.bucket == nil {
		c.bucket = rate.NewLimiter(rate.Limit(perSecond), int(p.Capacity))
	}

	allowed := c.bucket.AllowN(now, int(cost))
	tokens := c.bucket.TokensAt(now)

	untilFull := now.Add(secondsToDuration((float64(p.Capacity) - tokens) / perSecond))
	c.expiresAt = untilFull

	resetAt := untilFull
	// A cost above capacity can never be met; report when the bucket is full.
	if !allowed && cost <= p.Capacity {
		resetAt = now.Add(secondsToDuration((float64(cost) - tokens) / perSecond))
	}

	return &ratelimiter.Decision{
		Allowed:   allowed,
		Remaining: max(int64(math.Floor(tokens)), 0),
		ResetAt:   resetAt,
	}
}

func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(sec * float64(time.Second)))
}

// Sweep evicts counters whose expiry plus grace period has passed and returns
// how many were removed. Shards are swept one at a time; counters that are
// locked by a concurrent consumer are skipped since they are in use.
func (s *LocalStore) Sweep() int {
	now := s.now()
	evicted := 0

	for i := range s.shards {
		evicted += s.shards[i].sweep(now, s.grace)
	}

	return evicted
}

func (sh *localShard) sweep(now time.Time, grace time.Duration) int {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	evicted := 0
	for key, c := range sh.counters {
		if !c.mu.TryLock() {
			continue
		}
		if !now.Before(c.expiresAt.Add(grace)) {
			c.dead = true
			delete(sh.counters, key)
			evicted++
		}
		c.mu.Unlock()
	}
	return evicted
}

// Len returns the number of live keys.
func (s *LocalStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.counters)
		sh.mu.Unlock()
	}
	return n
}
