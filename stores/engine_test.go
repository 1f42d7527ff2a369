package stores

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boptone/ratelimiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, clock *fakeClock, shared ratelimiter.Store, breaker *ratelimiter.CircuitBreaker) *ratelimiter.Engine {
	t.Helper()

	table, err := ratelimiter.NewPolicyTable(freeTier, bucketTier)
	require.NoError(t, err)

	opts := []ratelimiter.EngineOption{ratelimiter.WithClock(clock.Now)}
	if shared != nil {
		opts = append(opts, ratelimiter.WithSharedStore(shared, breaker))
	}

	e, err := ratelimiter.NewEngine(table, NewLocalStore(WithLocalClock(clock.Now)), opts...)
	require.NoError(t, err)
	return e
}

func TestEngine_InstancesShareQuota(t *testing.T) {
	clock := newFakeClock()
	_, client := newRedis(t)

	newInstance := func() *ratelimiter.Engine {
		shared := NewSharedStore(NewRedisIncrementer(client), WithSharedClock(clock.Now), WithTimeout(time.Second))
		return newTestEngine(t, clock, shared, nil)
	}
	a, b := newInstance(), newInstance()

	req := ratelimiter.Request{TenantID: "acme", Resource: "/search", Tier: "free"}
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := a
			if i%2 == 1 {
				e = b
			}
			dec, err := e.Check(context.Background(), req)
			if assert.NoError(t, err) && dec.Allowed {
				assert.Equal(t, ratelimiter.SourceShared, dec.LimitedBy)
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, freeTier.Capacity, allowed.Load())
}

func TestEngine_SharedStoreOutage(t *testing.T) {
	clock := newFakeClock()
	inc := NewMemoryIncrementer(clock.Now)
	shared := NewSharedStore(inc, WithSharedClock(clock.Now))

	var transitions []string
	breaker := ratelimiter.NewCircuitBreaker(ratelimiter.BreakerOptions{
		FailureThreshold: 5,
		Cooldown:         5 * time.Second,
		Now:              clock.Now,
		OnStateChange: func(from, to ratelimiter.BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	e := newTestEngine(t, clock, shared, breaker)

	inc.FailWith(errors.New("dial tcp 10.0.0.7:6379: connect: connection refused"))

	// Each request gets a fresh key so the local quota never interferes.
	for i := 0; i < 20; i++ {
		dec, err := e.Check(context.Background(), ratelimiter.Request{
			TenantID: "acme",
			Resource: "/search/" + string(rune('a'+i)),
			Tier:     "free",
		})
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Equal(t, ratelimiter.SourceLocal, dec.LimitedBy)
	}

	assert.Equal(t, int64(5), inc.Calls(), "the breaker stops calls after the threshold")
	assert.Equal(t, ratelimiter.StateOpen, breaker.State())

	// Still failing at the first probe.
	clock.Advance(5 * time.Second)
	_, err := e.Check(context.Background(), ratelimiter.Request{TenantID: "acme", Resource: "/orders", Tier: "free"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), inc.Calls())
	assert.Equal(t, ratelimiter.StateOpen, breaker.State())

	inc.FailWith(nil)
	clock.Advance(5 * time.Second)

	dec, err := e.Check(context.Background(), ratelimiter.Request{TenantID: "acme", Resource: "/orders", Tier: "free"})
	require.NoError(t, err)
	assert.Equal(t, ratelimiter.SourceShared, dec.LimitedBy)
	assert.Equal(t, ratelimiter.StateClosed, breaker.State())
	assert.Equal(t, int64(0), breaker.ConsecutiveFailures())

	assert.Equal(t, []string{
		"closed->open",
		"open->half_open",
		"half_open->open",
		"open->half_open",
		"half_open->closed",
	}, transitions)
}

func TestEngine_LocalFallbackEnforcesQuota(t *testing.T) {
	clock := newFakeClock()
	inc := NewMemoryIncrementer(clock.Now)
	inc.FailWith(errors.New("i/o timeout"))
	e := newTestEngine(t, clock, NewSharedStore(inc), nil)

	req := ratelimiter.Request{TenantID: "acme", Resource: "/search", Tier: "free"}
	results := make([]bool, 0, 6)
	for i := 0; i < 6; i++ {
		dec, err := e.Check(context.Background(), req)
		require.NoError(t, err)
		results = append(results, dec.Allowed)
	}

	assert.Equal(t, []bool{true, true, true, true, true, false}, results)
}

func TestEngine_NoSharedStore(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, nil, nil)
	assert.Nil(t, e.Breaker())

	req := ratelimiter.Request{TenantID: "acme", Resource: "/stream", Tier: "burst", Cost: 4}
	for i := 0; i < 2; i++ {
		dec, err := e.Check(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	}

	dec, err := e.Check(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, int64(2), dec.Remaining)
	assert.Equal(t, clock.Now().Add(2*time.Second), dec.ResetAt)
	assert.Equal(t, ratelimiter.SourceLocal, dec.LimitedBy)
}

func TestEngine_CancelledCallersDoNotOpenBreaker(t *testing.T) {
	clock := newFakeClock()
	inc := NewMemoryIncrementer(clock.Now)
	breaker := ratelimiter.NewCircuitBreaker(ratelimiter.BreakerOptions{FailureThreshold: 5, Now: clock.Now})
	e := newTestEngine(t, clock, NewSharedStore(inc, WithSharedClock(clock.Now)), breaker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := ratelimiter.Request{TenantID: "acme", Resource: "/search", Tier: "free"}
	for i := 0; i < 5; i++ {
		_, err := e.Check(ctx, req)
		require.NoError(t, err)
	}
	assert.Equal(t, ratelimiter.StateClosed, breaker.State())

	dec, err := e.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ratelimiter.SourceShared, dec.LimitedBy)
}
