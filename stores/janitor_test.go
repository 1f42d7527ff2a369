package stores

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/boptone/ratelimiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitor_Sweep(t *testing.T) {
	clock := newFakeClock()
	store := NewLocalStore(WithLocalClock(clock.Now), WithGracePeriod(time.Second))
	reg := prometheus.NewRegistry()
	j := NewJanitor(store, time.Second, WithJanitorMetrics(ratelimiter.NewMetrics(reg)))

	for _, tenant := range []string{"acme", "globex", "initech"} {
		_, err := store.TryConsume(context.Background(), mustKey(t, tenant, "/search", "free"), freeTier, 1)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, j.Sweep())

	clock.Advance(time.Minute + time.Second)
	assert.Equal(t, 3, j.Sweep())
	assert.Equal(t, 0, store.Len())

	expected := `
# HELP ratelimiter_janitor_evictions_total Total number of expired local counters evicted
# TYPE ratelimiter_janitor_evictions_total counter
ratelimiter_janitor_evictions_total 3
# HELP ratelimiter_local_keys Number of live keys in the local counter store
# TYPE ratelimiter_local_keys gauge
ratelimiter_local_keys 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"ratelimiter_janitor_evictions_total", "ratelimiter_local_keys"))
}

func TestJanitor_StartStop(t *testing.T) {
	j := NewJanitor(NewLocalStore(), time.Second)

	require.NoError(t, j.Start(context.Background()))
	assert.True(t, j.IsRunning())
	assert.Error(t, j.Start(context.Background()), "already running")

	j.Stop()
	assert.False(t, j.IsRunning())
	j.Stop()

	require.NoError(t, j.Start(context.Background()), "a stopped janitor can be restarted")
	j.Stop()
}

func TestJanitor_InvalidInterval(t *testing.T) {
	j := NewJanitor(NewLocalStore(), 0)
	assert.Error(t, j.Start(context.Background()))
	assert.False(t, j.IsRunning())
}

func TestJanitor_StopsWithContext(t *testing.T) {
	j := NewJanitor(NewLocalStore(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, j.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !j.IsRunning() }, time.Second, 10*time.Millisecond)
}

func TestJanitor_EvictsOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the scheduler")
	}

	store := NewLocalStore(WithGracePeriod(0))
	policy := ratelimiter.TierPolicy{Name: "tiny", Capacity: 1, Window: 10 * time.Millisecond, Algorithm: ratelimiter.AlgorithmWindow}
	_, err := store.TryConsume(context.Background(), mustKey(t, "acme", "/search", "tiny"), policy, 1)
	require.NoError(t, err)

	j := NewJanitor(store, time.Second)
	require.NoError(t, j.Start(context.Background()))
	defer j.Stop()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestJanitor_RestartIgnoresEarlierContext(t *testing.T) {
	j := NewJanitor(NewLocalStore(), time.Second)
	first, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	require.NoError(t, j.Start(first))
	j.Stop()

	require.NoError(t, j.Start(context.Background()))
	defer j.Stop()

	cancelFirst()
	assert.Never(t, func() bool { return !j.IsRunning() }, 200*time.Millisecond, 10*time.Millisecond)
}
