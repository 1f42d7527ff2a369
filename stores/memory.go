package stores

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

var (
	_ Incrementer = &MemoryIncrementer{}
)

// MemoryIncrementer is an in-memory Incrementer with the same contract as the
// Redis backend. It is meant for tests and single-process setups, and can be
// told to fail to simulate an outage of the shared store.
type MemoryIncrementer struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time

	failWith atomic.Pointer[error]
	calls    atomic.Int64
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryIncrementer creates a MemoryIncrementer using now as its clock. A
// nil now uses time.Now.
func NewMemoryIncrementer(now func() time.Time) *MemoryIncrementer {
	if now == nil {
		now = time.Now
	}
	return &MemoryIncrementer{
		counters: make(map[string]*memoryCounter),
		now:      now,
	}
}

// IncrementWithExpiry implements Incrementer.
func (m *MemoryIncrementer) IncrementWithExpiry(ctx context.Context, key string, by int64, ttl time.Duration) (int64, time.Duration, error) {
	m.calls.Add(1)

	if err := m.failWith.Load(); err != nil {
		return 0, 0, *err
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &memoryCounter{expiresAt: now.Add(ttl)}
		m.counters[key] = c
	}
	c.count += by

	return c.count, c.expiresAt.Sub(now), nil
}

// FailWith makes every following call return err. A nil err restores normal
// operation.
func (m *MemoryIncrementer) FailWith(err error) {
	if err == nil {
		m.failWith.Store(nil)
		return
	}
	m.failWith.Store(&err)
}

// Calls returns how many times IncrementWithExpiry was called.
func (m *MemoryIncrementer) Calls() int64 {
	return m.calls.Load()
}
