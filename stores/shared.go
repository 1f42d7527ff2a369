package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boptone/ratelimiter"
)

var (
	_ ratelimiter.Store = &SharedStore{}
)

// Incrementer is the single primitive the shared store needs: atomically add
// by to the counter at key, set its expiry to ttl if it has none, and return
// the new count with the time left before the counter expires.
type Incrementer interface {
	IncrementWithExpiry(ctx context.Context, key string, by int64, ttl time.Duration) (count int64, ttlLeft time.Duration, err error)
}

// SharedStore is a window counter kept in an external store shared by every
// limiter instance.
type SharedStore struct {
	inc     Incrementer
	timeout time.Duration
	now     func() time.Time
}

// SharedOption configures a SharedStore.
type SharedOption func(*SharedStore)

// WithTimeout bounds every call to the external store.
func WithTimeout(d time.Duration) SharedOption {
	return func(s *SharedStore) { s.timeout = d }
}

// WithSharedClock overrides the store clock.
func WithSharedClock(now func() time.Time) SharedOption {
	return func(s *SharedStore) { s.now = now }
}

// NewSharedStore creates a SharedStore over inc.
func NewSharedStore(inc Incrementer, opts ...SharedOption) *SharedStore {
	s := &SharedStore{
		inc:     inc,
		timeout: 50 * time.Millisecond,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryConsume adds cost to the shared counter for key and admits the request
// when the new count is within capacity. Denied requests still count, which
// only ever makes the limiter stricter. Every store failure, including the
// store timeout, is reported as ratelimiter.ErrStoreUnavailable; when the
// caller's own ctx is done its error is returned unwrapped.
func (s *SharedStore) TryConsume(ctx context.Context, key ratelimiter.Key, policy ratelimiter.TierPolicy, cost int64) (*ratelimiter.Decision, error) {
	if cost <= 0 {
		return nil, fmt.Errorf("%w: %d", ratelimiter.ErrInvalidCost, cost)
	}

	// A caller that went away is not a store failure.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	count, ttlLeft, err := s.inc.IncrementWithExpiry(callCtx, string(key), cost, policy.Window)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: increment key %v: %w", ratelimiter.ErrStoreUnavailable, key, err)
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: increment key %v: %w", ratelimiter.ErrStoreUnavailable, key, errInvalidCount)
	}
	if ttlLeft <= 0 || ttlLeft > policy.Window {
		ttlLeft = policy.Window
	}

	return &ratelimiter.Decision{
		Allowed:   count <= policy.Capacity,
		Remaining: max(policy.Capacity-count, 0),
		ResetAt:   s.now().Add(ttlLeft),
	}, nil
}

var errInvalidCount = errors.New("store returned a non-positive count")
