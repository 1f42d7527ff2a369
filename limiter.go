package ratelimiter

import (
	"context"
	"time"
)

// Source names the store that produced a decision.
type Source string

const (
	SourceLocal  Source = "local"
	SourceShared Source = "shared"
)

// Request defines a request to be rate-limited.
type Request struct {
	TenantID string
	Resource string
	Tier     string
	// Cost is the number of tokens the request consumes. Zero means 1.
	Cost int64
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
	LimitedBy Source
}

// ResetAtMs returns ResetAt as milliseconds since the Unix epoch.
func (d Decision) ResetAtMs() int64 {
	return d.ResetAt.UnixMilli()
}

// RetryAfter returns how long a denied caller should wait before retrying.
// It is zero for allowed decisions.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Store is a counter store able to atomically consume tokens for a key.
//
// Implementations own the window counters for the keys they see; callers never
// hold counter state themselves.
type Store interface {
	TryConsume(ctx context.Context, key Key, policy TierPolicy, cost int64) (*Decision, error)
}
