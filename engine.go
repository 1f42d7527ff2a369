package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Engine admits or rejects requests against per-key quotas. It owns no state
// of its own beyond references to its collaborators and is safe to share
// across goroutines.
type Engine struct {
	policies *PolicyTable
	local    Store
	shared   Store
	breaker  *CircuitBreaker
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSharedStore makes shared the authoritative store while breaker is
// closed. A nil breaker gets one with default options.
func WithSharedStore(shared Store, breaker *CircuitBreaker) EngineOption {
	return func(e *Engine) {
		e.shared = shared
		e.breaker = breaker
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the engine metrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine over the policy table and local store. Without
// WithSharedStore every call is served locally.
func NewEngine(policies *PolicyTable, local Store, opts ...EngineOption) (*Engine, error) {
	if policies == nil {
		return nil, errors.New("policy table is required")
	}
	if local == nil {
		return nil, errors.New("local store is required")
	}

	e := &Engine{
		policies: policies,
		local:    local,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.shared != nil && e.breaker == nil {
		e.breaker = NewCircuitBreaker(BreakerOptions{})
	}
	e.logger = e.logger.With("component", "ratelimiter.engine")

	return e, nil
}

// Breaker returns the breaker guarding the shared store, or nil.
func (e *Engine) Breaker() *CircuitBreaker {
	return e.breaker
}

// Policies returns the engine's policy table.
func (e *Engine) Policies() *PolicyTable {
	return e.policies
}

// Check decides whether req is admitted. Only configuration-shaped problems
// (unknown tier, malformed key inputs, negative cost) are returned as errors;
// shared store failures are absorbed and answered from the local store.
func (e *Engine) Check(ctx context.Context, req Request) (Decision, error) {
	start := e.now()

	cost := req.Cost
	if cost == 0 {
		cost = 1
	}
	if cost < 0 {
		return Decision{}, fmt.Errorf("%w: %d", ErrInvalidCost, cost)
	}

	key, err := DeriveKey(req.TenantID, req.Resource, req.Tier)
	if err != nil {
		return Decision{}, err
	}

	policy, err := e.policies.PolicyFor(req.Tier)
	if err != nil {
		return Decision{}, err
	}

	dec, err := e.consume(ctx, key, policy, cost)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to consume tokens for key %v: %w", key, err)
	}

	now := e.now()
	if !dec.Allowed && dec.ResetAt.Before(now) {
		dec.ResetAt = now
	}

	e.metrics.ObserveDecision(policy.Name, dec, now.Sub(start))

	return *dec, nil
}

func (e *Engine) consume(ctx context.Context, key Key, policy TierPolicy, cost int64) (*Decision, error) {
	if e.shared == nil || policy.LocalOnly {
		return e.consumeLocal(ctx, key, policy, cost)
	}

	route := e.breaker.Acquire()
	if route == RouteLocal {
		return e.consumeLocal(ctx, key, policy, cost)
	}

	dec, err := e.shared.TryConsume(ctx, key, policy, cost)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrStoreUnavailable) {
		// The caller gave up; the store's health is unknown, not bad.
		e.breaker.Release(route)
		e.logger.Debug("caller went away before the shared store answered, using local store",
			"key", key,
			"tier", policy.Name,
			"error", err,
		)
		return e.consumeLocal(ctx, key, policy, cost)
	}

	e.breaker.Report(route, err)
	if err == nil {
		dec.LimitedBy = SourceShared
		return dec, nil
	}

	e.metrics.StoreError()
	e.logger.Debug("shared store failed, using local store",
		"key", key,
		"tier", policy.Name,
		"probe", route == RouteProbe,
		"error", err,
	)

	return e.consumeLocal(ctx, key, policy, cost)
}

func (e *Engine) consumeLocal(ctx context.Context, key Key, policy TierPolicy, cost int64) (*Decision, error) {
	dec, err := e.local.TryConsume(ctx, key, policy, cost)
	if err != nil {
		return nil, err
	}
	dec.LimitedBy = SourceLocal
	return dec, nil
}

// BreakerObserver returns an OnStateChange hook that logs transitions and
// records them in m.
func BreakerObserver(logger *slog.Logger, m *Metrics) func(from, to BreakerState) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ratelimiter.breaker")

	return func(from, to BreakerState) {
		m.BreakerTransition(from, to)
		if to == StateClosed {
			logger.Info("circuit breaker closed, shared store is authoritative again", "from", from.String())
			return
		}
		logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
	}
}
