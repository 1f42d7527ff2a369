package main

import (
	"fmt"
	"log/slog"

	"github.com/boptone/ratelimiter"
	"github.com/boptone/ratelimiter/stores"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// limiter bundles the engine with the resources the commands own.
type limiter struct {
	engine   *ratelimiter.Engine
	local    *stores.LocalStore
	redis    *redis.Client
	logger   *slog.Logger
	metrics  *ratelimiter.Metrics
	registry *prometheus.Registry
}

func loadConfig() (*ratelimiter.Config, error) {
	cfg, err := ratelimiter.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newLimiter(cfg *ratelimiter.Config) (*limiter, error) {
	logger, err := ratelimiter.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger = logger.With("instance_id", uuid.NewString())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := ratelimiter.NewMetrics(registry)

	policies, err := cfg.PolicyTable()
	if err != nil {
		return nil, err
	}

	l := &limiter{
		local:    stores.NewLocalStore(stores.WithGracePeriod(cfg.Janitor.GracePeriod)),
		logger:   logger,
		metrics:  metrics,
		registry: registry,
	}

	opts := []ratelimiter.EngineOption{
		ratelimiter.WithLogger(logger),
		ratelimiter.WithMetrics(metrics),
	}

	if cfg.Store.Address != "" {
		l.redis = redis.NewClient(&redis.Options{
			Addr:                  cfg.Store.Address,
			Password:              cfg.Store.Password,
			DB:                    cfg.Store.DB,
			ReadTimeout:           cfg.Store.Timeout,
			WriteTimeout:          cfg.Store.Timeout,
			ContextTimeoutEnabled: true,
		})

		breakerOpts := cfg.BreakerOptions()
		breakerOpts.OnStateChange = ratelimiter.BreakerObserver(logger, metrics)

		shared := stores.NewSharedStore(
			stores.NewRedisIncrementer(l.redis, stores.WithKeyPrefix(cfg.Store.KeyPrefix)),
			stores.WithTimeout(cfg.Store.Timeout),
		)
		opts = append(opts, ratelimiter.WithSharedStore(shared, ratelimiter.NewCircuitBreaker(breakerOpts)))
	} else {
		logger.Warn("no shared store configured, every tier is limited per process")
	}

	l.engine, err = ratelimiter.NewEngine(policies, l.local, opts...)
	if err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

// Close releases the Redis connection pool.
func (l *limiter) Close() {
	if l.redis != nil {
		if err := l.redis.Close(); err != nil {
			l.logger.Warn("failed to close redis client", "error", err)
		}
	}
}
