package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/boptone/ratelimiter"
	"github.com/boptone/ratelimiter/stores"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a demo API behind the rate limiting middleware",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	l, err := newLimiter(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if l.redis != nil {
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := stores.Ping(pingCtx, l.redis); err != nil {
			// The breaker takes over; the limiter keeps serving from local counters.
			l.logger.Warn("shared store not reachable at startup", "addr", cfg.Store.Address, "error", err)
		}
		pingCancel()
	}

	janitor := stores.NewJanitor(l.local, cfg.Janitor.Interval,
		stores.WithJanitorLogger(l.logger),
		stores.WithJanitorMetrics(l.metrics),
	)
	if err := janitor.Start(ctx); err != nil {
		return err
	}
	defer janitor.Stop()

	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Hello, World!"))
	})

	mux := http.NewServeMux()
	mux.Handle("/", ratelimiter.NewHTTPRateLimiterHandler(api, &ratelimiter.RateLimiterConfig{
		Extractor: ratelimiter.NewHTTPHeaderExtractor(cfg.Server.TenantHeader, cfg.Server.TierHeader, cfg.Server.DefaultTier),
		Checker:   l.engine,
		Logger:    l.logger,
	}))
	mux.HandleFunc("/healthz", healthHandler(l))
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(l.registry, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	l.logger.Info("server started", "addr", cfg.Server.ListenAddress, "shared_store", cfg.Store.Address != "")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type health struct {
	Breaker             string `json:"breaker"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	LocalKeys           int    `json:"local_keys"`
}

// healthHandler always answers 200: a degraded shared store is reported, not
// treated as an outage.
func healthHandler(l *limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := health{Breaker: "disabled", LocalKeys: l.local.Len()}
		if b := l.engine.Breaker(); b != nil {
			h.Breaker = b.State().String()
			h.ConsecutiveFailures = b.ConsecutiveFailures()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h)
	}
}
