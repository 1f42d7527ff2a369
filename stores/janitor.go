package stores

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/boptone/ratelimiter"
	"github.com/robfig/cron/v3"
)

// Janitor periodically evicts expired counters from a LocalStore so its
// memory is bounded by the number of active keys.
type Janitor struct {
	store    *LocalStore
	interval time.Duration
	logger   *slog.Logger
	metrics  *ratelimiter.Metrics

	mu      sync.Mutex
	cron    *cron.Cron
	stop    chan struct{}
	running bool
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithJanitorLogger sets the janitor logger.
func WithJanitorLogger(logger *slog.Logger) JanitorOption {
	return func(j *Janitor) { j.logger = logger }
}

// WithJanitorMetrics records sweep results in m.
func WithJanitorMetrics(m *ratelimiter.Metrics) JanitorOption {
	return func(j *Janitor) { j.metrics = m }
}

// NewJanitor creates a janitor sweeping store every interval. The schedule
// has a one second resolution.
func NewJanitor(store *LocalStore, interval time.Duration, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		store:    store,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "stores.janitor")
	return j
}

// Start schedules the sweep. The janitor stops by itself when ctx is done.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return errors.New("janitor is already running")
	}
	if j.interval <= 0 {
		return errors.New("janitor interval must be > 0")
	}

	j.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	j.cron.Schedule(cron.Every(j.interval), cron.FuncJob(func() { j.Sweep() }))
	j.cron.Start()
	j.stop = make(chan struct{})
	j.running = true

	j.logger.Info("janitor started", "interval", j.interval.String())

	go j.watch(ctx, j.stop)

	return nil
}

// Stop stops the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}
	j.stopLocked()
}

// watch stops the run owning stop when ctx is done. It exits without side
// effects once that run was stopped by other means.
func (j *Janitor) watch(ctx context.Context, stop chan struct{}) {
	select {
	case <-ctx.Done():
	case <-stop:
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running && j.stop == stop {
		j.stopLocked()
	}
}

func (j *Janitor) stopLocked() {
	<-j.cron.Stop().Done()
	close(j.stop)
	j.running = false
	j.logger.Info("janitor stopped")
}

// IsRunning reports whether the sweep is scheduled.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// Sweep runs one eviction pass now and returns the number of evicted keys.
func (j *Janitor) Sweep() int {
	evicted := j.store.Sweep()
	live := j.store.Len()

	j.metrics.JanitorSweep(evicted, live)
	j.logger.Debug("janitor sweep completed", "evicted", evicted, "live_keys", live)

	return evicted
}
