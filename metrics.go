package ratelimiter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ratelimiter"

// Metrics contains Prometheus metrics for the limiter. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	decisions          *prometheus.CounterVec
	storeErrors        prometheus.Counter
	breakerState       prometheus.Gauge
	breakerTransitions *prometheus.CounterVec
	checkDuration      *prometheus.HistogramVec
	janitorEvictions   prometheus.Counter
	localKeys          prometheus.Gauge
}

// NewMetrics registers the limiter metrics on reg. If reg is nil a private
// registry is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "decisions_total",
				Help:      "Total number of rate limit decisions",
			},
			[]string{"tier", "result", "limited_by"},
		),

		storeErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "store_errors_total",
				Help:      "Total number of shared store failures absorbed by local fallback",
			},
		),

		breakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
		),

		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"from", "to"},
		),

		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "check_duration_seconds",
				Help:      "Latency of rate limit checks",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
			},
			[]string{"limited_by"},
		),

		janitorEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "janitor_evictions_total",
				Help:      "Total number of expired local counters evicted",
			},
		),

		localKeys: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "local_keys",
				Help:      "Number of live keys in the local counter store",
			},
		),
	}
}

// ObserveDecision records a decision and the time it took.
func (m *Metrics) ObserveDecision(tier string, d *Decision, took time.Duration) {
	if m == nil {
		return
	}
	result := "denied"
	if d.Allowed {
		result = "allowed"
	}
	m.decisions.WithLabelValues(tier, result, string(d.LimitedBy)).Inc()
	m.checkDuration.WithLabelValues(string(d.LimitedBy)).Observe(took.Seconds())
}

// StoreError records a shared store failure.
func (m *Metrics) StoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

// BreakerTransition records a breaker state change.
func (m *Metrics) BreakerTransition(from, to BreakerState) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(to))
	m.breakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// JanitorSweep records the result of one sweep.
func (m *Metrics) JanitorSweep(evicted, live int) {
	if m == nil {
		return
	}
	m.janitorEvictions.Add(float64(evicted))
	m.localKeys.Set(float64(live))
}
