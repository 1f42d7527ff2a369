package ratelimiter

import (
	"sync/atomic"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

var breakerStateStrings = map[BreakerState]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half_open",
}

func (s BreakerState) String() string {
	if str, ok := breakerStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// Route tells the caller which store to use for one call.
type Route int

const (
	// RouteShared sends the call to the shared store (breaker closed).
	RouteShared Route = iota
	// RouteProbe is the single half-open probe against the shared store.
	RouteProbe
	// RouteLocal bypasses the shared store.
	RouteLocal
)

// BreakerOptions configures a CircuitBreaker.
type BreakerOptions struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int64
	// FailureWindow is the trailing interval the consecutive failures must
	// fall into, measured from the first failure of the streak. A failure
	// arriving later starts a new streak. Zero disables it.
	FailureWindow time.Duration
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// OnStateChange is called once per transition by the caller that won it.
	OnStateChange func(from, to BreakerState)
	Now           func() time.Time
}

type breakerSnapshot struct {
	state BreakerState
	since time.Time
}

// CircuitBreaker guards calls to one shared store endpoint.
//
// The state and the time it was entered live in one immutable snapshot that is
// replaced with compare-and-swap, so when many callers observe the same
// condition only one of them performs the transition.
type CircuitBreaker struct {
	snap        atomic.Pointer[breakerSnapshot]
	failures    atomic.Int64
	streakStart atomic.Int64
	probing     atomic.Bool
	opts        BreakerOptions
}

// NewCircuitBreaker constructs a closed breaker with defaults applied.
func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cb := &CircuitBreaker{opts: opts}
	cb.snap.Store(&breakerSnapshot{state: StateClosed, since: opts.Now()})
	return cb
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	return cb.snap.Load().state
}

// Since returns when the current state was entered.
func (cb *CircuitBreaker) Since() time.Time {
	return cb.snap.Load().since
}

// ConsecutiveFailures returns the current failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() int64 {
	return cb.failures.Load()
}

// Acquire picks the route for one call. A RouteProbe result must be followed
// by a Report call, otherwise the breaker stays half-open with no probe slot.
func (cb *CircuitBreaker) Acquire() Route {
	for {
		s := cb.snap.Load()
		switch s.state {
		case StateClosed:
			return RouteShared
		case StateOpen:
			now := cb.opts.Now()
			if now.Sub(s.since) < cb.opts.Cooldown {
				return RouteLocal
			}
			// Losing the race is fine, the winner's state is re-read.
			cb.transition(s, StateHalfOpen, now)
		case StateHalfOpen:
			if !cb.probing.CompareAndSwap(false, true) {
				return RouteLocal
			}
			if cb.snap.Load() != s {
				cb.probing.Store(false)
				continue
			}
			return RouteProbe
		default:
			return RouteLocal
		}
	}
}

// Report records the outcome of a call made on route. A nil err is a success.
func (cb *CircuitBreaker) Report(route Route, err error) {
	now := cb.opts.Now()

	switch route {
	case RouteProbe:
		s := cb.snap.Load()
		if s.state == StateHalfOpen {
			if err == nil {
				cb.resetFailures()
				cb.transition(s, StateClosed, now)
			} else {
				cb.transition(s, StateOpen, now)
			}
		}
		cb.probing.Store(false)

	case RouteShared:
		if err == nil {
			cb.resetFailures()
			return
		}
		if cb.opts.FailureWindow > 0 {
			start := cb.streakStart.Load()
			if start == 0 || now.Sub(time.Unix(0, start)) > cb.opts.FailureWindow {
				if cb.streakStart.CompareAndSwap(start, now.UnixNano()) {
					cb.failures.Store(0)
				}
			}
		}
		if cb.failures.Add(1) < cb.opts.FailureThreshold {
			return
		}
		if s := cb.snap.Load(); s.state == StateClosed {
			cb.transition(s, StateOpen, now)
		}
	}
}

// Release gives back route without recording an outcome, for calls abandoned
// by their caller before the shared store answered. A held probe slot is
// freed and the state is left as is.
func (cb *CircuitBreaker) Release(route Route) {
	if route == RouteProbe {
		cb.probing.Store(false)
	}
}

func (cb *CircuitBreaker) resetFailures() {
	cb.failures.Store(0)
	cb.streakStart.Store(0)
}

func (cb *CircuitBreaker) transition(from *breakerSnapshot, to BreakerState, now time.Time) bool {
	if !cb.snap.CompareAndSwap(from, &breakerSnapshot{state: to, since: now}) {
		return false
	}
	if cb.opts.OnStateChange != nil {
		cb.opts.OnStateChange(from.state, to)
	}
	return true
}
