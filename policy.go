package ratelimiter

import (
	"fmt"
	"sort"
	"time"
)

// Algorithm selects how a local counter refills.
type Algorithm string

const (
	// AlgorithmWindow resets the counter once the window has elapsed.
	AlgorithmWindow Algorithm = "window"
	// AlgorithmTokenBucket refills tokens continuously up to capacity.
	AlgorithmTokenBucket Algorithm = "token_bucket"
)

// TierPolicy is the quota attached to a tier. Policies are immutable once the
// table is built and are passed around by value.
type TierPolicy struct {
	Name           string        `yaml:"name"`
	Capacity       int64         `yaml:"capacity"`
	Window         time.Duration `yaml:"window"`
	RefillInterval time.Duration `yaml:"refill_interval"`
	Algorithm      Algorithm     `yaml:"algorithm"`
	// LocalOnly tiers never consult the shared store.
	LocalOnly bool `yaml:"local_only"`
}

// RefillPerSecond is the token-bucket refill rate for the policy.
func (p TierPolicy) RefillPerSecond() float64 {
	if p.RefillInterval > 0 {
		return 1 / p.RefillInterval.Seconds()
	}
	return float64(p.Capacity) / p.Window.Seconds()
}

// Validate checks the policy for usable values.
func (p TierPolicy) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: name must not be empty", ErrInvalidPolicy)
	case p.Capacity <= 0:
		return fmt.Errorf("%w: tier %q: capacity must be > 0", ErrInvalidPolicy, p.Name)
	case p.Window <= 0:
		return fmt.Errorf("%w: tier %q: window must be > 0", ErrInvalidPolicy, p.Name)
	case p.RefillInterval < 0:
		return fmt.Errorf("%w: tier %q: refill interval must be >= 0", ErrInvalidPolicy, p.Name)
	}
	switch p.Algorithm {
	case "", AlgorithmWindow, AlgorithmTokenBucket:
		return nil
	default:
		return fmt.Errorf("%w: tier %q: unknown algorithm %q", ErrInvalidPolicy, p.Name, p.Algorithm)
	}
}

// PolicyTable maps tier names to policies. It is read-only after construction
// and safe for concurrent use.
type PolicyTable struct {
	tiers map[string]TierPolicy
}

// NewPolicyTable validates the policies and builds a table.
func NewPolicyTable(policies ...TierPolicy) (*PolicyTable, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("%w: at least one tier is required", ErrInvalidPolicy)
	}

	tiers := make(map[string]TierPolicy, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, ok := tiers[p.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidPolicy, p.Name)
		}
		if p.Algorithm == "" {
			p.Algorithm = AlgorithmWindow
		}
		tiers[p.Name] = p
	}

	return &PolicyTable{tiers: tiers}, nil
}

// PolicyFor returns the policy configured for tier.
func (t *PolicyTable) PolicyFor(tier string) (TierPolicy, error) {
	p, ok := t.tiers[tier]
	if !ok {
		return TierPolicy{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return p, nil
}

// Tiers returns all policies sorted by name.
func (t *PolicyTable) Tiers() []TierPolicy {
	out := make([]TierPolicy, 0, len(t.tiers))
	for _, p := range t.tiers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultTiers returns the stock free/pro/enterprise tiers.
func DefaultTiers() []TierPolicy {
	return []TierPolicy{
		{Name: "free", Capacity: 5, Window: time.Minute, Algorithm: AlgorithmWindow},
		{Name: "pro", Capacity: 100, Window: time.Minute, Algorithm: AlgorithmWindow},
		{Name: "enterprise", Capacity: 1000, Window: 5 * time.Minute, Algorithm: AlgorithmTokenBucket},
	}
}
