package ratelimiter

import (
	"fmt"
	"strings"
)

const (
	keyPrefix    = "rl"
	keyDelimiter = ":"
)

// Key identifies one logical rate limit bucket.
type Key string

func (k Key) String() string { return string(k) }

// escaper is injective: '%' is escaped as well, so an escaped delimiter can
// never be confused with a literal "%3A" in the input.
var escaper = strings.NewReplacer("%", "%25", keyDelimiter, "%3A")

// DeriveKey builds the bucket key for a tenant, resource and tier. The result
// is stable across processes so every instance addresses the same shared
// counter for the same logical identity.
func DeriveKey(tenantID, resource, tier string) (Key, error) {
	parts := [...]struct {
		field string
		value string
	}{
		{"tenant id", tenantID},
		{"resource", resource},
		{"tier", tier},
	}

	var b strings.Builder
	b.Grow(len(keyPrefix) + len(tenantID) + len(resource) + len(tier) + 3)
	b.WriteString(keyPrefix)

	for _, p := range parts {
		if p.value == "" {
			return "", fmt.Errorf("%w: %s must not be empty", ErrKeyDerivation, p.field)
		}
		b.WriteString(keyDelimiter)
		if _, err := escaper.WriteString(&b, p.value); err != nil {
			return "", fmt.Errorf("%w: failed to escape %s: %v", ErrKeyDerivation, p.field, err)
		}
	}

	return Key(b.String()), nil
}
