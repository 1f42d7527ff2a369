package ratelimiter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	tt := []struct {
		desc     string
		tenant   string
		resource string
		tier     string
		key      Key
		err      error
	}{
		{
			desc:     "joins the components",
			tenant:   "acme",
			resource: "orders",
			tier:     "free",
			key:      "rl:acme:orders:free",
		},
		{
			desc:     "escapes the delimiter",
			tenant:   "acme:eu",
			resource: "GET /orders",
			tier:     "pro",
			key:      "rl:acme%3Aeu:GET /orders:pro",
		},
		{
			desc:     "escapes the escape character",
			tenant:   "100%",
			resource: "a%3Ab",
			tier:     "pro",
			key:      "rl:100%25:a%253Ab:pro",
		},
		{
			desc:     "rejects a missing tenant",
			resource: "orders",
			tier:     "free",
			err:      ErrKeyDerivation,
		},
		{
			desc:   "rejects a missing resource",
			tenant: "acme",
			tier:   "free",
			err:    ErrKeyDerivation,
		},
		{
			desc:     "rejects a missing tier",
			tenant:   "acme",
			resource: "orders",
			err:      ErrKeyDerivation,
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			key, err := DeriveKey(ts.tenant, ts.resource, ts.tier)
			if ts.err != nil {
				assert.ErrorIs(t, err, ts.err)
				assert.Empty(t, key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ts.key, key)
		})
	}
}

func TestDeriveKey_Stable(t *testing.T) {
	a, err := DeriveKey("acme", "orders", "free")
	require.NoError(t, err)
	b, err := DeriveKey("acme", "orders", "free")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestDeriveKey_NoCollisions(t *testing.T) {
	parts := []string{"a", "b", "a:b", "b:a", ":", "::", "%", "%3A", "a%3Ab", "a:", ":a", "rl", "x y"}

	seen := make(map[Key][3]string)
	for _, tenant := range parts {
		for _, resource := range parts {
			for _, tier := range parts {
				key, err := DeriveKey(tenant, resource, tier)
				require.NoError(t, err)

				triple := [3]string{tenant, resource, tier}
				if prev, ok := seen[key]; ok {
					t.Fatalf("key %q derived for both %v and %v", key, prev, triple)
				}
				seen[key] = triple
			}
		}
	}

	assert.Len(t, seen, len(parts)*len(parts)*len(parts))
}

func BenchmarkDeriveKey(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = DeriveKey("tenant-"+fmt.Sprint(i%100), "GET /orders", "pro")
	}
}
