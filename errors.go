package ratelimiter

import "errors"

var (
	// ErrUnknownTier is returned when a tier is not present in the policy table.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrStoreUnavailable is returned by the shared store when the atomic
	// operation could not complete. The engine absorbs it.
	ErrStoreUnavailable = errors.New("shared store unavailable")

	// ErrKeyDerivation is returned for malformed key inputs.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrInvalidCost is returned for negative request costs.
	ErrInvalidCost = errors.New("invalid cost")

	// ErrInvalidPolicy is returned when a tier policy fails validation.
	ErrInvalidPolicy = errors.New("invalid tier policy")
)
