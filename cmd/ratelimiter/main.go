// Command ratelimiter runs and inspects the distributed request-rate limiter.
//
// Usage:
//
//	# Serve the demo API behind the limiter middleware
//	ratelimiter serve --config ratelimiter.yaml
//
//	# Ask for a single decision
//	ratelimiter check --tenant acme --resource "GET /orders" --tier free
//
//	# List the configured tiers
//	ratelimiter tiers
package main

func main() {
	Execute()
}
