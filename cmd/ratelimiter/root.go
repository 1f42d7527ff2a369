package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ratelimiter",
	Short: "Distributed request-rate limiter",
	Long: `ratelimiter admits or rejects requests against per-tenant quotas.

Counters live in a shared Redis instance while it is healthy. When Redis fails,
a circuit breaker moves every call to process-local counters and probes Redis
again after a cooldown.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults and RATELIMIT_* env when empty)")
}
