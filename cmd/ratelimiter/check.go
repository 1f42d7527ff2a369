package main

import (
	"fmt"
	"time"

	"github.com/boptone/ratelimiter"
	"github.com/spf13/cobra"
)

var (
	checkTenant   string
	checkResource string
	checkTier     string
	checkCost     int64
	checkRepeat   int
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Ask the limiter for one or more decisions",
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkTenant, "tenant", "", "tenant id")
	checkCmd.Flags().StringVar(&checkResource, "resource", "", "protected resource")
	checkCmd.Flags().StringVar(&checkTier, "tier", "free", "tier name")
	checkCmd.Flags().Int64Var(&checkCost, "cost", 1, "tokens consumed per call")
	checkCmd.Flags().IntVarP(&checkRepeat, "repeat", "n", 1, "number of calls")
	_ = checkCmd.MarkFlagRequired("tenant")
	_ = checkCmd.MarkFlagRequired("resource")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	l, err := newLimiter(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	req := ratelimiter.Request{
		TenantID: checkTenant,
		Resource: checkResource,
		Tier:     checkTier,
		Cost:     checkCost,
	}

	out := cmd.OutOrStdout()
	for i := 1; i <= checkRepeat; i++ {
		dec, err := l.engine.Check(cmd.Context(), req)
		if err != nil {
			return err
		}
		state := "allow"
		if !dec.Allowed {
			state = "deny"
		}
		fmt.Fprintf(out, "%d\t%s\tremaining=%d\treset=%s\tsource=%s\n",
			i, state, dec.Remaining, dec.ResetAt.Format(time.RFC3339Nano), dec.LimitedBy)
	}
	return nil
}
