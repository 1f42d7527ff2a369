package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "List the configured tiers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		table, err := cfg.PolicyTable()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIER\tCAPACITY\tWINDOW\tREFILL\tALGORITHM\tLOCAL ONLY")
		for _, p := range table.Tiers() {
			refill := "-"
			if p.RefillInterval > 0 {
				refill = p.RefillInterval.String()
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%v\n", p.Name, p.Capacity, p.Window, refill, p.Algorithm, p.LocalOnly)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(tiersCmd)
}
