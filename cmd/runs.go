package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.ledger.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}
		for _, r := range runs {
			took := r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)
			line := fmt.Sprintf("%-9s %-14s %4d  %s (%s)", r.Status, humanize.Time(r.StartedAt), r.Submitted, r.ID, took)
			if r.Error != "" {
				line += "\n          " + r.Error
			}
			fmt.Println(line)
		}
		total, err := a.ledger.Count(cmd.Context())
		if err == nil {
			fmt.Printf("\n%s highlights in ledger\n", humanize.Comma(int64(total)))
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show")
	rootCmd.AddCommand(runsCmd)
}
