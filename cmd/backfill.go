package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/syncbook/internal/syncer"
)

var (
	backfillFull   bool
	backfillDryRun bool
)

var syncWeReadCmd = &cobra.Command{
	Use:   "weread",
	Short: "Backfill WeRead highlights Readwise is missing",
	Long:  "Fetch every WeRead highlight and submit those newer than the latest WeRead book in Readwise, or all of them with --full-sync. Sync cursors are left alone.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		engine, err := a.buildEngine()
		if err != nil {
			return err
		}
		res, err := engine.Backfill(cmd.Context(), syncer.BackfillOptions{FullSync: backfillFull, DryRun: backfillDryRun})
		if err != nil {
			return fmt.Errorf("weread backfill failed: %w", err)
		}
		printBackfill(res, backfillFull)
		return nil
	},
}

func printBackfill(res *syncer.BackfillResult, full bool) {
	mode := "Incremental sync"
	if full {
		mode = "Full sync"
	}
	fmt.Println(res.Message)
	fmt.Printf("\nMode: %s\n", mode)
	if res.Since != "" {
		fmt.Printf("Latest highlight in Readwise: %s\n", res.Since)
	}
	fmt.Printf("Total WeRead highlights: %d\n", res.Fetched)
	fmt.Printf("Highlights synced: %d\n", res.Submitted)
	if len(res.PerBook) == 0 {
		return
	}
	fmt.Printf("Books affected: %d\n\nHighlights per book:\n", len(res.PerBook))
	for _, b := range res.PerBook {
		fmt.Printf("%s: %d highlights\n", b.Title, b.Count)
	}
}

func init() {
	syncWeReadCmd.Flags().BoolVar(&backfillFull, "full-sync", false, "Submit every highlight, ignoring what Readwise already has")
	syncWeReadCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Report what would be synced without submitting")
	syncCmd.AddCommand(syncWeReadCmd)
}
