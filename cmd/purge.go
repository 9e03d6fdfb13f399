package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/syncbook/internal/highlight"
	"github.com/user/syncbook/internal/readwise"
)

var (
	purgeSource string
	purgeDryRun bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every Readwise highlight of one source",
	Long:  "Walk the Readwise books of a source and delete their highlights. The local ledger entries for the source are removed as well.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.readwise.Purge(cmd.Context(), readwise.PurgeOptions{
			Source: purgeSource,
			DryRun: purgeDryRun,
			OnHighlight: func(book readwise.Book, h readwise.Highlight) {
				fmt.Printf("%s\t%d\t%s\n", book.Title, h.ID, truncate(h.Text, 60))
			},
		})
		if err != nil {
			return fmt.Errorf("purge failed after %d deletions: %w", res.Deleted, err)
		}

		if purgeDryRun {
			fmt.Printf("Dry run: %d highlights in %d books would be deleted\n", res.Highlights, res.Books)
			return nil
		}
		removed, err := a.ledger.DeleteBySource(cmd.Context(), purgeSource)
		if err != nil {
			return fmt.Errorf("failed to clear local ledger: %w", err)
		}
		fmt.Printf("Deleted %d highlights in %d books (%d ledger entries)\n", res.Deleted, res.Books, removed)
		return nil
	},
}

func init() {
	purgeCmd.Flags().StringVar(&purgeSource, "source", highlight.SourceWeRead, "Readwise source to purge")
	purgeCmd.Flags().BoolVar(&purgeDryRun, "dry-run", false, "List highlights without deleting them")
	rootCmd.AddCommand(purgeCmd)
}
