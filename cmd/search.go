package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/user/syncbook/internal/db"
	"github.com/user/syncbook/internal/highlight"
)

var (
	jsonOutput      bool
	plaintextOutput bool
	searchSources   []string
	searchLimit     int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search synced highlights",
	Long:  "Search the local ledger of highlights Readwise has accepted.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")

		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := a.ledger.Search(cmd.Context(), query, searchSources, searchLimit)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}

		if jsonOutput {
			return outputJSON(results)
		}
		if plaintextOutput {
			return outputPlaintext(results)
		}
		return outputDefault(results)
	},
}

func outputJSON(results []db.Entry) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func outputPlaintext(results []db.Entry) error {
	for _, r := range results {
		fmt.Printf("%s\t%s\t%s\t%s\n", r.Source, r.Title, highlight.FormatTime(r.HighlightedAt), r.HighlightURL)
	}
	return nil
}

func outputDefault(results []db.Entry) error {
	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	for i, r := range results {
		icon := sourceIcon(r.Source)
		fmt.Printf("%d. %s %s · %s\n   %s\n", i+1, icon, r.Title, humanize.Time(r.HighlightedAt), r.HighlightURL)
		if r.Text != "" {
			fmt.Printf("   %s\n", truncate(strings.ReplaceAll(r.Text, "\n", " "), 100))
		}
		fmt.Println()
	}
	return nil
}

func sourceIcon(source string) string {
	switch source {
	case highlight.SourceWeRead:
		return "[W]"
	case highlight.SourceDedao:
		return "[D]"
	default:
		return "[?]"
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func init() {
	searchCmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	searchCmd.Flags().BoolVarP(&plaintextOutput, "plaintext", "p", false, "Output as plaintext")
	searchCmd.Flags().StringSliceVarP(&searchSources, "source", "s", nil, "Limit to sources (weread, dedao)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum results")
	rootCmd.AddCommand(searchCmd)
}
