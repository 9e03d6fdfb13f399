package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/syncbook/internal/highlight"
)

var latestSource string

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the most recently highlighted Readwise book of a source",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		book, err := a.readwise.LatestBook(cmd.Context(), latestSource)
		if err != nil {
			return fmt.Errorf("failed to fetch latest book: %w", err)
		}
		if book == nil {
			fmt.Printf("No books for source %s.\n", latestSource)
			return nil
		}
		data, err := json.MarshalIndent(book, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	latestCmd.Flags().StringVar(&latestSource, "source", highlight.SourceDedao, "Readwise source")
	rootCmd.AddCommand(latestCmd)
}
