package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/user/syncbook/internal/credwatch"
	"github.com/user/syncbook/internal/highlight"
)

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage stored session credentials",
}

var credsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Store a WeRead cookie bag from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		creds, err := credwatch.ImportFile(cmd.Context(), a.state, highlight.SourceWeRead, args[0])
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(creds))
		for k := range creds {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Printf("Imported %d cookies: %v\n", len(keys), keys)
		return nil
	},
}

func init() {
	credsCmd.AddCommand(credsImportCmd)
	rootCmd.AddCommand(credsCmd)
}
