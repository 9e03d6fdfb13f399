package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/syncbook/internal/syncer"
)

var (
	syncDryRun bool
	syncFrom   string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync",
	Long:  "Fetch new highlights from WeRead and the Notion database, submit them to Readwise and advance the cursors.",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseFrom(syncFrom, time.Now())
		if err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}

		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		engine, err := a.buildEngine()
		if err != nil {
			return err
		}
		res, err := engine.Run(cmd.Context(), syncer.Options{DryRun: syncDryRun, From: from})
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Report what would be synced without submitting")
	syncCmd.Flags().StringVar(&syncFrom, "from", "", `Override the watermark for this run ("2024-01-01", "last monday")`)
	rootCmd.AddCommand(syncCmd)
}
