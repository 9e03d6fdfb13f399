package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/user/syncbook/internal/syncer"
	"github.com/user/syncbook/internal/tui"
)

var rootCmd = &cobra.Command{
	Use:   "syncbook",
	Short: "Sync reading highlights into Readwise",
	Long:  "Collects highlights from WeRead and a Notion database of Dedao notes and submits them to Readwise. Without a subcommand it opens a browser over the local ledger.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		var sync tui.SyncFunc
		if engine, err := a.buildEngine(); err == nil {
			sync = func(ctx context.Context) (*syncer.Result, error) {
				return engine.Run(ctx, syncer.Options{})
			}
		}
		return tui.Run(a.ledger, sync)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (default: ~/.syncbook)")
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}
