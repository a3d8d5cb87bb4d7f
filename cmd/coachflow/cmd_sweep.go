package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/coachflow/internal/sweeper"
	"github.com/aixgo-dev/coachflow/pkg/session"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one sweep of idle and expired sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := session.NewStore(ctx, cfg.Sessions)
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		defer store.Close()

		sw, err := sweeper.New(store, cfg.Sweeper)
		if err != nil {
			return err
		}
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		report, err := sw.RunOnce(runCtx)
		fmt.Printf("scanned=%d abandoned=%d expired=%d skipped=%d\n",
			report.Scanned, report.Abandoned, report.Expired, report.Skipped)
		return err
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
