package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/studioforge/model-trainer/backend/config"
)

func newSweepCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one stale-job sweep and exit",
		Long: "Fails jobs that outlived their timeout and moves stalled early jobs to training.\n" +
			"Meant for cron when the server runs with sweep.enabled=false.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := loadApp(ctx, load, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.sweeper().RunOnce(ctx)
			a.logger.Info("Sweep finished",
				zap.Int("checked", report.Checked),
				zap.Int("timed_out", report.TimedOut),
				zap.Int("bridged", report.Bridged),
				zap.Error(err))
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d timed_out=%d bridged=%d\n",
				report.Checked, report.TimedOut, report.Bridged)
			return err
		},
	}
}
