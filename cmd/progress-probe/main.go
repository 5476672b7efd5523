// progress-probe prints the progress the service would derive from a
// provider log, for checking new log formats by hand.
//
//	progress-probe --status training train.log
//	curl -s -H "Authorization: Bearer $REPLICATE_API_TOKEN" \
//	  https://api.replicate.com/v1/trainings/$TRAINING_ID | jq -r .logs |
//	  progress-probe --status training --elapsed 12m
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/studioforge/model-trainer/backend/models"
	"github.com/studioforge/model-trainer/backend/progress"
)

type report struct {
	Status     models.Status `yaml:"status"`
	Progress   int           `yaml:"progress"`
	StageLabel string        `yaml:"stage_label"`
	Signal     string        `yaml:"signal"`
	LogBytes   int           `yaml:"log_bytes"`
}

func main() {
	if err := newCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	var (
		status  string
		elapsed time.Duration
		percent float64
	)
	cmd := &cobra.Command{
		Use:   "progress-probe [log-file]",
		Short: "Print the progress extracted from a training log as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := models.Status(status)
			if !st.IsValid() {
				return fmt.Errorf("unknown status %q", status)
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			logs, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read log: %w", err)
			}

			input := progress.Input{Status: st, Logs: string(logs), Elapsed: elapsed}
			if cmd.Flags().Changed("percent") {
				input.Percent = &percent
			}
			res := progress.Extract(input)

			out, err := yaml.Marshal(report{
				Status:     st,
				Progress:   res.Progress,
				StageLabel: res.StageLabel,
				Signal:     string(res.Signal),
				LogBytes:   len(logs),
			})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.StatusTraining), "canonical job status")
	cmd.Flags().DurationVar(&elapsed, "elapsed", 0, "time since the job was created")
	cmd.Flags().Float64Var(&percent, "percent", 0, "structured percentage reported by the provider")
	return cmd
}
