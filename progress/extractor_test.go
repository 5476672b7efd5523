package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/studioforge/model-trainer/backend/models"
)

func ptr[T any](v T) *T { return &v }

func TestExtractTerminalSkipsLogs(t *testing.T) {
	t.Parallel()

	got := Extract(Input{Status: models.StatusCompleted, Logs: "flux_train_replicate: 12%|"})
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, SignalTerminal, got.Signal)

	got = Extract(Input{Status: models.StatusFailed, Logs: "flux_train_replicate: 99%|"})
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, "failed", got.StageLabel)
}

func TestExtract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       Input
		progress int
		label    string
		signal   Signal
	}{
		{
			name:     "trainer percent marker",
			in:       Input{Status: models.StatusTraining, Logs: "flux_train_replicate: 40%"},
			progress: 44,
			label:    "training (40%)",
			signal:   SignalPercent,
		},
		{
			name: "most recent marker wins",
			in: Input{Status: models.StatusTraining, Logs: "flux_train_replicate:  10%|█ | 100/1000\n" +
				"flux_train_replicate:  60%|██████ | 600/1000\n"},
			progress: 61,
			label:    "training (60%)",
			signal:   SignalPercent,
		},
		{
			name:     "tqdm bar without trainer prefix",
			in:       Input{Status: models.StatusPreprocessing, Logs: "caption:  50%|█████     | 5/10"},
			progress: 53,
			label:    "preprocessing (50%)",
			signal:   SignalPercent,
		},
		{
			name:     "structured percent beats logs",
			in:       Input{Status: models.StatusTraining, Percent: ptr(80.0), Logs: "flux_train_replicate: 10%"},
			progress: 78,
			label:    "training (80%)",
			signal:   SignalPercent,
		},
		{
			name:     "percent above 100 ignored",
			in:       Input{Status: models.StatusTraining, Logs: "loss 250%| 340/1000"},
			progress: 39,
			label:    "training (340/1000 steps)",
			signal:   SignalSteps,
		},
		{
			name:     "log step counter",
			in:       Input{Status: models.StatusTraining, Logs: "step 100/1000\nstep 340/1000"},
			progress: 39,
			label:    "training (340/1000 steps)",
			signal:   SignalSteps,
		},
		{
			name:     "invalid counters skipped",
			in:       Input{Status: models.StatusTraining, Logs: "step 500/1000\nbatch 7/0\nepoch 12/3"},
			progress: 53,
			label:    "training (500/1000 steps)",
			signal:   SignalSteps,
		},
		{
			name:     "structured steps",
			in:       Input{Status: models.StatusTraining, Steps: &models.StepCounter{Current: 1000, Total: 1000}},
			progress: 95,
			label:    "training (1000/1000 steps)",
			signal:   SignalSteps,
		},
		{
			name:     "elapsed while starting",
			in:       Input{Status: models.StatusStarting, Elapsed: 10 * time.Minute},
			progress: 10,
			label:    "starting",
			signal:   SignalElapsed,
		},
		{
			name:     "elapsed while training",
			in:       Input{Status: models.StatusTraining, Elapsed: 10 * time.Minute},
			progress: 35,
			label:    "training",
			signal:   SignalElapsed,
		},
		{
			name:     "elapsed capped",
			in:       Input{Status: models.StatusTraining, Elapsed: 3 * time.Hour},
			progress: 90,
			label:    "training",
			signal:   SignalElapsed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Extract(tt.in)
			assert.Equal(t, tt.progress, got.Progress)
			assert.Equal(t, tt.label, got.StageLabel)
			assert.Equal(t, tt.signal, got.Signal)
		})
	}
}

func TestRescaleBand(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 10, Rescale(0))
	assert.Equal(t, 44, Rescale(0.4))
	assert.Equal(t, 95, Rescale(1))
	assert.Equal(t, 95, Rescale(3))
	assert.Equal(t, 10, Rescale(-1))
}

func TestElapsedIsNonDecreasing(t *testing.T) {
	t.Parallel()
	for _, s := range []models.Status{models.StatusStarting, models.StatusPreprocessing, models.StatusTraining} {
		prev := -1
		for m := 0; m <= 240; m++ {
			v := Elapsed(s, time.Duration(m)*time.Minute)
			assert.GreaterOrEqual(t, v, prev, "%s at %dm", s, m)
			assert.LessOrEqual(t, v, 90)
			prev = v
		}
	}
}
