// Package progress derives a 0-100 progress value and a stage label from
// whatever signal a provider observation carries.
package progress

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/studioforge/model-trainer/backend/models"
)

// Signal names the input that produced a Result
type Signal string

const (
	SignalTerminal Signal = "terminal"
	SignalPercent  Signal = "percent"
	SignalSteps    Signal = "steps"
	SignalElapsed  Signal = "elapsed"
)

// Band reserved for the compute-bound part of a job. The head covers provider
// startup and the tail covers post-processing and upload.
const (
	bandLow  = 10
	bandHigh = 95
)

// elapsedCeiling caps the time-based estimate so it never implies completion
const elapsedCeiling = 90

// rate is the elapsed-time estimate for one non-terminal status
type rate struct {
	base      float64
	perMinute float64
}

var elapsedRates = map[models.Status]rate{
	models.StatusStarting:      {base: 5, perMinute: 0.5},
	models.StatusPreprocessing: {base: 10, perMinute: 1.0},
	models.StatusTraining:      {base: 20, perMinute: 1.5},
}

var (
	// ai-toolkit prints "flux_train_replicate:  40%|████      | 400/1000"
	trainerPercentRe = regexp.MustCompile(`flux_train_replicate:\s*(\d{1,3})%`)
	// generic tqdm bars: " 40%|████"
	tqdmPercentRe = regexp.MustCompile(`(\d{1,3})%\|`)
	stepCounterRe = regexp.MustCompile(`(\d+)/(\d+)`)
)

// Input is everything the extractor may look at
type Input struct {
	Status  models.Status
	Logs    string
	Percent *float64
	Steps   *models.StepCounter
	Elapsed time.Duration
}

// Result is the derived progress
type Result struct {
	Progress   int
	StageLabel string
	Signal     Signal
}

// Extract applies the signals in priority order: terminal status, percentage
// (structured, then log marker), step counter (structured, then log), and
// finally the elapsed-time heuristic. It performs no I/O.
func Extract(in Input) Result {
	switch in.Status {
	case models.StatusCompleted:
		return Result{Progress: 100, StageLabel: "completed", Signal: SignalTerminal}
	case models.StatusFailed:
		return Result{Progress: 0, StageLabel: "failed", Signal: SignalTerminal}
	}

	if pct, ok := percent(in); ok {
		return Result{
			Progress:   Rescale(float64(pct) / 100),
			StageLabel: fmt.Sprintf("%s (%d%%)", in.Status, pct),
			Signal:     SignalPercent,
		}
	}

	if cur, total, ok := steps(in); ok {
		return Result{
			Progress:   Rescale(float64(cur) / float64(total)),
			StageLabel: fmt.Sprintf("%s (%d/%d steps)", in.Status, cur, total),
			Signal:     SignalSteps,
		}
	}

	return Result{
		Progress:   Elapsed(in.Status, in.Elapsed),
		StageLabel: string(in.Status),
		Signal:     SignalElapsed,
	}
}

// Rescale maps a fraction in [0,1] onto the reporting band
func Rescale(fraction float64) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	v := int(math.Round(bandLow + fraction*(bandHigh-bandLow)))
	return clamp(v, bandLow, bandHigh)
}

// Elapsed is the time-based estimate for a non-terminal status. Unknown
// statuses fall back to the Starting rate.
func Elapsed(status models.Status, elapsed time.Duration) int {
	r, ok := elapsedRates[status]
	if !ok {
		r = elapsedRates[models.StatusStarting]
	}
	if elapsed < 0 {
		elapsed = 0
	}
	v := r.base + elapsed.Minutes()*r.perMinute
	if v > elapsedCeiling {
		v = elapsedCeiling
	}
	return int(math.Floor(v))
}

func percent(in Input) (int, bool) {
	if in.Percent != nil && !math.IsNaN(*in.Percent) {
		return clamp(int(math.Round(*in.Percent)), 0, 100), true
	}
	if in.Logs == "" {
		return 0, false
	}
	return lastPercent(in.Logs)
}

// lastPercent returns the right-most percentage marker of either form
func lastPercent(logs string) (int, bool) {
	best, bestPos := 0, -1
	for _, re := range []*regexp.Regexp{trainerPercentRe, tqdmPercentRe} {
		for _, m := range re.FindAllStringSubmatchIndex(logs, -1) {
			v, err := strconv.Atoi(logs[m[2]:m[3]])
			if err != nil || v > 100 {
				continue
			}
			if m[2] > bestPos {
				best, bestPos = v, m[2]
			}
		}
	}
	return best, bestPos >= 0
}

func steps(in Input) (int, int, bool) {
	if in.Steps != nil && in.Steps.Total > 0 && in.Steps.Current >= 0 && in.Steps.Current <= in.Steps.Total {
		return in.Steps.Current, in.Steps.Total, true
	}
	if in.Logs == "" {
		return 0, 0, false
	}
	matches := stepCounterRe.FindAllStringSubmatch(in.Logs, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		cur, err1 := strconv.Atoi(matches[i][1])
		total, err2 := strconv.Atoi(matches[i][2])
		if err1 != nil || err2 != nil || total <= 0 || cur > total {
			continue
		}
		return cur, total, true
	}
	return 0, 0, false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
