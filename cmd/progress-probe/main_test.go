package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func run(t *testing.T, stdin string, args ...string) (report, error) {
	t.Helper()
	cmd := newCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return report{}, err
	}
	var r report
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &r))
	return r, nil
}

func TestProbeLogMarker(t *testing.T) {
	r, err := run(t, "loading\nflux_train_replicate:  40%|████      | 400/1000\n")
	require.NoError(t, err)
	assert.Equal(t, 44, r.Progress)
	assert.Equal(t, "percent", r.Signal)
	assert.Equal(t, "training (40%)", r.StageLabel)
}

func TestProbeElapsed(t *testing.T) {
	r, err := run(t, "", "--status", "starting", "--elapsed", "10m")
	require.NoError(t, err)
	assert.Equal(t, 10, r.Progress)
	assert.Equal(t, "elapsed", r.Signal)
}

func TestProbeRejectsUnknownStatus(t *testing.T) {
	_, err := run(t, "", "--status", "paused")
	assert.Error(t, err)
}

func TestProbeReadsLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "training.log")
	require.NoError(t, os.WriteFile(path, []byte("flux_train_replicate: 100%|██████████| 1000/1000\n"), 0o600))

	r, err := run(t, "ignored", "--status", "training", path)
	require.NoError(t, err)
	assert.Equal(t, 95, r.Progress)
	assert.Equal(t, "percent", r.Signal)
	assert.Greater(t, r.LogBytes, 0)
}
