package modal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
)

func TestParsePayload(t *testing.T) {
	t.Parallel()

	p, err := ParsePayload([]byte(`{"modelId":"job-1","status":"training","progress":0.4,"steps":{"current":400,"total":1000}}`))
	require.NoError(t, err)
	assert.Equal(t, "job-1", p.Key())

	obs := p.Observation()
	assert.Equal(t, models.ProviderModal, obs.Provider)
	require.NotNil(t, obs.Percent)
	assert.InDelta(t, 40.0, *obs.Percent, 0.001)
	require.NotNil(t, obs.Steps)
	assert.Equal(t, 1000, obs.Steps.Total)
	assert.Nil(t, obs.Artifact)

	p, err = ParsePayload([]byte(`{"id":"call-1","status":"completed","model_info":{"path":"/models/job-1","files":["lora.safetensors"]}}`))
	require.NoError(t, err)
	obs = p.Observation()
	require.NotNil(t, obs.Artifact)
	assert.Equal(t, "/models/job-1", obs.Artifact.ModelURL)
	assert.Equal(t, []string{"lora.safetensors"}, obs.Artifact.Files)

	p, err = ParsePayload([]byte(`{"id":"call-1","status":"training","progress":55}`))
	require.NoError(t, err)
	assert.InDelta(t, 55.0, *p.Observation().Percent, 0.001)
}

func TestPayloadProgressScale(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		body string
		want float64
	}{
		{`{"id":"call-1","status":"training","progress":0}`, 0},
		{`{"id":"call-1","status":"training","progress":0.005}`, 0.5},
		{`{"id":"call-1","status":"training","progress":1}`, 100},
		{`{"id":"call-1","status":"training","progress":1.0}`, 100},
		{`{"id":"call-1","status":"training","progress":1.5}`, 1.5},
		{`{"id":"call-1","status":"training","progress":100}`, 100},
	} {
		p, err := ParsePayload([]byte(tc.body))
		require.NoError(t, err, tc.body)
		obs := p.Observation()
		require.NotNil(t, obs.Percent, tc.body)
		assert.InDelta(t, tc.want, *obs.Percent, 0.0001, tc.body)
	}
}

func TestParsePayloadRejects(t *testing.T) {
	t.Parallel()
	for _, body := range []string{
		`{`,
		`{"status":"training"}`,
		`{"id":"call-1"}`,
		`{"id":"call-1","status":"training","progress":-3}`,
		`{"id":"call-1","status":"training","progress":140}`,
	} {
		_, err := ParsePayload([]byte(body))
		assert.ErrorIs(t, err, apperrors.ErrValidation, body)
	}
}

func TestFetchStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status/call-1", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"call-1","status":"preprocessing","logs":"caption:  50%|█████     | 5/10"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{StatusURL: srv.URL + "/status/", Token: "tok"}, nil, nil)
	require.NoError(t, err)

	obs, err := c.FetchStatus(context.Background(), &models.TrainingJob{ID: "job-1", ProviderJobID: "call-1"})
	require.NoError(t, err)
	assert.Equal(t, "preprocessing", obs.RawStatus)
	assert.Equal(t, models.SourcePoll, obs.Source)
	assert.Contains(t, obs.Logs, "50%")
}

func TestFetchStatusErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "no such call", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{StatusURL: srv.URL}, nil, nil)
	require.NoError(t, err)

	_, err = c.FetchStatus(context.Background(), &models.TrainingJob{ProviderJobID: "missing"})
	assert.ErrorIs(t, err, apperrors.ErrProviderUnavailable)
	assert.ErrorContains(t, err, "404")

	_, err = c.FetchStatus(context.Background(), &models.TrainingJob{ProviderJobID: "no-status"})
	assert.ErrorIs(t, err, apperrors.ErrProviderUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.FetchStatus(ctx, &models.TrainingJob{ProviderJobID: "call-1"})
	assert.ErrorIs(t, err, apperrors.ErrProviderUnavailable)

	_, err = NewClient(Config{}, nil, nil)
	assert.Error(t, err)
}
