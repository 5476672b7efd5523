package replicate

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/replicate/replicate-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
	"github.com/studioforge/model-trainer/backend/reconciler"
	"github.com/studioforge/model-trainer/backend/repository"
	"github.com/studioforge/model-trainer/backend/triggers"
)

type fakeAPI struct {
	training    *replicate.Training
	trainingErr error
	models      map[string]*replicate.Model
	modelErr    error

	createdDest    string
	createdInput   replicate.TrainingInput
	createdWebhook *replicate.Webhook
}

func (f *fakeAPI) GetTraining(context.Context, string) (*replicate.Training, error) {
	return f.training, f.trainingErr
}

func (f *fakeAPI) GetModel(_ context.Context, owner, name string) (*replicate.Model, error) {
	if f.modelErr != nil {
		return nil, f.modelErr
	}
	m, ok := f.models[owner+"/"+name]
	if !ok {
		return nil, &replicate.APIError{Status: http.StatusNotFound}
	}
	return m, nil
}

func (f *fakeAPI) CreateTraining(_ context.Context, _, _, _, destination string,
	input replicate.TrainingInput, webhook *replicate.Webhook) (*replicate.Training, error) {
	f.createdDest = destination
	f.createdInput = input
	f.createdWebhook = webhook
	return &replicate.Training{ID: "tr-123", Status: replicate.Status("starting")}, nil
}

var jobCreatedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func jobWithDest() *models.TrainingJob {
	return &models.TrainingJob{
		ID:            "job-1",
		Provider:      models.ProviderReplicate,
		ProviderJobID: "tr-123",
		Status:        models.StatusTraining,
		Metadata:      map[string]interface{}{models.MetaReplicateDest: "studio/corgi"},
		CreatedAt:     jobCreatedAt,
	}
}

func TestFetchStatus(t *testing.T) {
	t.Parallel()
	logs := "flux_train_replicate: 100%|██████████| 1000/1000"
	api := &fakeAPI{training: &replicate.Training{
		ID:     "tr-123",
		Status: replicate.Status("succeeded"),
		Logs:   &logs,
		Output: map[string]interface{}{
			"version": "studio/corgi:abc123",
			"weights": "https://replicate.delivery/weights.tar",
		},
	}}
	c := newClient(api, "", nil, nil)

	obs, err := c.FetchStatus(context.Background(), jobWithDest())
	require.NoError(t, err)
	assert.Equal(t, "succeeded", obs.RawStatus)
	assert.Equal(t, logs, obs.Logs)
	require.NotNil(t, obs.Artifact)
	assert.Equal(t, "abc123", obs.Artifact.Version)
	assert.Equal(t, "studio/corgi:abc123", obs.Artifact.ModelURL)
	assert.Equal(t, "https://replicate.delivery/weights.tar", obs.Artifact.WeightsURL)
}

func TestFetchStatusFailure(t *testing.T) {
	t.Parallel()
	c := newClient(&fakeAPI{trainingErr: context.DeadlineExceeded}, "", nil, nil)

	_, err := c.FetchStatus(context.Background(), jobWithDest())
	assert.ErrorIs(t, err, apperrors.ErrProviderUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFindArtifact(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{models: map[string]*replicate.Model{
		"studio/corgi": {LatestVersion: &replicate.ModelVersion{ID: "v9", CreatedAt: "2025-03-01T12:41:07.318212Z"}},
		"studio/empty": {},
		"studio/reused": {LatestVersion: &replicate.ModelVersion{ID: "old-v1", CreatedAt: "2025-01-01T00:00:00Z"}},
		"studio/undated": {LatestVersion: &replicate.ModelVersion{ID: "v2"}},
	}}
	c := newClient(api, "", nil, nil)

	artifact, err := c.FindArtifact(context.Background(), jobWithDest())
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, "studio/corgi:v9", artifact.ModelURL)

	empty := jobWithDest()
	empty.Metadata[models.MetaReplicateDest] = "studio/empty"
	artifact, err = c.FindArtifact(context.Background(), empty)
	require.NoError(t, err)
	assert.Nil(t, artifact)

	reused := jobWithDest()
	reused.Metadata[models.MetaReplicateDest] = "studio/reused"
	artifact, err = c.FindArtifact(context.Background(), reused)
	require.NoError(t, err)
	assert.Nil(t, artifact, "a version from an earlier training is not this job's output")

	reused.ResultArtifact = &models.ResultArtifact{Version: "old-v1"}
	artifact, err = c.FindArtifact(context.Background(), reused)
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, "studio/reused:old-v1", artifact.ModelURL)

	undated := jobWithDest()
	undated.Metadata[models.MetaReplicateDest] = "studio/undated"
	artifact, err = c.FindArtifact(context.Background(), undated)
	require.NoError(t, err)
	assert.Nil(t, artifact)

	missing := jobWithDest()
	missing.Metadata[models.MetaReplicateDest] = "studio/never-created"
	artifact, err = c.FindArtifact(context.Background(), missing)
	require.NoError(t, err)
	assert.Nil(t, artifact)

	_, err = newClient(&fakeAPI{modelErr: errors.New("502 bad gateway")}, "", nil, nil).
		FindArtifact(context.Background(), jobWithDest())
	assert.ErrorContains(t, err, "502")
}

func TestForceUpdateIgnoresEarlierVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(jobCreatedAt)
	store := repository.NewMemoryStore()
	job := jobWithDest()
	job.Status = models.StatusStarting
	job.Progress = 0
	require.NoError(t, store.Create(ctx, job))

	api := &fakeAPI{models: map[string]*replicate.Model{
		"studio/corgi": {LatestVersion: &replicate.ModelVersion{ID: "old-v1", CreatedAt: "2025-01-01T00:00:00Z"}},
	}}
	r := reconciler.New(store, reconciler.WithClock(mock))
	force := triggers.NewForceUpdater(r, triggers.DefaultTimeoutPolicy(), time.Second, nil, newClient(api, "", nil, nil))

	mock.Add(5 * time.Minute)
	res, err := force.ForceUpdate(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, res.ArtifactFound)
	assert.Equal(t, triggers.DecisionStarting, res.Decision)
	assert.Equal(t, models.StatusStarting, res.Job.Status)
	assert.Nil(t, res.Job.ResultArtifact)

	api.models["studio/corgi"].LatestVersion = &replicate.ModelVersion{ID: "new-v2", CreatedAt: "2025-03-01T12:04:00Z"}
	res, err = force.ForceUpdate(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.ArtifactFound)
	assert.Equal(t, triggers.DecisionCompleted, res.Decision)
	assert.Equal(t, models.StatusCompleted, res.Job.Status)
	assert.Equal(t, "studio/corgi:new-v2", res.Job.ResultArtifact.ModelURL)
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{models: map[string]*replicate.Model{
		"ostris/flux-dev-lora-trainer": {LatestVersion: &replicate.ModelVersion{ID: "trainer-v1"}},
	}}
	c := newClient(api, "https://trainer.example.com/api/v1/webhooks/replicate", nil, nil)

	id, err := c.Submit(context.Background(), jobWithDest(), map[string]interface{}{"steps": 1000})
	require.NoError(t, err)
	assert.Equal(t, "tr-123", id)
	assert.Equal(t, "studio/corgi", api.createdDest)
	assert.Equal(t, 1000, api.createdInput["steps"])
	require.NotNil(t, api.createdWebhook)
	assert.Equal(t, "https://trainer.example.com/api/v1/webhooks/replicate", api.createdWebhook.URL)
}

func TestParseWebhook(t *testing.T) {
	t.Parallel()

	p, err := ParseWebhook([]byte(`{"id":"tr-123","status":"processing","logs":"flux_train_replicate: 40%"}`))
	require.NoError(t, err)
	obs := p.Observation(jobWithDest())
	assert.Equal(t, models.SourceWebhook, obs.Source)
	assert.Equal(t, "processing", obs.RawStatus)
	assert.Nil(t, obs.Artifact)

	p, err = ParseWebhook([]byte(`{"id":"tr-123","status":"succeeded","output":{"version":"abc"}}`))
	require.NoError(t, err)
	obs = p.Observation(jobWithDest())
	require.NotNil(t, obs.Artifact)
	assert.Equal(t, "studio/corgi:abc", obs.Artifact.ModelURL)

	p, err = ParseWebhook([]byte(`{"id":"tr-123","status":"failed","error":"CUDA out of memory"}`))
	require.NoError(t, err)
	assert.Equal(t, "CUDA out of memory", p.Observation(jobWithDest()).Error)

	for _, body := range []string{`not json`, `{"status":"processing"}`, `{"id":"tr-1"}`} {
		_, err := ParseWebhook([]byte(body))
		assert.ErrorIs(t, err, apperrors.ErrValidation, body)
	}
}

func TestSignatureVerifier(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_740_000_000, 0))
	secret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("super-secret-signing-key"))
	v, err := NewSignatureVerifier(secret, mock)
	require.NoError(t, err)

	body := []byte(`{"id":"tr-123","status":"succeeded"}`)
	ts := strconv.FormatInt(mock.Now().Unix(), 10)
	header := http.Header{}
	header.Set(HeaderWebhookID, "msg_1")
	header.Set(HeaderWebhookTimestamp, ts)
	header.Set(HeaderWebhookSignature, "v1,bogus v1,"+v.Sign("msg_1", ts, body))
	require.NoError(t, v.Verify(header, body))

	assert.ErrorIs(t, v.Verify(header, []byte(`{"id":"tr-123","status":"failed"}`)), ErrInvalidSignature)

	mock.Add(6 * time.Minute)
	assert.ErrorIs(t, v.Verify(header, body), ErrInvalidSignature)

	assert.ErrorIs(t, v.Verify(http.Header{}, body), ErrInvalidSignature)

	_, err = NewSignatureVerifier("whsec_!!!", mock)
	assert.Error(t, err)
}
