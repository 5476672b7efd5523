package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"

	"github.com/studioforge/model-trainer/backend/converter"
	"github.com/studioforge/model-trainer/backend/middleware"
	"github.com/studioforge/model-trainer/backend/models"
	"github.com/studioforge/model-trainer/backend/providers/replicate"
	"github.com/studioforge/model-trainer/backend/reconciler"
	"github.com/studioforge/model-trainer/backend/repository"
	"github.com/studioforge/model-trainer/backend/triggers"
)

const operatorToken = "operator-token"

type stubSource struct {
	obs models.Observation
	err error
}

func (s *stubSource) Provider() models.Provider { return models.ProviderReplicate }

func (s *stubSource) FetchStatus(context.Context, *models.TrainingJob) (*models.Observation, error) {
	if s.err != nil {
		return nil, s.err
	}
	obs := s.obs
	return &obs, nil
}

type stubInventory struct {
	artifact *models.ResultArtifact
}

func (s *stubInventory) Provider() models.Provider { return models.ProviderModal }

func (s *stubInventory) FindArtifact(context.Context, *models.TrainingJob) (*models.ResultArtifact, error) {
	return s.artifact, nil
}

type stubLauncher struct{}

func (stubLauncher) Submit(context.Context, *models.TrainingJob, map[string]interface{}) (string, error) {
	return "r8-1", nil
}

type HandlerSuite struct {
	suite.Suite
	clock     *clock.Mock
	store     *repository.MemoryStore
	source    *stubSource
	inventory *stubInventory
	verifier  *replicate.SignatureVerifier
	router    *gin.Engine
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.clock = clock.NewMock()
	s.clock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	s.store = repository.NewMemoryStore()
	s.source = &stubSource{}
	s.inventory = &stubInventory{}

	var err error
	s.verifier, err = replicate.NewSignatureVerifier(
		"whsec_"+base64.StdEncoding.EncodeToString([]byte("test-secret")), s.clock)
	s.Require().NoError(err)

	r := reconciler.New(s.store, reconciler.WithClock(s.clock))
	h := NewHandler(Deps{
		Store:     s.store,
		Submitter: triggers.NewSubmitter(r, converter.NewConverter("studioforge"), stubLauncher{}, nil),
		Poller:    triggers.NewPoller(r, time.Second, nil, s.source),
		Force:     triggers.NewForceUpdater(r, triggers.DefaultTimeoutPolicy(), time.Second, nil, s.inventory),
		Webhook:   triggers.NewWebhook(r, nil),
		Verifier:  s.verifier,
	})

	s.router = gin.New()
	h.Register(s.router.Group("/api/v1"), func(c *gin.Context) { c.Next() },
		middleware.OperatorAuthMiddleware(operatorToken))
}

func (s *HandlerSuite) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *HandlerSuite) postJSON(path string, body interface{}) *httptest.ResponseRecorder {
	raw, err := json.Marshal(body)
	s.Require().NoError(err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func (s *HandlerSuite) signedReplicateWebhook(body []byte) *http.Request {
	ts := strconv.FormatInt(s.clock.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/replicate", bytes.NewReader(body))
	req.Header.Set(replicate.HeaderWebhookID, "msg_1")
	req.Header.Set(replicate.HeaderWebhookTimestamp, ts)
	req.Header.Set(replicate.HeaderWebhookSignature, "v1,"+s.verifier.Sign("msg_1", ts, body))
	return req
}

func decode[T any](s *HandlerSuite, w *httptest.ResponseRecorder) T {
	var out T
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *HandlerSuite) createReplicateJob() models.JobStatusResponse {
	w := s.postJSON("/api/v1/jobs", models.SubmitTrainingRequest{
		ModelName: "corgi",
		Provider:  models.ProviderReplicate,
		ImagesURL: "https://example.com/corgi.zip",
	})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	return decode[models.JobStatusResponse](s, w)
}

func (s *HandlerSuite) TestCreateAndGet() {
	created := s.createReplicateJob()
	s.Equal("r8-1", created.ProviderJobID)
	s.Equal(models.StatusStarting, created.Status)
	s.Equal(0, created.Progress)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.ID, nil))
	s.Equal(http.StatusOK, w.Code)
	s.Equal(created.ID, decode[models.JobStatusResponse](s, w).ID)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil))
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *HandlerSuite) TestCreateRejectsInvalidRequest() {
	w := s.postJSON("/api/v1/jobs", map[string]string{"provider": "replicate"})
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.postJSON("/api/v1/jobs", models.SubmitTrainingRequest{ModelName: "corgi", Provider: "runpod"})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *HandlerSuite) TestReplicateWebhook() {
	created := s.createReplicateJob()

	body := []byte(`{"id":"r8-1","status":"processing","logs":"flux_train_replicate: 40%"}`)
	w := s.do(s.signedReplicateWebhook(body))
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	ack := decode[models.WebhookAck](s, w)
	s.True(ack.Accepted)
	s.Equal(created.ID, ack.JobID)
	s.Equal(models.StatusTraining, ack.Status)
	s.Equal(44, ack.Progress)
	s.Equal(string(reconciler.OutcomeApplied), ack.Outcome)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.ID+"/events", nil))
	s.Equal(http.StatusOK, w.Code)
	events := decode[struct {
		Events []models.JobEvent `json:"events"`
	}](s, w)
	s.Require().Len(events.Events, 1)
	s.Equal(models.StatusTraining, events.Events[0].ToStatus)
}

func (s *HandlerSuite) TestReplicateWebhookRejections() {
	s.createReplicateJob()
	body := []byte(`{"id":"r8-1","status":"succeeded"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/replicate", bytes.NewReader(body))
	s.Equal(http.StatusUnauthorized, s.do(req).Code)

	req = s.signedReplicateWebhook(body)
	req.Header.Set(replicate.HeaderWebhookSignature, "v1,"+base64.StdEncoding.EncodeToString([]byte("forged")))
	s.Equal(http.StatusUnauthorized, s.do(req).Code)

	w := s.do(s.signedReplicateWebhook([]byte(`{"status":"succeeded"}`)))
	s.Equal(http.StatusOK, w.Code)
	s.False(decode[models.WebhookAck](s, w).Accepted)

	w = s.do(s.signedReplicateWebhook([]byte(`{"id":"r8-unknown","status":"succeeded"}`)))
	s.Equal(http.StatusOK, w.Code)
	s.False(decode[models.WebhookAck](s, w).Accepted)

	w = s.do(s.signedReplicateWebhook([]byte(`{"id":"r8-1","status":"melted"}`)))
	s.Equal(http.StatusOK, w.Code)
	s.False(decode[models.WebhookAck](s, w).Accepted)
}

func (s *HandlerSuite) TestModalWebhook() {
	w := s.postJSON("/api/v1/jobs", models.SubmitTrainingRequest{ModelName: "corgi", Provider: models.ProviderModal})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.JobStatusResponse](s, w)
	s.Equal(created.ID, created.ProviderJobID)

	w = s.postJSON("/api/v1/webhooks/modal", map[string]interface{}{
		"modelId":  created.ID,
		"status":   "training",
		"progress": 0.6,
	})
	s.Require().Equal(http.StatusOK, w.Code)
	ack := decode[models.WebhookAck](s, w)
	s.True(ack.Accepted)
	s.Equal(61, ack.Progress)

	w = s.postJSON("/api/v1/webhooks/modal", map[string]interface{}{
		"modelId":    created.ID,
		"status":     "completed",
		"model_info": map[string]interface{}{"path": "/models/" + created.ID},
	})
	ack = decode[models.WebhookAck](s, w)
	s.True(ack.Accepted)
	s.Equal(models.StatusCompleted, ack.Status)
	s.Equal(100, ack.Progress)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.ID, nil))
	job := decode[models.JobStatusResponse](s, w)
	s.Require().NotNil(job.ResultArtifact)
	s.Equal("/models/"+created.ID, job.ResultArtifact.ModelURL)
	s.Nil(job.EstimatedMinutesRemaining)
}

func (s *HandlerSuite) TestStatusPolls() {
	created := s.createReplicateJob()
	s.source.obs = models.Observation{
		Provider:  models.ProviderReplicate,
		RawStatus: "processing",
		Logs:      "flux_train_replicate: 40%",
	}

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.ID+"/status", nil))
	s.Require().Equal(http.StatusOK, w.Code)
	job := decode[models.JobStatusResponse](s, w)
	s.Equal(models.StatusTraining, job.Status)
	s.Equal(44, job.Progress)
	s.Require().NotNil(job.EstimatedMinutesRemaining)
	s.Equal(28, *job.EstimatedMinutesRemaining)

	s.source.err = errors.New("connection reset")
	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.ID+"/status", nil))
	s.Equal(http.StatusServiceUnavailable, w.Code)
}

func (s *HandlerSuite) TestForceUpdate() {
	w := s.postJSON("/api/v1/jobs", models.SubmitTrainingRequest{ModelName: "corgi", Provider: models.ProviderModal})
	created := decode[models.JobStatusResponse](s, w)
	s.inventory.artifact = &models.ResultArtifact{ModelURL: "s3://loras/models/" + created.ID}

	path := "/api/v1/jobs/" + created.ID + "/force-update"
	s.Equal(http.StatusUnauthorized, s.do(httptest.NewRequest(http.MethodPost, path, nil)).Code)

	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	w = s.do(req)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.ForceUpdateResponse](s, w)
	s.Equal("completed", resp.Decision)
	s.True(resp.ArtifactFound)
	s.Equal(models.StatusStarting, resp.PreviousStatus)
	s.Equal(models.StatusCompleted, resp.Job.Status)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs/missing/force-update", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	s.Equal(http.StatusNotFound, s.do(req).Code)
}
