package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
	"github.com/studioforge/model-trainer/backend/providers/modal"
	"github.com/studioforge/model-trainer/backend/providers/replicate"
	"github.com/studioforge/model-trainer/backend/repository"
	"github.com/studioforge/model-trainer/backend/triggers"
)

// maxWebhookBody caps webhook payloads; Replicate includes full logs
const maxWebhookBody = 4 << 20

// Handler handles HTTP requests
type Handler struct {
	store     repository.Store
	submitter *triggers.Submitter
	poller    *triggers.Poller
	force     *triggers.ForceUpdater
	webhook   *triggers.Webhook
	verifier  *replicate.SignatureVerifier
	logger    *zap.Logger
}

// Deps are the collaborators of a Handler. Verifier may be nil, in which
// case Replicate webhooks are accepted unsigned.
type Deps struct {
	Store     repository.Store
	Submitter *triggers.Submitter
	Poller    *triggers.Poller
	Force     *triggers.ForceUpdater
	Webhook   *triggers.Webhook
	Verifier  *replicate.SignatureVerifier
	Logger    *zap.Logger
}

// NewHandler creates a new handler instance
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:     d.Store,
		submitter: d.Submitter,
		poller:    d.Poller,
		force:     d.Force,
		webhook:   d.Webhook,
		verifier:  d.Verifier,
		logger:    logger,
	}
}

// Register mounts the API under api. pollLimit guards the provider-backed
// status route and operatorAuth guards force-update.
func (h *Handler) Register(api *gin.RouterGroup, pollLimit, operatorAuth gin.HandlerFunc) {
	jobs := api.Group("/jobs")
	{
		jobs.POST("", h.CreateTrainingJob)
		jobs.GET("/:id", h.GetTrainingJob)
		jobs.GET("/:id/status", pollLimit, h.GetTrainingJobStatus)
		jobs.GET("/:id/events", h.GetTrainingJobEvents)
		jobs.POST("/:id/force-update", operatorAuth, h.ForceUpdate)
	}

	webhooks := api.Group("/webhooks")
	{
		webhooks.POST("/replicate", h.ReplicateWebhook)
		webhooks.POST("/modal", h.ModalWebhook)
	}
}

// CreateTrainingJob handles POST /api/v1/jobs
func (h *Handler) CreateTrainingJob(c *gin.Context) {
	var req models.SubmitTrainingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request payload",
			"details": err.Error(),
		})
		return
	}

	job, err := h.submitter.Submit(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.NewJobStatusResponse(job))
}

// GetTrainingJob handles GET /api/v1/jobs/:id and never calls a provider
func (h *Handler) GetTrainingJob(c *gin.Context) {
	jobID := c.Param("id")
	job, err := h.store.Get(c.Request.Context(), jobID)
	if repository.IsNotFound(err) {
		err = apperrors.NotFound(jobID)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewJobStatusResponse(job))
}

// GetTrainingJobStatus handles GET /api/v1/jobs/:id/status
func (h *Handler) GetTrainingJobStatus(c *gin.Context) {
	res, err := h.poller.Poll(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewJobStatusResponse(res.Job))
}

// GetTrainingJobEvents handles GET /api/v1/jobs/:id/events
func (h *Handler) GetTrainingJobEvents(c *gin.Context) {
	jobID := c.Param("id")
	ctx := c.Request.Context()
	if _, err := h.store.Get(ctx, jobID); err != nil {
		if repository.IsNotFound(err) {
			err = apperrors.NotFound(jobID)
		}
		h.writeError(c, err)
		return
	}

	events, err := h.store.ListEvents(ctx, jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if events == nil {
		events = []models.JobEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"jobId": jobID, "events": events})
}

// ForceUpdate handles POST /api/v1/jobs/:id/force-update
func (h *Handler) ForceUpdate(c *gin.Context) {
	res, err := h.force.ForceUpdate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res.Response())
}

// ReplicateWebhook handles POST /api/v1/webhooks/replicate
func (h *Handler) ReplicateWebhook(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	if h.verifier != nil {
		if err := h.verifier.Verify(c.Request.Header, body); err != nil {
			h.logger.Warn("Rejected unsigned replicate webhook", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
			return
		}
	}

	payload, err := replicate.ParseWebhook(body)
	if err != nil {
		h.rejectWebhook(c, models.ProviderReplicate, err)
		return
	}
	res, err := h.webhook.Deliver(c.Request.Context(), models.ProviderReplicate, payload.ID, payload.Observation)
	h.ackWebhook(c, res, err)
}

// ModalWebhook handles POST /api/v1/webhooks/modal
func (h *Handler) ModalWebhook(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}

	payload, err := modal.ParsePayload(body)
	if err != nil {
		h.rejectWebhook(c, models.ProviderModal, err)
		return
	}
	res, err := h.webhook.Deliver(c.Request.Context(), models.ProviderModal, payload.Key(),
		func(*models.TrainingJob) models.Observation { return payload.Observation() })
	h.ackWebhook(c, res, err)
}

func (h *Handler) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return nil, false
	}
	return body, true
}

// rejectWebhook acknowledges a malformed delivery so the provider does not
// retry it
func (h *Handler) rejectWebhook(c *gin.Context, provider models.Provider, err error) {
	h.logger.Warn("Dropped malformed webhook", zap.String("provider", string(provider)), zap.Error(err))
	c.JSON(http.StatusOK, models.WebhookAck{Accepted: false, Reason: err.Error()})
}

func (h *Handler) ackWebhook(c *gin.Context, res *triggers.WebhookResult, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	ack := models.WebhookAck{
		Accepted: res.Accepted,
		Outcome:  string(res.Outcome),
		Reason:   res.Reason,
	}
	if res.Job != nil {
		ack.JobID = res.Job.ID
		ack.Status = res.Job.Status
		ack.Progress = res.Job.Progress
	}
	c.JSON(http.StatusOK, ack)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	_ = c.Error(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
