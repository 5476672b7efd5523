package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/studioforge/model-trainer/backend/config"
	"github.com/studioforge/model-trainer/backend/models"
)

// Repository handles database operations
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository instance
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new training job record
func (r *Repository) Create(ctx context.Context, job *models.TrainingJob) error {
	if job.Revision == 0 {
		job.Revision = 1
	}
	row, err := toRow(job)
	if err != nil {
		return err
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&config.TrainingJob{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check training job: %w", err)
	}
	if count > 0 {
		return NewErrJobAlreadyExists(job.ID)
	}
	if job.ProviderJobID != "" {
		if err := r.checkProviderJobID(ctx, job.ID, job.Provider, job.ProviderJobID); err != nil {
			return err
		}
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to create training job: %w", err)
	}
	return nil
}

// Get retrieves a training job by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.TrainingJob, error) {
	var row config.TrainingJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, fmt.Errorf("failed to get training job: %w", err)
	}
	return fromRow(&row)
}

// checkProviderJobID fails when providerJobID already routes to a job other
// than jobID. The unique index on (provider, provider_job_id) backs this up
// for concurrent writers.
func (r *Repository) checkProviderJobID(ctx context.Context, jobID string, provider models.Provider, providerJobID string) error {
	var owners []string
	err := r.db.WithContext(ctx).Model(&config.TrainingJob{}).
		Where("provider = ? AND provider_job_id = ? AND id <> ?", string(provider), providerJobID, jobID).
		Limit(1).
		Pluck("id", &owners).Error
	if err != nil {
		return fmt.Errorf("failed to check provider job id: %w", err)
	}
	if len(owners) > 0 {
		return NewErrProviderJobIDInUse(owners[0], provider, providerJobID)
	}
	return nil
}

// GetByProviderJobID retrieves a training job by the id its provider assigned
func (r *Repository) GetByProviderJobID(ctx context.Context, provider models.Provider, providerJobID string) (*models.TrainingJob, error) {
	var row config.TrainingJob
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_job_id = ?", string(provider), providerJobID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(providerJobID)
		}
		return nil, fmt.Errorf("failed to get training job by provider id: %w", err)
	}
	return fromRow(&row)
}

// ListActive lists all jobs that are not in terminal state (Completed or Failed)
func (r *Repository) ListActive(ctx context.Context) ([]*models.TrainingJob, error) {
	var rows []config.TrainingJob
	err := r.db.WithContext(ctx).
		Where("status NOT IN (?)", []string{string(models.StatusCompleted), string(models.StatusFailed)}).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	jobs := make([]*models.TrainingJob, 0, len(rows))
	for i := range rows {
		job, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpdateIf writes the new values only if the stored row still matches the
// condition. The check and the write are a single UPDATE statement.
func (r *Repository) UpdateIf(ctx context.Context, req UpdateRequest) (*models.TrainingJob, error) {
	artifact, err := marshalJSON(req.Values.ResultArtifact)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result artifact: %w", err)
	}

	query := r.db.WithContext(ctx).Model(&config.TrainingJob{}).Where("id = ?", req.JobID)
	if req.Condition.ExpectedStatus != "" {
		query = query.Where("status = ?", string(req.Condition.ExpectedStatus))
	}
	if req.Condition.ExpectedRevision != 0 {
		query = query.Where("revision = ?", req.Condition.ExpectedRevision)
	}

	result := query.Updates(map[string]interface{}{
		"provider_job_id": req.Values.ProviderJobID,
		"status":          string(req.Values.Status),
		"progress":        req.Values.Progress,
		"stage_label":     req.Values.StageLabel,
		"error_message":   req.Values.ErrorMessage,
		"result_artifact": artifact,
		"revision":        gorm.Expr("revision + 1"),
		"updated_at":      req.Values.UpdatedAt,
	})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update training job: %w", result.Error)
	}

	current, err := r.Get(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, NewErrConditionFailed(current, req.Condition)
	}
	return current, nil
}

// AppendEvent records an accepted transition
func (r *Repository) AppendEvent(ctx context.Context, event *models.JobEvent) error {
	row := &config.JobEvent{
		JobID:      event.JobID,
		FromStatus: string(event.FromStatus),
		ToStatus:   string(event.ToStatus),
		Progress:   event.Progress,
		Source:     string(event.Source),
		Reason:     event.Reason,
		CreatedAt:  event.At,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to append job event: %w", err)
	}
	event.ID = row.ID
	return nil
}

// ListEvents returns the transition log of a job, oldest first
func (r *Repository) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	if _, err := r.Get(ctx, jobID); err != nil {
		return nil, err
	}

	var rows []config.JobEvent
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}

	events := make([]models.JobEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, models.JobEvent{
			ID:         row.ID,
			JobID:      row.JobID,
			FromStatus: models.Status(row.FromStatus),
			ToStatus:   models.Status(row.ToStatus),
			Progress:   row.Progress,
			Source:     models.Source(row.Source),
			Reason:     row.Reason,
			At:         row.CreatedAt,
		})
	}
	return events, nil
}

func toRow(job *models.TrainingJob) (*config.TrainingJob, error) {
	artifact, err := marshalJSON(job.ResultArtifact)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result artifact: %w", err)
	}
	var metadata datatypes.JSON
	if len(job.Metadata) > 0 {
		if metadata, err = json.Marshal(job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	return &config.TrainingJob{
		ID:             job.ID,
		Provider:       string(job.Provider),
		ProviderJobID:  job.ProviderJobID,
		Status:         string(job.Status),
		Progress:       job.Progress,
		StageLabel:     job.StageLabel,
		ErrorMessage:   job.ErrorMessage,
		ResultArtifact: artifact,
		Metadata:       metadata,
		Revision:       job.Revision,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}, nil
}

func fromRow(row *config.TrainingJob) (*models.TrainingJob, error) {
	job := &models.TrainingJob{
		ID:            row.ID,
		Provider:      models.Provider(row.Provider),
		ProviderJobID: row.ProviderJobID,
		Status:        models.Status(row.Status),
		Progress:      row.Progress,
		StageLabel:    row.StageLabel,
		ErrorMessage:  row.ErrorMessage,
		Revision:      row.Revision,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if len(row.ResultArtifact) > 0 && string(row.ResultArtifact) != "null" {
		job.ResultArtifact = &models.ResultArtifact{}
		if err := json.Unmarshal(row.ResultArtifact, job.ResultArtifact); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result artifact: %w", err)
		}
	}
	if len(row.Metadata) > 0 && string(row.Metadata) != "null" {
		if err := json.Unmarshal(row.Metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return job, nil
}

func marshalJSON(artifact *models.ResultArtifact) (datatypes.JSON, error) {
	if artifact == nil {
		return nil, nil
	}
	return json.Marshal(artifact)
}

// compile time check whether the Repository implements the Store interface
var _ Store = (*Repository)(nil)
