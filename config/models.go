package config

import (
	"time"

	"gorm.io/datatypes"
)

// TrainingJob represents a training job in the database
type TrainingJob struct {
	ID             string `gorm:"primaryKey"`
	Provider       string `gorm:"uniqueIndex:idx_training_jobs_provider_job,where:provider_job_id <> ''"`
	ProviderJobID  string `gorm:"uniqueIndex:idx_training_jobs_provider_job,where:provider_job_id <> ''"`
	Status         string `gorm:"index"`
	Progress       int
	StageLabel     string
	ErrorMessage   string         `gorm:"type:text"`
	ResultArtifact datatypes.JSON // {version, modelUrl, weightsUrl, files, info}
	Metadata       datatypes.JSON
	Revision       uint64 `gorm:"not null;default:1"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName overrides the table name
func (TrainingJob) TableName() string {
	return "training_jobs"
}

// JobEvent is one row of the transition log
type JobEvent struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	JobID      string `gorm:"index"`
	FromStatus string
	ToStatus   string
	Progress   int
	Source     string
	Reason     string `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName overrides the table name
func (JobEvent) TableName() string {
	return "job_events"
}
