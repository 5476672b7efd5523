// Package triggers turns webhook deliveries, client polls and operator
// force-updates into reconciler observations.
package triggers

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/studioforge/model-trainer/backend/models"
)

// StatusSource answers "what does the provider say about this job"
type StatusSource interface {
	Provider() models.Provider
	FetchStatus(ctx context.Context, job *models.TrainingJob) (*models.Observation, error)
}

// ArtifactInventory lists finished training outputs. FindArtifact returns
// nil without error when nothing was produced.
type ArtifactInventory interface {
	Provider() models.Provider
	FindArtifact(ctx context.Context, job *models.TrainingJob) (*models.ResultArtifact, error)
}

// TimeoutPolicy decides how long a job may stay non-terminal
type TimeoutPolicy struct {
	// Base applies to every job
	Base time.Duration
	// PerThousandSteps is added for every 1000 training steps recorded at
	// submission
	PerThousandSteps time.Duration
}

// DefaultTimeoutPolicy fails jobs after one hour regardless of size
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{Base: 60 * time.Minute}
}

// For returns the long timeout of job
func (p TimeoutPolicy) For(job *models.TrainingJob) time.Duration {
	timeout := p.Base
	if p.PerThousandSteps > 0 {
		if steps := job.MetadataInt(models.MetaTrainingSteps); steps > 0 {
			timeout += time.Duration(float64(p.PerThousandSteps) * float64(steps) / 1000)
		}
	}
	return timeout
}

// AgeMinutes rounds a job age to whole minutes for messages
func AgeMinutes(age time.Duration) int {
	return int(math.Round(age.Minutes()))
}

// TimeoutMessage is the error recorded when a job is failed for age
func TimeoutMessage(age time.Duration) string {
	return fmt.Sprintf("Training timed out after %d minutes", AgeMinutes(age))
}

func sourcesByProvider(sources []StatusSource) map[models.Provider]StatusSource {
	out := make(map[models.Provider]StatusSource, len(sources))
	for _, s := range sources {
		out[s.Provider()] = s
	}
	return out
}

func inventoriesByProvider(inventories []ArtifactInventory) map[models.Provider]ArtifactInventory {
	out := make(map[models.Provider]ArtifactInventory, len(inventories))
	for _, inv := range inventories {
		out[inv.Provider()] = inv
	}
	return out
}
