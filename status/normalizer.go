// Package status maps provider-specific status vocabularies onto the
// canonical training job lifecycle.
package status

import (
	"fmt"
	"strings"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
)

// Normalizer translates one provider's status strings
type Normalizer interface {
	Provider() models.Provider
	Normalize(raw string) (models.Status, error)
}

// tableNormalizer is a Normalizer backed by a static lookup table
type tableNormalizer struct {
	provider models.Provider
	table    map[string]models.Status
}

func (n tableNormalizer) Provider() models.Provider {
	return n.provider
}

// Normalize is case-insensitive and ignores surrounding whitespace. Unknown
// strings are returned as a validation error, never mapped to a default.
func (n tableNormalizer) Normalize(raw string) (models.Status, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if s, ok := n.table[key]; ok {
		return s, nil
	}
	return "", apperrors.Validation("status",
		fmt.Sprintf("unrecognized %s status %q", n.provider, raw))
}

// Replicate returns the normalizer for Replicate training statuses
func Replicate() Normalizer {
	return tableNormalizer{
		provider: models.ProviderReplicate,
		table: map[string]models.Status{
			"starting":   models.StatusStarting,
			"processing": models.StatusTraining,
			"succeeded":  models.StatusCompleted,
			"failed":     models.StatusFailed,
			"canceled":   models.StatusFailed,
		},
	}
}

// Modal returns the normalizer for the Modal training script callback
func Modal() Normalizer {
	return tableNormalizer{
		provider: models.ProviderModal,
		table: map[string]models.Status{
			"pending":       models.StatusStarting,
			"queued":        models.StatusStarting,
			"starting":      models.StatusStarting,
			"preprocessing": models.StatusPreprocessing,
			"training":      models.StatusTraining,
			"processing":    models.StatusTraining,
			"completed":     models.StatusCompleted,
			"success":       models.StatusCompleted,
			"failed":        models.StatusFailed,
			"error":         models.StatusFailed,
			"canceled":      models.StatusFailed,
			"cancelled":     models.StatusFailed,
		},
	}
}

// Internal returns the identity normalizer over canonical status names
func Internal() Normalizer {
	table := make(map[string]models.Status, 5)
	for _, s := range []models.Status{
		models.StatusStarting,
		models.StatusPreprocessing,
		models.StatusTraining,
		models.StatusCompleted,
		models.StatusFailed,
	} {
		table[string(s)] = s
	}
	return tableNormalizer{provider: models.ProviderInternal, table: table}
}

// Registry selects a Normalizer by the provider that produced an observation
type Registry struct {
	normalizers map[models.Provider]Normalizer
}

// NewRegistry builds a registry from the given normalizers
func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{normalizers: make(map[models.Provider]Normalizer, len(normalizers))}
	for _, n := range normalizers {
		r.normalizers[n.Provider()] = n
	}
	return r
}

// DefaultRegistry knows Replicate, Modal and the internal vocabulary
func DefaultRegistry() *Registry {
	return NewRegistry(Replicate(), Modal(), Internal())
}

// Normalize maps raw using the normalizer registered for provider
func (r *Registry) Normalize(provider models.Provider, raw string) (models.Status, error) {
	n, ok := r.normalizers[provider]
	if !ok {
		return "", apperrors.Validation("provider", fmt.Sprintf("no status vocabulary for provider %q", provider))
	}
	return n.Normalize(raw)
}
