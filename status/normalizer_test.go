package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
)

func TestReplicateVocabulary(t *testing.T) {
	t.Parallel()

	tests := map[string]models.Status{
		"starting":     models.StatusStarting,
		"processing":   models.StatusTraining,
		"succeeded":    models.StatusCompleted,
		"failed":       models.StatusFailed,
		"canceled":     models.StatusFailed,
		" Processing ": models.StatusTraining,
	}
	n := Replicate()
	for raw, want := range tests {
		got, err := n.Normalize(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestModalVocabulary(t *testing.T) {
	t.Parallel()

	tests := map[string]models.Status{
		"pending":       models.StatusStarting,
		"preprocessing": models.StatusPreprocessing,
		"training":      models.StatusTraining,
		"success":       models.StatusCompleted,
		"completed":     models.StatusCompleted,
		"error":         models.StatusFailed,
		"cancelled":     models.StatusFailed,
	}
	n := Modal()
	for raw, want := range tests {
		got, err := n.Normalize(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestUnknownStatusIsRejected(t *testing.T) {
	t.Parallel()

	for _, n := range []Normalizer{Replicate(), Modal(), Internal()} {
		_, err := n.Normalize("warming_up")
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	}

	// vocabularies do not leak into each other
	_, err := Replicate().Normalize("training")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = Replicate().Normalize("")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry()

	s, err := r.Normalize(models.ProviderInternal, "failed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, s)

	s, err = r.Normalize(models.ProviderReplicate, "succeeded")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, s)

	_, err = r.Normalize(models.Provider("bria"), "succeeded")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
