package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsServesPrometheus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	metrics, handler, err := NewMetrics(ctx)
	require.NoError(t, err)

	metrics.RecordObservation(ctx, "webhook", "applied")
	metrics.RecordConflict(ctx, "sweep")
	metrics.RecordProviderCall(ctx, "replicate", "get_training", 150*time.Millisecond, nil)
	metrics.RecordProviderCall(ctx, "modal", "status", 20*time.Second, errors.New("timeout"))
	metrics.RecordHTTPRequest(ctx, http.MethodGet, "/api/v1/jobs/:id/status", http.StatusOK, 10*time.Millisecond)
	metrics.RecordSweep(ctx, 3, time.Second)
	metrics.RecordSweepAction(ctx, "timeout")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "reconcile_observations_total")
	assert.Contains(t, body, "provider_errors_total")
	assert.Contains(t, body, "jobs_active")
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordObservation(context.Background(), "poll", "unchanged")
		m.RecordSweep(context.Background(), 0, 0)
	})
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger("info", "json")
	require.NoError(t, err)

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)

	_, err = NewLogger("info", "xml")
	assert.Error(t, err)
}
