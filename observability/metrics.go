package observability

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the reconciliation metrics. A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter

	// Reconciler metrics
	ObservationsTotal metric.Int64Counter
	CASConflictsTotal metric.Int64Counter

	// Provider metrics
	ProviderCallDuration metric.Float64Histogram
	ProviderErrorsTotal  metric.Int64Counter

	// Sweeper metrics
	SweepDuration     metric.Float64Histogram
	SweepActionsTotal metric.Int64Counter
	JobsActive        metric.Int64Gauge
}

// NewMetrics creates all instruments on a dedicated Prometheus registry and
// returns the handler serving it.
func NewMetrics(_ context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("model-trainer")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ObservationsTotal, err = meter.Int64Counter(
		"reconcile_observations_total",
		metric.WithDescription("Observations processed by the reconciler, by source and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CASConflictsTotal, err = meter.Int64Counter(
		"reconcile_cas_conflicts_total",
		metric.WithDescription("Conditional writes that lost the race"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProviderCallDuration, err = meter.Float64Histogram(
		"provider_call_duration_seconds",
		metric.WithDescription("Latency of provider and artifact inventory calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProviderErrorsTotal, err = meter.Int64Counter(
		"provider_errors_total",
		metric.WithDescription("Failed provider and artifact inventory calls"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram(
		"sweep_duration_seconds",
		metric.WithDescription("Duration of one stale-job sweep pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweepActionsTotal, err = meter.Int64Counter(
		"sweep_actions_total",
		metric.WithDescription("Observations emitted by the sweeper, by action"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64Gauge(
		"jobs_active",
		metric.WithDescription("Non-terminal jobs seen by the last sweep"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(methodAttr(method), routeAttr(route), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, duration.Seconds(), attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

// RecordObservation counts one reconciler decision.
func (m *Metrics) RecordObservation(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	m.ObservationsTotal.Add(ctx, 1, metric.WithAttributes(sourceAttr(source), outcomeAttr(outcome)))
}

// RecordConflict counts one lost compare-and-swap.
func (m *Metrics) RecordConflict(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.CASConflictsTotal.Add(ctx, 1, metric.WithAttributes(sourceAttr(source)))
}

// RecordProviderCall records latency and failures of an outbound call.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(providerAttr(provider), opAttr(op), successAttr(err == nil))
	m.ProviderCallDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.ProviderErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordSweep records one sweep pass.
func (m *Metrics) RecordSweep(ctx context.Context, active int, duration time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Record(ctx, duration.Seconds())
	m.JobsActive.Record(ctx, int64(active))
}

// RecordSweepAction counts one observation emitted by the sweeper.
func (m *Metrics) RecordSweepAction(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.SweepActionsTotal.Add(ctx, 1, metric.WithAttributes(actionAttr(action)))
}
