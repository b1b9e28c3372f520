package observability

import (
	"context"
	"net/http"
	"oprlmbatch/internal/job"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the batch metrics:
// - Latency: job and run durations, event delivery time
// - Traffic: jobs by terminal state, state transitions
// - Errors: failed jobs by error detail, failed event deliveries
// - Saturation: jobs active against the worker pool size
type Metrics struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider

	// Job metrics
	JobDuration      metric.Float64Histogram
	JobsTotal        metric.Int64Counter
	JobAttempts      metric.Int64Histogram
	JobsActive       metric.Int64UpDownCounter
	StateTransitions metric.Int64Counter

	// Run metrics
	RunDuration metric.Float64Histogram
	RunJobs     metric.Int64Gauge
	Workers     metric.Int64Gauge

	// Event delivery metrics
	EventDuration  metric.Float64Histogram
	EventDelivered metric.Int64Counter
	EventFailed    metric.Int64Counter
	EventDropped   metric.Int64Counter
	EventRequeued  metric.Int64Counter
}

// NewMetrics creates all metrics on a dedicated Prometheus registry and
// returns the handler serving it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("oprlm-batch")
	m := &Metrics{meter: meter, provider: provider}

	m.JobDuration, err = meter.Float64Histogram(
		"oprlm_job_duration_seconds",
		metric.WithDescription("Job execution time from submission to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 120, 300, 600, 900, 1800, 2700, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"oprlm_jobs_total",
		metric.WithDescription("Jobs that reached a terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobAttempts, err = meter.Int64Histogram(
		"oprlm_job_attempts",
		metric.WithDescription("Attempts per job, counting retried sub-steps"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 8, 13),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"oprlm_jobs_active",
		metric.WithDescription("Jobs currently between submission and a terminal state (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StateTransitions, err = meter.Int64Counter(
		"oprlm_job_state_transitions_total",
		metric.WithDescription("Job state machine transitions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunDuration, err = meter.Float64Histogram(
		"oprlm_run_duration_seconds",
		metric.WithDescription("Batch run wall time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunJobs, err = meter.Int64Gauge(
		"oprlm_run_jobs",
		metric.WithDescription("Job counts of the finished run by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Workers, err = meter.Int64Gauge(
		"oprlm_workers",
		metric.WithDescription("Configured worker pool size"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventDuration, err = meter.Float64Histogram(
		"oprlm_event_delivery_duration_seconds",
		metric.WithDescription("Lifecycle event delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventDelivered, err = meter.Int64Counter(
		"oprlm_events_delivered_total",
		metric.WithDescription("Lifecycle events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventFailed, err = meter.Int64Counter(
		"oprlm_events_failed_total",
		metric.WithDescription("Lifecycle events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventDropped, err = meter.Int64Counter(
		"oprlm_events_dropped_total",
		metric.WithDescription("Lifecycle events dropped (buffer full, max requeues or shutdown)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventRequeued, err = meter.Int64Counter(
		"oprlm_events_requeued_total",
		metric.WithDescription("Lifecycle events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// OnTransition implements job.Observer: it tracks active jobs and counts transitions.
func (m *Metrics) OnTransition(jobID string, from, to job.State) {
	ctx := context.Background()
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(stateAttr(to)))

	switch {
	case from == job.StatePending && to == job.StateSubmitting:
		m.JobsActive.Add(ctx, 1)
	case to.Terminal() && from != job.StatePending:
		m.JobsActive.Add(ctx, -1)
	}
}

// RecordJobResult records a terminal job result.
func (m *Metrics) RecordJobResult(ctx context.Context, r job.Result) {
	attrs := metric.WithAttributes(stateAttr(r.State), detailAttr(r.ErrorDetail))
	m.JobsTotal.Add(ctx, 1, attrs)
	if r.StartedAt.IsZero() {
		return
	}
	m.JobDuration.Record(ctx, r.Duration().Seconds(), metric.WithAttributes(stateAttr(r.State)))
	m.JobAttempts.Record(ctx, int64(r.Attempts))
}

// RecordWorkers records the pool size for saturation.
func (m *Metrics) RecordWorkers(ctx context.Context, n int) {
	m.Workers.Record(ctx, int64(n))
}

// RecordRun records the outcome counts of a finished run.
func (m *Metrics) RecordRun(ctx context.Context, succeeded, failed, skipped int, durationSeconds float64) {
	m.RunDuration.Record(ctx, durationSeconds)
	m.RunJobs.Record(ctx, int64(succeeded), metric.WithAttributes(outcomeAttr("succeeded")))
	m.RunJobs.Record(ctx, int64(failed), metric.WithAttributes(outcomeAttr("failed")))
	m.RunJobs.Record(ctx, int64(skipped), metric.WithAttributes(outcomeAttr("skipped")))
}

// RecordEventDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordEventDelivered(ctx context.Context, sink string, durationSeconds float64) {
	attrs := metric.WithAttributes(sinkAttr(sink))
	m.EventDelivered.Add(ctx, 1, attrs)
	m.EventDuration.Record(ctx, durationSeconds, attrs)
}

// RecordEventFailed records a failed event delivery.
func (m *Metrics) RecordEventFailed(ctx context.Context, sink string) {
	m.EventFailed.Add(ctx, 1, metric.WithAttributes(sinkAttr(sink)))
}

// RecordEventDropped records a dropped event.
func (m *Metrics) RecordEventDropped(ctx context.Context, sink string) {
	m.EventDropped.Add(ctx, 1, metric.WithAttributes(sinkAttr(sink)))
}

// RecordEventRequeued records a requeued event.
func (m *Metrics) RecordEventRequeued(ctx context.Context, sink string) {
	m.EventRequeued.Add(ctx, 1, metric.WithAttributes(sinkAttr(sink)))
}

var _ job.Observer = (*Metrics)(nil)
