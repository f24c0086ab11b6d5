// Package observe provides application-wide observability primitives for
// dentascribe: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dentascribe metrics.
const meterName = "github.com/tandemdental/dentascribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks cloud transcription latency.
	ASRDuration metric.Float64Histogram

	// NormalizeDuration tracks dental-text normalization latency.
	NormalizeDuration metric.Float64Histogram

	// --- Counters ---

	// ASRRequests counts ASR backend calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ASRRequests metric.Int64Counter

	// ASRErrors counts ASR backend errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("class", ...)
	ASRErrors metric.Int64Counter

	// ChunksSubmitted counts audio chunks admitted to the queue.
	ChunksSubmitted metric.Int64Counter

	// ChunksDropped counts audio chunks dropped before transcription.
	// Use with attribute: attribute.String("reason", "queue_full"|"breaker").
	ChunksDropped metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attribute: attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live WebSocket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActivePairCodes tracks the number of unclaimed pairing codes.
	ActivePairCodes metric.Int64UpDownCounter

	// QueueDepth tracks the number of chunks waiting in the scheduler queue.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("dentascribe.asr.duration",
		metric.WithDescription("Latency of cloud speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NormalizeDuration, err = m.Float64Histogram("dentascribe.normalize.duration",
		metric.WithDescription("Latency of dental-text normalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ASRRequests, err = m.Int64Counter("dentascribe.asr.requests",
		metric.WithDescription("Total ASR backend requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ASRErrors, err = m.Int64Counter("dentascribe.asr.errors",
		metric.WithDescription("Total ASR backend errors by provider and error class."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSubmitted, err = m.Int64Counter("dentascribe.chunks.submitted",
		metric.WithDescription("Total audio chunks admitted to the transcription queue."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("dentascribe.chunks.dropped",
		metric.WithDescription("Total audio chunks dropped before transcription, by reason."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("dentascribe.breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions by new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("dentascribe.active_sessions",
		metric.WithDescription("Number of live WebSocket sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActivePairCodes, err = m.Int64UpDownCounter("dentascribe.active_pair_codes",
		metric.WithDescription("Number of unclaimed pairing codes."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("dentascribe.queue_depth",
		metric.WithDescription("Number of chunks waiting in the scheduler queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dentascribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordASRRequest records an ASR request counter increment with the
// standard attribute set.
func (m *Metrics) RecordASRRequest(ctx context.Context, provider, status string) {
	m.ASRRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordASRError records an ASR error counter increment.
func (m *Metrics) RecordASRError(ctx context.Context, provider, class string) {
	m.ASRErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("class", class),
		),
	)
}

// RecordChunkDrop records a dropped chunk with its reason.
func (m *Metrics) RecordChunkDrop(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}
