// Package observe holds meetflow's telemetry: OpenTelemetry instruments for
// turns, pipeline stages, model loads and provider calls; spans; a logger
// that carries conversation and trace IDs; and the HTTP middleware.
//
// [InitProvider] installs the global providers with a Prometheus exporter.
// Components take a *Metrics and fall back to [DefaultMetrics]; tests build
// their own with [NewMetrics] over a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all meetflow metrics.
const meterName = "github.com/MrWong99/meetflow"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end RouteTurn latency. Attributes: route, status.
	TurnDuration metric.Float64Histogram

	// StageDuration tracks transcription pipeline stage latency. Attribute: stage.
	StageDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency. Attribute: purpose.
	LLMDuration metric.Float64Histogram

	// ModelLoadDuration tracks Model Cache load latency. Attribute: capability.
	ModelLoadDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts routed turns. Attributes: route, status.
	Turns metric.Int64Counter

	// Compactions counts history compactions. Attribute: mode
	// ("summarised" or "truncated").
	Compactions metric.Int64Counter

	// ClassifierDefaults counts turns routed to document chat because the
	// classifier errored or was not confident. Attribute: reason.
	ClassifierDefaults metric.Int64Counter

	// AudioChunks counts transcribed audio chunks. Attribute: status.
	AudioChunks metric.Int64Counter

	// Degradations counts best-effort stages that fell back. Attribute: stage.
	Degradations metric.Int64Counter

	// ModelLoads counts Model Cache loads. Attributes: capability, status.
	ModelLoads metric.Int64Counter

	// ProviderRequests counts provider API calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks turns currently being routed.
	ActiveTurns metric.Int64UpDownCounter

	// ActiveJobs tracks running transcription jobs.
	ActiveJobs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets covers LLM calls and short turns (seconds).
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// stageBuckets covers transcription stages of long recordings (seconds).
var stageBuckets = []float64{
	0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("meetflow.turn.duration",
		metric.WithDescription("End-to-end latency of a routed turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("meetflow.transcription.stage.duration",
		metric.WithDescription("Latency of a transcription pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("meetflow.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadDuration, err = m.Float64Histogram("meetflow.model_cache.load.duration",
		metric.WithDescription("Latency of loading a model into the model cache."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("meetflow.turns",
		metric.WithDescription("Total routed turns by route and status."),
	); err != nil {
		return nil, err
	}
	if met.Compactions, err = m.Int64Counter("meetflow.compactions",
		metric.WithDescription("Total history compactions by mode."),
	); err != nil {
		return nil, err
	}
	if met.ClassifierDefaults, err = m.Int64Counter("meetflow.classifier.defaults",
		metric.WithDescription("Turns sent to the default route by reason."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("meetflow.audio.chunks",
		metric.WithDescription("Total transcribed audio chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.Degradations, err = m.Int64Counter("meetflow.degradations",
		metric.WithDescription("Best-effort stages that fell back, by stage."),
	); err != nil {
		return nil, err
	}
	if met.ModelLoads, err = m.Int64Counter("meetflow.model_cache.loads",
		metric.WithDescription("Total model cache loads by capability and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("meetflow.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("meetflow.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTurns, err = m.Int64UpDownCounter("meetflow.active_turns",
		metric.WithDescription("Number of turns currently being routed."),
	); err != nil {
		return nil, err
	}
	if met.ActiveJobs, err = m.Int64UpDownCounter("meetflow.active_jobs",
		metric.WithDescription("Number of running transcription jobs."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("meetflow.http.request.duration",
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

// DefaultMetrics returns a shared [Metrics] built on the global meter
// provider at first use. Call [InitProvider] before it.
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

// Status returns "ok" for a nil error and "error" otherwise.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordTurn records the counter and latency of one routed turn.
func (m *Metrics) RecordTurn(ctx context.Context, route, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("status", status),
	)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStage records the latency of one transcription pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordLLM records the latency of one LLM call made for purpose.
func (m *Metrics) RecordLLM(ctx context.Context, purpose string, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("purpose", purpose)))
}

// RecordCompaction records one compaction with mode "summarised" or "truncated".
func (m *Metrics) RecordCompaction(ctx context.Context, mode string) {
	m.Compactions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordClassifierDefault records a turn that fell back to the default route.
func (m *Metrics) RecordClassifierDefault(ctx context.Context, reason string) {
	m.ClassifierDefaults.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAudioChunk records one chunk transcription outcome.
func (m *Metrics) RecordAudioChunk(ctx context.Context, status string) {
	m.AudioChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDegradation records a best-effort stage falling back.
func (m *Metrics) RecordDegradation(ctx context.Context, stage string) {
	m.Degradations.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordModelLoad records one Model Cache load attempt.
func (m *Metrics) RecordModelLoad(ctx context.Context, capability, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("status", status),
	)
	m.ModelLoads.Add(ctx, 1, attrs)
	m.ModelLoadDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("capability", capability)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
