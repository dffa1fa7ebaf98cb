// Package observe provides application-wide observability primitives for
// fixline: OpenTelemetry metrics, distributed tracing, trace-aware logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all fixline metrics.
const meterName = "github.com/MrWong99/fixline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionsStarted counts sessions that began acquiring hardware.
	SessionsStarted metric.Int64Counter

	// ActiveSessions tracks the number of running sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks wall-clock session length. Use with attribute:
	//   attribute.String("end_reason", ...)
	SessionDuration metric.Float64Histogram

	// SessionErrors counts terminal and recoverable session errors. Use with
	// attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Media ---

	// AudioChunksSent counts encoded microphone chunks handed to the channel.
	AudioChunksSent metric.Int64Counter

	// AudioChunksReceived counts inbound assistant audio chunks.
	AudioChunksReceived metric.Int64Counter

	// AudioDecodeFailures counts inbound chunks dropped as undecodable.
	AudioDecodeFailures metric.Int64Counter

	// ImagesSent counts still images sent. Use with attribute:
	//   attribute.String("source", "sampler"|"photo")
	ImagesSent metric.Int64Counter

	// TurnsCompleted counts assistant turn boundaries.
	TurnsCompleted metric.Int64Counter

	// --- Report pipeline ---

	// SummarizeDuration tracks transcript summarization latency.
	SummarizeDuration metric.Float64Histogram

	// EventsPublished counts case events by topic and outcome. Use with
	// attributes: attribute.String("topic", ...), attribute.String("status", ...)
	EventsPublished metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request and summarization latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// sessionBuckets covers session lengths up to the 15 minute cap.
var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 900, 1200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session lifecycle.
	if met.SessionsStarted, err = m.Int64Counter("fixline.sessions.started",
		metric.WithDescription("Total sessions started."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("fixline.sessions.active",
		metric.WithDescription("Number of running sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("fixline.session.duration",
		metric.WithDescription("Session length by end reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("fixline.session.errors",
		metric.WithDescription("Session errors by kind."),
	); err != nil {
		return nil, err
	}

	// Media counters.
	if met.AudioChunksSent, err = m.Int64Counter("fixline.audio.chunks.sent",
		metric.WithDescription("Encoded microphone chunks sent to the assistant."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksReceived, err = m.Int64Counter("fixline.audio.chunks.received",
		metric.WithDescription("Assistant audio chunks received."),
	); err != nil {
		return nil, err
	}
	if met.AudioDecodeFailures, err = m.Int64Counter("fixline.audio.decode_failures",
		metric.WithDescription("Inbound audio chunks dropped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.ImagesSent, err = m.Int64Counter("fixline.images.sent",
		metric.WithDescription("Still images sent by source."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("fixline.turns.completed",
		metric.WithDescription("Assistant turns completed."),
	); err != nil {
		return nil, err
	}

	// Report pipeline.
	if met.SummarizeDuration, err = m.Float64Histogram("fixline.summarize.duration",
		metric.WithDescription("Latency of transcript summarization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.EventsPublished, err = m.Int64Counter("fixline.events.published",
		metric.WithDescription("Case events published by topic and status."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("fixline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// RecordSessionEnd records the session duration histogram and decrements the
// active session gauge.
func (m *Metrics) RecordSessionEnd(ctx context.Context, seconds float64, reason string) {
	m.SessionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("end_reason", reason)),
	)
	m.ActiveSessions.Add(ctx, -1)
}

// RecordSessionError increments the session error counter for kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordImageSent increments the image counter for source.
func (m *Metrics) RecordImageSent(ctx context.Context, source string) {
	m.ImagesSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordEventPublished increments the event counter for topic. A nil err is
// recorded as "ok".
func (m *Metrics) RecordEventPublished(ctx context.Context, topic string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("topic", topic), attribute.String("status", status)),
	)
}
