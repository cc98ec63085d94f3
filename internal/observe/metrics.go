// Package observe provides application-wide observability primitives for
// voxrelay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Setup] so that metrics can still be
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

// meterName is the instrumentation scope name used for all voxrelay metrics.
const meterName = "github.com/MrWong99/voxrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// EngineInitDuration tracks how long recognizer construction takes, which
	// is dominated by model loading.
	EngineInitDuration metric.Float64Histogram

	// SessionDuration tracks the lifetime of a streaming session.
	SessionDuration metric.Float64Histogram

	// ResampleDuration tracks per-frame resampling latency.
	ResampleDuration metric.Float64Histogram

	// --- Counters ---

	// FramesReceived counts decoded audio frames.
	FramesReceived metric.Int64Counter

	// FrameErrors counts rejected frames. Use with attribute:
	//   attribute.String("kind", ...)
	FrameErrors metric.Int64Counter

	// MessagesSent counts outbound messages. Use with attribute:
	//   attribute.String("type", ...)
	MessagesSent metric.Int64Counter

	// MessagesDropped counts outbound messages produced after the session
	// started closing. Use with attribute:
	//   attribute.String("type", ...)
	MessagesDropped metric.Int64Counter

	// RecognizerErrors counts recognizer failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	RecognizerErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// recognizer start-up and session lifetimes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
}

// resampleBuckets covers sub-millisecond to tens-of-milliseconds FFTs.
var resampleBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EngineInitDuration, err = m.Float64Histogram("voxrelay.engine.init.duration",
		metric.WithDescription("Latency of recognizer construction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxrelay.session.duration",
		metric.WithDescription("Lifetime of streaming sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResampleDuration, err = m.Float64Histogram("voxrelay.resample.duration",
		metric.WithDescription("Latency of resampling one frame to 16 kHz."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(resampleBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesReceived, err = m.Int64Counter("voxrelay.frames.received",
		metric.WithDescription("Total audio frames decoded."),
	); err != nil {
		return nil, err
	}
	if met.FrameErrors, err = m.Int64Counter("voxrelay.frames.errors",
		metric.WithDescription("Total rejected audio frames by error kind."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("voxrelay.messages.sent",
		metric.WithDescription("Total outbound messages by type."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDropped, err = m.Int64Counter("voxrelay.messages.dropped",
		metric.WithDescription("Total outbound messages discarded during shutdown by type."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerErrors, err = m.Int64Counter("voxrelay.recognizer.errors",
		metric.WithDescription("Total recognizer errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxrelay.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordFrameError records a rejected frame.
func (m *Metrics) RecordFrameError(ctx context.Context, kind string) {
	m.FrameErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordMessageSent records an outbound message.
func (m *Metrics) RecordMessageSent(ctx context.Context, msgType string) {
	m.MessagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// RecordMessageDropped records an outbound message discarded during shutdown.
func (m *Metrics) RecordMessageDropped(ctx context.Context, msgType string) {
	m.MessagesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// RecordRecognizerError records a recognizer failure.
func (m *Metrics) RecordRecognizerError(ctx context.Context, provider, kind string) {
	m.RecognizerErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
