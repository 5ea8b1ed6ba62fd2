// Package observe provides application-wide observability primitives for
// needledrop: OpenTelemetry metrics and HTTP middleware that ties them into
// structured logging.
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

// meterName is the instrumentation scope name used for all needledrop metrics.
const meterName = "github.com/needledrop/needledrop"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// RecognitionDuration tracks the latency of a single recognition call.
	RecognitionDuration metric.Float64Histogram

	// RecognitionRequests counts recognition calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	// where status is "match", "no_match", or "error".
	RecognitionRequests metric.Int64Counter

	// TracksDetected counts accepted consistency votes.
	TracksDetected metric.Int64Counter

	// Scrobbles counts scrobble submissions. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	Scrobbles metric.Int64Counter

	// ProviderErrors counts hard provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ListenerDrops counts events dropped because a listener queue was full.
	ListenerDrops metric.Int64Counter

	// ActiveSessions tracks the number of running detection sessions
	// (0 or 1 in the current single-deck design).
	ActiveSessions metric.Int64UpDownCounter

	// AudioLevel records the most recent normalized level probe.
	AudioLevel metric.Float64Gauge

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// recognition round-trips, which ride on a 5-second clip upload.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RecognitionDuration, err = m.Float64Histogram("needledrop.recognition.duration",
		metric.WithDescription("Latency of a single audio recognition call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognitionRequests, err = m.Int64Counter("needledrop.recognition.requests",
		metric.WithDescription("Total recognition calls by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.TracksDetected, err = m.Int64Counter("needledrop.tracks.detected",
		metric.WithDescription("Total tracks accepted by the consistency vote."),
	); err != nil {
		return nil, err
	}
	if met.Scrobbles, err = m.Int64Counter("needledrop.scrobbles",
		metric.WithDescription("Total scrobble submissions by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("needledrop.provider.errors",
		metric.WithDescription("Total hard provider failures by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ListenerDrops, err = m.Int64Counter("needledrop.listener.drops",
		metric.WithDescription("Events dropped because a listener queue was full."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("needledrop.active_sessions",
		metric.WithDescription("Number of running detection sessions."),
	); err != nil {
		return nil, err
	}
	if met.AudioLevel, err = m.Float64Gauge("needledrop.audio.level",
		metric.WithDescription("Most recent normalized audio level probe."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("needledrop.http.request.duration",
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

// RecordRecognition is a convenience method that records one recognition
// call: its duration and the request counter with the standard attribute set.
func (m *Metrics) RecordRecognition(ctx context.Context, provider, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.RecognitionDuration.Record(ctx, seconds, attrs)
	m.RecognitionRequests.Add(ctx, 1, attrs)
}

// RecordScrobble is a convenience method that records a scrobble counter
// increment with the standard attribute set.
func (m *Metrics) RecordScrobble(ctx context.Context, provider, status string) {
	m.Scrobbles.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
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
