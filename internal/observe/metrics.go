// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Voice receive path ---

	// PacketsReceived counts voice units reaching a recording. Use with attributes:
	//   attribute.String("guild", ...), attribute.Bool("synthetic", ...)
	PacketsReceived metric.Int64Counter

	// FillerPackets counts synthetic silence units inserted into talker streams.
	FillerPackets metric.Int64Counter

	// DecodeErrors counts Opus frames that could not be decoded. Use with
	// attribute.String("guild", ...).
	DecodeErrors metric.Int64Counter

	// BytesWritten counts PCM bytes appended to WAV files.
	BytesWritten metric.Int64Counter

	// --- Events ---

	// EventsDispatched counts events delivered to a sink graph. Use with
	// attribute.String("event", ...).
	EventsDispatched metric.Int64Counter

	// DispatchErrors counts events for which at least one handler failed. Use
	// with attribute.String("event", ...).
	DispatchErrors metric.Int64Counter

	// --- Recordings ---

	// RecordingDuration tracks the length of finished recordings.
	RecordingDuration metric.Float64Histogram

	// ActiveRecordings tracks the number of voice channels being recorded.
	ActiveRecordings metric.Int64UpDownCounter

	// ActiveTalkers tracks the number of talkers currently connected to a
	// recorded channel.
	ActiveTalkers metric.Int64UpDownCounter

	// MonitorClients tracks the number of live event feed subscribers.
	MonitorClients metric.Int64UpDownCounter

	// --- Discord ---

	// Interactions counts slash command and button interactions handled by
	// the bot. Use with attribute.String("route", ...) and
	// attribute.String("outcome", ...).
	Interactions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// recordingBuckets defines histogram bucket boundaries (in seconds) for
// recording lengths, from a minute to a long session.
var recordingBuckets = []float64{
	60, 300, 900, 1800, 3600, 7200, 14400, 28800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.PacketsReceived, err = m.Int64Counter("earshot.packets.received",
		metric.WithDescription("Total voice units delivered to recordings by guild."),
	); err != nil {
		return nil, err
	}
	if met.FillerPackets, err = m.Int64Counter("earshot.packets.filler",
		metric.WithDescription("Total synthetic silence units inserted into talker streams."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("earshot.decode.errors",
		metric.WithDescription("Total Opus frames that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.BytesWritten, err = m.Int64Counter("earshot.wav.bytes_written",
		metric.WithDescription("Total PCM bytes appended to WAV files."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.EventsDispatched, err = m.Int64Counter("earshot.events.dispatched",
		metric.WithDescription("Total events delivered to sink graphs by event name."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DispatchErrors, err = m.Int64Counter("earshot.events.dispatch_errors",
		metric.WithDescription("Total events for which at least one handler failed."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.RecordingDuration, err = m.Float64Histogram("earshot.recording.duration",
		metric.WithDescription("Length of finished recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recordingBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRecordings, err = m.Int64UpDownCounter("earshot.active_recordings",
		metric.WithDescription("Number of voice channels being recorded."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTalkers, err = m.Int64UpDownCounter("earshot.active_talkers",
		metric.WithDescription("Number of talkers connected to recorded channels."),
	); err != nil {
		return nil, err
	}
	if met.MonitorClients, err = m.Int64UpDownCounter("earshot.monitor.clients",
		metric.WithDescription("Number of live event feed subscribers."),
	); err != nil {
		return nil, err
	}

	if met.Interactions, err = m.Int64Counter("earshot.discord.interactions",
		metric.WithDescription("Discord interactions handled by route and outcome."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordPacket records one voice unit delivered to a recording in guild.
// Synthetic units are additionally counted as fillers.
func (m *Metrics) RecordPacket(ctx context.Context, guild string, synthetic bool) {
	m.PacketsReceived.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("guild", guild),
			attribute.Bool("synthetic", synthetic),
		),
	)
	if synthetic {
		m.FillerPackets.Add(ctx, 1, metric.WithAttributes(attribute.String("guild", guild)))
	}
}

// RecordDecodeError records one Opus frame that failed to decode.
func (m *Metrics) RecordDecodeError(ctx context.Context, guild string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("guild", guild)))
}

// RecordDispatch records one event delivery. A non-nil err additionally
// increments the dispatch error counter.
func (m *Metrics) RecordDispatch(ctx context.Context, event string, err error) {
	attrs := metric.WithAttributes(attribute.String("event", event))
	m.EventsDispatched.Add(ctx, 1, attrs)
	if err != nil {
		m.DispatchErrors.Add(ctx, 1, attrs)
	}
}

// RecordInteraction records one Discord interaction dispatched to route.
func (m *Metrics) RecordInteraction(ctx context.Context, route, outcome string) {
	m.Interactions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("outcome", outcome),
	))
}
