// Package observe provides application-wide observability primitives for
// peercall: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all peercall metrics.
const meterName = "github.com/MrWong99/peercall"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Signaling ---

	// SignalingMessages counts relay messages. Use with attributes:
	//   attribute.String("direction", "in"|"out"), attribute.String("kind", ...)
	SignalingMessages metric.Int64Counter

	// SignalingDropped counts messages that were never delivered. Use with
	// attribute.String("reason", ...).
	SignalingDropped metric.Int64Counter

	// --- Negotiation ---

	// NegotiationDuration tracks the time from session creation to Connected.
	// Use with attribute.String("role", "offerer"|"answerer").
	NegotiationDuration metric.Float64Histogram

	// CallTransitions counts negotiation state changes. Use with
	// attribute.String("state", ...).
	CallTransitions metric.Int64Counter

	// ActiveSessions tracks the number of live peer sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Media ---

	// FramesEncoded counts audio frames handed to the network.
	FramesEncoded metric.Int64Counter

	// FramesDecoded counts audio frames decoded for playback.
	FramesDecoded metric.Int64Counter

	// FramesDropped counts captured frames lost to ring overflow.
	FramesDropped metric.Int64Counter

	// JitterEvents counts playout anomalies. Use with
	// attribute.String("result", "lost"|"underrun"|"late").
	JitterEvents metric.Int64Counter

	// DeviceErrors counts hardware boundary failures. Use with
	// attribute.String("direction", "capture"|"playback").
	DeviceErrors metric.Int64Counter

	// --- Relay server ---

	// RelayPeers tracks peers connected to the development relay.
	RelayPeers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// negotiationBuckets defines histogram bucket boundaries (in seconds) for
// offer/answer plus ICE connectivity checks.
var negotiationBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.SignalingMessages, err = m.Int64Counter("peercall.signaling.messages",
		metric.WithDescription("Relay messages by direction and kind."),
	); err != nil {
		return nil, err
	}
	if met.SignalingDropped, err = m.Int64Counter("peercall.signaling.dropped",
		metric.WithDescription("Relay messages dropped before delivery, by reason."),
	); err != nil {
		return nil, err
	}
	if met.CallTransitions, err = m.Int64Counter("peercall.call.transitions",
		metric.WithDescription("Negotiation state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.FramesEncoded, err = m.Int64Counter("peercall.audio.frames_encoded",
		metric.WithDescription("Audio frames encoded and sent."),
	); err != nil {
		return nil, err
	}
	if met.FramesDecoded, err = m.Int64Counter("peercall.audio.frames_decoded",
		metric.WithDescription("Audio frames decoded for playback."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("peercall.audio.frames_dropped",
		metric.WithDescription("Captured audio frames dropped on ring overflow."),
	); err != nil {
		return nil, err
	}
	if met.JitterEvents, err = m.Int64Counter("peercall.audio.jitter_events",
		metric.WithDescription("Jitter buffer anomalies by result."),
	); err != nil {
		return nil, err
	}
	if met.DeviceErrors, err = m.Int64Counter("peercall.audio.device_errors",
		metric.WithDescription("Audio device failures by direction."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.NegotiationDuration, err = m.Float64Histogram("peercall.negotiation.duration",
		metric.WithDescription("Time from session creation until the peer connection is established."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(negotiationBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("peercall.active_sessions",
		metric.WithDescription("Number of live peer sessions."),
	); err != nil {
		return nil, err
	}
	if met.RelayPeers, err = m.Int64UpDownCounter("peercall.relay.peers",
		metric.WithDescription("Number of peers connected to the relay."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("peercall.http.request.duration",
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

// RecordSignalingMessage counts one relay message in direction ("in" or "out").
func (m *Metrics) RecordSignalingMessage(ctx context.Context, direction, kind string) {
	m.SignalingMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("kind", kind),
		),
	)
}

// RecordSignalingDrop counts one undelivered relay message.
func (m *Metrics) RecordSignalingDrop(ctx context.Context, reason string) {
	m.SignalingDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCallState counts a negotiation transition into state.
func (m *Metrics) RecordCallState(ctx context.Context, state string) {
	m.CallTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordJitter counts one jitter buffer anomaly.
func (m *Metrics) RecordJitter(ctx context.Context, result string) {
	m.JitterEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDeviceError counts one device failure.
func (m *Metrics) RecordDeviceError(ctx context.Context, direction string) {
	m.DeviceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordNegotiation records how long a session took to connect in role
// ("offerer" or "answerer").
func (m *Metrics) RecordNegotiation(ctx context.Context, d time.Duration, role string) {
	m.NegotiationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("role", role)))
}
