// Package observe provides application-wide observability primitives for
// Kineo: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped from
// the Prometheus registry that [Setup] builds. [DefaultMetrics] binds to the
// global meter provider; tests use [NewMetrics] with their own provider.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Kineo metrics.
const meterName = "github.com/kineo-ai/kineo"

// Metrics bundles the instruments the assistant, the tool dispatcher and the
// HTTP layer report to. OTel instruments are goroutine-safe, so one Metrics
// is shared by every session.
//
// A nil *Metrics is valid: every Record method is a no-op on it.
type Metrics struct {
	// ToolExecutionDuration is dispatch latency per "tool".
	ToolExecutionDuration metric.Float64Histogram

	// ConnectDuration is the time from Connect to the open acknowledgement.
	ConnectDuration metric.Float64Histogram

	// SessionActivations counts activation attempts per "outcome".
	SessionActivations metric.Int64Counter

	// ToolCalls counts invocations per "tool" and "status".
	ToolCalls metric.Int64Counter

	MicFramesSent    metric.Int64Counter
	MicFramesDropped metric.Int64Counter

	AudioChunksPlayed metric.Int64Counter

	// AudioChunksDropped counts undecodable model chunks per "reason".
	AudioChunksDropped metric.Int64Counter

	// PlaybackFlushes counts queue flushes per "reason".
	PlaybackFlushes metric.Int64Counter

	// ProviderErrors counts live provider failures per "provider" and "kind".
	ProviderErrors metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is request latency per "method" and "path".
	HTTPRequestDuration metric.Float64Histogram
}

// voiceBuckets are histogram boundaries in seconds, from single-digit
// milliseconds up to a slow tool round trip.
var voiceBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp. All creation errors are
// reported together.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	var errs []error

	histogram := func(name, desc string, buckets []float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if buckets != nil {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	met := &Metrics{
		ToolExecutionDuration: histogram("kineo.tool_execution.duration",
			"Latency of assistant tool execution.", voiceBuckets),
		ConnectDuration: histogram("kineo.session.connect.duration",
			"Time from connect to the live model's open acknowledgement.", voiceBuckets),
		HTTPRequestDuration: histogram("kineo.http.request.duration",
			"HTTP request latency by method and path.", nil),

		SessionActivations: counter("kineo.session.activations", "Assistant activation attempts by outcome."),
		ToolCalls:          counter("kineo.tool.calls", "Tool invocations by tool name and status."),
		MicFramesSent:      counter("kineo.mic.frames_sent", "Microphone frames transmitted to the live model."),
		MicFramesDropped:   counter("kineo.mic.frames_dropped", "Microphone frames dropped because the outbox was full."),
		AudioChunksPlayed:  counter("kineo.playback.chunks", "Model audio chunks scheduled for playback."),
		AudioChunksDropped: counter("kineo.playback.chunks_dropped", "Model audio chunks dropped by reason."),
		PlaybackFlushes:    counter("kineo.playback.flushes", "Playback queue flushes by reason."),
		ProviderErrors:     counter("kineo.provider.errors", "Live provider errors by provider and kind."),
	}

	var err error
	met.ActiveSessions, err = meter.Int64UpDownCounter("kineo.active_sessions",
		metric.WithDescription("Number of open live sessions."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics], built once on the
// global meter provider. It panics if an instrument cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall records a tool call counter increment and its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolExecutionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordActivation records an activation attempt with its outcome, e.g.
// "ok", "missing_credential", "permission_denied", "connect_error".
func (m *Metrics) RecordActivation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.SessionActivations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordConnect records the connect-to-open latency.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.ConnectDuration.Record(ctx, seconds)
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}

// RecordMicFrameSent counts one transmitted microphone frame.
func (m *Metrics) RecordMicFrameSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.MicFramesSent.Add(ctx, 1)
}

// RecordMicFramesDropped counts n frames dropped by backpressure.
func (m *Metrics) RecordMicFramesDropped(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.MicFramesDropped.Add(ctx, int64(n))
}

// RecordChunkPlayed counts one scheduled model audio chunk.
func (m *Metrics) RecordChunkPlayed(ctx context.Context) {
	if m == nil {
		return
	}
	m.AudioChunksPlayed.Add(ctx, 1)
}

// RecordChunkDropped counts one dropped model audio chunk.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.AudioChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordFlush counts one playback flush.
func (m *Metrics) RecordFlush(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.PlaybackFlushes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderError counts one live provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
