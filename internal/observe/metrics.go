// Package observe provides the observability primitives shared by every
// switchline package: OpenTelemetry metrics and tracing, trace-aware slog
// loggers and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [Setup]. Tests should build their own [Metrics] with
// [NewMetrics] and a private [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all switchline metrics.
const meterName = "github.com/MrWong99/switchline"

// Metrics holds the metric instruments. All fields are safe for concurrent use.
type Metrics struct {
	// StageDuration is the time a pipeline stage spends on one frame.
	// Attributes: stage, kind.
	StageDuration metric.Float64Histogram

	// ProviderTTFB is the time to first byte of a streaming provider call.
	// Attributes: provider, kind (stt, llm, tts).
	ProviderTTFB metric.Float64Histogram

	// ToolDuration is the time from dispatch to result of a tool call.
	ToolDuration metric.Float64Histogram

	// ProviderRequests counts provider calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// LLMTokens counts model usage. Attributes: provider, type (prompt, completion).
	LLMTokens metric.Int64Counter

	// TTSCharacters counts characters sent to the synthesiser. Attributes: provider.
	TTSCharacters metric.Int64Counter

	// FramesDropped counts stale audio chunks dropped under backpressure.
	// Attributes: stage.
	FramesDropped metric.Int64Counter

	// TransportMalformed counts inbound envelopes that could not be decoded.
	// Attributes: transport.
	TransportMalformed metric.Int64Counter

	// ActiveSessions tracks live calls. Attributes: transport.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request latency. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds tuned for voice latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	histogram := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = m.Int64Counter(name, metric.WithDescription(desc))
		return c
	}

	met.StageDuration = histogram("switchline.stage.duration", "Time a pipeline stage spends processing one frame.")
	met.ProviderTTFB = histogram("switchline.provider.ttfb", "Time to first byte of streaming provider calls.")
	met.ToolDuration = histogram("switchline.tool.duration", "Latency of tool handler execution.")
	met.ProviderRequests = counter("switchline.provider.requests", "Provider calls by provider, kind and status.")
	met.ProviderErrors = counter("switchline.provider.errors", "Provider errors by provider and kind.")
	met.ToolCalls = counter("switchline.tool.calls", "Tool invocations by tool name and status.")
	met.LLMTokens = counter("switchline.llm.tokens", "Model tokens by provider and type.")
	met.TTSCharacters = counter("switchline.tts.characters", "Characters sent to speech synthesis.")
	met.FramesDropped = counter("switchline.frames.dropped", "Audio chunks dropped to keep live audio current.")
	met.TransportMalformed = counter("switchline.transport.malformed", "Inbound transport envelopes that failed to decode.")
	if err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("switchline.sessions.active",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("switchline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built on the global
// meter provider. Panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status),
	))
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordTTFB records time-to-first-byte for a provider call.
func (m *Metrics) RecordTTFB(ctx context.Context, provider, kind string, d time.Duration) {
	m.ProviderTTFB.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordToolCall counts a tool invocation and records its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("tool", tool), Attr("status", status))
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStage records how long a stage spent on one frame.
func (m *Metrics) RecordStage(ctx context.Context, stage, kind string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage), Attr("kind", kind)))
}

// RecordTokens counts model token usage.
func (m *Metrics) RecordTokens(ctx context.Context, provider string, prompt, completion int) {
	if prompt > 0 {
		m.LLMTokens.Add(ctx, int64(prompt), metric.WithAttributes(Attr("provider", provider), Attr("type", "prompt")))
	}
	if completion > 0 {
		m.LLMTokens.Add(ctx, int64(completion), metric.WithAttributes(Attr("provider", provider), Attr("type", "completion")))
	}
}

// RecordCharacters counts characters sent to speech synthesis.
func (m *Metrics) RecordCharacters(ctx context.Context, provider string, n int) {
	m.TTSCharacters.Add(ctx, int64(n), metric.WithAttributes(Attr("provider", provider)))
}

// SessionStarted increments the active session gauge for transport.
func (m *Metrics) SessionStarted(ctx context.Context, transport string) {
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(Attr("transport", transport)))
}

// SessionEnded decrements the active session gauge for transport.
func (m *Metrics) SessionEnded(ctx context.Context, transport string) {
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(Attr("transport", transport)))
}

// RecordMalformed counts one undecodable inbound envelope.
func (m *Metrics) RecordMalformed(ctx context.Context, transport string) {
	m.TransportMalformed.Add(ctx, 1, metric.WithAttributes(Attr("transport", transport)))
}
