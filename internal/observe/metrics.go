// Package observe provides the gateway's observability primitives:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed to
// Prometheus through the exporter bridge set up by [InitProvider]. Tests
// should use [NewMetrics] with their own [metric.MeterProvider] (for example
// one backed by sdkmetric.NewManualReader) to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all voxgate metrics.
const meterName = "github.com/MrWong99/voxgate"

// Frame results recorded on [Metrics.Frames].
const (
	FrameAccepted  = "accepted"
	FrameMalformed = "malformed"
	FrameDropped   = "dropped"
)

// Metrics holds every instrument the gateway records. All fields are safe for
// concurrent use.
type Metrics struct {
	// Frames counts inbound binary frames by attribute result
	// (accepted, malformed, dropped).
	Frames metric.Int64Counter

	// Utterances counts finalized utterances by attribute reason
	// (silence, max_duration).
	Utterances metric.Int64Counter

	// PipelineDuration tracks the wall time of one pipeline call.
	PipelineDuration metric.Float64Histogram

	// PipelineResults counts pipeline outcomes by provider and status.
	PipelineResults metric.Int64Counter

	// ClassifierDuration tracks per-frame scoring latency.
	ClassifierDuration metric.Float64Histogram

	// ResponsePackets counts binary response packets delivered to clients.
	ResponsePackets metric.Int64Counter

	// ResponseAborts counts response streams cut short by a failed send.
	ResponseAborts metric.Int64Counter

	// ActiveSessions tracks the number of connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionRejected counts connections closed at start-up, by reason.
	SessionRejected metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request time by method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds for pipeline calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// scoringBuckets are histogram boundaries in seconds for frame scoring, which
// must stay well below the frame duration.
var scoringBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Frames, err = m.Int64Counter("voxgate.frames",
		metric.WithDescription("Inbound audio frames by result."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("voxgate.utterances",
		metric.WithDescription("Finalized utterances by end reason."),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("voxgate.pipeline.duration",
		metric.WithDescription("Latency of one downstream pipeline call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineResults, err = m.Int64Counter("voxgate.pipeline.results",
		metric.WithDescription("Pipeline outcomes by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ClassifierDuration, err = m.Float64Histogram("voxgate.classifier.duration",
		metric.WithDescription("Latency of scoring one frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(scoringBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponsePackets, err = m.Int64Counter("voxgate.response.packets",
		metric.WithDescription("Response audio packets sent to clients."),
	); err != nil {
		return nil, err
	}
	if met.ResponseAborts, err = m.Int64Counter("voxgate.response.aborts",
		metric.WithDescription("Response streams aborted by a failed send."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionRejected, err = m.Int64Counter("voxgate.session.rejected",
		metric.WithDescription("Connections closed during session start-up, by reason."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// RecordFrame counts one inbound frame with the given result.
func (m *Metrics) RecordFrame(ctx context.Context, result string) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordUtterance counts one finalized utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, reason string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPipeline records the duration and outcome of one pipeline call.
func (m *Metrics) RecordPipeline(ctx context.Context, provider, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.PipelineDuration.Record(ctx, d.Seconds(), attrs)
	m.PipelineResults.Add(ctx, 1, attrs)
}

// RecordClassifier records the time taken to score one frame.
func (m *Metrics) RecordClassifier(ctx context.Context, d time.Duration) {
	m.ClassifierDuration.Record(ctx, d.Seconds())
}

// RecordResponse records the packets delivered for one response and whether
// the stream was aborted.
func (m *Metrics) RecordResponse(ctx context.Context, packets int, aborted bool) {
	m.ResponsePackets.Add(ctx, int64(packets))
	if aborted {
		m.ResponseAborts.Add(ctx, 1)
	}
}

// RecordRejected counts one connection refused during session start-up.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	m.SessionRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
