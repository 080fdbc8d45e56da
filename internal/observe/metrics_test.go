package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the int64 sum data point whose attributes contain kv, or -1.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, kv ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	for _, dp := range sum.DataPoints {
		match := true
		for _, want := range kv {
			got, ok := dp.Attributes.Value(want.Key)
			if !ok || got != want.Value {
				match = false
				break
			}
		}
		if match {
			return dp.Value
		}
	}
	return -1
}

func TestRecordFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, FrameAccepted)
	m.RecordFrame(ctx, FrameAccepted)
	m.RecordFrame(ctx, FrameMalformed)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxgate.frames", Attr("result", FrameAccepted)); got != 2 {
		t.Errorf("accepted frames = %d, want 2", got)
	}
	if got := sumFor(t, rm, "voxgate.frames", Attr("result", FrameMalformed)); got != 1 {
		t.Errorf("malformed frames = %d, want 1", got)
	}
}

func TestRecordPipeline(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPipeline(ctx, "http", "ok", 1200*time.Millisecond)
	m.RecordPipeline(ctx, "http", "error", 300*time.Millisecond)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxgate.pipeline.results", Attr("provider", "http"), Attr("status", "ok")); got != 1 {
		t.Errorf("ok results = %d, want 1", got)
	}

	met := findMetric(rm, "voxgate.pipeline.duration")
	if met == nil {
		t.Fatal("pipeline duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("pipeline duration is %T, want Histogram[float64]", met.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("pipeline duration samples = %d, want 2", count)
	}
}

func TestRecordResponse(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordResponse(ctx, 10, false)
	m.RecordResponse(ctx, 3, true)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxgate.response.packets"); got != 13 {
		t.Errorf("packets = %d, want 13", got)
	}
	if got := sumFor(t, rm, "voxgate.response.aborts"); got != 1 {
		t.Errorf("aborts = %d, want 1", got)
	}
}

func TestUtterancesAndRejections(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUtterance(ctx, "silence")
	m.RecordUtterance(ctx, "max_duration")
	m.RecordRejected(ctx, "classifier_unavailable")
	m.RecordClassifier(ctx, 300*time.Microsecond)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxgate.utterances", Attr("reason", "max_duration")); got != 1 {
		t.Errorf("max_duration utterances = %d, want 1", got)
	}
	if got := sumFor(t, rm, "voxgate.session.rejected", Attr("reason", "classifier_unavailable")); got != 1 {
		t.Errorf("rejections = %d, want 1", got)
	}
	if findMetric(rm, "voxgate.classifier.duration") == nil {
		t.Error("classifier duration metric not found")
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	if got := sumFor(t, collect(t, reader), "voxgate.active_sessions"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
