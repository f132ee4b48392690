package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx, span := tel.StartSpan(context.Background(), "tick", AttrTaskID.String("T1"))
	tel.RecordDispatch(ctx, "anthropic", "success", time.Second, 10)
	span.End()
}

func TestNew_NoneExporter(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: true, Exporter: "none", SampleRate: 0.5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNew_UnknownExporter(t *testing.T) {
	if _, err := New(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestRecorders_ReachReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tel, err := newTelemetry(nooptrace.NewTracerProvider().Tracer(ScopeName), mp.Meter(ScopeName), mp.Shutdown)
	if err != nil {
		t.Fatalf("newTelemetry: %v", err)
	}
	ctx := context.Background()
	tel.RecordTransition(ctx, "done")
	tel.RecordTransition(ctx, "done")
	tel.RecordCooldown(ctx, "anthropic", "a1")
	tel.RecordDecomposition(ctx, "decomposed", 4)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					got[m.Name] += dp.Value
					if m.Name == "autopilot.task.transitions" {
						if v, _ := dp.Attributes.Value(attribute.Key("autopilot.status")); v.AsString() != "done" {
							t.Errorf("transition status attr = %v", v)
						}
					}
				}
			}
		}
	}
	want := map[string]int64{
		"autopilot.task.transitions":   2,
		"autopilot.account.cooldowns":  1,
		"autopilot.decompose.count":    1,
		"autopilot.decompose.subtasks": 4,
	}
	for name, n := range want {
		if got[name] != n {
			t.Errorf("%s = %d, want %d", name, got[name], n)
		}
	}
}
