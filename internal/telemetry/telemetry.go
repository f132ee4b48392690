// Package telemetry wires OpenTelemetry traces and metrics for the
// orchestrator. When disabled every call is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/ShayCichocki/autopilot/internal/version"
)

// ScopeName is the instrumentation scope for traces and metrics.
const ScopeName = "autopilot"

// Config holds telemetry configuration.
type Config struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Exporter is otlp, stdout or none.
	Exporter    string  `mapstructure:"exporter" yaml:"exporter"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// Telemetry holds the tracer, meter and instruments of one process.
type Telemetry struct {
	tracer   trace.Tracer
	metrics  *Metrics
	shutdown func(context.Context) error
}

// Nop returns telemetry that records nothing.
func Nop() *Telemetry {
	t, _ := newTelemetry(nooptrace.NewTracerProvider().Tracer(ScopeName),
		noop.NewMeterProvider().Meter(ScopeName),
		func(context.Context) error { return nil })
	return t
}

// New sets up providers for cfg. The result must be Shutdown on exit.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return Nop(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "autopilot"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version.Get()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return newTelemetry(tp.Tracer(ScopeName), mp.Meter(ScopeName), func(ctx context.Context) error {
		tErr := tp.Shutdown(ctx)
		mErr := mp.Shutdown(ctx)
		if tErr != nil {
			return tErr
		}
		return mErr
	})
}

func newTelemetry(tracer trace.Tracer, meter metric.Meter, shutdown func(context.Context) error) (*Telemetry, error) {
	m, err := NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}
	return &Telemetry{tracer: tracer, metrics: m, shutdown: shutdown}, nil
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}

// StartSpan starts an internal span.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordTransition counts a status change.
func (t *Telemetry) RecordTransition(ctx context.Context, to string) {
	t.metrics.Transitions.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(to)))
}

// RecordDispatch counts one dispatch outcome and its duration.
func (t *Telemetry) RecordDispatch(ctx context.Context, provider, outcome string, d time.Duration, tokens int64) {
	attrs := metric.WithAttributes(AttrProvider.String(provider), AttrOutcome.String(outcome))
	t.metrics.Dispatches.Add(ctx, 1, attrs)
	t.metrics.DispatchDuration.Record(ctx, d.Seconds(), attrs)
	if tokens > 0 {
		t.metrics.Tokens.Add(ctx, tokens, metric.WithAttributes(AttrProvider.String(provider)))
	}
}

// RecordCooldown counts an account entering cooldown.
func (t *Telemetry) RecordCooldown(ctx context.Context, provider, account string) {
	t.metrics.Cooldowns.Add(ctx, 1, metric.WithAttributes(AttrProvider.String(provider), AttrAccount.String(account)))
}

// RecordDecomposition counts a decomposition attempt.
func (t *Telemetry) RecordDecomposition(ctx context.Context, outcome string, subtasks int) {
	t.metrics.Decompositions.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
	if subtasks > 0 {
		t.metrics.Subtasks.Add(ctx, int64(subtasks))
	}
}

// InFlight adjusts the in-flight dispatch gauge.
func (t *Telemetry) InFlight(ctx context.Context, delta int64) {
	t.metrics.InFlight.Add(ctx, delta)
}
