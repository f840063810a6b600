// Package telemetry wires OpenTelemetry tracing and metrics around the
// middleware chain. A nil *Manager is valid everywhere and records nothing.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/godeps/tradingagents-go/pkg/telemetry"

var (
	attrMiddleware = attribute.Key("middleware.name")
	attrSessionID  = attribute.Key("analysis.session_id")
	attrTicker     = attribute.Key("analysis.ticker")
	attrDecision   = attribute.Key("approval.decision")
	attrBlocked    = attribute.Key("risk.blocked")
	attrFailed     = attribute.Key("middleware.failed")
)

// Config drives how telemetry is initialized.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// OTLPEndpoint enables an OTLP/HTTP trace exporter when set
	// (host:port, plain HTTP). Ignored if TracerProvider is supplied.
	OTLPEndpoint string

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Manager coordinates the tracer and the chain-level instruments.
type Manager struct {
	tracer         trace.Tracer
	metrics        *metrics
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	shutdown       func(context.Context) error
}

// NewManager builds a fully wired telemetry manager.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	tp := cfg.TracerProvider
	shutdown := func(context.Context) error { return nil }
	if tp == nil {
		res, err := buildResource(cfg)
		if err != nil {
			return nil, err
		}
		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		if cfg.OTLPEndpoint != "" {
			exporter, err := otlptracehttp.New(ctx,
				otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
				otlptracehttp.WithInsecure(),
			)
			if err != nil {
				return nil, err
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
		provider := sdktrace.NewTracerProvider(opts...)
		tp = provider
		shutdown = provider.Shutdown
	}

	mp := cfg.MeterProvider
	if mp == nil {
		mp = sdkmetric.NewMeterProvider()
	}
	recorder, err := newMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}

	return &Manager{
		tracer:         tp.Tracer(instrumentationName),
		metrics:        recorder,
		tracerProvider: tp,
		meterProvider:  mp,
		shutdown:       shutdown,
	}, nil
}

// SpanOption adds attributes to a middleware span.
type SpanOption func(*[]attribute.KeyValue)

// WithSession tags the span with the analysis session id.
func WithSession(id string) SpanOption {
	return func(attrs *[]attribute.KeyValue) {
		if id != "" {
			*attrs = append(*attrs, attrSessionID.String(id))
		}
	}
}

// WithTicker tags the span with the ticker under analysis.
func WithTicker(ticker string) SpanOption {
	return func(attrs *[]attribute.KeyValue) {
		if ticker != "" {
			*attrs = append(*attrs, attrTicker.String(ticker))
		}
	}
}

// StartSpan opens a span for one middleware layer. Safe on a nil manager.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, nil
	}
	attrs := make([]attribute.KeyValue, 0, 4)
	for _, opt := range opts {
		opt(&attrs)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan closes a span opened by StartSpan, marking status from err.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordInvocation records one middleware layer execution.
func (m *Manager) RecordInvocation(ctx context.Context, name string, d time.Duration, err error) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.recordInvocation(ctx, name, d, err)
}

// RecordHighRisk records one HIGH-tier risk detection.
func (m *Manager) RecordHighRisk(ctx context.Context, ticker string, blocked bool) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.recordHighRisk(ctx, ticker, blocked)
}

// RecordApproval records one approval gate outcome.
func (m *Manager) RecordApproval(ctx context.Context, decision string) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.recordApproval(ctx, decision)
}

// Shutdown flushes any batching exporter owned by the manager.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.shutdown == nil {
		return nil
	}
	return m.shutdown(ctx)
}

func buildResource(cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "tradingagents"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentName(cfg.Environment))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}
