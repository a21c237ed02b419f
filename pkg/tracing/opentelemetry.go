package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
	"github.com/run-bigpig/stream-guardrails/pkg/multitenancy"
)

// OTelTracer implements interfaces.Tracer using OpenTelemetry
type OTelTracer struct {
	tracer      trace.Tracer
	provider    *sdktrace.TracerProvider
	enabled     bool
	serviceName string
}

// OTelConfig contains configuration for OpenTelemetry
type OTelConfig struct {
	// Enabled determines whether OpenTelemetry tracing is enabled
	Enabled bool

	// ServiceName is the name of the service
	ServiceName string

	// CollectorEndpoint is the endpoint of the OpenTelemetry collector
	CollectorEndpoint string
}

// NewOTelTracer creates a tracer exporting to an OTLP gRPC collector
func NewOTelTracer(config OTelConfig) (*OTelTracer, error) {
	if !config.Enabled {
		return &OTelTracer{
			enabled: false,
		}, nil
	}

	ctx := context.Background()
	exporter, err := otlptrace.New(
		ctx,
		otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
			otlptracegrpc.WithInsecure(),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	t := NewOTelTracerFromProvider(tp, config.ServiceName)
	t.provider = tp
	return t, nil
}

// NewOTelTracerFromProvider creates a tracer on an existing provider
func NewOTelTracerFromProvider(tp trace.TracerProvider, serviceName string) *OTelTracer {
	return &OTelTracer{
		tracer:      tp.Tracer(serviceName),
		enabled:     true,
		serviceName: serviceName,
	}
}

// StartSpan implements interfaces.Tracer
func (t *OTelTracer) StartSpan(ctx context.Context, name string) (context.Context, interfaces.Span) {
	if !t.enabled {
		return ctx, &otelSpan{span: trace.SpanFromContext(ctx), noop: true}
	}

	var attrs []attribute.KeyValue
	if orgID, err := multitenancy.GetOrgID(ctx); err == nil {
		attrs = append(attrs, attribute.String("org_id", orgID))
	}
	if sessionID, ok := logging.SessionID(ctx); ok {
		attrs = append(attrs, attribute.String("session.id", sessionID))
	}

	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &otelSpan{span: span}
}

// Shutdown flushes and stops the exporter, if this tracer owns one
func (t *OTelTracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// otelSpan adapts trace.Span to interfaces.Span. A noop span wraps the
// caller's span without ending or annotating it.
type otelSpan struct {
	span trace.Span
	noop bool
}

func (s *otelSpan) End() {
	if s.noop {
		return
	}
	s.span.End()
}

func (s *otelSpan) AddEvent(name string, attributes map[string]interface{}) {
	if s.noop {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attributes)...))
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	if s.noop {
		return
	}
	s.span.SetAttributes(toAttribute(key, value))
}

func (s *otelSpan) RecordError(err error) {
	if s.noop || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func toAttributes(attributes map[string]interface{}) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, toAttribute(k, v))
	}
	return attrs
}

func toAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
