// Package otelexport forwards collected run spans to an OTLP endpoint.
// Spans keep their store IDs as attributes so a trace in the OTel backend
// can be matched with the run record.
package otelexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

const tracerName = "github.com/nextlevelbuilder/cloudserve"

type Config struct {
	Endpoint       string            // host:port, e.g. "localhost:4317"
	Protocol       string            // "grpc" (default) or "http"
	Insecure       bool              // plaintext, for local collectors
	ServiceName    string            // default "cloudserve"
	ServiceVersion string            // build version
	Headers        map[string]string // sent with every export request
	SampleRatio    float64           // fraction of runs exported; 0 or >=1 exports all
}

// Exporter implements tracing.SpanExporter on top of an OTel batch processor.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New dials nothing up front: both OTLP clients connect on first export.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("otlp endpoint is required")
	}
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otlp %s client: %w", cfg.Protocol, err)
	}
	return newExporter(ctx, client, cfg)
}

func newClient(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newExporter(ctx context.Context, client sdktrace.SpanExporter, cfg Config) (*Exporter, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "cloudserve"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	// Sampling keys on the trace ID, so a run's spans are kept or dropped together.
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(client,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	return &Exporter{provider: tp, tracer: tp.Tracer(tracerName)}, nil
}

// Flush pushes batched spans out without shutting down.
func (e *Exporter) Flush(ctx context.Context) error {
	if e == nil {
		return nil
	}
	return e.provider.ForceFlush(ctx)
}

func (e *Exporter) ExportSpans(ctx context.Context, spans []store.SpanData) {
	if e == nil || len(spans) == 0 {
		return
	}

	for _, s := range spans {
		e.exportSpan(ctx, s)
	}
}

func (e *Exporter) exportSpan(ctx context.Context, s store.SpanData) {
	traceID := uuidToTraceID(s.TraceID)

	attrs := []attribute.KeyValue{
		attribute.String("cloudserve.span_type", s.SpanType),
		attribute.String("cloudserve.trace_id", s.TraceID.String()),
		attribute.String("cloudserve.span_id", s.ID.String()),
	}
	if s.AgentID != "" {
		attrs = append(attrs, attribute.String("cloudserve.agent_id", s.AgentID))
	}

	kind := trace.SpanKindInternal
	switch s.SpanType {
	case store.SpanTypeLLMCall:
		kind = trace.SpanKindClient
		if s.Model != "" {
			attrs = append(attrs, attribute.String("gen_ai.request.model", s.Model))
		}
		if s.Provider != "" {
			attrs = append(attrs, attribute.String("gen_ai.system", s.Provider))
		}
		if s.InputTokens > 0 {
			attrs = append(attrs, attribute.Int("gen_ai.usage.input_tokens", s.InputTokens))
		}
		if s.OutputTokens > 0 {
			attrs = append(attrs, attribute.Int("gen_ai.usage.output_tokens", s.OutputTokens))
		}
		if s.FinishReason != "" {
			attrs = append(attrs, attribute.String("gen_ai.response.finish_reason", s.FinishReason))
		}
	case store.SpanTypeCodeExec:
		attrs = append(attrs,
			attribute.String("cloudserve.exec.language", s.Language),
			attribute.Int("cloudserve.exec.exit_code", s.ExitCode),
		)
	}
	if s.InputPreview != "" {
		attrs = append(attrs, attribute.String("cloudserve.input_preview", s.InputPreview))
	}
	if s.OutputPreview != "" {
		attrs = append(attrs, attribute.String("cloudserve.output_preview", s.OutputPreview))
	}

	// The SDK assigns its own span IDs; ours ride along as attributes and the
	// parent link keeps all spans of a run under one OTel trace.
	parentID := s.ID
	if s.ParentSpanID != nil {
		parentID = *s.ParentSpanID
	}
	parentCtx := trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     uuidToSpanID(parentID),
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))

	_, span := e.tracer.Start(parentCtx, s.Name,
		trace.WithTimestamp(s.StartTime),
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)

	if s.Status == store.TraceStatusError {
		span.SetStatus(codes.Error, s.Error)
		if s.Error != "" {
			span.RecordError(fmt.Errorf("%s", s.Error))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}

	endTime := s.StartTime.Add(time.Duration(s.DurationMS) * time.Millisecond)
	if s.EndTime != nil {
		endTime = *s.EndTime
	}
	span.End(trace.WithTimestamp(endTime))
}

// Shutdown flushes pending spans and stops the exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	slog.Info("otel exporter shutting down")
	return e.provider.Shutdown(ctx)
}

// uuidToTraceID converts a UUID to an OTel TraceID (16 bytes).
func uuidToTraceID(id [16]byte) trace.TraceID {
	return trace.TraceID(id)
}

// uuidToSpanID converts a UUID to an OTel SpanID (8 bytes, uses last 8 bytes of UUID).
func uuidToSpanID(id [16]byte) trace.SpanID {
	var sid trace.SpanID
	copy(sid[:], id[8:16])
	return sid
}
