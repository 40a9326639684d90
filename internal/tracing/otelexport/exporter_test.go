package otelexport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

func TestUUIDToTraceID(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	tid := uuidToTraceID(id)
	if tid == (trace.TraceID{}) {
		t.Error("expected non-zero trace ID")
	}
	for i := range tid {
		if tid[i] != id[i] {
			t.Fatalf("byte %d differs", i)
		}
	}
}

func TestUUIDToSpanID(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	sid := uuidToSpanID(id)
	for i := 0; i < 8; i++ {
		if sid[i] != id[8+i] {
			t.Errorf("byte %d: expected %02x, got %02x", i, id[8+i], sid[i])
		}
	}
	other := uuidToSpanID(uuid.MustParse("550e8400-e29b-41d4-b827-557766550001"))
	if sid == other {
		t.Error("different UUIDs should produce different span IDs")
	}
}

func TestNew_EmptyEndpoint(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestNilExporter(t *testing.T) {
	var exp *Exporter
	exp.ExportSpans(context.Background(), []store.SpanData{{
		ID:        uuid.New(),
		TraceID:   uuid.New(),
		SpanType:  store.SpanTypeLLMCall,
		Name:      "llm.call",
		StartTime: time.Now(),
	}})
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNew_Protocols(t *testing.T) {
	for _, protocol := range []string{"grpc", "http", ""} {
		exp, err := New(context.Background(), Config{Endpoint: "localhost:4317", Protocol: protocol, Insecure: true})
		if err != nil {
			t.Fatalf("protocol %q: %v", protocol, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := exp.Shutdown(ctx); err != nil {
			t.Errorf("protocol %q shutdown: %v", protocol, err)
		}
		cancel()
	}
}

func runSpans() (uuid.UUID, uuid.UUID, []store.SpanData) {
	traceID, root := uuid.New(), uuid.New()
	start := time.Now().Add(-time.Second)
	return traceID, root, []store.SpanData{
		{
			ID: root, TraceID: traceID, SpanType: store.SpanTypeLLMCall, Name: "llm.call",
			StartTime: start, DurationMS: 200, Status: store.TraceStatusCompleted,
			Model: "gpt-4o-mini", Provider: "openai", InputTokens: 12, OutputTokens: 40,
		},
		{
			ID: uuid.New(), TraceID: traceID, ParentSpanID: &root, SpanType: store.SpanTypeCodeExec, Name: "code.exec",
			StartTime: start.Add(200 * time.Millisecond), DurationMS: 50, Status: store.TraceStatusError, Error: "exit status 1",
			Language: "python", ExitCode: 1,
		},
	}
}

func TestExportSpans_Converts(t *testing.T) {
	ctx := context.Background()
	mem := tracetest.NewInMemoryExporter()
	exp, err := newExporter(ctx, mem, Config{ServiceVersion: "test"})
	require.NoError(t, err)

	traceID, root, spans := runSpans()
	exp.ExportSpans(ctx, spans)
	require.NoError(t, exp.Flush(ctx))

	got := mem.GetSpans()
	require.Len(t, got, 2)

	llm, execSpan := got[0], got[1]
	assert.Equal(t, "llm.call", llm.Name)
	assert.Equal(t, trace.SpanKindClient, llm.SpanKind)
	assert.Equal(t, uuidToTraceID(traceID), llm.SpanContext.TraceID())
	assert.Contains(t, llm.Attributes, attribute.String("gen_ai.request.model", "gpt-4o-mini"))
	assert.Equal(t, codes.Ok, llm.Status.Code)

	assert.Equal(t, "code.exec", execSpan.Name)
	assert.Equal(t, uuidToTraceID(traceID), execSpan.SpanContext.TraceID())
	assert.Equal(t, uuidToSpanID(root), execSpan.Parent.SpanID())
	assert.Contains(t, execSpan.Attributes, attribute.String("cloudserve.exec.language", "python"))
	assert.Contains(t, execSpan.Attributes, attribute.Int("cloudserve.exec.exit_code", 1))
	assert.Equal(t, codes.Error, execSpan.Status.Code)
	assert.Equal(t, 50*time.Millisecond, execSpan.EndTime.Sub(execSpan.StartTime))

	require.NoError(t, exp.Shutdown(ctx))
}

func TestExportSpans_SampleRatio(t *testing.T) {
	ctx := context.Background()
	mem := tracetest.NewInMemoryExporter()
	// UUID variant bits keep the low half of every trace ID far above this threshold.
	exp, err := newExporter(ctx, mem, Config{SampleRatio: 1e-9})
	require.NoError(t, err)

	_, _, spans := runSpans()
	exp.ExportSpans(ctx, spans)
	require.NoError(t, exp.Flush(ctx))
	assert.Empty(t, mem.GetSpans())
}
