package tracing

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

type recordingExporter struct {
	mu       sync.Mutex
	spans    []store.SpanData
	shutdown bool
}

func (r *recordingExporter) ExportSpans(_ context.Context, spans []store.SpanData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, spans...)
}

func (r *recordingExporter) Shutdown(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	return nil
}

func TestCollector_TraceLifecycle(t *testing.T) {
	ts := store.NewMemoryTracingStore()
	exp := &recordingExporter{}
	c := NewCollector(ts)
	c.SetExporter(exp)
	c.Start()

	ctx := context.Background()
	traceID, err := c.StartTrace(ctx, "run-1", "default", "agent:default:web", "u1", "plot a sine wave")
	if err != nil {
		t.Fatalf("StartTrace: %v", err)
	}
	c.EmitSpan(store.SpanData{TraceID: traceID, SpanType: store.SpanTypeLLMCall, Name: "llm.call", StartTime: time.Now(), InputTokens: 7, OutputTokens: 3})
	c.EmitSpan(store.SpanData{TraceID: traceID, SpanType: store.SpanTypeCodeExec, Name: "code.exec", StartTime: time.Now(), OutputPreview: strings.Repeat("x", 2000)})
	c.FinishTrace(ctx, traceID, store.TraceStatusCompleted, "", "done")
	c.Stop()

	tr, err := ts.GetTrace(ctx, traceID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.SpanCount != 2 || tr.TotalTokens != 10 || tr.Status != store.TraceStatusCompleted || tr.EndTime == nil {
		t.Errorf("trace = %+v", tr)
	}
	spans, _ := ts.ListSpans(ctx, traceID)
	for _, sp := range spans {
		if len(sp.OutputPreview) > previewMaxLen+3 {
			t.Errorf("preview not truncated: %d bytes", len(sp.OutputPreview))
		}
	}
	if len(exp.spans) != 2 || !exp.shutdown {
		t.Errorf("exporter got %d spans, shutdown=%v", len(exp.spans), exp.shutdown)
	}
}

func TestTruncatePreview(t *testing.T) {
	if got := truncatePreview("short"); got != "short" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("é", previewMaxLen)
	got := truncatePreview(long)
	if !strings.HasSuffix(got, "...") || len(got) > previewMaxLen+3 {
		t.Errorf("len %d", len(got))
	}
	if strings.ContainsRune(strings.TrimSuffix(got, "..."), '�') {
		t.Error("cut must land on a rune boundary")
	}
}

func TestCollector_FinishFlushesEarly(t *testing.T) {
	ts := store.NewMemoryTracingStore()
	c := NewCollector(ts)
	c.interval = time.Hour
	c.Start()
	defer c.Stop()

	ctx := context.Background()
	traceID, err := c.StartTrace(ctx, "run-2", "default", "", "", "print 1")
	if err != nil {
		t.Fatal(err)
	}
	c.EmitSpan(store.SpanData{TraceID: traceID, SpanType: store.SpanTypeCodeExec, Name: "code.exec", StartTime: time.Now()})
	c.FinishTrace(ctx, traceID, store.TraceStatusCompleted, "", "1")

	deadline := time.Now().Add(2 * time.Second)
	for {
		spans, _ := ts.ListSpans(ctx, traceID)
		if len(spans) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("span not flushed after FinishTrace, got %d", len(spans))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
