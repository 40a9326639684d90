// Package tracing records one trace per agent run with a span for every model
// call and code execution.
package tracing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBufferSize    = 1000
	previewMaxLen        = 500
)

// SpanExporter gets a copy of every flushed batch (see otelexport).
type SpanExporter interface {
	ExportSpans(ctx context.Context, spans []store.SpanData)
	Shutdown(ctx context.Context) error
}

// Collector writes traces synchronously and batches spans. Batches go out on
// a timer, and early whenever a run finishes so its trace is complete by the
// time clients look it up.
type Collector struct {
	store    store.TracingStore
	exporter SpanExporter

	spanCh   chan store.SpanData
	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	interval time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]struct{} // traces whose aggregates are stale
}

// NewCollector creates a collector backed by ts.
func NewCollector(ts store.TracingStore) *Collector {
	return &Collector{
		store:    ts,
		spanCh:   make(chan store.SpanData, defaultBufferSize),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		interval: defaultFlushInterval,
		pending:  make(map[uuid.UUID]struct{}),
	}
}

// SetExporter attaches an external span exporter. Call before Start.
func (c *Collector) SetExporter(exp SpanExporter) {
	c.exporter = exp
}

// Start begins the background flush loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.flushLoop()
	slog.Info("tracing collector started")
}

// Stop flushes remaining spans and shuts down the exporter.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	if c.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.exporter.Shutdown(ctx); err != nil {
			slog.Warn("tracing: span exporter shutdown failed", "error", err)
		}
	}
	slog.Info("tracing collector stopped")
}

// StartTrace creates a running trace for an agent run and returns its ID.
func (c *Collector) StartTrace(ctx context.Context, runID, agentID, sessionKey, userID, task string) (uuid.UUID, error) {
	now := time.Now().UTC()
	t := &store.TraceData{
		ID:           store.GenNewID(),
		RunID:        runID,
		AgentID:      agentID,
		SessionKey:   sessionKey,
		UserID:       userID,
		Name:         "agent.run",
		Status:       store.TraceStatusRunning,
		InputPreview: truncatePreview(task),
		StartTime:    now,
		CreatedAt:    now,
	}
	if err := c.store.CreateTrace(ctx, t); err != nil {
		return uuid.Nil, err
	}
	return t.ID, nil
}

// EmitSpan enqueues a span for async batch insertion.
// Non-blocking: drops the span if the buffer is full.
func (c *Collector) EmitSpan(span store.SpanData) {
	if span.ID == uuid.Nil {
		span.ID = store.GenNewID()
	}
	if span.CreatedAt.IsZero() {
		span.CreatedAt = time.Now().UTC()
	}
	span.InputPreview = truncatePreview(span.InputPreview)
	span.OutputPreview = truncatePreview(span.OutputPreview)

	select {
	case c.spanCh <- span:
		c.markStale(span.TraceID)
	default:
		slog.Warn("tracing: span buffer full, dropping span", "span_type", span.SpanType, "name", span.Name)
	}
}

// FinishTrace marks a trace as completed or errored.
func (c *Collector) FinishTrace(ctx context.Context, traceID uuid.UUID, status, errMsg, outputPreview string) {
	updates := map[string]any{
		"status":   status,
		"end_time": time.Now().UTC(),
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if outputPreview != "" {
		updates["output_preview"] = truncatePreview(outputPreview)
	}
	if err := c.store.UpdateTrace(ctx, traceID, updates); err != nil {
		slog.Warn("tracing: failed to finish trace", "trace_id", traceID, "error", err)
	}
	c.markStale(traceID)

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Collector) markStale(traceID uuid.UUID) {
	c.mu.Lock()
	c.pending[traceID] = struct{}{}
	c.mu.Unlock()
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.kick:
			c.flush()
		case <-c.stopCh:
			c.flush()
			return
		}
	}
}

// Flush drains buffered spans synchronously.
func (c *Collector) Flush() { c.flush() }

func (c *Collector) flush() {
	var spans []store.SpanData
drain:
	for {
		select {
		case span := <-c.spanCh:
			spans = append(spans, span)
		default:
			break drain
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(spans) > 0 {
		if err := c.store.BatchCreateSpans(ctx, spans); err != nil {
			slog.Warn("tracing: batch span insert failed", "count", len(spans), "error", err)
		} else {
			slog.Debug("tracing: flushed spans", "count", len(spans))
		}
		if c.exporter != nil {
			c.exporter.ExportSpans(ctx, spans)
		}
	}

	c.mu.Lock()
	stale := c.pending
	c.pending = make(map[uuid.UUID]struct{})
	c.mu.Unlock()

	for traceID := range stale {
		if err := c.store.BatchUpdateTraceAggregates(ctx, traceID); err != nil {
			slog.Warn("tracing: aggregate update failed", "trace_id", traceID, "error", err)
		}
	}
}

// truncatePreview drops invalid UTF-8 and cuts to previewMaxLen bytes on a
// rune boundary.
func truncatePreview(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= previewMaxLen {
		return s
	}
	maxLen := previewMaxLen
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
