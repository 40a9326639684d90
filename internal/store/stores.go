package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// RunStore persists run records.
type RunStore interface {
	// SaveRun inserts or replaces a run by ID.
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
	DeleteRun(ctx context.Context, id string) error
}

// TracingStore persists traces and spans.
type TracingStore interface {
	CreateTrace(ctx context.Context, trace *TraceData) error
	UpdateTrace(ctx context.Context, traceID uuid.UUID, updates map[string]any) error
	BatchCreateSpans(ctx context.Context, spans []SpanData) error
	// BatchUpdateTraceAggregates recomputes span_count and total_tokens from spans.
	BatchUpdateTraceAggregates(ctx context.Context, traceID uuid.UUID) error
	GetTrace(ctx context.Context, traceID uuid.UUID) (*TraceData, error)
	ListSpans(ctx context.Context, traceID uuid.UUID) ([]SpanData, error)
}

// Stores bundles the backends opened for one process.
type Stores struct {
	Runs    RunStore
	Tracing TracingStore
	Close   func() error
}
