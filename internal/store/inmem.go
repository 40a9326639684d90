package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clone returns a deep copy of the record.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.ImagePaths = append([]string(nil), r.ImagePaths...)
	c.OtherPaths = append([]string(nil), r.OtherPaths...)
	c.ImageURLs = append([]string(nil), r.ImageURLs...)
	c.Attempts = append([]Attempt(nil), r.Attempts...)
	if r.Result != nil {
		res := *r.Result
		c.Result = &res
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Matches reports whether the run passes the filter's equality predicates.
func (f RunFilter) Matches(r *RunRecord) bool {
	return (f.SessionKey == "" || f.SessionKey == r.SessionKey) &&
		(f.AgentID == "" || f.AgentID == r.AgentID) &&
		(f.UserID == "" || f.UserID == r.UserID) &&
		(f.Status == "" || f.Status == r.Status)
}

// MemoryRunStore keeps runs in process memory. Used by one-shot CLI runs and tests.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*RunRecord
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*RunRecord)}
}

func (s *MemoryRunStore) SaveRun(_ context.Context, run *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryRunStore) GetRun(_ context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryRunStore) ListRuns(_ context.Context, filter RunFilter) ([]*RunRecord, error) {
	s.mu.RLock()
	var out []*RunRecord
	for _, r := range s.runs {
		if filter.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset >= len(out) {
		return []*RunRecord{}, nil
	}
	out = out[filter.Offset:]
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryRunStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return ErrNotFound
	}
	delete(s.runs, id)
	return nil
}

// MemoryTracingStore keeps traces and spans in process memory.
type MemoryTracingStore struct {
	mu     sync.Mutex
	traces map[uuid.UUID]*TraceData
	spans  map[uuid.UUID][]SpanData
}

func NewMemoryTracingStore() *MemoryTracingStore {
	return &MemoryTracingStore{
		traces: make(map[uuid.UUID]*TraceData),
		spans:  make(map[uuid.UUID][]SpanData),
	}
}

func (s *MemoryTracingStore) CreateTrace(_ context.Context, trace *TraceData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *trace
	s.traces[trace.ID] = &t
	return nil
}

func (s *MemoryTracingStore) UpdateTrace(_ context.Context, traceID uuid.UUID, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[traceID]
	if !ok {
		return ErrNotFound
	}
	return ApplyTraceUpdates(t, updates)
}

func (s *MemoryTracingStore) BatchCreateSpans(_ context.Context, spans []SpanData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range spans {
		s.spans[sp.TraceID] = append(s.spans[sp.TraceID], sp)
	}
	return nil
}

func (s *MemoryTracingStore) BatchUpdateTraceAggregates(_ context.Context, traceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[traceID]
	if !ok {
		return ErrNotFound
	}
	spans := s.spans[traceID]
	t.SpanCount = len(spans)
	t.TotalTokens = 0
	for _, sp := range spans {
		t.TotalTokens += sp.InputTokens + sp.OutputTokens
	}
	return nil
}

func (s *MemoryTracingStore) GetTrace(_ context.Context, traceID uuid.UUID) (*TraceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[traceID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *MemoryTracingStore) ListSpans(_ context.Context, traceID uuid.UUID) ([]SpanData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SpanData(nil), s.spans[traceID]...), nil
}

// Traces returns every trace, oldest first.
func (s *MemoryTracingStore) Traces() []TraceData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TraceData, 0, len(s.traces))
	for _, t := range s.traces {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TraceUpdateColumns are the fields UpdateTrace accepts.
var TraceUpdateColumns = map[string]bool{
	"status":         true,
	"end_time":       true,
	"error":          true,
	"output_preview": true,
}

// ApplyTraceUpdates copies an update map onto a TraceData.
func ApplyTraceUpdates(t *TraceData, updates map[string]any) error {
	for col, val := range updates {
		if !TraceUpdateColumns[col] {
			return &UnknownColumnError{Column: col}
		}
		switch col {
		case "status":
			t.Status, _ = val.(string)
		case "error":
			t.Error, _ = val.(string)
		case "output_preview":
			t.OutputPreview, _ = val.(string)
		case "end_time":
			if ts, ok := val.(time.Time); ok {
				t.EndTime = &ts
			}
		}
	}
	return nil
}

// UnknownColumnError rejects update keys outside TraceUpdateColumns.
type UnknownColumnError struct{ Column string }

func (e *UnknownColumnError) Error() string { return "unknown trace column: " + e.Column }
