package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRunStore(t *testing.T) {
	s := NewMemoryRunStore()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"r1", "r2", "r3"} {
		run := &RunRecord{ID: id, SessionKey: "s", Status: RunStatusSucceeded, CreatedAt: base.Add(time.Duration(i) * time.Minute), ImagePaths: []string{"a.png"}}
		if id == "r3" {
			run.SessionKey = "other"
			run.Status = RunStatusFailed
		}
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	got.ImagePaths[0] = "changed.png"
	again, _ := s.GetRun(ctx, "r1")
	if again.ImagePaths[0] != "a.png" {
		t.Error("GetRun must return a copy")
	}

	runs, _ := s.ListRuns(ctx, RunFilter{SessionKey: "s"})
	if len(runs) != 2 || runs[0].ID != "r2" {
		t.Errorf("ListRuns session filter: %d runs", len(runs))
	}
	runs, _ = s.ListRuns(ctx, RunFilter{Status: RunStatusFailed})
	if len(runs) != 1 || runs[0].ID != "r3" {
		t.Errorf("ListRuns status filter: %d runs", len(runs))
	}
	runs, _ = s.ListRuns(ctx, RunFilter{Offset: 10})
	if len(runs) != 0 {
		t.Errorf("offset past end: %d runs", len(runs))
	}

	if err := s.DeleteRun(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRun(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteRun(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryTracingStore(t *testing.T) {
	s := NewMemoryTracingStore()
	ctx := context.Background()
	id := GenNewID()

	if err := s.CreateTrace(ctx, &TraceData{ID: id, Status: TraceStatusRunning}); err != nil {
		t.Fatal(err)
	}
	s.BatchCreateSpans(ctx, []SpanData{
		{ID: GenNewID(), TraceID: id, InputTokens: 4, OutputTokens: 1},
		{ID: GenNewID(), TraceID: id},
	})
	if err := s.BatchUpdateTraceAggregates(ctx, id); err != nil {
		t.Fatal(err)
	}
	end := time.Now()
	if err := s.UpdateTrace(ctx, id, map[string]any{"status": TraceStatusCompleted, "end_time": end}); err != nil {
		t.Fatal(err)
	}
	tr, _ := s.GetTrace(ctx, id)
	if tr.SpanCount != 2 || tr.TotalTokens != 5 || tr.Status != TraceStatusCompleted || tr.EndTime == nil {
		t.Errorf("trace = %+v", tr)
	}

	var unknown *UnknownColumnError
	if err := s.UpdateTrace(ctx, id, map[string]any{"name": "x"}); !errors.As(err, &unknown) {
		t.Errorf("expected UnknownColumnError, got %v", err)
	}
	if err := s.UpdateTrace(ctx, GenNewID(), nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
