package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cloudserve.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id, session string, created time.Time, status store.RunStatus) *store.RunRecord {
	return &store.RunRecord{
		ID:         id,
		SessionKey: session,
		AgentID:    "default",
		Task:       "plot a sine wave",
		Language:   "python",
		Code:       "print(1)",
		CodePath:   "tmp_code_x.py",
		ImagePaths: []string{"sine.png"},
		OtherPaths: []string{},
		Result:     &store.ExecResult{ExitCode: 0, Stdout: "1\n"},
		Attempts:   []store.Attempt{{Number: 1, Language: "python", Code: "print(1)"}},
		Status:     status,
		CreatedAt:  created,
	}
}

func TestRunRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	run := sampleRun("r1", "agent:default:web", now, store.RunStatusSucceeded)
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Task != run.Task || got.Result.Stdout != "1\n" || len(got.ImagePaths) != 1 || len(got.Attempts) != 1 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	run.Status = store.RunStatusFailed
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun replace: %v", err)
	}
	got, _ = s.GetRun(ctx, "r1")
	if got.Status != store.RunStatusFailed {
		t.Errorf("status = %s", got.Status)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListRuns_FilterAndOrder(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		session := "s1"
		if id == "c" {
			session = "s2"
		}
		if err := s.SaveRun(ctx, sampleRun(id, session, base.Add(time.Duration(i)*time.Second), store.RunStatusSucceeded)); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(ctx, store.RunFilter{SessionKey: "s1"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "b" || runs[1].ID != "a" {
		t.Errorf("unexpected order: %v", ids(runs))
	}

	runs, _ = s.ListRuns(ctx, store.RunFilter{Limit: 1, Offset: 1})
	if len(runs) != 1 || runs[0].ID != "b" {
		t.Errorf("pagination: %v", ids(runs))
	}

	runs, _ = s.ListRuns(ctx, store.RunFilter{Status: store.RunStatusFailed})
	if len(runs) != 0 {
		t.Errorf("status filter: %v", ids(runs))
	}
}

func TestDeleteRun(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if err := s.SaveRun(ctx, sampleRun("d1", "", time.Now(), store.RunStatusSucceeded)); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRun(ctx, "d1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if err := s.DeleteRun(ctx, "d1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestTracing(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	traceID := store.GenNewID()
	start := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.CreateTrace(ctx, &store.TraceData{ID: traceID, RunID: "r1", AgentID: "default", Name: "code-agent", Status: store.TraceStatusRunning, StartTime: start}); err != nil {
		t.Fatalf("CreateTrace: %v", err)
	}
	spans := []store.SpanData{
		{ID: uuid.New(), TraceID: traceID, SpanType: store.SpanTypeLLMCall, Name: "llm.call", StartTime: start, InputTokens: 10, OutputTokens: 5},
		{ID: uuid.New(), TraceID: traceID, SpanType: store.SpanTypeCodeExec, Name: "code.exec", StartTime: start.Add(time.Second), ExitCode: 1},
	}
	if err := s.BatchCreateSpans(ctx, spans); err != nil {
		t.Fatalf("BatchCreateSpans: %v", err)
	}
	if err := s.BatchUpdateTraceAggregates(ctx, traceID); err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	end := start.Add(2 * time.Second)
	if err := s.UpdateTrace(ctx, traceID, map[string]any{"status": store.TraceStatusCompleted, "end_time": end}); err != nil {
		t.Fatalf("UpdateTrace: %v", err)
	}

	tr, err := s.GetTrace(ctx, traceID)
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if tr.SpanCount != 2 || tr.TotalTokens != 15 || tr.Status != store.TraceStatusCompleted {
		t.Errorf("trace = %+v", tr)
	}
	if tr.EndTime == nil || !tr.EndTime.Equal(end) {
		t.Errorf("end time = %v", tr.EndTime)
	}

	got, err := s.ListSpans(ctx, traceID)
	if err != nil || len(got) != 2 || got[0].SpanType != store.SpanTypeLLMCall || got[1].ExitCode != 1 {
		t.Errorf("spans = %+v, err %v", got, err)
	}

	var unknown *store.UnknownColumnError
	if err := s.UpdateTrace(ctx, traceID, map[string]any{"id; DROP TABLE traces": "x"}); !errors.As(err, &unknown) {
		t.Errorf("expected UnknownColumnError, got %v", err)
	}
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.SaveRun(context.Background(), sampleRun("m1", "", time.Now(), store.RunStatusRunning)); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if _, err := s.GetRun(context.Background(), "m1"); err != nil {
		t.Fatalf("GetRun: %v", err)
	}
}

func ids(runs []*store.RunRecord) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
