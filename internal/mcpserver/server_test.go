package mcpserver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/cloudserve/internal/agent"
	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type %T", res.Content[0])
	}
	return tc.Text
}

func TestRunCodeTask(t *testing.T) {
	runs := store.NewMemoryRunStore()
	var got agent.RunRequest
	run := func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		got = req
		rec := &store.RunRecord{ID: req.RunID, Task: req.Message, Status: store.RunStatusSucceeded, CreatedAt: time.Now()}
		runs.SaveRun(ctx, rec)
		return &agent.RunResult{RunID: req.RunID, Content: "6", Record: rec}, nil
	}
	s := New(run, runs, "test")

	res, err := s.handleRunCodeTask(context.Background(), callTool(ToolRunCodeTask, map[string]any{"task": "2*3", "agent_id": "Analyst"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, res))
	}
	text := resultText(t, res)
	if !strings.Contains(text, `"content": "6"`) || !strings.Contains(text, got.RunID) {
		t.Errorf("result = %s", text)
	}
	if !strings.HasPrefix(got.SessionKey, "agent:analyst:mcp-") {
		t.Errorf("session key = %q", got.SessionKey)
	}

	res, _ = s.handleGetRun(context.Background(), callTool(ToolGetRun, map[string]any{"run_id": got.RunID}))
	if res.IsError || !strings.Contains(resultText(t, res), `"task": "2*3"`) {
		t.Errorf("get_run = %s", resultText(t, res))
	}
}

func TestRunCodeTask_Failure(t *testing.T) {
	runs := store.NewMemoryRunStore()
	run := func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		runs.SaveRun(ctx, &store.RunRecord{ID: req.RunID, Status: store.RunStatusFailed, CreatedAt: time.Now()})
		return nil, &agent.AttemptsExhaustedError{Attempts: []string{"NameError"}, LastErr: errors.New("NameError")}
	}
	s := New(run, runs, "test")

	res, err := s.handleRunCodeTask(context.Background(), callTool(ToolRunCodeTask, map[string]any{"task": "x", "session": "s1"}))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, res)
	if !res.IsError || !strings.Contains(text, `"status": "failed"`) {
		t.Errorf("failure result = %v %s", res.IsError, text)
	}
}

func TestToolValidation(t *testing.T) {
	s := New(nil, store.NewMemoryRunStore(), "test")

	res, _ := s.handleRunCodeTask(context.Background(), callTool(ToolRunCodeTask, map[string]any{}))
	if !res.IsError {
		t.Error("missing task should be an error result")
	}
	res, _ = s.handleGetRun(context.Background(), callTool(ToolGetRun, map[string]any{"run_id": "nope"}))
	if !res.IsError || !strings.Contains(resultText(t, res), "not found") {
		t.Error("unknown run should be an error result")
	}
}
