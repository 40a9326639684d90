package http

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nextlevelbuilder/cloudserve/internal/agent"
	"github.com/nextlevelbuilder/cloudserve/internal/bus"
	"github.com/nextlevelbuilder/cloudserve/internal/config"
	"github.com/nextlevelbuilder/cloudserve/internal/scheduler"
	"github.com/nextlevelbuilder/cloudserve/internal/store"
	"github.com/nextlevelbuilder/cloudserve/internal/workspace"
	"github.com/nextlevelbuilder/cloudserve/pkg/protocol"
)

// replyAgent answers every task with a fixed record and emits attempt events.
type replyAgent struct {
	runs    store.RunStore
	onEvent func(agent.AgentEvent)
	lastReq agent.RunRequest
}

func (a *replyAgent) ID() string      { return config.DefaultAgentID }
func (a *replyAgent) IsRunning() bool { return false }
func (a *replyAgent) Model() string   { return "test" }

func (a *replyAgent) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	a.lastReq = req
	if a.onEvent != nil {
		a.onEvent(agent.AgentEvent{Type: protocol.AgentEventAttemptStarted, RunID: req.RunID, Payload: agent.AttemptPayload{Attempt: 1}})
	}
	rec := &store.RunRecord{ID: req.RunID, AgentID: a.ID(), Task: req.Message, Status: store.RunStatusSucceeded, CreatedAt: time.Now()}
	a.runs.SaveRun(ctx, rec)
	return &agent.RunResult{RunID: req.RunID, Content: "result for " + req.Message, Record: rec, Usage: 11}, nil
}

func newCompletions(t *testing.T, token string) (*ChatCompletionsHandler, *replyAgent) {
	t.Helper()
	runs := store.NewMemoryRunStore()
	mb := bus.New()
	ag := &replyAgent{runs: runs, onEvent: func(ev agent.AgentEvent) {
		mb.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: ev})
	}}
	agents := agent.NewRouter()
	agents.Register(ag)
	qc := scheduler.DefaultQueueConfig()
	qc.DebounceMs = 0
	sched := scheduler.NewScheduler(nil, qc, agents.RunSession)
	t.Cleanup(sched.Stop)
	return NewChatCompletionsHandler(agents, sched, mb, token), ag
}

func postJSON(h http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletions_NonStream(t *testing.T) {
	h, ag := newCompletions(t, "")
	body := `{"model":"cloudserve:default","messages":[
		{"role":"system","content":"ignored"},
		{"role":"user","content":"first"},
		{"role":"assistant","content":"ok"},
		{"role":"user","content":"plot sales"}]}`
	rec := postJSON(h, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp chatCompletionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "result for plot sales" {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 11 || resp.Run == nil {
		t.Errorf("usage = %+v run = %v", resp.Usage, resp.Run)
	}
	if len(ag.lastReq.History) != 2 || !strings.HasPrefix(ag.lastReq.SessionKey, "agent:default:http-") {
		t.Errorf("request = %+v", ag.lastReq)
	}
}

func TestChatCompletions_Stream(t *testing.T) {
	h, _ := newCompletions(t, "")
	rec := postJSON(h, `{"stream":true,"messages":[{"role":"user","content":"count"}]}`, nil)

	out := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(out, `"role":"assistant"`) || !strings.Contains(out, "result for count") {
		t.Errorf("stream missing chunks: %s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("stream not terminated: %q", out)
	}
}

func TestChatCompletions_Errors(t *testing.T) {
	h, _ := newCompletions(t, "tok")
	auth := map[string]string{"Authorization": "Bearer tok"}

	tests := []struct {
		name   string
		body   string
		header map[string]string
		want   int
	}{
		{"no auth", `{"messages":[{"role":"user","content":"x"}]}`, nil, http.StatusUnauthorized},
		{"bad json", `{`, auth, http.StatusBadRequest},
		{"no messages", `{"messages":[]}`, auth, http.StatusBadRequest},
		{"no user message", `{"messages":[{"role":"system","content":"x"}]}`, auth, http.StatusBadRequest},
		{"unknown agent", `{"model":"agent:ghost","messages":[{"role":"user","content":"x"}]}`, auth, http.StatusNotFound},
		{"bad agent id", `{"model":"agent:../x","messages":[{"role":"user","content":"x"}]}`, auth, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := postJSON(h, tt.body, tt.header); rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, rec.Code, tt.want, rec.Body.String())
		}
	}
}

func TestChatCompletions_RateLimited(t *testing.T) {
	h, _ := newCompletions(t, "")
	h.SetRateLimiter(func(string) bool { return false })
	rec := postJSON(h, `{"messages":[{"role":"user","content":"x"}]}`, nil)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRunsHandler(t *testing.T) {
	runs := store.NewMemoryRunStore()
	ctx := context.Background()
	runs.SaveRun(ctx, &store.RunRecord{ID: "run-a", AgentID: "default", UserID: "alice", Status: store.RunStatusSucceeded, CreatedAt: time.Now()})
	runs.SaveRun(ctx, &store.RunRecord{ID: "run-b", AgentID: "default", UserID: "bob", Status: store.RunStatusFailed, CreatedAt: time.Now()})

	mux := chi.NewRouter()
	mux.Mount("/v1/runs", NewRunsHandler(runs, "tok").Routes())

	do := func(path, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer tok")
		if user != "" {
			req.Header.Set(HeaderUserID, user)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := do("/v1/runs/run-a", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"run-a"`) {
		t.Errorf("get = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do("/v1/runs/run-a", "bob"); rec.Code != http.StatusNotFound {
		t.Errorf("foreign user get = %d", rec.Code)
	}
	if rec := do("/v1/runs/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing = %d", rec.Code)
	}

	rec = do("/v1/runs/?status=failed", "")
	var list struct {
		Count int                `json:"count"`
		Runs  []*store.RunRecord `json:"runs"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Count != 1 || list.Runs[0].ID != "run-b" {
		t.Errorf("list = %+v", list)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-a", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated = %d", rec.Code)
	}
}

func TestArtifactsHandler(t *testing.T) {
	ws, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dir, err := ws.Create("run-1")
	if err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 800, 400))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	png.Encode(&buf, img)
	os.WriteFile(filepath.Join(dir, "chart.png"), buf.Bytes(), 0o644)
	os.WriteFile(filepath.Join(dir, "out.txt"), []byte("hello"), 0o644)

	mux := chi.NewRouter()
	mux.Mount("/artifacts", NewArtifactsHandler(ws, "tok", 100).Routes())
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/artifacts/run-1/out.txt"); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", rec.Code)
	}
	rec := get("/artifacts/run-1/out.txt?token=tok")
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Errorf("file = %d %q", rec.Code, rec.Body.String())
	}

	rec = get("/artifacts/run-1/chart.png?token=tok&thumb=1")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("thumb = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	thumb, _, err := image.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := thumb.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("thumb size = %v", b)
	}

	if rec := get("/artifacts/run-1/missing.png?token=tok"); rec.Code != http.StatusNotFound {
		t.Errorf("missing = %d", rec.Code)
	}
	if rec := get("/artifacts/bad%20id/out.txt?token=tok"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad run id = %d", rec.Code)
	}

	secret := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(secret, []byte(`{"api_key":"sk-secret"}`), 0o644)
	if err := os.Symlink(secret, filepath.Join(dir, "leak.txt")); err != nil {
		t.Fatal(err)
	}
	if rec := get("/artifacts/run-1/leak.txt?token=tok"); rec.Code != http.StatusNotFound || strings.Contains(rec.Body.String(), "sk-secret") {
		t.Errorf("symlink = %d %q", rec.Code, rec.Body.String())
	}
}

func TestExtractAgentID(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	if got := extractAgentID(r, "cloudserve:analyst"); got != "analyst" {
		t.Errorf("model prefix = %q", got)
	}
	if got := extractAgentID(r, "gpt-4o"); got != config.DefaultAgentID {
		t.Errorf("fallback = %q", got)
	}
	r.Header.Set(HeaderAgentID, "coder")
	if got := extractAgentID(r, ""); got != "coder" {
		t.Errorf("header = %q", got)
	}
}

func TestIsValidSlug(t *testing.T) {
	for _, s := range []string{"default", "data_bot-2", "a"} {
		if !isValidSlug(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []string{"", "-x", "x-", "Upper", "a/b", strings.Repeat("a", 65)} {
		if isValidSlug(s) {
			t.Errorf("%q should be invalid", s)
		}
	}
}
