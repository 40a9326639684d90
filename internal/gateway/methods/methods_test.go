package methods

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/cloudserve/internal/agent"
	"github.com/nextlevelbuilder/cloudserve/internal/bus"
	"github.com/nextlevelbuilder/cloudserve/internal/config"
	"github.com/nextlevelbuilder/cloudserve/internal/gateway"
	"github.com/nextlevelbuilder/cloudserve/internal/scheduler"
	"github.com/nextlevelbuilder/cloudserve/internal/sessions"
	"github.com/nextlevelbuilder/cloudserve/internal/store"
	"github.com/nextlevelbuilder/cloudserve/pkg/protocol"
)

// echoAgent saves a run record and echoes the task. "fail" exhausts attempts;
// with block set it waits for the channel or cancellation.
type echoAgent struct {
	runs  store.RunStore
	block chan struct{}
}

func (a *echoAgent) ID() string      { return config.DefaultAgentID }
func (a *echoAgent) IsRunning() bool { return false }
func (a *echoAgent) Model() string   { return "test" }

func (a *echoAgent) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if req.Message == "fail" {
		return nil, &agent.AttemptsExhaustedError{Attempts: []string{"boom"}, LastErr: errors.New("boom")}
	}
	rec := &store.RunRecord{
		ID:         req.RunID,
		SessionKey: req.SessionKey,
		AgentID:    config.DefaultAgentID,
		Task:       req.Message,
		Status:     store.RunStatusSucceeded,
		CreatedAt:  time.Now(),
	}
	if err := a.runs.SaveRun(ctx, rec); err != nil {
		return nil, err
	}
	return &agent.RunResult{RunID: req.RunID, Content: "echo: " + req.Message, Record: rec, Usage: 7}, nil
}

type frame struct {
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	OK      bool                 `json:"ok"`
	Event   string               `json:"event"`
	Payload json.RawMessage      `json:"payload"`
	Error   *protocol.ErrorShape `json:"error"`
}

type harness struct {
	conn     *websocket.Conn
	runs     *store.MemoryRunStore
	sessions *sessions.Manager
	agent    *echoAgent
	cfg      *config.Config
	events   []frame
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.RateLimitRPM = 0

	runs := store.NewMemoryRunStore()
	sess, err := sessions.NewManager("", 100)
	if err != nil {
		t.Fatal(err)
	}
	ag := &echoAgent{runs: runs}
	agents := agent.NewRouter()
	agents.Register(ag)

	qc := scheduler.DefaultQueueConfig()
	qc.DebounceMs = 0
	sched := scheduler.NewScheduler(nil, qc, agents.RunSession)
	mb := bus.New()

	srv := gateway.NewServer(cfg, mb, agents, sched)
	NewChatMethods(ChatDeps{
		Agents:      agents,
		Sessions:    sess,
		Runs:        runs,
		Scheduler:   sched,
		EventPub:    mb,
		Dedupe:      bus.NewDedupeCache(time.Minute, 100),
		RateLimiter: srv.RateLimiter(),
		Config:      cfg,
	}).Register(srv.Router())
	NewRunsMethods(runs).Register(srv.Router())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		sched.Stop()
		ts.Close()
	})
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	h := &harness{conn: conn, runs: runs, sessions: sess, agent: ag, cfg: cfg}
	if res := h.call(t, "connect", protocol.MethodConnect, nil); !res.OK {
		t.Fatalf("connect: %+v", res.Error)
	}
	return h
}

func (h *harness) send(t *testing.T, id, method string, params interface{}) {
	t.Helper()
	raw, _ := json.Marshal(params)
	if err := h.conn.WriteJSON(protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) read(t *testing.T) frame {
	t.Helper()
	h.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	if err := h.conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type == protocol.FrameTypeEvent {
		h.events = append(h.events, f)
	}
	return f
}

// await reads until every id has a response.
func (h *harness) await(t *testing.T, ids ...string) map[string]frame {
	t.Helper()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	got := make(map[string]frame)
	for len(got) < len(ids) {
		f := h.read(t)
		if f.Type == protocol.FrameTypeResponse && want[f.ID] {
			got[f.ID] = f
		}
	}
	return got
}

func (h *harness) call(t *testing.T, id, method string, params interface{}) frame {
	t.Helper()
	h.send(t, id, method, params)
	return h.await(t, id)[id]
}

const testSession = "agent:default:t1"

func TestChatSend_RecordsHistoryAndRun(t *testing.T) {
	h := newHarness(t)

	res := h.call(t, "s1", protocol.MethodChatSend, map[string]string{"message": "compute", "sessionKey": testSession})
	if !res.OK {
		t.Fatalf("chat.send: %+v", res.Error)
	}
	var payload ChatMessagePayload
	json.Unmarshal(res.Payload, &payload)
	if payload.Content != "echo: compute" || payload.RunID == "" || payload.Usage != 7 || payload.Record == nil {
		t.Fatalf("payload = %+v", payload)
	}

	hist := h.sessions.GetHistory(testSession)
	if len(hist) != 2 || hist[0].Role != "user" || hist[1].RunID != payload.RunID {
		t.Fatalf("history = %+v", hist)
	}

	res = h.call(t, "h", protocol.MethodChatHistory, map[string]string{"sessionKey": testSession})
	var histPayload struct {
		Messages []sessions.Message          `json:"messages"`
		Runs     map[string]*store.RunRecord `json:"runs"`
	}
	json.Unmarshal(res.Payload, &histPayload)
	if len(histPayload.Messages) != 2 || histPayload.Runs[payload.RunID] == nil {
		t.Errorf("history payload = %+v", histPayload)
	}

	res = h.call(t, "g", protocol.MethodRunsGet, map[string]string{"runId": payload.RunID})
	var rec store.RunRecord
	json.Unmarshal(res.Payload, &rec)
	if !res.OK || rec.Task != "compute" {
		t.Errorf("runs.get = %+v %+v", res.Error, rec)
	}

	res = h.call(t, "l", protocol.MethodRunsList, map[string]string{"sessionKey": testSession})
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(res.Payload, &list)
	if list.Count != 1 {
		t.Errorf("runs.list count = %d", list.Count)
	}

	var sawQueued, sawChat bool
	for _, ev := range h.events {
		if ev.Event == protocol.EventAgent && strings.Contains(string(ev.Payload), "run.queued") {
			sawQueued = true
		}
		if ev.Event == protocol.EventChat && strings.Contains(string(ev.Payload), "echo: compute") {
			sawChat = true
		}
	}
	if !sawQueued || !sawChat {
		t.Errorf("events: queued=%v chat=%v", sawQueued, sawChat)
	}
}

func TestChatSend_Validation(t *testing.T) {
	h := newHarness(t)
	h.cfg.Gateway.MaxMessageChars = 5

	tests := []struct {
		name   string
		params map[string]string
		code   string
	}{
		{"empty", map[string]string{"message": "  "}, protocol.ErrInvalidRequest},
		{"too long", map[string]string{"message": "way too long"}, protocol.ErrInvalidRequest},
		{"unknown agent", map[string]string{"message": "hi", "agentId": "ghost"}, protocol.ErrNotFound},
		{"foreign session", map[string]string{"message": "hi", "sessionKey": "agent:other:x"}, protocol.ErrInvalidRequest},
	}
	for i, tt := range tests {
		res := h.call(t, "v"+string(rune('a'+i)), protocol.MethodChatSend, tt.params)
		if res.OK || res.Error.Code != tt.code {
			t.Errorf("%s: got %+v", tt.name, res.Error)
		}
	}
}

func TestChatSend_AttemptsExhausted(t *testing.T) {
	h := newHarness(t)
	res := h.call(t, "f", protocol.MethodChatSend, map[string]string{"message": "fail", "sessionKey": testSession})
	if res.OK || res.Error.Code != protocol.ErrAttemptsExhausted {
		t.Fatalf("expected attempts exhausted, got %+v", res)
	}
	hist := h.sessions.GetHistory(testSession)
	if len(hist) != 2 || !strings.Contains(hist[1].Content, "failed") {
		t.Errorf("failure not recorded in history: %+v", hist)
	}
}

func TestChatSend_Idempotency(t *testing.T) {
	h := newHarness(t)
	params := map[string]string{"message": "once", "sessionKey": testSession, "idempotencyKey": "k1"}
	if res := h.call(t, "1", protocol.MethodChatSend, params); !res.OK {
		t.Fatal(res.Error)
	}
	res := h.call(t, "2", protocol.MethodChatSend, params)
	if !res.OK || !strings.Contains(string(res.Payload), "duplicate") {
		t.Errorf("second send = %s", res.Payload)
	}
	if n := len(h.sessions.GetHistory(testSession)); n != 2 {
		t.Errorf("history len = %d, want 2", n)
	}
}

func TestChatAbort(t *testing.T) {
	h := newHarness(t)
	h.agent.block = make(chan struct{})

	h.send(t, "s", protocol.MethodChatSend, map[string]string{"message": "slow", "sessionKey": testSession})
	var runID string
	for runID == "" {
		f := h.read(t)
		if f.Type == protocol.FrameTypeEvent && strings.Contains(string(f.Payload), "run.queued") {
			var ev struct {
				RunID string `json:"runId"`
			}
			json.Unmarshal(f.Payload, &ev)
			runID = ev.RunID
		}
	}

	h.send(t, "a", protocol.MethodChatAbort, map[string]string{"sessionKey": testSession})
	got := h.await(t, "a", "s")

	var abort struct {
		Aborted bool     `json:"aborted"`
		RunIDs  []string `json:"runIds"`
	}
	json.Unmarshal(got["a"].Payload, &abort)
	if !abort.Aborted || len(abort.RunIDs) != 1 || abort.RunIDs[0] != runID {
		t.Errorf("abort = %+v", abort)
	}
	if !got["s"].OK || !strings.Contains(string(got["s"].Payload), `"aborted":true`) {
		t.Errorf("send after abort = %+v %s", got["s"].Error, got["s"].Payload)
	}
}

func TestChatAbort_RequiresTarget(t *testing.T) {
	h := newHarness(t)
	res := h.call(t, "a", protocol.MethodChatAbort, map[string]string{})
	if res.OK || res.Error.Code != protocol.ErrInvalidRequest {
		t.Errorf("abort without target = %+v", res)
	}
}

func TestChatReset(t *testing.T) {
	h := newHarness(t)
	h.call(t, "s", protocol.MethodChatSend, map[string]string{"message": "one", "sessionKey": testSession})
	res := h.call(t, "r", protocol.MethodChatReset, map[string]string{"sessionKey": testSession})
	if !res.OK {
		t.Fatal(res.Error)
	}
	if n := len(h.sessions.GetHistory(testSession)); n != 0 {
		t.Errorf("history after reset = %d", n)
	}
}

func TestRunsGet_NotFound(t *testing.T) {
	h := newHarness(t)
	res := h.call(t, "g", protocol.MethodRunsGet, map[string]string{"runId": "missing"})
	if res.OK || res.Error.Code != protocol.ErrNotFound {
		t.Errorf("runs.get missing = %+v", res)
	}
	res = h.call(t, "g2", protocol.MethodRunsGet, map[string]string{})
	if res.OK || res.Error.Code != protocol.ErrInvalidRequest {
		t.Errorf("runs.get without id = %+v", res)
	}
}
