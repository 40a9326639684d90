package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cloudserve/internal/agent"
	"github.com/nextlevelbuilder/cloudserve/internal/bus"
	"github.com/nextlevelbuilder/cloudserve/internal/scheduler"
	"github.com/nextlevelbuilder/cloudserve/internal/sessions"
	"github.com/nextlevelbuilder/cloudserve/internal/store"
	"github.com/nextlevelbuilder/cloudserve/pkg/protocol"
)

// ChatCompletionsHandler handles POST /v1/chat/completions (OpenAI-compatible).
type ChatCompletionsHandler struct {
	agents      *agent.Router
	sched       *scheduler.Scheduler
	eventPub    *bus.MessageBus
	token       string            // expected bearer token (empty = no auth)
	rateLimiter func(string) bool // key → allowed (nil = no limit)
}

// NewChatCompletionsHandler creates a handler for the chat completions endpoint.
func NewChatCompletionsHandler(agents *agent.Router, sched *scheduler.Scheduler, eventPub *bus.MessageBus, token string) *ChatCompletionsHandler {
	return &ChatCompletionsHandler{
		agents:   agents,
		sched:    sched,
		eventPub: eventPub,
		token:    token,
	}
}

// SetRateLimiter sets the rate limiter function for HTTP requests.
func (h *ChatCompletionsHandler) SetRateLimiter(fn func(string) bool) {
	h.rateLimiter = fn
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	User     string        `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
}

type chatCompletionsResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []chatChoice     `json:"choices"`
	Usage   *chatUsage       `json:"usage,omitempty"`
	Run     *store.RunRecord `json:"run,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// maxRequestBodySize caps the JSON body.
const maxRequestBodySize = 1 << 20

func (h *ChatCompletionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	if !tokenMatch(extractBearerToken(r), h.token) {
		writeError(w, http.StatusUnauthorized, "invalid_request_error", "Invalid authentication")
		return
	}

	if h.rateLimiter != nil {
		key := r.RemoteAddr
		if token := extractBearerToken(r); token != "" {
			key = "token:" + token
		}
		if !h.rateLimiter(key) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}

	agentID := extractAgentID(r, req.Model)
	if !isValidSlug(agentID) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid agent id: "+agentID)
		return
	}
	if _, err := h.agents.Get(agentID); err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "Agent not found: "+agentID)
		return
	}

	// The last user message is the task; earlier turns become planner history.
	last := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = i
			break
		}
	}
	if last < 0 || req.Messages[last].Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "No user message found")
		return
	}
	var history []agent.HistoryMessage
	for _, m := range req.Messages[:last] {
		if m.Role == "user" || m.Role == "assistant" {
			history = append(history, agent.HistoryMessage{Role: m.Role, Content: m.Content})
		}
	}

	userID := extractUserID(r)
	if userID == "" {
		userID = req.User
	}
	ctx := r.Context()
	if userID != "" {
		ctx = store.WithUserID(ctx, userID)
	}

	runID := uuid.NewString()
	sessionSuffix := "http-" + runID[:8]
	if userID != "" {
		sessionSuffix = "http-" + userID + "-" + runID[:8]
	}
	runReq := agent.RunRequest{
		SessionKey: sessions.SessionKey(agentID, sessionSuffix),
		Message:    req.Messages[last].Content,
		RunID:      runID,
		UserID:     userID,
		History:    history,
		Stream:     req.Stream,
	}

	slog.Info("chat completions request", "agent", agentID, "stream", req.Stream, "user", userID, "run", runID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.agents.RegisterRun(runID, runReq.SessionKey, agentID, cancel)
	defer h.agents.UnregisterRun(runID)

	if req.Stream {
		h.handleStream(w, runCtx, runReq, req.Model)
	} else {
		h.handleNonStream(w, runCtx, runReq, req.Model)
	}
}

func (h *ChatCompletionsHandler) handleNonStream(w http.ResponseWriter, ctx context.Context, req agent.RunRequest, model string) {
	result, err := h.sched.Run(ctx, scheduler.LaneAPI, req)
	if err != nil {
		status, typ := errorStatus(err)
		writeError(w, status, typ, agent.FormatError(err))
		return
	}

	writeJSON(w, http.StatusOK, chatCompletionsResponse{
		ID:      "chatcmpl-" + req.RunID[:8],
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      &chatMessage{Role: "assistant", Content: result.Content},
			FinishReason: "stop",
		}},
		Usage: &chatUsage{TotalTokens: result.Usage},
		Run:   result.Record,
	})
}

// handleStream sends a role chunk, SSE comments for attempt progress, then the
// final content and [DONE].
func (h *ChatCompletionsHandler) handleStream(w http.ResponseWriter, ctx context.Context, req agent.RunRequest, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}

	progress := make(chan agent.AgentEvent, 32)
	if h.eventPub != nil {
		subID := "sse-" + req.RunID
		h.eventPub.Subscribe(subID, func(ev bus.Event) {
			ae, ok := ev.Payload.(agent.AgentEvent)
			if !ok || ae.RunID != req.RunID {
				return
			}
			select {
			case progress <- ae:
			default:
			}
		})
		defer h.eventPub.Unsubscribe(subID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	completionID := "chatcmpl-" + req.RunID[:8]
	writeSSEChunk(w, flusher, completionID, model, &chatMessage{Role: "assistant"}, "")

	done := make(chan scheduler.RunOutcome, 1)
	go func() {
		res, err := h.sched.Run(ctx, scheduler.LaneAPI, req)
		done <- scheduler.RunOutcome{Result: res, Err: err}
	}()

	for {
		select {
		case ev := <-progress:
			if note := progressNote(ev); note != "" {
				fmt.Fprintf(w, ": %s\n\n", note)
				flusher.Flush()
			}
		case out := <-done:
			if out.Err != nil {
				writeSSEChunk(w, flusher, completionID, model, &chatMessage{Content: agent.FormatError(out.Err)}, "stop")
			} else {
				writeSSEChunk(w, flusher, completionID, model, &chatMessage{Content: out.Result.Content}, "stop")
			}
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
	}
}

func progressNote(ev agent.AgentEvent) string {
	p, _ := ev.Payload.(agent.AttemptPayload)
	switch ev.Type {
	case protocol.AgentEventAttemptStarted:
		return fmt.Sprintf("attempt %d started", p.Attempt)
	case protocol.AgentEventAttemptFailed:
		return fmt.Sprintf("attempt %d failed", p.Attempt)
	}
	return ""
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrQueueDropped):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, agent.ErrInputBlocked), errors.Is(err, agent.ErrEmptyTask):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, agent.ErrAttemptsExhausted):
		return http.StatusUnprocessableEntity, "run_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeSSEChunk(w http.ResponseWriter, flusher http.Flusher, id, model string, delta *chatMessage, finishReason string) {
	chunk := map[string]interface{}{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nilIfEmpty(finishReason),
		}},
	}

	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
