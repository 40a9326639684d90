package methods

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cloudserve/internal/agent"
	"github.com/nextlevelbuilder/cloudserve/internal/bus"
	"github.com/nextlevelbuilder/cloudserve/internal/config"
	"github.com/nextlevelbuilder/cloudserve/internal/gateway"
	"github.com/nextlevelbuilder/cloudserve/internal/scheduler"
	"github.com/nextlevelbuilder/cloudserve/internal/sessions"
	"github.com/nextlevelbuilder/cloudserve/internal/store"
	"github.com/nextlevelbuilder/cloudserve/pkg/protocol"
)

// ChatMethods handles chat.send, chat.history, chat.abort and chat.reset.
type ChatMethods struct {
	agents      *agent.Router
	sessions    *sessions.Manager
	runs        store.RunStore
	sched       *scheduler.Scheduler
	eventPub    *bus.MessageBus
	dedupe      *bus.DedupeCache
	rateLimiter *gateway.RateLimiter
	cfg         *config.Config
}

// ChatDeps bundles what the chat methods need.
type ChatDeps struct {
	Agents      *agent.Router
	Sessions    *sessions.Manager
	Runs        store.RunStore
	Scheduler   *scheduler.Scheduler
	EventPub    *bus.MessageBus
	Dedupe      *bus.DedupeCache
	RateLimiter *gateway.RateLimiter
	Config      *config.Config
}

func NewChatMethods(d ChatDeps) *ChatMethods {
	return &ChatMethods{
		agents:      d.Agents,
		sessions:    d.Sessions,
		runs:        d.Runs,
		sched:       d.Scheduler,
		eventPub:    d.EventPub,
		dedupe:      d.Dedupe,
		rateLimiter: d.RateLimiter,
		cfg:         d.Config,
	}
}

// Register adds chat methods to the router.
func (m *ChatMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodChatSend, m.handleSend)
	router.Register(protocol.MethodChatHistory, m.handleHistory)
	router.Register(protocol.MethodChatAbort, m.handleAbort)
	router.Register(protocol.MethodChatReset, m.handleReset)
}

type chatSendParams struct {
	Message        string `json:"message"`
	AgentID        string `json:"agentId"`
	SessionKey     string `json:"sessionKey"`
	Stream         bool   `json:"stream"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// ChatMessagePayload is the payload of a chat "message" event and of the chat.send response.
type ChatMessagePayload struct {
	Type       string           `json:"type"`
	SessionKey string           `json:"sessionKey"`
	RunID      string           `json:"runId"`
	Content    string           `json:"content"`
	Usage      int              `json:"usage,omitempty"`
	Record     *store.RunRecord `json:"record,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func (m *ChatMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	if m.rateLimiter != nil && m.rateLimiter.Enabled() {
		key := client.UserID()
		if key == "" {
			key = client.ID()
		}
		if !m.rateLimiter.Allow(key) {
			client.SendResponse(protocol.NewRetryableError(req.ID, protocol.ErrResourceExhausted, "rate limit exceeded, please wait before sending more messages", 5000))
			return
		}
	}

	var params chatSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return
	}
	params.Message = strings.TrimSpace(params.Message)
	if params.Message == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "message is required"))
		return
	}
	if limit := m.cfg.Gateway.MaxMessageChars; limit > 0 && utf8.RuneCountInString(params.Message) > limit {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "message too long"))
		return
	}
	if params.IdempotencyKey != "" && m.dedupe != nil && m.dedupe.IsDuplicate(client.ID()+":"+params.IdempotencyKey) {
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"duplicate": true}))
		return
	}

	if params.AgentID == "" {
		params.AgentID = config.DefaultAgentID
	}
	if _, err := m.agents.Get(params.AgentID); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error()))
		return
	}

	sessionKey := params.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.SessionKey(params.AgentID, "ws-"+client.ID())
	}
	if agentID, _, ok := sessions.ParseSessionKey(sessionKey); !ok || agentID != params.AgentID {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey does not belong to agent "+params.AgentID))
		return
	}

	userID := client.UserID()
	runID := uuid.NewString()
	history := toHistory(m.sessions.GetHistory(sessionKey))
	if err := m.sessions.AddMessage(sessionKey, sessions.Message{Role: "user", Content: params.Message}); err != nil {
		slog.Warn("chat.send: persist user message failed", "session", sessionKey, "error", err)
	}

	// Runs outlive the connection; chat.abort cancels them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if userID != "" {
		runCtx = store.WithUserID(runCtx, userID)
	}
	m.agents.RegisterRun(runID, sessionKey, params.AgentID, cancel)

	client.SendEvent(*protocol.NewEvent(protocol.EventAgent, map[string]interface{}{
		"type":       "run.queued",
		"agentId":    params.AgentID,
		"runId":      runID,
		"sessionKey": sessionKey,
	}))

	go func() {
		defer m.agents.UnregisterRun(runID)
		defer cancel()

		result, err := m.sched.Run(runCtx, scheduler.LaneMain, agent.RunRequest{
			SessionKey: sessionKey,
			Message:    params.Message,
			RunID:      runID,
			UserID:     userID,
			History:    history,
			Stream:     params.Stream,
		})

		if err != nil {
			if runCtx.Err() != nil || errors.Is(err, context.Canceled) {
				client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
					"runId":   runID,
					"aborted": true,
				}))
				return
			}
			text := agent.FormatError(err)
			m.record(sessionKey, runID, text)
			client.SendResponse(&protocol.ResponseFrame{
				Type: protocol.FrameTypeResponse,
				ID:   req.ID,
				Error: &protocol.ErrorShape{
					Code:    errorCode(err),
					Message: text,
					Details: map[string]string{"runId": runID},
				},
			})
			m.broadcast(ChatMessagePayload{Type: protocol.ChatEventMessage, SessionKey: sessionKey, RunID: runID, Error: text})
			return
		}

		// In followup mode several requests share one run; only its owner records it.
		owner := result.RunID == "" || result.RunID == runID
		if result.RunID != "" {
			runID = result.RunID
		}
		payload := ChatMessagePayload{
			Type:       protocol.ChatEventMessage,
			SessionKey: sessionKey,
			RunID:      runID,
			Content:    result.Content,
			Usage:      result.Usage,
			Record:     result.Record,
		}
		client.SendResponse(protocol.NewOKResponse(req.ID, payload))
		if owner {
			m.record(sessionKey, runID, result.Content)
			m.broadcast(payload)
		}
	}()
}

func (m *ChatMethods) record(sessionKey, runID, content string) {
	if err := m.sessions.AddMessage(sessionKey, sessions.Message{Role: "assistant", Content: content, RunID: runID}); err != nil {
		slog.Warn("chat.send: persist assistant message failed", "session", sessionKey, "error", err)
	}
}

func (m *ChatMethods) broadcast(p ChatMessagePayload) {
	if m.eventPub != nil {
		m.eventPub.Broadcast(bus.Event{Name: protocol.EventChat, Payload: p})
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, agent.ErrAttemptsExhausted):
		return protocol.ErrAttemptsExhausted
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrQueueDropped):
		return protocol.ErrResourceExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrAgentTimeout
	case errors.Is(err, agent.ErrInputBlocked), errors.Is(err, agent.ErrEmptyTask):
		return protocol.ErrInvalidRequest
	default:
		return protocol.ErrInternal
	}
}

func toHistory(msgs []sessions.Message) []agent.HistoryMessage {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]agent.HistoryMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, agent.HistoryMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

type chatHistoryParams struct {
	AgentID    string `json:"agentId"`
	SessionKey string `json:"sessionKey"`
}

func (p *chatHistoryParams) resolve(client *gateway.Client) string {
	if p.AgentID == "" {
		p.AgentID = config.DefaultAgentID
	}
	if p.SessionKey != "" {
		return p.SessionKey
	}
	return sessions.SessionKey(p.AgentID, "ws-"+client.ID())
}

// handleHistory returns the session transcript plus the run records its
// assistant turns reference, so clients can re-render images and status.
func (m *ChatMethods) handleHistory(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params chatHistoryParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
			return
		}
	}
	sessionKey := params.resolve(client)

	history := m.sessions.GetHistory(sessionKey)
	runs := make(map[string]*store.RunRecord)
	for _, msg := range history {
		if msg.RunID == "" || runs[msg.RunID] != nil {
			continue
		}
		rec, err := m.runs.GetRun(ctx, msg.RunID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("chat.history: load run failed", "run", msg.RunID, "error", err)
			}
			continue
		}
		runs[msg.RunID] = rec
	}
	if history == nil {
		history = []sessions.Message{}
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"sessionKey": sessionKey,
		"messages":   history,
		"runs":       runs,
	}))
}

// handleAbort cancels running or queued runs.
//
// Params:
//
//	{ sessionKey: string, runId?: string }
//
// Response:
//
//	{ ok: true, aborted: bool, runIds: []string }
func (m *ChatMethods) handleAbort(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		RunID      string `json:"runId"`
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return
	}

	if params.SessionKey == "" && params.RunID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey or runId is required"))
		return
	}

	var abortedIDs []string
	if params.RunID != "" {
		if m.agents.AbortRun(params.RunID, params.SessionKey) {
			abortedIDs = append(abortedIDs, params.RunID)
		}
	} else {
		abortedIDs = m.agents.AbortRunsForSession(params.SessionKey)
		m.sched.CancelSession(params.SessionKey)
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"ok":      true,
		"aborted": len(abortedIDs) > 0,
		"runIds":  abortedIDs,
	}))
}

// handleReset aborts the session's runs and clears its history.
func (m *ChatMethods) handleReset(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params chatHistoryParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
			return
		}
	}
	sessionKey := params.resolve(client)

	m.agents.AbortRunsForSession(sessionKey)
	m.sched.CancelSession(sessionKey)
	if err := m.sessions.Reset(sessionKey); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"ok":         true,
		"sessionKey": sessionKey,
	}))
}
