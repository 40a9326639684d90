package agent

import (
	"context"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

// Agent turns a user task into a run result.
// Implemented by *CodeAgent and *Team.
type Agent interface {
	ID() string
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	IsRunning() bool
	Model() string
}

// RunRequest is the input for one agent run.
type RunRequest struct {
	SessionKey string
	Message    string
	RunID      string // empty = generated
	UserID     string
	// History holds prior chat turns for agents that use them (the team planner).
	// The code agent always starts from system prompt + task.
	History []HistoryMessage
	Stream  bool
}

// HistoryMessage is a prior chat turn passed to planners.
type HistoryMessage struct {
	Role    string
	Content string
}

// RunResult is the outcome of a successful run.
type RunResult struct {
	RunID   string
	Content string // text rendered to the user: stdout plus image links
	Record  *store.RunRecord
	Usage   int // total tokens across all model calls
}

// AgentEvent is emitted during a run and forwarded to WebSocket clients.
type AgentEvent struct {
	Type       string      `json:"type"`
	AgentID    string      `json:"agentId"`
	RunID      string      `json:"runId"`
	SessionKey string      `json:"sessionKey,omitempty"`
	Payload    interface{} `json:"payload,omitempty"`
}

// AttemptPayload describes one attempt in attempt.* events.
type AttemptPayload struct {
	Attempt  int    `json:"attempt"`
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}
