package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// RunStatus is the lifecycle state of a code run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// ExecResult is the outcome of the final execution of a run.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"` // excerpt
}

// Attempt records one failed or successful execution inside a run.
type Attempt struct {
	Number     int       `json:"number"`
	Language   string    `json:"language"`
	Code       string    `json:"code"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// RunRecord is the structured response of one agent run: what was asked, the
// code that finally ran, and the artifacts it left in its working directory.
// ID doubles as the working directory name.
type RunRecord struct {
	ID          string      `json:"id"`
	SessionKey  string      `json:"session_key,omitempty"`
	AgentID     string      `json:"agent_id"`
	UserID      string      `json:"user_id,omitempty"`
	Task        string      `json:"task"`
	Model       string      `json:"model,omitempty"`
	Language    string      `json:"language,omitempty"`
	Code        string      `json:"code,omitempty"`
	CodePath    string      `json:"code_path,omitempty"`
	ImagePaths  []string    `json:"image_paths"`
	OtherPaths  []string    `json:"other_paths"`
	ImageURLs   []string    `json:"image_urls,omitempty"`
	Result      *ExecResult `json:"result,omitempty"`
	Attempts    []Attempt   `json:"attempts"`
	Status      RunStatus   `json:"status"`
	Error       string      `json:"error,omitempty"`
	TotalTokens int         `json:"total_tokens,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// Succeeded reports whether the run finished with a passing execution.
func (r *RunRecord) Succeeded() bool { return r.Status == RunStatusSucceeded }

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	SessionKey string
	AgentID    string
	UserID     string
	Status     RunStatus
	Limit      int
	Offset     int
}

// DefaultRunListLimit applies when RunFilter.Limit is zero.
const DefaultRunListLimit = 50

// EffectiveLimit clamps Limit to (0, 500].
func (f RunFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultRunListLimit
	case f.Limit > 500:
		return 500
	default:
		return f.Limit
	}
}

// Span types emitted by the code agent.
const (
	SpanTypeLLMCall  = "llm_call"
	SpanTypeCodeExec = "code_exec"
)

// Span and trace statuses.
const (
	TraceStatusRunning   = "running"
	TraceStatusCompleted = "completed"
	TraceStatusError     = "error"
)

// TraceData is one trace per agent run.
type TraceData struct {
	ID            uuid.UUID  `json:"id"`
	RunID         string     `json:"run_id"`
	AgentID       string     `json:"agent_id"`
	SessionKey    string     `json:"session_key,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	InputPreview  string     `json:"input_preview,omitempty"`
	OutputPreview string     `json:"output_preview,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	SpanCount     int        `json:"span_count"`
	TotalTokens   int        `json:"total_tokens"`
	CreatedAt     time.Time  `json:"created_at"`
}

// SpanData is one LLM call or code execution inside a trace.
type SpanData struct {
	ID            uuid.UUID       `json:"id"`
	TraceID       uuid.UUID       `json:"trace_id"`
	ParentSpanID  *uuid.UUID      `json:"parent_span_id,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	SpanType      string          `json:"span_type"`
	Name          string          `json:"name"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	DurationMS    int             `json:"duration_ms"`
	Status        string          `json:"status"`
	Error         string          `json:"error,omitempty"`
	Model         string          `json:"model,omitempty"`
	Provider      string          `json:"provider,omitempty"`
	InputTokens   int             `json:"input_tokens,omitempty"`
	OutputTokens  int             `json:"output_tokens,omitempty"`
	FinishReason  string          `json:"finish_reason,omitempty"`
	Language      string          `json:"language,omitempty"`
	ExitCode      int             `json:"exit_code,omitempty"`
	InputPreview  string          `json:"input_preview,omitempty"`
	OutputPreview string          `json:"output_preview,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend: "sqlite" (default), "postgres" or "memory".
	Backend string
	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string
	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string
	// CacheSize is the LRU capacity for GetRun; 0 disables the cache.
	CacheSize int
}
