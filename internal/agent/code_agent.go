package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cloudserve/internal/codeblock"
	"github.com/nextlevelbuilder/cloudserve/internal/executor"
	"github.com/nextlevelbuilder/cloudserve/internal/providers"
	"github.com/nextlevelbuilder/cloudserve/internal/store"
	"github.com/nextlevelbuilder/cloudserve/internal/tracing"
	"github.com/nextlevelbuilder/cloudserve/internal/workspace"
	"github.com/nextlevelbuilder/cloudserve/pkg/protocol"
)

// DefaultSystemPrompt asks for bare code that leaves its outputs in the working directory.
const DefaultSystemPrompt = "Write only Python code for what the user asks for, don't write anything else than code. " +
	"Save outputs in the current working directory. Always use PNG images to save images."

const (
	DefaultMaxAttempts        = 5
	DefaultHistoryTokenBudget = 12000
	DefaultArtifactBaseURL    = "/artifacts"

	stderrExcerptLen = 4096
)

// ImageUploader publishes image artifacts and returns one URL per name.
type ImageUploader interface {
	UploadImages(ctx context.Context, runID, dir string, names []string) ([]string, error)
}

// TokenCounter measures a history against the trim budget.
type TokenCounter func(model string, msgs []providers.Message) int

// CodeAgentConfig configures a CodeAgent. Provider, Executor and Workspace are
// required to Run; the rest is optional.
type CodeAgentConfig struct {
	ID           string
	Provider     providers.Provider
	Model        string
	SystemPrompt string
	MaxAttempts  int
	Temperature  float64
	MaxTokens    int

	// HistoryTokenBudget bounds the repair history; oldest failed attempts are dropped first.
	HistoryTokenBudget int
	TokenCounter       TokenCounter

	Executor  executor.Executor
	Workspace *workspace.Manager
	Runs      store.RunStore
	Tracing   *tracing.Collector
	Uploader  ImageUploader

	// ArtifactBaseURL prefixes local image links in RunResult.Content.
	ArtifactBaseURL string
	OnEvent         func(AgentEvent)

	InputGuard      *InputGuard
	InjectionAction string // "log", "warn" (default), "block", "off"
}

// CodeAgent asks the model for code, executes it in a fresh run directory and
// feeds failures back until an attempt succeeds or the attempt cap is reached.
type CodeAgent struct {
	id              string
	provider        providers.Provider
	model           string
	systemPrompt    string
	maxAttempts     int
	temperature     float64
	maxTokens       int
	historyBudget   int
	countTokens     TokenCounter
	exec            executor.Executor
	workspace       *workspace.Manager
	runs            store.RunStore
	tracing         *tracing.Collector
	uploader        ImageUploader
	artifactBaseURL string
	onEvent         func(AgentEvent)
	inputGuard      *InputGuard
	injectionAction string

	activeRuns atomic.Int32
}

// NewCodeAgent applies defaults to cfg.
func NewCodeAgent(cfg CodeAgentConfig) *CodeAgent {
	a := &CodeAgent{
		id:              cfg.ID,
		provider:        cfg.Provider,
		model:           cfg.Model,
		systemPrompt:    cfg.SystemPrompt,
		maxAttempts:     cfg.MaxAttempts,
		temperature:     cfg.Temperature,
		maxTokens:       cfg.MaxTokens,
		historyBudget:   cfg.HistoryTokenBudget,
		countTokens:     cfg.TokenCounter,
		exec:            cfg.Executor,
		workspace:       cfg.Workspace,
		runs:            cfg.Runs,
		tracing:         cfg.Tracing,
		uploader:        cfg.Uploader,
		artifactBaseURL: strings.TrimRight(cfg.ArtifactBaseURL, "/"),
		onEvent:         cfg.OnEvent,
	}
	if a.systemPrompt == "" {
		a.systemPrompt = DefaultSystemPrompt
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = DefaultMaxAttempts
	}
	if a.historyBudget <= 0 {
		a.historyBudget = DefaultHistoryTokenBudget
	}
	if a.countTokens == nil {
		a.countTokens = providers.CountTokens
	}
	if a.artifactBaseURL == "" {
		a.artifactBaseURL = DefaultArtifactBaseURL
	}

	switch cfg.InjectionAction {
	case "log", "warn", "block", "off":
		a.injectionAction = cfg.InjectionAction
	default:
		a.injectionAction = "warn"
	}
	if a.injectionAction != "off" {
		a.inputGuard = cfg.InputGuard
		if a.inputGuard == nil {
			a.inputGuard = NewInputGuard()
		}
	}
	return a
}

func (a *CodeAgent) ID() string      { return a.id }
func (a *CodeAgent) IsRunning() bool { return a.activeRuns.Load() > 0 }

func (a *CodeAgent) Model() string {
	if a.model != "" {
		return a.model
	}
	if a.provider != nil {
		return a.provider.DefaultModel()
	}
	return ""
}

// MaxAttempts returns the effective attempt cap.
func (a *CodeAgent) MaxAttempts() int { return a.maxAttempts }

// runState is the per-run scratch the loop threads through its helpers.
type runState struct {
	rec     *store.RunRecord
	traceID uuid.UUID
	stream  bool
}

// Run executes the repair loop for req.Message.
func (a *CodeAgent) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	task := strings.TrimSpace(req.Message)
	if task == "" {
		return nil, ErrEmptyTask
	}
	if err := a.checkInput(task); err != nil {
		return nil, err
	}
	if a.provider == nil || a.exec == nil || a.workspace == nil {
		return nil, fmt.Errorf("agent %s is not fully configured", a.id)
	}

	a.activeRuns.Add(1)
	defer a.activeRuns.Add(-1)

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	st := &runState{
		rec: &store.RunRecord{
			ID:         runID,
			SessionKey: req.SessionKey,
			AgentID:    a.id,
			UserID:     req.UserID,
			Task:       task,
			Model:      a.Model(),
			ImagePaths: []string{},
			OtherPaths: []string{},
			Attempts:   []store.Attempt{},
			Status:     store.RunStatusRunning,
			CreatedAt:  time.Now().UTC(),
		},
		stream: req.Stream,
	}

	if a.tracing != nil {
		traceID, err := a.tracing.StartTrace(ctx, runID, a.id, req.SessionKey, req.UserID, task)
		if err != nil {
			slog.Warn("tracing: start trace failed", "run", runID, "error", err)
		} else {
			st.traceID = traceID
		}
	}

	a.saveRun(ctx, st.rec)
	a.emit(st.rec, protocol.AgentEventRunStarted, map[string]string{"task": task, "model": st.rec.Model})
	slog.Info("agent run started", "agent", a.id, "run", runID, "session", req.SessionKey)

	result, err := a.loop(ctx, st)
	if err != nil {
		a.fail(ctx, st, err)
		return nil, err
	}
	return result, nil
}

func (a *CodeAgent) loop(ctx context.Context, st *runState) (*RunResult, error) {
	rec := st.rec
	history := []providers.Message{
		{Role: providers.RoleSystem, Content: a.systemPrompt},
		{Role: providers.RoleUser, Content: rec.Task},
	}

	var failures []string
	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		dir, err := a.workspace.Create(rec.ID)
		if err != nil {
			return nil, fmt.Errorf("prepare run dir: %w", err)
		}

		resp, err := a.callLLM(ctx, st, history, attempt)
		if err != nil {
			return nil, fmt.Errorf("llm call: %w", err)
		}

		block := codeblock.Extract(resp.Content)
		a.emit(rec, protocol.AgentEventAttemptStarted, AttemptPayload{Attempt: attempt, Language: block.Language, Code: block.Code})

		started := time.Now().UTC()
		res, execErr := a.execute(ctx, st, dir, block)
		att := store.Attempt{
			Number:     attempt,
			Language:   block.Language,
			Code:       block.Code,
			DurationMS: time.Since(started).Milliseconds(),
			StartedAt:  started,
		}
		if res != nil {
			att.ExitCode = res.ExitCode
		}

		if execErr == nil {
			rec.Attempts = append(rec.Attempts, att)
			return a.succeed(ctx, st, dir, block, res)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		details := executor.Sanitize(execErr.Error())
		att.Error = details
		rec.Attempts = append(rec.Attempts, att)
		recordExecution(rec, block, res)
		failures = append(failures, details)
		lastErr = execErr

		slog.Info("agent attempt failed", "agent", a.id, "run", rec.ID, "attempt", attempt, "error", details)
		a.emit(rec, protocol.AgentEventAttemptFailed, AttemptPayload{
			Attempt:  attempt,
			Language: block.Language,
			ExitCode: att.ExitCode,
			Error:    details,
		})

		history = append(history,
			providers.Message{Role: providers.RoleAssistant, Content: resp.Content},
			providers.Message{Role: providers.RoleUser, Content: "Error: " + details},
		)
		history = a.trimHistory(rec.Model, history)
	}

	return nil, &AttemptsExhaustedError{Attempts: failures, LastErr: lastErr}
}

func (a *CodeAgent) callLLM(ctx context.Context, st *runState, history []providers.Message, attempt int) (*providers.ChatResponse, error) {
	req := providers.ChatRequest{
		Messages: history,
		Model:    a.model,
		Options:  map[string]interface{}{},
	}
	if a.temperature > 0 {
		req.Options[providers.OptTemperature] = a.temperature
	}
	if a.maxTokens > 0 {
		req.Options[providers.OptMaxTokens] = a.maxTokens
	}

	start := time.Now().UTC()
	var resp *providers.ChatResponse
	var err error
	if st.stream {
		resp, err = a.provider.ChatStream(ctx, req, func(c providers.StreamChunk) {
			if c.Content != "" {
				a.emit(st.rec, protocol.ChatEventChunk, map[string]interface{}{"attempt": attempt, "content": c.Content})
			}
		})
	} else {
		resp, err = a.provider.Chat(ctx, req)
	}

	if resp != nil && resp.Usage != nil {
		st.rec.TotalTokens += resp.Usage.TotalTokens
	}
	a.emitLLMSpan(st, start, history, resp, err)
	return resp, err
}

func (a *CodeAgent) execute(ctx context.Context, st *runState, dir string, block codeblock.Block) (*executor.Result, error) {
	start := time.Now().UTC()
	res, err := a.exec.Execute(ctx, dir, block)
	a.emitExecSpan(st, start, block, res, err)
	return res, err
}

func (a *CodeAgent) succeed(ctx context.Context, st *runState, dir string, block codeblock.Block, res *executor.Result) (*RunResult, error) {
	rec := st.rec
	codeFile := ""
	if res != nil {
		codeFile = res.CodeFile
	}
	arts, err := a.workspace.Collect(dir, codeFile)
	if err != nil {
		return nil, err
	}

	recordExecution(rec, block, res)
	rec.CodePath = arts.CodePath
	rec.ImagePaths = arts.Images
	rec.OtherPaths = arts.Other

	if a.uploader != nil && len(arts.Images) > 0 {
		urls, err := a.uploader.UploadImages(ctx, rec.ID, dir, arts.Images)
		if err != nil {
			slog.Warn("artifact upload failed, serving locally", "run", rec.ID, "error", err)
		} else {
			rec.ImageURLs = urls
		}
	}

	now := time.Now().UTC()
	rec.Status = store.RunStatusSucceeded
	rec.FinishedAt = &now
	a.saveRun(ctx, rec)

	content := a.renderContent(rec)
	if a.tracing != nil && st.traceID != uuid.Nil {
		a.tracing.FinishTrace(context.WithoutCancel(ctx), st.traceID, store.TraceStatusCompleted, "", content)
	}
	a.emit(rec, protocol.AgentEventRunCompleted, rec)
	slog.Info("agent run completed", "agent", a.id, "run", rec.ID, "attempts", len(rec.Attempts), "images", len(rec.ImagePaths))

	return &RunResult{RunID: rec.ID, Content: content, Record: rec, Usage: rec.TotalTokens}, nil
}

// recordExecution stores the block and its sanitized output on the record.
// A failed run is left holding its last attempt.
func recordExecution(rec *store.RunRecord, block codeblock.Block, res *executor.Result) {
	rec.Language = block.Language
	rec.Code = block.Code
	rec.Result = &store.ExecResult{}
	if res != nil {
		rec.Result.ExitCode = res.ExitCode
		rec.Result.Stdout = executor.Sanitize(res.Stdout)
		rec.Result.Stderr = executor.TailOutput(executor.ScrubCredentials(res.Stderr), stderrExcerptLen)
	}
}

func (a *CodeAgent) fail(ctx context.Context, st *runState, err error) {
	rec := st.rec
	now := time.Now().UTC()
	rec.Status = store.RunStatusFailed
	rec.Error = executor.Sanitize(err.Error())
	rec.FinishedAt = &now
	a.saveRun(ctx, rec)

	if a.tracing != nil && st.traceID != uuid.Nil {
		a.tracing.FinishTrace(context.WithoutCancel(ctx), st.traceID, store.TraceStatusError, rec.Error, "")
	}
	a.emit(rec, protocol.AgentEventRunFailed, map[string]interface{}{
		"error":    FormatError(err),
		"attempts": len(rec.Attempts),
	})
	slog.Warn("agent run failed", "agent", a.id, "run", rec.ID, "attempts", len(rec.Attempts), "error", rec.Error)
}

// renderContent is the chat text for a run: stdout, then one markdown image per artifact.
func (a *CodeAgent) renderContent(rec *store.RunRecord) string {
	var sb strings.Builder
	if rec.Result != nil {
		sb.WriteString(strings.TrimSpace(rec.Result.Stdout))
	}
	for i, img := range rec.ImagePaths {
		url := a.artifactBaseURL + "/" + rec.ID + "/" + img
		if i < len(rec.ImageURLs) && rec.ImageURLs[i] != "" {
			url = rec.ImageURLs[i]
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "![%s](%s)", path.Base(img), url)
	}
	if sb.Len() == 0 {
		return "Code ran successfully with no output."
	}
	return sb.String()
}

// trimHistory drops the oldest assistant/error pairs until the history fits the
// budget. The system prompt, the task and the latest pair are always kept.
func (a *CodeAgent) trimHistory(model string, history []providers.Message) []providers.Message {
	for len(history) > 4 && a.countTokens(model, history) > a.historyBudget {
		history = append(history[:2], history[4:]...)
	}
	return history
}

func (a *CodeAgent) checkInput(task string) error {
	if a.inputGuard == nil {
		return nil
	}
	matches := a.inputGuard.Scan(task)
	if len(matches) == 0 {
		return nil
	}
	switch a.injectionAction {
	case "block":
		slog.Warn("security.injection_blocked", "agent", a.id, "patterns", matches)
		return fmt.Errorf("%w: %s", ErrInputBlocked, strings.Join(matches, ", "))
	case "log":
		slog.Info("security.injection_detected", "agent", a.id, "patterns", matches)
	default:
		slog.Warn("security.injection_detected", "agent", a.id, "patterns", matches)
	}
	return nil
}

func (a *CodeAgent) saveRun(ctx context.Context, rec *store.RunRecord) {
	if a.runs == nil {
		return
	}
	if err := a.runs.SaveRun(context.WithoutCancel(ctx), rec.Clone()); err != nil {
		slog.Warn("save run failed", "run", rec.ID, "error", err)
	}
}

func (a *CodeAgent) emit(rec *store.RunRecord, typ string, payload interface{}) {
	if a.onEvent == nil {
		return
	}
	if r, ok := payload.(*store.RunRecord); ok {
		payload = r.Clone()
	}
	a.onEvent(AgentEvent{
		Type:       typ,
		AgentID:    a.id,
		RunID:      rec.ID,
		SessionKey: rec.SessionKey,
		Payload:    payload,
	})
}

func (a *CodeAgent) emitLLMSpan(st *runState, start time.Time, history []providers.Message, resp *providers.ChatResponse, err error) {
	if a.tracing == nil || st.traceID == uuid.Nil {
		return
	}
	end := time.Now().UTC()
	span := store.SpanData{
		TraceID:    st.traceID,
		AgentID:    a.id,
		SpanType:   store.SpanTypeLLMCall,
		Name:       "llm.call",
		StartTime:  start,
		EndTime:    &end,
		DurationMS: int(end.Sub(start).Milliseconds()),
		Status:     store.TraceStatusCompleted,
		Model:      st.rec.Model,
		Provider:   a.provider.Name(),
	}
	if len(history) > 0 {
		span.InputPreview = history[len(history)-1].Content
	}
	if err != nil {
		span.Status = store.TraceStatusError
		span.Error = err.Error()
	}
	if resp != nil {
		span.OutputPreview = resp.Content
		span.FinishReason = resp.FinishReason
		if resp.Usage != nil {
			span.InputTokens = resp.Usage.PromptTokens
			span.OutputTokens = resp.Usage.CompletionTokens
		}
	}
	a.tracing.EmitSpan(span)
}

func (a *CodeAgent) emitExecSpan(st *runState, start time.Time, block codeblock.Block, res *executor.Result, err error) {
	if a.tracing == nil || st.traceID == uuid.Nil {
		return
	}
	end := time.Now().UTC()
	span := store.SpanData{
		TraceID:      st.traceID,
		AgentID:      a.id,
		SpanType:     store.SpanTypeCodeExec,
		Name:         "code.exec",
		StartTime:    start,
		EndTime:      &end,
		DurationMS:   int(end.Sub(start).Milliseconds()),
		Status:       store.TraceStatusCompleted,
		Language:     block.Language,
		InputPreview: block.Code,
	}
	if res != nil {
		span.ExitCode = res.ExitCode
		span.OutputPreview = executor.ScrubCredentials(res.Stdout)
	}
	if err != nil {
		span.Status = store.TraceStatusError
		span.Error = executor.ScrubCredentials(err.Error())
	}
	a.tracing.EmitSpan(span)
}
