package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cloudserve/internal/providers"
)

// DefaultPlannerPrompt instructs the planner how to hand work to the code agent.
const DefaultPlannerPrompt = "You are a planning agent. Your responsibility is to give tasks to the code agent " +
	"and evaluate whether the task is completed. To hand a task to the code agent, reply with one line " +
	"\"DELEGATE: <task description>\" and nothing else. If no code is needed, or after the code agent has " +
	"finished, summarize the findings and end with \"APPROVE\"."

const (
	DefaultTeamMaxTurns = 2

	delegateMarker = "DELEGATE:"
	approveMarker  = "APPROVE"
)

// TeamConfig configures a planner + coder team.
type TeamConfig struct {
	ID            string
	Planner       providers.Provider
	PlannerModel  string
	PlannerPrompt string
	Coder         Agent
	MaxTurns      int
}

// Team lets a planning model decide whether to answer directly or delegate a
// task to the code agent, then summarize. A run ends when the planner says
// APPROVE or after MaxTurns planner turns.
type Team struct {
	id       string
	planner  providers.Provider
	model    string
	prompt   string
	coder    Agent
	maxTurns int

	active atomic.Int32
}

// NewTeam applies defaults to cfg.
func NewTeam(cfg TeamConfig) *Team {
	t := &Team{
		id:       cfg.ID,
		planner:  cfg.Planner,
		model:    cfg.PlannerModel,
		prompt:   cfg.PlannerPrompt,
		coder:    cfg.Coder,
		maxTurns: cfg.MaxTurns,
	}
	if t.prompt == "" {
		t.prompt = DefaultPlannerPrompt
	}
	if t.maxTurns <= 0 {
		t.maxTurns = DefaultTeamMaxTurns
	}
	return t
}

func (t *Team) ID() string      { return t.id }
func (t *Team) IsRunning() bool { return t.active.Load() > 0 }

func (t *Team) Model() string {
	if t.model != "" {
		return t.model
	}
	return t.planner.DefaultModel()
}

// Run drives the planner loop.
func (t *Team) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	task := strings.TrimSpace(req.Message)
	if task == "" {
		return nil, ErrEmptyTask
	}
	t.active.Add(1)
	defer t.active.Add(-1)

	history := []providers.Message{{Role: providers.RoleSystem, Content: t.prompt}}
	for _, h := range req.History {
		history = append(history, providers.Message{Role: h.Role, Content: h.Content})
	}
	history = append(history, providers.Message{Role: providers.RoleUser, Content: task})

	var last *RunResult
	var lastErr error
	delegations := 0
	for turn := 1; turn <= t.maxTurns; turn++ {
		resp, err := t.planner.Chat(ctx, providers.ChatRequest{Messages: history, Model: t.model})
		if err != nil {
			return nil, fmt.Errorf("planner: %w", err)
		}
		reply := strings.TrimSpace(resp.Content)

		subtask, ok := parseDelegation(reply)
		if !ok {
			slog.Debug("team planner answered", "team", t.id, "turn", turn, "approved", strings.Contains(reply, approveMarker))
			return t.finalize(req, reply, last), nil
		}

		slog.Info("team delegating to code agent", "team", t.id, "turn", turn)
		runID := ""
		if delegations == 0 {
			runID = req.RunID
		}
		delegations++
		res, err := t.coder.Run(ctx, RunRequest{
			SessionKey: req.SessionKey,
			Message:    subtask,
			RunID:      runID,
			UserID:     req.UserID,
			Stream:     req.Stream,
		})
		history = append(history, providers.Message{Role: providers.RoleAssistant, Content: reply})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			history = append(history, providers.Message{Role: providers.RoleUser, Content: "The code agent failed: " + FormatError(err)})
			continue
		}
		last, lastErr = res, nil
		history = append(history, providers.Message{Role: providers.RoleUser, Content: "Result from the code agent:\n" + res.Content})
	}

	if last != nil {
		return last, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("team %s: no answer after %d turns", t.id, t.maxTurns)
}

// finalize merges the planner's summary with the latest code run.
func (t *Team) finalize(req RunRequest, reply string, last *RunResult) *RunResult {
	summary := strings.TrimSpace(strings.ReplaceAll(reply, approveMarker, ""))
	if last == nil {
		runID := req.RunID
		if runID == "" {
			runID = uuid.NewString()
		}
		return &RunResult{RunID: runID, Content: summary}
	}
	out := *last
	if summary != "" {
		out.Content = summary + "\n\n" + last.Content
	}
	return &out
}

// parseDelegation extracts the task after the DELEGATE marker.
func parseDelegation(reply string) (string, bool) {
	i := strings.Index(reply, delegateMarker)
	if i < 0 {
		return "", false
	}
	task := strings.TrimSpace(reply[i+len(delegateMarker):])
	return task, task != ""
}
