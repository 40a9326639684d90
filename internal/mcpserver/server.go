// Package mcpserver exposes the code agent as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/cloudserve/internal/agent"
	"github.com/nextlevelbuilder/cloudserve/internal/config"
	"github.com/nextlevelbuilder/cloudserve/internal/scheduler"
	"github.com/nextlevelbuilder/cloudserve/internal/sessions"
	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

// Tool names.
const (
	ToolRunCodeTask = "run_code_task"
	ToolGetRun      = "get_run"
)

// Server wires MCP tool calls to agent runs and the run store.
type Server struct {
	run     scheduler.RunFunc
	runs    store.RunStore
	version string
	mcp     *server.MCPServer
}

// New builds the MCP server. run executes one agent run (normally the
// scheduler on its mcp lane).
func New(run scheduler.RunFunc, runs store.RunStore, version string) *Server {
	s := &Server{run: run, runs: runs, version: version}
	s.mcp = server.NewMCPServer(
		"cloudserve",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s.mcp.AddTool(mcp.NewTool(ToolRunCodeTask,
		mcp.WithDescription("Ask the code agent to write and run Python code for a task. Returns the run record: code, stdout, exit code and produced files."),
		mcp.WithString("task", mcp.Required(), mcp.Description("What to compute, analyze or plot")),
		mcp.WithString("agent_id", mcp.Description("Agent to use (default: default)")),
		mcp.WithString("session", mcp.Description("Session suffix; runs in one session are serialized")),
	), s.handleRunCodeTask)

	s.mcp.AddTool(mcp.NewTool(ToolGetRun,
		mcp.WithDescription("Fetch a stored run record by ID."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID returned by run_code_task")),
	), s.handleGetRun)

	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio blocks serving JSON-RPC on stdin/stdout.
func (s *Server) ServeStdio() error {
	slog.Info("mcp server starting on stdio", "version", s.version)
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleRunCodeTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := req.RequireString("task")
	if err != nil || task == "" {
		return mcp.NewToolResultError("task is required"), nil
	}
	agentID := config.NormalizeAgentID(req.GetString("agent_id", ""))
	runID := uuid.NewString()
	suffix := req.GetString("session", "")
	if suffix == "" {
		suffix = "mcp-" + runID[:8]
	}

	result, err := s.run(ctx, agent.RunRequest{
		SessionKey: sessions.SessionKey(agentID, suffix),
		Message:    task,
		RunID:      runID,
	})
	if err != nil {
		slog.Warn("mcp run_code_task failed", "run", runID, "error", err)
		msg := agent.FormatError(err)
		// Failed runs are still recorded; attach the record when there is one.
		if rec, gerr := s.runs.GetRun(ctx, runID); gerr == nil {
			return jsonResult(map[string]interface{}{"error": msg, "run": rec}, true)
		}
		return mcp.NewToolResultError(msg), nil
	}

	if result.Record == nil {
		return jsonResult(map[string]interface{}{"run_id": result.RunID, "content": result.Content}, false)
	}
	return jsonResult(map[string]interface{}{"content": result.Content, "run": result.Record}, false)
}

func (s *Server) handleGetRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	rec, err := s.runs.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError("run not found: " + runID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return jsonResult(rec, false)
}

func jsonResult(v interface{}, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	res := mcp.NewToolResultText(string(data))
	res.IsError = isError
	return res, nil
}
