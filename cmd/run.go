package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cloudserve/internal/agent"
	"github.com/nextlevelbuilder/cloudserve/internal/config"
	"github.com/nextlevelbuilder/cloudserve/internal/sessions"
	"github.com/nextlevelbuilder/cloudserve/internal/store"
	"github.com/nextlevelbuilder/cloudserve/pkg/protocol"
)

func runCmd() *cobra.Command {
	var (
		message    string
		agentName  string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one task in-process and print the run record",
		Long: `Run one task without a gateway: the agent writes code, executes it
locally (retrying on failure) and prints the resulting record.

Examples:
  cloudserve run -m "plot sin(x) from 0 to 2pi"
  cloudserve run -m "sum of primes below 1000" --json`,
		Run: func(cmd *cobra.Command, args []string) {
			if message == "" {
				fmt.Fprintln(os.Stderr, "Error: --message is required")
				os.Exit(1)
			}
			os.Exit(runOnce(agentName, message, jsonOutput))
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "task to run")
	cmd.Flags().StringVarP(&agentName, "agent", "a", config.DefaultAgentID, "agent ID")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the record as JSON")
	return cmd
}

// runOnce returns the process exit code: 0 on success, 1 on a failed run.
func runOnce(agentName, message string, jsonOutput bool) int {
	cfg := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	svc, err := newServices(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.Close()
	if !jsonOutput {
		svc.onEvent = printAgentEvent
	}

	agentID := config.NormalizeAgentID(agentName)
	ag, err := svc.agents.Get(agentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	runID := uuid.NewString()
	result, runErr := ag.Run(ctx, agent.RunRequest{
		SessionKey: sessions.SessionKey(agentID, "cli-"+runID[:8]),
		Message:    message,
		RunID:      runID,
	})

	var rec *store.RunRecord
	if result != nil && result.Record != nil {
		rec = result.Record
	} else if stored, err := svc.stores.Runs.GetRun(ctx, runID); err == nil {
		rec = stored
	}

	if jsonOutput {
		out := map[string]interface{}{"run": rec}
		if runErr != nil {
			out["error"] = agent.FormatError(runErr)
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
	} else {
		if rec != nil {
			dir, _ := svc.workspace.Dir(runID)
			renderRecord(os.Stdout, rec, dir)
		}
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "\n%s\n", failStyle.Render(agent.FormatError(runErr)))
		}
	}

	if runErr != nil {
		slog.Debug("run failed", "run", runID, "error", runErr)
		return 1
	}
	return 0
}

// printAgentEvent shows run progress on stderr.
func printAgentEvent(evt agent.AgentEvent) {
	switch evt.Type {
	case protocol.AgentEventAttemptStarted:
		if p, ok := evt.Payload.(agent.AttemptPayload); ok {
			fmt.Fprintln(os.Stderr, progressStyle.Render(fmt.Sprintf("  attempt %d: running %s code", p.Attempt, p.Language)))
		}
	case protocol.AgentEventAttemptFailed:
		if p, ok := evt.Payload.(agent.AttemptPayload); ok {
			fmt.Fprintln(os.Stderr, progressStyle.Render(fmt.Sprintf("  attempt %d failed: %s", p.Attempt, firstLine(p.Error))))
		}
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
