package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cloudserve/internal/agent"
	"github.com/nextlevelbuilder/cloudserve/internal/mcpserver"
	"github.com/nextlevelbuilder/cloudserve/internal/scheduler"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the code agent as MCP tools over stdio",
		Long: `Serve run_code_task and get_run over the Model Context Protocol on
stdin/stdout, for MCP-capable clients. Logs go to stderr.`,
		Run: func(cmd *cobra.Command, args []string) {
			runMCP()
		},
	}
}

func runMCP() {
	cfg := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	svc, err := newServices(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	sched := scheduler.NewScheduler(laneConfigs(cfg), queueConfig(cfg), svc.agents.RunSession)
	defer sched.Stop()

	run := func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		return sched.Run(ctx, scheduler.LaneMCP, req)
	}
	srv := mcpserver.New(run, svc.stores.Runs, Version)
	if err := srv.ServeStdio(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp server: %v\n", err)
	}
}
