package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cloudserve/internal/config"
	"github.com/nextlevelbuilder/cloudserve/internal/store"
	"github.com/nextlevelbuilder/cloudserve/internal/workspace"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored run records",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var (
		filter     store.RunFilter
		status     string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			filter.Status = store.RunStatus(status)
			withRunStore(func(ctx context.Context, runs store.RunStore, _ *config.Config) {
				list, err := runs.ListRuns(ctx, filter)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				if jsonOutput {
					data, _ := json.MarshalIndent(list, "", "  ")
					fmt.Println(string(data))
					return
				}
				if len(list) == 0 {
					fmt.Println("No runs found.")
					return
				}
				renderRunTable(os.Stdout, list)
			})
		},
	}
	cmd.Flags().StringVar(&filter.SessionKey, "session", "", "filter by session key")
	cmd.Flags().StringVar(&filter.AgentID, "agent", "", "filter by agent ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (succeeded, failed)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum runs to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runsShowCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run: code, output and files",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runID := args[0]
			if err := store.ValidateRunID(runID); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			withRunStore(func(ctx context.Context, runs store.RunStore, cfg *config.Config) {
				rec, err := runs.GetRun(ctx, runID)
				if errors.Is(err, store.ErrNotFound) {
					fmt.Fprintf(os.Stderr, "Run %s not found.\n", runID)
					os.Exit(1)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				if jsonOutput {
					data, _ := json.MarshalIndent(rec, "", "  ")
					fmt.Println(string(data))
					return
				}
				var dir string
				if ws, err := workspace.NewManager(config.ExpandHome(cfg.Workspace.Root)); err == nil {
					dir, _ = ws.Dir(runID)
				}
				renderRecord(os.Stdout, rec, dir)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// withRunStore opens the configured run store for a read-only command.
func withRunStore(fn func(ctx context.Context, runs store.RunStore, cfg *config.Config)) {
	cfg := loadConfig()
	ctx := context.Background()
	stores, err := openStores(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer stores.Close()
	fn(ctx, stores.Runs, cfg)
}
