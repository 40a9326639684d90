package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/cloudserve/internal/bus"
	"github.com/nextlevelbuilder/cloudserve/internal/config"
	"github.com/nextlevelbuilder/cloudserve/internal/gateway"
	"github.com/nextlevelbuilder/cloudserve/internal/gateway/methods"
	httpapi "github.com/nextlevelbuilder/cloudserve/internal/http"
	"github.com/nextlevelbuilder/cloudserve/internal/scheduler"
	"github.com/nextlevelbuilder/cloudserve/internal/web"
	"github.com/nextlevelbuilder/cloudserve/internal/workspace"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the HTTP/WebSocket gateway and web UI (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	cfgPath := resolveConfigPath()
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer svc.Close()
	svc.onEvent = gateway.AgentEventPublisher(svc.bus)

	sched := scheduler.NewScheduler(laneConfigs(cfg), queueConfig(cfg), svc.agents.RunSession)
	defer sched.Stop()

	server := gateway.NewServer(cfg, svc.bus, svc.agents, sched)

	methods.NewChatMethods(methods.ChatDeps{
		Agents:      svc.agents,
		Sessions:    svc.sessions,
		Runs:        svc.stores.Runs,
		Scheduler:   sched,
		EventPub:    svc.bus,
		Dedupe:      bus.NewDedupeCache(10*time.Minute, 10000),
		RateLimiter: server.RateLimiter(),
		Config:      cfg,
	}).Register(server.Router())
	methods.NewRunsMethods(svc.stores.Runs).Register(server.Router())

	chat := httpapi.NewChatCompletionsHandler(svc.agents, sched, svc.bus, cfg.Gateway.Token)
	chat.SetRateLimiter(server.RateLimiter().Allow)
	server.Mount("/v1/chat/completions", chat)
	server.Mount("/v1/runs", httpapi.NewRunsHandler(svc.stores.Runs, cfg.Gateway.Token).Routes())
	server.Mount("/artifacts", httpapi.NewArtifactsHandler(svc.workspace, cfg.Gateway.Token, cfg.Workspace.ThumbnailSide).Routes())
	server.Mount("/", web.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })

	if cfg.Redis.URL != "" {
		bridge, err := bus.NewRedisBridge(gctx, cfg.Redis.URL, cfg.Redis.Channel, svc.bus)
		if err != nil {
			slog.Warn("redis bridge disabled", "error", err)
		} else {
			defer bridge.Close()
			g.Go(func() error { return bridge.Run(gctx) })
		}
	}

	if cfg.Workspace.RetentionHours > 0 {
		sweeper, err := workspace.NewSweeper(svc.workspace, cfg.Workspace.SweepCron, time.Duration(cfg.Workspace.RetentionHours)*time.Hour)
		if err != nil {
			slog.Warn("run directory sweeper disabled", "error", err)
		} else {
			sweeper.Start()
			defer sweeper.Stop()
		}
	}

	if watcher, err := config.NewWatcher(cfgPath); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	} else {
		watcher.OnChange(func(newCfg *config.Config) {
			cfg.ReplaceFrom(newCfg)
			for _, id := range svc.agents.List() {
				svc.agents.Remove(id)
			}
			server.ApplyConfig(cfg)
			sched.UpdateConfig(queueConfig(cfg))
			slog.Info("config reloaded", "agents", len(cfg.AgentIDs()))
		})
		if err := watcher.Start(); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("cloudserve gateway starting",
		"version", Version,
		"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"store", cfg.Database.Backend,
		"providers", svc.providers.List(),
	)
	if err := g.Wait(); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func laneConfigs(cfg *config.Config) []scheduler.LaneConfig {
	if len(cfg.Scheduler.Lanes) == 0 {
		return nil
	}
	out := make([]scheduler.LaneConfig, 0, len(cfg.Scheduler.Lanes))
	for _, l := range cfg.Scheduler.Lanes {
		out = append(out, scheduler.LaneConfig{Name: l.Name, Concurrency: l.Concurrency})
	}
	return out
}

func queueConfig(cfg *config.Config) scheduler.QueueConfig {
	qc := scheduler.DefaultQueueConfig()
	sc := cfg.Scheduler
	if sc.QueueMode != "" {
		qc.Mode = scheduler.QueueMode(sc.QueueMode)
	}
	if sc.QueueCap > 0 {
		qc.Cap = sc.QueueCap
	}
	if sc.DropPolicy != "" {
		qc.Drop = scheduler.DropPolicy(sc.DropPolicy)
	}
	if sc.DebounceMs >= 0 {
		qc.DebounceMs = sc.DebounceMs
	}
	return qc
}
