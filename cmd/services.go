package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nextlevelbuilder/cloudserve/internal/agent"
	"github.com/nextlevelbuilder/cloudserve/internal/artifacts"
	"github.com/nextlevelbuilder/cloudserve/internal/bus"
	"github.com/nextlevelbuilder/cloudserve/internal/config"
	"github.com/nextlevelbuilder/cloudserve/internal/executor"
	"github.com/nextlevelbuilder/cloudserve/internal/providers"
	"github.com/nextlevelbuilder/cloudserve/internal/sessions"
	"github.com/nextlevelbuilder/cloudserve/internal/store"
	"github.com/nextlevelbuilder/cloudserve/internal/store/cached"
	"github.com/nextlevelbuilder/cloudserve/internal/store/pg"
	"github.com/nextlevelbuilder/cloudserve/internal/store/sqlite"
	"github.com/nextlevelbuilder/cloudserve/internal/tracing"
	"github.com/nextlevelbuilder/cloudserve/internal/workspace"
)

// services holds the shared components every entry point (gateway, run, chat
// standalone, mcp) builds from the config.
type services struct {
	cfg       *config.Config
	stores    *store.Stores
	workspace *workspace.Manager
	exec      executor.Executor
	providers *providers.Registry
	collector *tracing.Collector
	uploader  agent.ImageUploader
	sessions  *sessions.Manager
	bus       *bus.MessageBus
	agents    *agent.Router

	// onEvent receives agent events; set before the first run (nil = drop).
	onEvent func(agent.AgentEvent)
}

// newServices wires stores, providers, executor and the agent router.
func newServices(ctx context.Context, cfg *config.Config) (*services, error) {
	svc := &services{cfg: cfg, bus: bus.New()}

	stores, err := openStores(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	svc.stores = stores

	ws, err := workspace.NewManager(config.ExpandHome(cfg.Workspace.Root))
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("workspace: %w", err)
	}
	svc.workspace = ws

	svc.exec, err = buildExecutor(cfg.Executor)
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.providers = providers.NewRegistry()
	registerProviders(ctx, svc.providers, cfg)
	if len(svc.providers.List()) == 0 {
		slog.Warn("no model providers configured; run 'cloudserve onboard' or set OPENAI_API_KEY")
	}

	svc.sessions, err = sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage), cfg.Sessions.MaxMessages)
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.collector = tracing.NewCollector(stores.Tracing)
	initOTelExporter(ctx, cfg, svc.collector)
	svc.collector.Start()

	if s3 := cfg.Artifacts.S3; s3.Enabled {
		up, err := artifacts.NewS3Uploader(ctx, artifacts.Config{
			Bucket:          s3.Bucket,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			Prefix:          s3.Prefix,
			PublicBaseURL:   s3.PublicBaseURL,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			UsePathStyle:    s3.UsePathStyle,
		})
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("s3 artifacts: %w", err)
		}
		svc.uploader = up
		slog.Info("s3 artifact publishing enabled", "bucket", s3.Bucket)
	}

	svc.agents = agent.NewRouter()
	svc.agents.SetResolver(svc.resolver())
	return svc, nil
}

// Close flushes traces and closes the stores.
func (svc *services) Close() {
	if svc.collector != nil {
		svc.collector.Stop()
	}
	if svc.stores != nil && svc.stores.Close != nil {
		if err := svc.stores.Close(); err != nil {
			slog.Warn("close stores", "error", err)
		}
	}
}

// resolver builds agents lazily from the current config, so hot-reloaded
// agent settings apply once the router drops its cached instance.
func (svc *services) resolver() agent.ResolverFunc {
	guard := agent.NewInputGuard()
	return func(agentID string) (agent.Agent, error) {
		if !slices.Contains(svc.cfg.AgentIDs(), agentID) {
			return nil, fmt.Errorf("agent not found: %s", agentID)
		}
		ac := svc.cfg.ResolveAgent(agentID)

		provider, err := svc.providers.Get(ac.Provider)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agentID, err)
		}

		coder := agent.NewCodeAgent(agent.CodeAgentConfig{
			ID:                 agentID,
			Provider:           provider,
			Model:              ac.Model,
			SystemPrompt:       ac.SystemPrompt,
			MaxAttempts:        ac.MaxAttempts,
			Temperature:        ac.Temperature,
			MaxTokens:          ac.MaxTokens,
			HistoryTokenBudget: ac.HistoryTokenBudget,
			Executor:           svc.exec,
			Workspace:          svc.workspace,
			Runs:               svc.stores.Runs,
			Tracing:            svc.collector,
			Uploader:           svc.uploader,
			ArtifactBaseURL:    agent.DefaultArtifactBaseURL,
			OnEvent:            svc.onEvent,
			InputGuard:         guard,
			InjectionAction:    ac.InjectionAction,
		})
		if ac.Mode != config.AgentModeTeam {
			return coder, nil
		}

		return agent.NewTeam(agent.TeamConfig{
			ID:            agentID,
			Planner:       provider,
			PlannerModel:  ac.PlannerModel,
			PlannerPrompt: ac.PlannerPrompt,
			Coder:         coder,
			MaxTurns:      ac.MaxTurns,
		}), nil
	}
}

// openStores picks the run/trace backend. Postgres runs migrations first.
// A non-zero cache size wraps the run store in an LRU read cache.
func openStores(ctx context.Context, dc config.DatabaseConfig) (*store.Stores, error) {
	var stores *store.Stores
	switch dc.Backend {
	case "memory":
		stores = &store.Stores{
			Runs:    store.NewMemoryRunStore(),
			Tracing: store.NewMemoryTracingStore(),
			Close:   func() error { return nil },
		}
	case "postgres":
		if err := pg.Migrate(dc.PostgresDSN); err != nil {
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		db, err := pg.OpenDB(ctx, dc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		stores = &store.Stores{
			Runs:    pg.NewPGRunStore(db),
			Tracing: pg.NewPGTracingStore(db),
			Close:   db.Close,
		}
	default:
		s, err := sqlite.Open(config.ExpandHome(dc.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		stores = &store.Stores{Runs: s, Tracing: s, Close: s.Close}
	}
	slog.Debug("stores opened", "backend", dc.Backend)

	if dc.CacheSize > 0 {
		c, err := cached.New(stores.Runs, dc.CacheSize)
		if err != nil {
			stores.Close()
			return nil, err
		}
		stores.Runs = c
	}
	return stores, nil
}

// registerProviders adds every provider that has an API key, each wrapped
// with transient-error retries.
func registerProviders(ctx context.Context, reg *providers.Registry, cfg *config.Config) {
	rc := cfg.Providers.Retry
	retry := providers.RetryConfig{
		MaxRetries: rc.Attempts,
		BaseDelay:  time.Duration(rc.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(rc.MaxDelayMs) * time.Millisecond,
	}
	defaultModel := cfg.Agents.Defaults.Model

	if p := cfg.Providers.OpenAI; p.APIKey != "" {
		reg.Register(providers.NewRetryingProvider(providers.NewOpenAIProvider("openai", p.APIKey, p.APIBase, defaultModel), retry))
	}
	if p := cfg.Providers.DashScope; p.APIKey != "" {
		reg.Register(providers.NewRetryingProvider(providers.NewDashScopeProvider(p.APIKey, p.APIBase, defaultModel), retry))
	}
	if p := cfg.Providers.Gemini; p.APIKey != "" {
		gp, err := providers.NewGeminiProvider(ctx, p.APIKey, defaultModel)
		if err != nil {
			slog.Warn("gemini provider disabled", "error", err)
		} else {
			reg.Register(providers.NewRetryingProvider(gp, retry))
		}
	}
}

// buildExecutor routes JavaScript to the embedded goja runtime (when enabled)
// and everything else to host interpreters.
func buildExecutor(ec config.ExecutorConfig) (executor.Executor, error) {
	timeout := time.Duration(ec.TimeoutSec) * time.Second
	local, err := executor.NewLocalExecutor(executor.LocalConfig{
		Timeout:           timeout,
		Interpreters:      ec.Interpreters,
		FailOnNonZeroExit: ec.FailOnNonZero(),
	})
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	d := executor.NewDispatcher(local)
	if ec.JavaScript {
		d.Register("javascript", executor.NewJSExecutor(timeout))
	}
	slog.Debug("executor ready", "languages", local.Languages(), "javascript", ec.JavaScript)
	return d, nil
}
