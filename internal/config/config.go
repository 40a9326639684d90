// Package config loads the cloudserve configuration from a JSON5 or YAML file,
// then applies environment overrides and OS keyring fallbacks.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Agents    AgentsConfig    `json:"agents" yaml:"agents"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Executor  ExecutorConfig  `json:"executor" yaml:"executor"`
	Workspace WorkspaceConfig `json:"workspace" yaml:"workspace"`
	Sessions  SessionsConfig  `json:"sessions" yaml:"sessions"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Artifacts ArtifactsConfig `json:"artifacts" yaml:"artifacts"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	mu sync.RWMutex
}

// AgentsConfig holds defaults plus per-agent overrides keyed by agent ID.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults" yaml:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty" yaml:"list,omitempty"`
}

// AgentDefaults configures the code agent and the optional planner team.
type AgentDefaults struct {
	Provider           string  `json:"provider" yaml:"provider"`
	Model              string  `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt       string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxAttempts        int     `json:"max_attempts" yaml:"max_attempts"`
	Temperature        float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens          int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	HistoryTokenBudget int     `json:"history_token_budget,omitempty" yaml:"history_token_budget,omitempty"`
	InjectionAction    string  `json:"injection_action,omitempty" yaml:"injection_action,omitempty"`

	// Mode is "code" (code agent only) or "team" (planner delegating to the code agent).
	Mode          string `json:"mode,omitempty" yaml:"mode,omitempty"`
	PlannerModel  string `json:"planner_model,omitempty" yaml:"planner_model,omitempty"`
	PlannerPrompt string `json:"planner_prompt,omitempty" yaml:"planner_prompt,omitempty"`
	MaxTurns      int    `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
}

// AgentSpec overrides AgentDefaults for one agent. Zero values inherit.
type AgentSpec struct {
	DisplayName  string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Provider     string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Mode         string `json:"mode,omitempty" yaml:"mode,omitempty"`
	PlannerModel string `json:"planner_model,omitempty" yaml:"planner_model,omitempty"`
}

// Agent modes.
const (
	AgentModeCode = "code"
	AgentModeTeam = "team"
)

// ProviderConfig is one hosted model API.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIBase string `json:"api_base,omitempty" yaml:"api_base,omitempty"`
}

// ProvidersConfig lists the supported providers.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `json:"openai" yaml:"openai"`
	Gemini    ProviderConfig `json:"gemini" yaml:"gemini"`
	DashScope ProviderConfig `json:"dashscope" yaml:"dashscope"`
	Retry     RetryConfig    `json:"retry" yaml:"retry"`
}

// RetryConfig controls transient-error retries of model calls.
type RetryConfig struct {
	Attempts    int `json:"attempts" yaml:"attempts"`
	BaseDelayMs int `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int `json:"max_delay_ms" yaml:"max_delay_ms"`
}

// GatewayConfig configures the HTTP/WebSocket server.
type GatewayConfig struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	Token           string   `json:"token,omitempty" yaml:"token,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
	RateLimitRPM    int      `json:"rate_limit_rpm,omitempty" yaml:"rate_limit_rpm,omitempty"`
	MaxMessageChars int      `json:"max_message_chars,omitempty" yaml:"max_message_chars,omitempty"`
}

// ExecutorConfig configures code execution.
type ExecutorConfig struct {
	TimeoutSec        int               `json:"timeout_sec" yaml:"timeout_sec"`
	Interpreters      map[string]string `json:"interpreters,omitempty" yaml:"interpreters,omitempty"`
	FailOnNonZeroExit *bool             `json:"fail_on_nonzero_exit,omitempty" yaml:"fail_on_nonzero_exit,omitempty"`
	JavaScript        bool              `json:"javascript" yaml:"javascript"`
}

// FailOnNonZero reports whether a non-zero exit code counts as failure (default true).
func (e ExecutorConfig) FailOnNonZero() bool {
	return e.FailOnNonZeroExit == nil || *e.FailOnNonZeroExit
}

// WorkspaceConfig configures run directories.
type WorkspaceConfig struct {
	Root           string `json:"root" yaml:"root"`
	RetentionHours int    `json:"retention_hours" yaml:"retention_hours"`
	SweepCron      string `json:"sweep_cron" yaml:"sweep_cron"`
	ThumbnailSide  int    `json:"thumbnail_side,omitempty" yaml:"thumbnail_side,omitempty"`
}

// SessionsConfig configures chat history persistence.
type SessionsConfig struct {
	Storage     string `json:"storage" yaml:"storage"`
	MaxMessages int    `json:"max_messages,omitempty" yaml:"max_messages,omitempty"`
}

// DatabaseConfig selects the run/trace store.
type DatabaseConfig struct {
	Backend     string `json:"backend" yaml:"backend"` // sqlite, postgres, memory
	SQLitePath  string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	PostgresDSN string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	CacheSize   int    `json:"cache_size,omitempty" yaml:"cache_size,omitempty"`
}

// ArtifactsConfig configures optional S3 publishing of images.
type ArtifactsConfig struct {
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config mirrors artifacts.Config.
type S3Config struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Bucket          string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Prefix          string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	PublicBaseURL   string `json:"public_base_url,omitempty" yaml:"public_base_url,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool   `json:"use_path_style,omitempty" yaml:"use_path_style,omitempty"`
}

// RedisConfig enables the cross-instance event bridge when URL is set.
type RedisConfig struct {
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// LaneConfig mirrors scheduler.LaneConfig.
type LaneConfig struct {
	Name        string `json:"name" yaml:"name"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
}

// SchedulerConfig configures lanes and per-session queuing.
type SchedulerConfig struct {
	Lanes      []LaneConfig `json:"lanes,omitempty" yaml:"lanes,omitempty"`
	QueueMode  string       `json:"queue_mode" yaml:"queue_mode"`
	QueueCap   int          `json:"queue_cap" yaml:"queue_cap"`
	DropPolicy string       `json:"drop_policy" yaml:"drop_policy"`
	DebounceMs int          `json:"debounce_ms" yaml:"debounce_ms"`
}

// TelemetryConfig configures OTLP span export (binaries built with -tags otel).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty" yaml:"protocol,omitempty"` // grpc (default) or http
	Insecure    bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	SampleRatio float64           `json:"sample_ratio,omitempty" yaml:"sample_ratio,omitempty"` // 0 exports every run
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider:        "openai",
				Model:           "gpt-4o-mini",
				MaxAttempts:     5,
				InjectionAction: "warn",
				Mode:            AgentModeCode,
				MaxTurns:        2,
			},
		},
		Providers: ProvidersConfig{
			Retry: RetryConfig{Attempts: 3, BaseDelayMs: 500, MaxDelayMs: 8000},
		},
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            18790,
			RateLimitRPM:    60,
			MaxMessageChars: 32000,
		},
		Executor: ExecutorConfig{
			TimeoutSec: 60,
			JavaScript: true,
		},
		Workspace: WorkspaceConfig{
			Root:           "~/.cloudserve/runs",
			RetentionHours: 72,
			SweepCron:      "0 * * * *",
			ThumbnailSide:  320,
		},
		Sessions: SessionsConfig{
			Storage:     "~/.cloudserve/sessions",
			MaxMessages: 200,
		},
		Database: DatabaseConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.cloudserve/cloudserve.db",
			CacheSize:  256,
		},
		Redis: RedisConfig{Channel: "cloudserve:events"},
		Scheduler: SchedulerConfig{
			QueueMode:  "queue",
			QueueCap:   10,
			DropPolicy: "old",
			DebounceMs: 300,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "cloudserve",
		},
	}
}

// DefaultPath is the config location when neither --config nor CLOUDSERVE_CONFIG is set.
func DefaultPath() string {
	return ExpandHome("~/.cloudserve/config.json")
}

// ResolvePath picks the config file: explicit flag, then CLOUDSERVE_CONFIG, then DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv("CLOUDSERVE_CONFIG"); p != "" {
		return p
	}
	return DefaultPath()
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides and keyring fallbacks are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json5.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyKeyring()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config (JSON unless path ends in .yaml/.yml) with 0600 permissions.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	c.mu.RLock()
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("OPENAI_BASE_URL", &c.Providers.OpenAI.APIBase)
	envStr("GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envStr("DASHSCOPE_API_KEY", &c.Providers.DashScope.APIKey)
	envStr("CLOUDSERVE_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("CLOUDSERVE_MODEL", &c.Agents.Defaults.Model)
	envStr("CLOUDSERVE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CLOUDSERVE_HOST", &c.Gateway.Host)
	envStr("CLOUDSERVE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CLOUDSERVE_REDIS_URL", &c.Redis.URL)
	envStr("CLOUDSERVE_WORKSPACE", &c.Workspace.Root)
	envStr("CLOUDSERVE_S3_BUCKET", &c.Artifacts.S3.Bucket)

	if v := os.Getenv("CLOUDSERVE_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if c.Database.PostgresDSN != "" && os.Getenv("CLOUDSERVE_POSTGRES_DSN") != "" {
		c.Database.Backend = "postgres"
	}
	if c.Artifacts.S3.Bucket != "" && os.Getenv("CLOUDSERVE_S3_BUCKET") != "" {
		c.Artifacts.S3.Enabled = true
	}
}

// Validate rejects settings the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Agents.Defaults.Provider {
	case "openai", "gemini", "dashscope":
	default:
		return fmt.Errorf("config: unknown provider %q (want openai, gemini or dashscope)", c.Agents.Defaults.Provider)
	}
	switch c.Database.Backend {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown database backend %q", c.Database.Backend)
	}
	if c.Database.Backend == "postgres" && c.Database.PostgresDSN == "" {
		return fmt.Errorf("config: database.postgres_dsn is required for the postgres backend")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: invalid gateway port %d", c.Gateway.Port)
	}
	if c.Artifacts.S3.Enabled && c.Artifacts.S3.Bucket == "" {
		return fmt.Errorf("config: artifacts.s3.bucket is required when s3 is enabled")
	}
	return nil
}

// ResolveAgent merges the defaults with the overrides of agentID.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.Agents.Defaults
	spec, ok := c.Agents.List[agentID]
	if !ok {
		return out
	}
	if spec.Provider != "" {
		out.Provider = spec.Provider
	}
	if spec.Model != "" {
		out.Model = spec.Model
	}
	if spec.SystemPrompt != "" {
		out.SystemPrompt = spec.SystemPrompt
	}
	if spec.MaxAttempts > 0 {
		out.MaxAttempts = spec.MaxAttempts
	}
	if spec.Mode != "" {
		out.Mode = spec.Mode
	}
	if spec.PlannerModel != "" {
		out.PlannerModel = spec.PlannerModel
	}
	return out
}

// AgentIDs returns the default agent plus every configured agent.
func (c *Config) AgentIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := []string{DefaultAgentID}
	for id := range c.Agents.List {
		if id != DefaultAgentID {
			ids = append(ids, id)
		}
	}
	return ids
}

// ReplaceFrom copies the reloadable sections of src into c.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Gateway.RateLimitRPM = src.Gateway.RateLimitRPM
	c.Gateway.MaxMessageChars = src.Gateway.MaxMessageChars
	c.Scheduler = src.Scheduler
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
