package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

func noKeyring(t *testing.T) {
	t.Helper()
	prev := keyringGet
	keyringGet = func(string, string) (string, error) { return "", keyring.ErrNotFound }
	t.Cleanup(func() { keyringGet = prev })
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "GEMINI_API_KEY", "DASHSCOPE_API_KEY",
		"CLOUDSERVE_PROVIDER", "CLOUDSERVE_MODEL", "CLOUDSERVE_GATEWAY_TOKEN", "CLOUDSERVE_HOST",
		"CLOUDSERVE_PORT", "CLOUDSERVE_POSTGRES_DSN", "CLOUDSERVE_REDIS_URL", "CLOUDSERVE_WORKSPACE",
		"CLOUDSERVE_S3_BUCKET", "CLOUDSERVE_NO_KEYRING", "CLOUDSERVE_CONFIG",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	noKeyring(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agents.Defaults.MaxAttempts != 5 || cfg.Agents.Defaults.Provider != "openai" || cfg.Gateway.Port != 18790 {
		t.Errorf("defaults = %+v / %+v", cfg.Agents.Defaults, cfg.Gateway)
	}
	if !cfg.Executor.FailOnNonZero() {
		t.Error("non-zero exit should fail by default")
	}
}

func TestLoad_JSON5(t *testing.T) {
	clearEnv(t)
	noKeyring(t)
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
  // comments and trailing commas are allowed
  agents: {
    defaults: { provider: "gemini", model: "gemini-2.5-flash", max_attempts: 3, },
    list: { analyst: { mode: "team", planner_model: "gemini-2.5-pro" } },
  },
  executor: { timeout_sec: 10, fail_on_nonzero_exit: false },
  gateway: { port: 9000 },
}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agents.Defaults.Provider != "gemini" || cfg.Agents.Defaults.MaxAttempts != 3 {
		t.Errorf("agents = %+v", cfg.Agents.Defaults)
	}
	if cfg.Executor.TimeoutSec != 10 || cfg.Executor.FailOnNonZero() {
		t.Errorf("executor = %+v", cfg.Executor)
	}
	if cfg.Gateway.Port != 9000 || cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}

	a := cfg.ResolveAgent("analyst")
	if a.Mode != AgentModeTeam || a.PlannerModel != "gemini-2.5-pro" || a.Model != "gemini-2.5-flash" || a.MaxAttempts != 3 {
		t.Errorf("resolved = %+v", a)
	}
	if ids := cfg.AgentIDs(); len(ids) != 2 || ids[0] != DefaultAgentID {
		t.Errorf("AgentIDs = %v", ids)
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	noKeyring(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "agents:\n  defaults:\n    provider: dashscope\n    model: qwen-plus\n    max_attempts: 4\ndatabase:\n  backend: memory\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agents.Defaults.Provider != "dashscope" || cfg.Database.Backend != "memory" {
		t.Errorf("cfg = %+v %+v", cfg.Agents.Defaults, cfg.Database)
	}
	// untouched sections keep defaults
	if cfg.Workspace.SweepCron != "0 * * * *" {
		t.Errorf("sweep cron = %q", cfg.Workspace.SweepCron)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	noKeyring(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("CLOUDSERVE_GATEWAY_TOKEN", "tok")
	t.Setenv("CLOUDSERVE_PORT", "8081")
	t.Setenv("CLOUDSERVE_POSTGRES_DSN", "postgres://u@h/db")
	t.Setenv("CLOUDSERVE_S3_BUCKET", "bkt")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-env" || cfg.Gateway.Token != "tok" || cfg.Gateway.Port != 8081 {
		t.Errorf("env not applied: %+v %+v", cfg.Providers.OpenAI, cfg.Gateway)
	}
	if cfg.Database.Backend != "postgres" || !cfg.Artifacts.S3.Enabled {
		t.Errorf("db = %+v s3 = %+v", cfg.Database, cfg.Artifacts.S3)
	}
}

func TestLoad_KeyringFallback(t *testing.T) {
	clearEnv(t)
	prev := keyringGet
	keyringGet = func(service, user string) (string, error) {
		if service == KeyringService && user == "gemini" {
			return "from-keyring", nil
		}
		return "", keyring.ErrNotFound
	}
	t.Cleanup(func() { keyringGet = prev })
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.Gemini.APIKey != "from-keyring" {
		t.Errorf("gemini key = %q", cfg.Providers.Gemini.APIKey)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-env" {
		t.Error("env key must win over keyring")
	}

	t.Setenv("CLOUDSERVE_NO_KEYRING", "1")
	cfg, _ = Load(filepath.Join(t.TempDir(), "none.json"))
	if cfg.Providers.Gemini.APIKey != "" {
		t.Error("keyring should be skipped when disabled")
	}
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	noKeyring(t)
	dir := t.TempDir()
	cases := map[string]string{
		"bad.json":      `{ agents: `,
		"provider.json": `{ agents: { defaults: { provider: "llama" } } }`,
		"pg.json":       `{ database: { backend: "postgres" } }`,
		"s3.json":       `{ artifacts: { s3: { enabled: true } } }`,
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	noKeyring(t)
	for _, name := range []string{"config.json", "config.yml"} {
		path := filepath.Join(t.TempDir(), "nested", name)
		cfg := Default()
		cfg.Gateway.Token = "secret-token"
		cfg.Agents.Defaults.Model = "gpt-4o"
		if err := cfg.Save(path); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("%s: perm = %v", name, info.Mode().Perm())
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if loaded.Gateway.Token != "secret-token" || loaded.Agents.Defaults.Model != "gpt-4o" {
			t.Errorf("%s: round trip lost fields", name)
		}
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("CLOUDSERVE_CONFIG", "")
	if got := ResolvePath("/x/flag.json"); got != "/x/flag.json" {
		t.Errorf("flag path = %q", got)
	}
	t.Setenv("CLOUDSERVE_CONFIG", "/x/env.yaml")
	if got := ResolvePath(""); got != "/x/env.yaml" {
		t.Errorf("env path = %q", got)
	}
	t.Setenv("CLOUDSERVE_CONFIG", "")
	if got := ResolvePath(""); !strings.HasSuffix(got, filepath.Join(".cloudserve", "config.json")) {
		t.Errorf("default path = %q", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/runs"); got != filepath.Join(home, "runs") {
		t.Errorf("got %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeAgentID(t *testing.T) {
	tests := map[string]string{
		"":             DefaultAgentID,
		"Analyst":      "analyst",
		"  my agent! ": "my-agent",
		"--x--":        "x",
		"data_bot-2":   "data_bot-2",
		"!!!":          DefaultAgentID,
	}
	for in, want := range tests {
		if got := NormalizeAgentID(in); got != want {
			t.Errorf("NormalizeAgentID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReplaceFrom(t *testing.T) {
	cfg := Default()
	next := Default()
	next.Agents.Defaults.MaxAttempts = 9
	next.Gateway.RateLimitRPM = 5
	next.Gateway.Port = 1
	cfg.ReplaceFrom(next)
	if cfg.Agents.Defaults.MaxAttempts != 9 || cfg.Gateway.RateLimitRPM != 5 {
		t.Error("reloadable fields not copied")
	}
	if cfg.Gateway.Port != 18790 {
		t.Error("listener settings must not change on reload")
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	noKeyring(t)
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{ agents: { defaults: { max_attempts: 2 } } }`), 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 20 * time.Millisecond
	got := make(chan int, 4)
	w.OnChange(func(cfg *Config) { got <- cfg.Agents.Defaults.MaxAttempts })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(`{ agents: { defaults: { max_attempts: 7 } } }`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-got:
		if n != 7 {
			t.Errorf("reloaded max_attempts = %d", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
	w.Stop()
}
