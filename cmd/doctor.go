package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cloudserve/internal/config"
	"github.com/nextlevelbuilder/cloudserve/internal/executor"
	"github.com/nextlevelbuilder/cloudserve/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println(titleStyle.Render("cloudserve doctor"))
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" " + okStyle.Render("(OK)"))
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  %s %s\n", failStyle.Render("Config load error:"), err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey)
	checkProvider("Gemini", cfg.Providers.Gemini.APIKey)
	checkProvider("DashScope", cfg.Providers.DashScope.APIKey)
	fmt.Printf("    %-12s %s / %s\n", "default:", cfg.Agents.Defaults.Provider, cfg.Agents.Defaults.Model)

	fmt.Println()
	fmt.Println("  Interpreters:")
	interps := cfg.Executor.Interpreters
	if interps == nil {
		interps = executor.DefaultInterpreters()
	}
	langs := make([]string, 0, len(interps))
	for lang := range interps {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	for _, lang := range langs {
		if fields := strings.Fields(interps[lang]); len(fields) > 0 {
			checkBinary(lang, fields[0])
		}
	}
	if cfg.Executor.JavaScript {
		fmt.Printf("    %-12s embedded (goja)\n", "javascript:")
	}

	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-12s %s\n", "backend:", cfg.Database.Backend)
	checkStores(cfg)
	checkDir("runs:", config.ExpandHome(cfg.Workspace.Root))
	checkDir("sessions:", config.ExpandHome(cfg.Sessions.Storage))
	if cfg.Artifacts.S3.Enabled {
		fmt.Printf("    %-12s s3://%s\n", "artifacts:", cfg.Artifacts.S3.Bucket)
	}
	if cfg.Redis.URL != "" {
		fmt.Printf("    %-12s %s\n", "redis:", "configured")
	}

	fmt.Println()
	addr := gatewayAddr(cfg)
	fmt.Printf("  Gateway:  %s", addr)
	if isGatewayRunning(addr) {
		fmt.Println(" " + okStyle.Render("(running)"))
	} else {
		fmt.Println(" (not running)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey string) {
	if apiKey == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := "****"
	if len(apiKey) > 8 {
		masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkBinary(label, name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s %s\n", label+":", failStyle.Render(name+" NOT FOUND"))
	} else {
		fmt.Printf("    %-12s %s\n", label+":", path)
	}
}

func checkDir(label, dir string) {
	if _, err := os.Stat(dir); err != nil {
		fmt.Printf("    %-12s %s (will be created)\n", label, dir)
		return
	}
	fmt.Printf("    %-12s %s\n", label, dir)
}

func checkStores(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stores, err := openStores(ctx, cfg.Database)
	if err != nil {
		fmt.Printf("    %-12s %s\n", "store:", failStyle.Render(err.Error()))
		return
	}
	defer stores.Close()
	fmt.Printf("    %-12s %s\n", "store:", okStyle.Render("OK"))
}
