package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cloudserve/internal/config"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents: list, add, delete",
	}
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentAddCmd())
	cmd.AddCommand(agentDeleteCmd())
	return cmd
}

// --- agent list ---

func agentListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all configured agents",
		Run: func(cmd *cobra.Command, args []string) {
			runAgentList(jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

type agentListEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Mode        string `json:"mode"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	MaxAttempts int    `json:"maxAttempts"`
}

func runAgentList(jsonOutput bool) {
	cfg := loadConfig()

	ids := cfg.AgentIDs()
	sort.Slice(ids, func(i, j int) bool {
		// default first, the rest alphabetical
		if ids[i] == config.DefaultAgentID || ids[j] == config.DefaultAgentID {
			return ids[i] == config.DefaultAgentID
		}
		return ids[i] < ids[j]
	})

	entries := make([]agentListEntry, 0, len(ids))
	for _, id := range ids {
		resolved := cfg.ResolveAgent(id)
		name := cfg.Agents.List[id].DisplayName
		if name == "" {
			name = id
		}
		entries = append(entries, agentListEntry{
			ID:          id,
			DisplayName: name,
			Mode:        resolved.Mode,
			Provider:    resolved.Provider,
			Model:       resolved.Model,
			MaxAttempts: resolved.MaxAttempts,
		})
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDISPLAY NAME\tMODE\tPROVIDER\tMODEL\tATTEMPTS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", e.ID, e.DisplayName, e.Mode, e.Provider, e.Model, e.MaxAttempts)
	}
	w.Flush()
}

// --- agent add ---

func agentAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add",
		Short: "Add a new agent (interactive wizard)",
		Run: func(cmd *cobra.Command, args []string) {
			runAgentAdd()
		},
	}
}

func runAgentAdd() {
	cfgPath := resolveConfigPath()
	cfg := loadConfig()

	fmt.Println(titleStyle.Render("Add New Agent"))
	fmt.Println()

	var (
		name string
		err  error
	)
	for {
		name, err = promptString("Agent name", "e.g. analyst, plotter", "")
		if err != nil {
			fmt.Println("Cancelled.")
			return
		}
		if name == "" {
			fmt.Println("  Name is required.")
			continue
		}
		id := config.NormalizeAgentID(name)
		if id == config.DefaultAgentID {
			fmt.Printf("  %q is reserved.\n", config.DefaultAgentID)
			continue
		}
		if _, exists := cfg.Agents.List[id]; exists {
			fmt.Printf("  Agent %q already exists.\n", id)
			continue
		}
		break
	}

	agentID := config.NormalizeAgentID(name)
	if name != agentID {
		fmt.Printf("  Normalized ID: %s\n", agentID)
	}

	displayName, err := promptString("Display name", "", name)
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	mode, err := promptSelect("Mode", []SelectOption[string]{
		{"Code agent: write, run and repair code", config.AgentModeCode},
		{"Team: a planner delegates to the code agent and reviews results", config.AgentModeTeam},
	}, 0)
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	provider, err := promptSelect("Provider", []SelectOption[string]{
		{fmt.Sprintf("Inherit from defaults (%s)", cfg.Agents.Defaults.Provider), ""},
		{"OpenAI", "openai"},
		{"Gemini", "gemini"},
		{"DashScope", "dashscope"},
	}, 0)
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	model, err := promptString("Model (empty = inherit from defaults)", fmt.Sprintf("(inherit: %s)", cfg.Agents.Defaults.Model), "")
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	systemPrompt, err := promptString("Extra system prompt (optional)", "Appended guidance, e.g. preferred plotting library", "")
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	if cfg.Agents.List == nil {
		cfg.Agents.List = make(map[string]config.AgentSpec)
	}
	cfg.Agents.List[agentID] = config.AgentSpec{
		DisplayName:  displayName,
		Provider:     provider,
		Model:        model,
		SystemPrompt: systemPrompt,
		Mode:         mode,
	}

	if err := saveConfigWithoutSecrets(cfg, cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Agent %q created.\n", agentID)
	fmt.Println("A running gateway picks it up automatically.")
}

// --- agent delete ---

func agentDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Delete an agent",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runAgentDelete(args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation")
	return cmd
}

func runAgentDelete(rawID string, force bool) {
	agentID := config.NormalizeAgentID(rawID)
	if agentID == config.DefaultAgentID {
		fmt.Fprintf(os.Stderr, "Error: %q cannot be deleted (reserved).\n", config.DefaultAgentID)
		os.Exit(1)
	}

	cfgPath := resolveConfigPath()
	cfg := loadConfig()
	if _, exists := cfg.Agents.List[agentID]; !exists {
		fmt.Fprintf(os.Stderr, "Error: agent %q not found.\n", agentID)
		os.Exit(1)
	}

	if !force {
		confirmed, err := promptConfirm(fmt.Sprintf("Delete agent %q?", agentID), false)
		if err != nil || !confirmed {
			fmt.Println("Cancelled.")
			return
		}
	}

	delete(cfg.Agents.List, agentID)
	if err := saveConfigWithoutSecrets(cfg, cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Agent %q deleted.\n", agentID)
}

// saveConfigWithoutSecrets writes cfg with provider keys stripped, since
// those are usually filled from env or the keyring at load time.
func saveConfigWithoutSecrets(cfg *config.Config, path string) error {
	saved := cfg.Providers
	cfg.Providers.OpenAI.APIKey = ""
	cfg.Providers.Gemini.APIKey = ""
	cfg.Providers.DashScope.APIKey = ""
	err := cfg.Save(path)
	cfg.Providers = saved
	return err
}
