package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	codeStyle     = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("8")).Padding(0, 1)
	headerStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	progressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

func statusText(rec *store.RunRecord) string {
	switch rec.Status {
	case store.RunStatusSucceeded:
		return okStyle.Render("succeeded")
	case store.RunStatusFailed:
		if rec.Result != nil {
			return failStyle.Render(fmt.Sprintf("failed (exit %d)", rec.Result.ExitCode))
		}
		return failStyle.Render("failed")
	default:
		return string(rec.Status)
	}
}

// renderRecord prints one run: status, code, stdout and produced files.
// runDir resolves relative artifact names; empty prints them as stored.
func renderRecord(w io.Writer, rec *store.RunRecord, runDir string) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Run"), rec.ID)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Status:  "), statusText(rec))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Agent:   "), rec.AgentID)
	fmt.Fprintf(w, "%s %d\n", labelStyle.Render("Attempts:"), len(rec.Attempts))
	if rec.Model != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Model:   "), rec.Model)
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Task:    "), rec.Task)

	if rec.Code != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, codeStyle.Render(strings.TrimRight(rec.Code, "\n")))
	}
	if rec.Result != nil && strings.TrimSpace(rec.Result.Stdout) != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Output"))
		fmt.Fprintln(w, strings.TrimRight(rec.Result.Stdout, "\n"))
	}
	if rec.Error != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, failStyle.Render("Error: ")+rec.Error)
	}

	files := append(append([]string{}, rec.ImagePaths...), rec.OtherPaths...)
	if len(files) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Files"))
		for i, name := range files {
			p := name
			if runDir != "" {
				p = filepath.Join(runDir, name)
			}
			if i < len(rec.ImageURLs) && rec.ImageURLs[i] != "" {
				p += "  " + rec.ImageURLs[i]
			}
			fmt.Fprintf(w, "  %s\n", p)
		}
	}
}

// renderRunTable prints runs as aligned columns; wide task text is cut to
// the terminal cell width, so CJK tasks line up too.
func renderRunTable(w io.Writer, runs []*store.RunRecord) {
	const taskWidth = 48
	header := fmt.Sprintf("%-36s  %-10s  %-12s  %-8s  %s", "ID", "STATUS", "AGENT", "ATTEMPTS", "TASK")
	fmt.Fprintln(w, headerStyle.Render(header))
	for _, r := range runs {
		task := strings.Join(strings.Fields(r.Task), " ")
		task = runewidth.Truncate(task, taskWidth, "…")
		fmt.Fprintf(w, "%-36s  %-10s  %-12s  %-8d  %s\n",
			r.ID, string(r.Status), runewidth.Truncate(r.AgentID, 12, "…"), len(r.Attempts), task)
	}
}
