package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/nextlevelbuilder/cloudserve/internal/codeblock"
)

const (
	defaultTimeout = 60 * time.Second
	codeFilePrefix = "tmp_code_"
)

// DefaultInterpreters maps language tags to interpreter command lines.
func DefaultInterpreters() map[string]string {
	return map[string]string{
		"python": "python3 -u",
		"bash":   "bash",
		"ruby":   "ruby",
		"r":      "Rscript",
	}
}

var fileExtensions = map[string]string{
	"python":     ".py",
	"bash":       ".sh",
	"javascript": ".js",
	"ruby":       ".rb",
	"r":          ".r",
	"go":         ".go",
}

// ExtensionFor returns the file extension used when persisting code of the given language.
func ExtensionFor(language string) string {
	if ext, ok := fileExtensions[language]; ok {
		return ext
	}
	return "." + language
}

// LocalConfig configures a LocalExecutor.
type LocalConfig struct {
	Timeout           time.Duration
	Interpreters      map[string]string // language -> command line, e.g. "python3 -u"
	FailOnNonZeroExit bool
	Env               []string // extra KEY=VALUE pairs appended to the parent environment
}

// LocalExecutor writes code to a file in the working directory and runs it
// with a host interpreter.
type LocalExecutor struct {
	timeout      time.Duration
	interpreters map[string][]string
	failNonZero  bool
	env          []string
}

// NewLocalExecutor parses the interpreter command lines and returns a ready executor.
func NewLocalExecutor(cfg LocalConfig) (*LocalExecutor, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Interpreters == nil {
		cfg.Interpreters = DefaultInterpreters()
	}
	parsed := make(map[string][]string, len(cfg.Interpreters))
	for lang, cmdline := range cfg.Interpreters {
		args, err := shellwords.Parse(cmdline)
		if err != nil {
			return nil, fmt.Errorf("parse interpreter for %s: %w", lang, err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("empty interpreter for %s", lang)
		}
		parsed[codeblock.NormalizeLanguage(lang)] = args
	}
	return &LocalExecutor{
		timeout:      cfg.Timeout,
		interpreters: parsed,
		failNonZero:  cfg.FailOnNonZeroExit,
		env:          cfg.Env,
	}, nil
}

// Languages lists the configured language tags.
func (e *LocalExecutor) Languages() []string {
	out := make([]string, 0, len(e.interpreters))
	for lang := range e.interpreters {
		out = append(out, lang)
	}
	return out
}

// CodeFileName returns the deterministic file name for a block.
func CodeFileName(block codeblock.Block) string {
	sum := sha256.Sum256([]byte(block.Code))
	return codeFilePrefix + hex.EncodeToString(sum[:])[:16] + ExtensionFor(block.Language)
}

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, workDir string, block codeblock.Block) (*Result, error) {
	argv, ok := e.interpreters[block.Language]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, block.Language)
	}

	name := CodeFileName(block)
	if err := os.WriteFile(filepath.Join(workDir, name), []byte(block.Code), 0o644); err != nil {
		return nil, fmt.Errorf("write code file: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := append(append([]string{}, argv[1:]...), name)
	cmd := exec.CommandContext(runCtx, argv[0], args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), e.env...)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr cappedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		CodeFile: name,
		Duration: time.Since(start),
	}

	slog.Debug("code executed", "language", block.Language, "file", name, "duration", res.Duration, "err", runErr)

	if runErr == nil {
		return res, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if e.failNonZero {
			return res, &ExitError{Code: res.ExitCode, Stderr: TailOutput(res.Stderr, stderrExcerptBytes)}
		}
		return res, nil
	}
	return nil, fmt.Errorf("start %s: %w", argv[0], runErr)
}
