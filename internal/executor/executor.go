// Package executor runs extracted code blocks inside a run's working directory.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/cloudserve/internal/codeblock"
)

var (
	// ErrUnsupportedLanguage is returned when no interpreter is configured for a block's language.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrTimeout is returned when an execution exceeds its time budget.
	ErrTimeout = errors.New("execution timed out")
)

// Result captures one execution attempt.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	CodeFile string        `json:"code_file"` // base name inside the working directory
	Duration time.Duration `json:"duration"`
}

// Executor runs a code block with workDir as the current directory.
// A non-nil error is a failure signal for the repair loop; the Result may still
// be non-nil so callers can report partial output.
type Executor interface {
	Execute(ctx context.Context, workDir string, block codeblock.Block) (*Result, error)
}

// ExitError reports a process that ran but exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return fmt.Sprintf("exit code %d: %s", e.Code, e.Stderr)
}

// Dispatcher routes blocks to the executor registered for their language,
// falling back to a default executor when one is set.
type Dispatcher struct {
	byLang   map[string]Executor
	fallback Executor
}

// NewDispatcher creates a dispatcher. fallback may be nil.
func NewDispatcher(fallback Executor) *Dispatcher {
	return &Dispatcher{byLang: make(map[string]Executor), fallback: fallback}
}

// Register binds an executor to a (normalized) language tag.
func (d *Dispatcher) Register(language string, ex Executor) {
	d.byLang[codeblock.NormalizeLanguage(language)] = ex
}

// Execute implements Executor.
func (d *Dispatcher) Execute(ctx context.Context, workDir string, block codeblock.Block) (*Result, error) {
	ex, ok := d.byLang[block.Language]
	if !ok {
		ex = d.fallback
	}
	if ex == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, block.Language)
	}
	return ex.Execute(ctx, workDir, block)
}
