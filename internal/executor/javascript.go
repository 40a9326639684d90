package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dop251/goja"

	"github.com/nextlevelbuilder/cloudserve/internal/codeblock"
)

// JSExecutor evaluates JavaScript in an embedded goja runtime.
// console.log/console.error go to stdout/stderr; writeFile(name, text) saves
// into the working directory.
type JSExecutor struct {
	timeout time.Duration
}

// NewJSExecutor creates a goja-backed executor.
func NewJSExecutor(timeout time.Duration) *JSExecutor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &JSExecutor{timeout: timeout}
}

// Execute implements Executor.
func (e *JSExecutor) Execute(ctx context.Context, workDir string, block codeblock.Block) (*Result, error) {
	name := CodeFileName(block)
	if err := os.WriteFile(filepath.Join(workDir, name), []byte(block.Code), 0o644); err != nil {
		return nil, fmt.Errorf("write code file: %w", err)
	}

	var stdout, stderr cappedBuffer
	vm := goja.New()

	console := vm.NewObject()
	_ = console.Set("log", printer(&stdout))
	_ = console.Set("info", printer(&stdout))
	_ = console.Set("error", printer(&stderr))
	_ = console.Set("warn", printer(&stderr))
	_ = vm.Set("console", console)
	_ = vm.Set("writeFile", func(fileName, content string) error {
		base := filepath.Base(fileName)
		if base == "." || base == string(filepath.Separator) {
			return fmt.Errorf("invalid file name %q", fileName)
		}
		return os.WriteFile(filepath.Join(workDir, base), []byte(content), 0o644)
	})

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-done:
		}
	}()

	start := time.Now()
	_, runErr := vm.RunString(block.Code)
	close(done)

	res := &Result{CodeFile: name, Duration: time.Since(start)}
	if runErr == nil {
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		return res, nil
	}

	var interrupted *goja.InterruptedError
	if errors.As(runErr, &interrupted) {
		res.ExitCode = -1
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	}

	stderr.WriteString(runErr.Error())
	stderr.WriteByte('\n')
	res.ExitCode = 1
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, &ExitError{Code: 1, Stderr: TailOutput(res.Stderr, stderrExcerptBytes)}
}

func printer(w *cappedBuffer) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		for i, arg := range call.Arguments {
			if i > 0 {
				w.WriteByte(' ')
			}
			w.WriteString(arg.String())
		}
		w.WriteByte('\n')
		return goja.Undefined()
	}
}
