package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/cloudserve/internal/codeblock"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func newShellExecutor(t *testing.T, timeout time.Duration) *LocalExecutor {
	t.Helper()
	requireBinary(t, "sh")
	ex, err := NewLocalExecutor(LocalConfig{
		Timeout:           timeout,
		Interpreters:      map[string]string{"bash": "sh"},
		FailOnNonZeroExit: true,
	})
	if err != nil {
		t.Fatalf("NewLocalExecutor: %v", err)
	}
	return ex
}

func TestLocalExecutor_Success(t *testing.T) {
	ex := newShellExecutor(t, 5*time.Second)
	dir := t.TempDir()

	res, err := ex.Execute(context.Background(), dir, codeblock.Block{Language: "bash", Code: "echo hello\necho out > result.txt"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.CodeFile, "tmp_code_") || !strings.HasSuffix(res.CodeFile, ".sh") {
		t.Errorf("code file = %q", res.CodeFile)
	}
	if _, err := os.Stat(filepath.Join(dir, "result.txt")); err != nil {
		t.Errorf("script should run inside workDir: %v", err)
	}
}

func TestLocalExecutor_NonZeroExit(t *testing.T) {
	ex := newShellExecutor(t, 5*time.Second)

	res, err := ex.Execute(context.Background(), t.TempDir(), codeblock.Block{Language: "bash", Code: "echo broken >&2\nexit 3"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 || res.ExitCode != 3 {
		t.Errorf("exit code = %d / %d", exitErr.Code, res.ExitCode)
	}
	if !strings.Contains(exitErr.Stderr, "broken") {
		t.Errorf("stderr excerpt = %q", exitErr.Stderr)
	}
}

func TestLocalExecutor_NonZeroExitTolerated(t *testing.T) {
	requireBinary(t, "sh")
	ex, err := NewLocalExecutor(LocalConfig{Interpreters: map[string]string{"bash": "sh"}})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ex.Execute(context.Background(), t.TempDir(), codeblock.Block{Language: "bash", Code: "exit 2"})
	if err != nil {
		t.Fatalf("non-zero exit should not fail when FailOnNonZeroExit is off: %v", err)
	}
	if res.ExitCode != 2 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestLocalExecutor_Timeout(t *testing.T) {
	ex := newShellExecutor(t, 200*time.Millisecond)

	_, err := ex.Execute(context.Background(), t.TempDir(), codeblock.Block{Language: "bash", Code: "sleep 5"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestLocalExecutor_BoundsCapturedOutput(t *testing.T) {
	ex := newShellExecutor(t, 10*time.Second)
	code := "i=0\nwhile [ $i -lt 20000 ]; do echo 'line of noisy output'; i=$((i+1)); done\necho done >&2"

	res, err := ex.Execute(context.Background(), t.TempDir(), codeblock.Block{Language: "bash", Code: code})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Stdout) > captureLimit+stderrExcerptBytes+64 {
		t.Errorf("stdout held %d bytes", len(res.Stdout))
	}
	if !strings.HasSuffix(res.Stdout, "line of noisy output\n") {
		t.Errorf("stdout tail = %q", TailOutput(res.Stdout, 40))
	}
	if strings.TrimSpace(res.Stderr) != "done" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestJSExecutor_BoundsCapturedOutput(t *testing.T) {
	ex := NewJSExecutor(10 * time.Second)
	code := "for (let i = 0; i < 20000; i++) { console.log('line of noisy output'); }"

	res, err := ex.Execute(context.Background(), t.TempDir(), codeblock.Block{Language: "javascript", Code: code})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Stdout) > captureLimit+stderrExcerptBytes+64 {
		t.Errorf("stdout held %d bytes", len(res.Stdout))
	}
}

func TestLocalExecutor_UnsupportedLanguage(t *testing.T) {
	ex := newShellExecutor(t, time.Second)
	_, err := ex.Execute(context.Background(), t.TempDir(), codeblock.Block{Language: "cobol", Code: "x"})
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestLocalExecutor_MissingInterpreter(t *testing.T) {
	ex, err := NewLocalExecutor(LocalConfig{Interpreters: map[string]string{"python": "definitely-not-a-binary-xyz"}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = ex.Execute(context.Background(), t.TempDir(), codeblock.Block{Language: "python", Code: "print(1)"})
	if err == nil {
		t.Fatal("expected start error")
	}
}

func TestNewLocalExecutor_BadCommandLine(t *testing.T) {
	if _, err := NewLocalExecutor(LocalConfig{Interpreters: map[string]string{"python": `python3 "unterminated`}}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewLocalExecutor(LocalConfig{Interpreters: map[string]string{"python": "  "}}); err == nil {
		t.Fatal("expected empty interpreter error")
	}
}

func TestLocalExecutor_Python(t *testing.T) {
	requireBinary(t, "python3")
	ex, err := NewLocalExecutor(LocalConfig{FailOnNonZeroExit: true})
	if err != nil {
		t.Fatal(err)
	}
	_, err = ex.Execute(context.Background(), t.TempDir(), codeblock.Block{Language: "python", Code: "raise ValueError('boom')"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if !strings.Contains(exitErr.Stderr, "ValueError: boom") {
		t.Errorf("stderr = %q", exitErr.Stderr)
	}
}

func TestCodeFileName_Deterministic(t *testing.T) {
	a := CodeFileName(codeblock.Block{Language: "python", Code: "print(1)"})
	b := CodeFileName(codeblock.Block{Language: "python", Code: "print(1)"})
	c := CodeFileName(codeblock.Block{Language: "python", Code: "print(2)"})
	if a != b || a == c {
		t.Errorf("names: %s %s %s", a, b, c)
	}
	if !strings.HasSuffix(a, ".py") {
		t.Errorf("extension: %s", a)
	}
}

func TestJSExecutor(t *testing.T) {
	ex := NewJSExecutor(time.Second)
	dir := t.TempDir()

	res, err := ex.Execute(context.Background(), dir, codeblock.Block{Language: "javascript", Code: `console.log("sum", 1+2); writeFile("out.txt", "ok");`})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "sum 3\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil || string(data) != "ok" {
		t.Errorf("writeFile: %q %v", data, err)
	}
}

func TestJSExecutor_Throw(t *testing.T) {
	ex := NewJSExecutor(time.Second)
	_, err := ex.Execute(context.Background(), t.TempDir(), codeblock.Block{Language: "javascript", Code: `throw new Error("nope")`})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || !strings.Contains(exitErr.Stderr, "nope") {
		t.Fatalf("expected ExitError mentioning nope, got %v", err)
	}
}

func TestJSExecutor_Timeout(t *testing.T) {
	ex := NewJSExecutor(100 * time.Millisecond)
	_, err := ex.Execute(context.Background(), t.TempDir(), codeblock.Block{Language: "javascript", Code: `for (;;) {}`})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

type stubExecutor struct{ name string }

func (s stubExecutor) Execute(context.Context, string, codeblock.Block) (*Result, error) {
	return &Result{Stdout: s.name}, nil
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("js", stubExecutor{name: "js"})

	res, err := d.Execute(context.Background(), "", codeblock.Block{Language: "javascript"})
	if err != nil || res.Stdout != "js" {
		t.Fatalf("dispatch javascript: %v %+v", err, res)
	}
	if _, err := d.Execute(context.Background(), "", codeblock.Block{Language: "python"}); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}

	d = NewDispatcher(stubExecutor{name: "fallback"})
	res, err = d.Execute(context.Background(), "", codeblock.Block{Language: "python"})
	if err != nil || res.Stdout != "fallback" {
		t.Fatalf("fallback: %v %+v", err, res)
	}
}
