package judge

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultFallbackSlack = time.Second
	processWaitDelay     = 500 * time.Millisecond
)

// DefaultInterpreters lists, per language, the interpreter binaries tried in order.
var DefaultInterpreters = map[string][]string{
	LanguagePython:     {"python3", "python", "py"},
	LanguageJavaScript: {"node", "nodejs"},
}

var sourceExtensions = map[string]string{
	LanguagePython:     ".py",
	LanguageJavaScript: ".js",
}

type FallbackConfig struct {
	Interpreters map[string][]string
	// Slack is added to the test case time limit to get the wall clock deadline.
	Slack   time.Duration
	TempDir string
}

// FallbackRunner executes programs as local child processes.
// It is not sandboxed and must only be enabled for development.
type FallbackRunner struct {
	interpreters map[string][]string
	slack        time.Duration
	tempDir      string
}

var errInterpreterNotFound = stderrors.New("interpreter not found")

func NewFallbackRunner(c FallbackConfig) *FallbackRunner {
	f := &FallbackRunner{
		interpreters: c.Interpreters,
		slack:        c.Slack,
		tempDir:      c.TempDir,
	}

	if len(f.interpreters) == 0 {
		f.interpreters = DefaultInterpreters
	}
	if f.slack <= 0 {
		f.slack = defaultFallbackSlack
	}

	slog.Warn("judge: local fallback execution enabled, submitted code runs unsandboxed on this host")

	return f
}

// Supports reports whether an interpreter is configured for the language.
func (f *FallbackRunner) Supports(language string) bool {
	return len(f.interpreters[language]) > 0
}

// Run writes the source to a temporary file and runs it with the first interpreter found.
func (f *FallbackRunner) Run(ctx context.Context, req RunRequest) Outcome {
	candidates := f.interpreters[req.Language]
	if len(candidates) == 0 {
		return InfraError{Message: fmt.Sprintf("fallback: no interpreter configured for %s", req.Language)}
	}

	file, err := f.writeSource(req)
	if err != nil {
		return InfraError{Message: fmt.Sprintf("fallback: write source: %v", err)}
	}
	defer os.Remove(file)

	limit := req.TimeLimit
	if limit <= 0 {
		limit = defaultCPUTimeLimit
	}

	for _, bin := range candidates {
		out, err := f.exec(ctx, bin, file, req.Stdin, limit)
		if stderrors.Is(err, errInterpreterNotFound) {
			slog.WarnContext(ctx, "fallback: interpreter not found, trying next", "interpreter", bin)
			continue
		}
		if err != nil {
			return InfraError{Message: fmt.Sprintf("fallback: %s: %v", bin, err)}
		}
		return out
	}

	return InfraError{Message: fmt.Sprintf("fallback: none of %v found for %s", candidates, req.Language)}
}

func (f *FallbackRunner) writeSource(req RunRequest) (string, error) {
	tmp, err := os.CreateTemp(f.tempDir, "arena-fallback-*"+sourceExtensions[req.Language])
	if err != nil {
		return "", err
	}

	if _, err := tmp.WriteString(req.Source); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	return tmp.Name(), nil
}

func (f *FallbackRunner) exec(ctx context.Context, bin, file, stdin string, limit time.Duration) (Outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, limit+f.slack)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, bin, file)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = processWaitDelay
	killProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if stderrors.Is(err, exec.ErrNotFound) {
		return nil, errInterpreterNotFound
	}

	var pathErr *os.PathError
	if cmd.Process == nil && stderrors.As(err, &pathErr) {
		return nil, errInterpreterNotFound
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("cancelled: %w", ctx.Err())
	}

	if stderrors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return ProgramError{
			Kind:    StatusTimeout,
			Message: fmt.Sprintf("time limit exceeded (%s)", limit),
			Stdout:  stdout.String(),
			Time:    elapsed,
		}, nil
	}

	if cmd.Process == nil {
		return nil, err
	}

	mem := peakMemoryKB(cmd.ProcessState)

	if strings.TrimSpace(stdout.String()) != "" {
		return Success{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Time:     elapsed,
			MemoryKB: mem,
		}, nil
	}

	if err != nil || strings.TrimSpace(stderr.String()) != "" {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return ProgramError{
			Kind:     StatusRuntimeError,
			Message:  msg,
			Time:     elapsed,
			MemoryKB: mem,
		}, nil
	}

	return Success{Time: elapsed, MemoryKB: mem}, nil
}
