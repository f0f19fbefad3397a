package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/conductor/internal/isolation"
	"github.com/rendis/conductor/pkg/schema"
)

const (
	defaultShell          = "/bin/sh"
	defaultMaxOutputBytes = 1 << 20
	stderrTail            = 512
)

// CommandConfig configures the command worker.
type CommandConfig struct {
	Shell          string
	SandboxDir     string
	MaxOutputBytes int64
	Limits         isolation.Limits
	Isolator       isolation.Isolator
}

// CommandWorker runs an objective as shell commands inside the sandbox
// directory. Each non-empty, non-comment line of the objective is one step
// and consumes one unit of the step budget. The first failing step fails the
// call.
type CommandWorker struct {
	cfg CommandConfig
}

// StepResult is the outcome of one command line.
type StepResult struct {
	Command    string `json:"command"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Killed     bool   `json:"killed,omitempty"`
}

// CommandResult is the structured output of a command call.
type CommandResult struct {
	Stdout   string       `json:"stdout"`
	Stderr   string       `json:"stderr"`
	ExitCode int          `json:"exit_code"`
	Steps    []StepResult `json:"steps"`
}

// NewCommandWorker creates the worker and its sandbox directory.
func NewCommandWorker(cfg CommandConfig) (*CommandWorker, error) {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewIsolator()
	}
	if cfg.SandboxDir != "" {
		if err := os.MkdirAll(cfg.SandboxDir, 0o755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "create sandbox %s: %v", cfg.SandboxDir, err).WithCause(err)
		}
		cfg.Limits.WorkDir = cfg.SandboxDir
		if len(cfg.Limits.WritablePaths) == 0 {
			cfg.Limits.WritablePaths = []string{cfg.SandboxDir}
		}
	}
	return &CommandWorker{cfg: cfg}, nil
}

func (w *CommandWorker) Capability() schema.Capability { return schema.CapabilityCommand }

func (w *CommandWorker) Describe() string {
	return "Runs local shell commands (one per line) in a sandbox directory and returns stdout, stderr and exit code."
}

func (w *CommandWorker) Execute(ctx context.Context, req Request) (*Output, error) {
	steps := commandLines(req.Objective)
	if len(steps) == 0 {
		return nil, execError("objective has no command to run")
	}
	if req.Budget.MaxSteps > 0 && len(steps) > req.Budget.MaxSteps {
		return nil, execError("objective has %d steps, budget allows %d", len(steps), req.Budget.MaxSteps)
	}

	limits := w.cfg.Limits
	if req.Budget.Timeout > 0 && (limits.Timeout == 0 || req.Budget.Timeout < limits.Timeout) {
		limits.Timeout = req.Budget.Timeout
	}

	result := CommandResult{}
	var stdout, stderr strings.Builder
	var failure error
	for _, line := range steps {
		step, err := w.runStep(ctx, line, limits)
		if err != nil {
			failure = err
			break
		}
		result.Steps = append(result.Steps, step)
		stdout.WriteString(step.Stdout)
		stderr.WriteString(step.Stderr)
		result.ExitCode = step.ExitCode
		if step.ExitCode != 0 || step.Killed {
			failure = stepFailure(step)
			break
		}
	}
	if failure != nil {
		return nil, failure
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	data, err := json.Marshal(result)
	if err != nil {
		return nil, execError("marshal command output: %v", err).WithCause(err)
	}
	return &Output{
		Content:     string(data),
		ContentType: "application/json",
		Data:        data,
		Steps:       len(result.Steps),
	}, nil
}

func (w *CommandWorker) runStep(ctx context.Context, line string, limits isolation.Limits) (StepResult, error) {
	wrapped, cleanup, err := w.cfg.Isolator.Wrap(ctx, exec.Command(w.cfg.Shell, "-c", line), limits)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return StepResult{}, execError("cancelled before %q started", line).WithCause(err)
		}
		return StepResult{}, execError("sandbox rejected %q: %v", line, err).WithCause(err)
	}
	defer cleanup()

	var stdoutBuf, stderrBuf bytes.Buffer
	wrapped.Stdout = &limitedWriter{w: &stdoutBuf, limit: w.cfg.MaxOutputBytes}
	wrapped.Stderr = &limitedWriter{w: &stderrBuf, limit: w.cfg.MaxOutputBytes}

	start := time.Now()
	runErr := wrapped.Run()
	step := StepResult{
		Command:    line,
		DurationMS: time.Since(start).Milliseconds(),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return StepResult{}, execError("%q: %v", line, runErr).WithCause(runErr)
		}
		step.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil || step.ExitCode == -1 {
			step.Killed = true
		}
	}
	step.Stdout = stdoutBuf.String()
	step.Stderr = stderrBuf.String()
	return step, nil
}

func stepFailure(step StepResult) *schema.ConductorError {
	msg := strings.TrimSpace(step.Stderr)
	if len(msg) > stderrTail {
		msg = "..." + msg[len(msg)-stderrTail:]
	}
	if step.Killed {
		return execError("%q was killed after %dms", step.Command, step.DurationMS)
	}
	if msg == "" {
		return execError("%q exited with status %d", step.Command, step.ExitCode)
	}
	return execError("%q exited with status %d: %s", step.Command, step.ExitCode, msg).
		WithDetails(map[string]any{"exit_code": step.ExitCode})
}

// commandLines splits an objective into runnable lines, dropping blanks and
// comments.
func commandLines(objective string) []string {
	var out []string
	for _, line := range strings.Split(objective, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// limitedWriter discards bytes past the limit but reports them written so
// the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}

var _ Worker = (*CommandWorker)(nil)
