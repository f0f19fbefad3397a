package isolation

import (
	"context"
	"os/exec"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

var _ Isolator = (*FallbackIsolator)(nil)

// defaultEnv is the environment of a sandboxed process when Limits.Env is
// empty. The host environment is never inherited.
var defaultEnv = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "LANG=C.UTF-8"}

// FallbackIsolator enforces the timeout, working directory and environment
// of a process. It cannot limit memory, CPU or network.
type FallbackIsolator struct {
	// WaitDelay bounds how long pipes may drain after the process is killed.
	WaitDelay time.Duration
}

// NewFallbackIsolator creates a FallbackIsolator.
func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{WaitDelay: 2 * time.Second}
}

func (f *FallbackIsolator) Name() string { return "fallback" }

// Wrap clones cmd onto exec.CommandContext so cancellation kills it.
func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	dir := cmd.Dir
	if dir == "" {
		dir = limits.WorkDir
	}
	// The working directory doubles as HOME, so the process writes there.
	if dir != "" {
		if err := limits.ValidatePath(dir, PathAccessWrite); err != nil {
			return nil, nil, err
		}
	}

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = dir
	wrapped.Env = cmd.Env
	if wrapped.Env == nil {
		wrapped.Env = limits.Env
	}
	if len(wrapped.Env) == 0 {
		wrapped.Env = append([]string{}, defaultEnv...)
		if dir != "" {
			wrapped.Env = append(wrapped.Env, "HOME="+dir)
		}
	}
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = f.WaitDelay

	if wrapped.Path == "" {
		cancel()
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "command has no executable")
	}
	return wrapped, cancel, nil
}
