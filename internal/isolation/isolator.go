// Package isolation confines the processes started by the command worker.
package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// Limits constrains one sandboxed process.
type Limits struct {
	Timeout       time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
	WorkDir       string        `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Env           []string      `json:"env,omitempty" mapstructure:"env"`
	ReadOnlyPaths []string      `json:"read_only_paths,omitempty" mapstructure:"read_only_paths"`
	WritablePaths []string      `json:"writable_paths,omitempty" mapstructure:"writable_paths"`
	DenyPaths     []string      `json:"deny_paths,omitempty" mapstructure:"deny_paths"`
}

// PathAccessMode is the kind of access a path check is made for.
type PathAccessMode int

const (
	PathAccessRead PathAccessMode = iota
	PathAccessWrite
)

func (m PathAccessMode) String() string {
	if m == PathAccessWrite {
		return "write"
	}
	return "read"
}

// ValidatePath reports whether path may be accessed under these limits.
// A deny rule always wins, and an unparseable deny rule denies. With no
// allow lists every other path is permitted; otherwise writes need a
// writable root and reads accept either list.
func (l Limits) ValidatePath(path string, mode PathAccessMode) error {
	target, err := canonicalPath(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	for _, rule := range l.DenyPaths {
		root, rErr := canonicalPath(rule)
		if rErr != nil {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q denied: invalid deny rule %q: %v", path, rule, rErr)
		}
		if within(root, target) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	if len(l.ReadOnlyPaths)+len(l.WritablePaths) == 0 {
		return nil
	}
	if anyRootContains(l.WritablePaths, target) {
		return nil
	}
	if mode == PathAccessRead && anyRootContains(l.ReadOnlyPaths, target) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodePathDenied, "%s access to %q denied: not under any allowed path", mode, path)
}

func anyRootContains(roots []string, target string) bool {
	for _, r := range roots {
		if root, err := canonicalPath(r); err == nil && within(root, target) {
			return true
		}
	}
	return false
}

// canonicalPath returns the absolute, symlink-free form of path. For a path
// that does not exist yet, the deepest existing ancestor is resolved and the
// remainder appended.
func canonicalPath(path string) (string, error) {
	if strings.IndexByte(path, 0) >= 0 {
		return "", fmt.Errorf("path contains null byte")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	rest := ""
	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

// within reports whether target is root or below it. "/tmp" does not
// contain "/tmpevil".
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Isolator wraps a command so it runs under the given limits. The returned
// cleanup function must be called once the process has exited, and the
// caller must run the returned command rather than the original.
type Isolator interface {
	Name() string
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
}

// NewIsolator returns the isolator for this host. Only the process-level
// fallback is implemented.
func NewIsolator() Isolator {
	return NewFallbackIsolator()
}
