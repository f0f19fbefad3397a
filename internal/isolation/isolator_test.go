package isolation

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

func assertPathDenied(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePathDenied, schema.ErrorCode(err))
}

func TestValidatePath(t *testing.T) {
	t.Run("empty lists are unrestricted", func(t *testing.T) {
		l := Limits{}
		assert.NoError(t, l.ValidatePath("/any/path", PathAccessRead))
		assert.NoError(t, l.ValidatePath("/any/path", PathAccessWrite))
	})

	t.Run("deny wins over writable", func(t *testing.T) {
		l := Limits{WritablePaths: []string{"/data"}, DenyPaths: []string{"/data/private"}}
		assert.NoError(t, l.ValidatePath("/data/public/file.txt", PathAccessWrite))
		assertPathDenied(t, l.ValidatePath("/data/private/file.txt", PathAccessWrite))
		assertPathDenied(t, l.ValidatePath("/data/private", PathAccessRead))
	})

	t.Run("read only is not writable", func(t *testing.T) {
		l := Limits{ReadOnlyPaths: []string{"/srv"}}
		assert.NoError(t, l.ValidatePath("/srv/a", PathAccessRead))
		assertPathDenied(t, l.ValidatePath("/srv/a", PathAccessWrite))
	})

	t.Run("prefix is not containment", func(t *testing.T) {
		l := Limits{WritablePaths: []string{"/tmp/sandbox"}}
		assertPathDenied(t, l.ValidatePath("/tmp/sandboxevil", PathAccessRead))
		assertPathDenied(t, l.ValidatePath("/tmp/sandbox/../etc", PathAccessRead))
	})

	t.Run("dotdot named file stays inside", func(t *testing.T) {
		l := Limits{WritablePaths: []string{"/tmp/sandbox"}}
		assert.NoError(t, l.ValidatePath("/tmp/sandbox/..notes", PathAccessWrite))
	})

	t.Run("missing path under existing root", func(t *testing.T) {
		root := t.TempDir()
		l := Limits{WritablePaths: []string{root}}
		assert.NoError(t, l.ValidatePath(filepath.Join(root, "not", "yet", "created"), PathAccessWrite))
	})

	t.Run("error names the access mode", func(t *testing.T) {
		err := Limits{ReadOnlyPaths: []string{"/srv"}}.ValidatePath("/etc/passwd", PathAccessWrite)
		assertPathDenied(t, err)
		assert.Contains(t, err.Error(), "write access")
	})

	t.Run("null byte", func(t *testing.T) {
		assertPathDenied(t, Limits{}.ValidatePath("/tmp/a\x00b", PathAccessRead))
	})

	t.Run("symlink escape", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("symlinks need privileges on windows")
		}
		root := t.TempDir()
		sandbox := filepath.Join(root, "sandbox")
		outside := filepath.Join(root, "outside")
		require.NoError(t, os.MkdirAll(sandbox, 0o755))
		require.NoError(t, os.MkdirAll(outside, 0o755))
		require.NoError(t, os.Symlink(outside, filepath.Join(sandbox, "link")))

		l := Limits{WritablePaths: []string{sandbox}}
		assertPathDenied(t, l.ValidatePath(filepath.Join(sandbox, "link", "f"), PathAccessWrite))
	})
}

func shellCmd(t *testing.T, script string) *exec.Cmd {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	return exec.Command("/bin/sh", "-c", script)
}

func TestFallbackIsolator_RunsInWorkDirWithCleanEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_HOST_SECRET", "leak")
	dir := t.TempDir()
	iso := NewFallbackIsolator()
	assert.Equal(t, "fallback", iso.Name())

	cmd, cleanup, err := iso.Wrap(context.Background(),
		shellCmd(t, `pwd; echo "secret=${CONDUCTOR_HOST_SECRET}"`),
		Limits{WorkDir: dir, WritablePaths: []string{dir}})
	require.NoError(t, err)
	defer cleanup()

	var out bytes.Buffer
	cmd.Stdout = &out
	require.NoError(t, cmd.Run())

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, resolved, lines[0])
	assert.Equal(t, "secret=", lines[1])
}

func TestFallbackIsolator_Timeout(t *testing.T) {
	iso := NewFallbackIsolator()
	cmd, cleanup, err := iso.Wrap(context.Background(), shellCmd(t, "sleep 5"), Limits{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer cleanup()

	start := time.Now()
	err = cmd.Run()
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestFallbackIsolator_RejectsDeniedWorkDir(t *testing.T) {
	dir := t.TempDir()
	_, _, err := NewFallbackIsolator().Wrap(context.Background(), shellCmd(t, "true"),
		Limits{WorkDir: dir, DenyPaths: []string{dir}})
	assertPathDenied(t, err)
}

func TestFallbackIsolator_RejectsReadOnlyWorkDir(t *testing.T) {
	dir := t.TempDir()
	_, _, err := NewFallbackIsolator().Wrap(context.Background(), shellCmd(t, "true"),
		Limits{WorkDir: dir, ReadOnlyPaths: []string{dir}})
	assertPathDenied(t, err)
	assert.Contains(t, err.Error(), "write access")

	_, cleanup, err := NewFallbackIsolator().Wrap(context.Background(), shellCmd(t, "true"),
		Limits{WorkDir: dir, ReadOnlyPaths: []string{dir}, WritablePaths: []string{dir}})
	require.NoError(t, err)
	cleanup()
}

func TestFallbackIsolator_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewFallbackIsolator().Wrap(ctx, shellCmd(t, "true"), Limits{})
	assert.ErrorIs(t, err, context.Canceled)
}
