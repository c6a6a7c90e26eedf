package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ralpherrors "github.com/randalmurphal/ralph/internal/errors"
	"github.com/randalmurphal/ralph/internal/task"
)

// fakeRunner records commands and returns scripted results.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	dirs  []string
	// results maps a space-joined command prefix to (stdout, err).
	results map[string]fakeResult
}

type fakeResult struct {
	out string
	err error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: make(map[string]fakeResult)}
}

func (f *fakeRunner) Run(_ context.Context, workDir, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	f.dirs = append(f.dirs, workDir)
	joined := strings.Join(call, " ")
	for prefix, res := range f.results {
		if strings.HasPrefix(joined, prefix) {
			return res.out, res.err
		}
	}
	return "", nil
}

func (f *fakeRunner) commandRan(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if strings.HasPrefix(strings.Join(call, " "), prefix) {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, runner CommandRunner) (*Manager, string, string) {
	t.Helper()
	repoRoot := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repoRoot, 0755))
	managedRoot := filepath.Join(t.TempDir(), "worktrees")
	m := NewManager(repoRoot, managedRoot, "acme-foo", WithRunner(runner))
	return m, repoRoot, managedRoot
}

func TestTaskPath(t *testing.T) {
	m, _, root := newTestManager(t, newFakeRunner())

	tk := &task.Task{ID: "task-abc", Repo: "acme/foo", Issue: "acme/foo#42"}
	path, err := m.TaskPath(tk, 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "acme-foo", "slot-1", "42", "task-abc"), path)
}

func TestConflictAndCIDebugPaths(t *testing.T) {
	m, _, root := newTestManager(t, newFakeRunner())

	assert.Equal(t,
		filepath.Join(root, "acme-foo", "merge-conflict", "42", "attempt-1"),
		m.ConflictPath(42, 1))
	assert.Equal(t,
		filepath.Join(root, "acme-foo", "ci-debug", "42", "attempt-2"),
		m.CIDebugPath(42, 2))
}

func TestValidatePath_RefusesRepoRoot(t *testing.T) {
	m, repoRoot, _ := newTestManager(t, newFakeRunner())

	err := m.ValidatePath(repoRoot)
	require.Error(t, err)
	var rerr *ralpherrors.RalphError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, ralpherrors.CodeWorktreeRoot, rerr.Code)
}

func TestValidatePath_RefusesOutsideManagedRoot(t *testing.T) {
	m, _, _ := newTestManager(t, newFakeRunner())

	assert.Error(t, m.ValidatePath("/tmp/elsewhere"))
	assert.Error(t, m.ValidatePath(m.Root()))
	assert.NoError(t, m.ValidatePath(filepath.Join(m.Root(), "acme-foo", "slot-0", "42", "t")))
}

func TestHealthy(t *testing.T) {
	m, _, root := newTestManager(t, newFakeRunner())

	path := filepath.Join(root, "acme-foo", "slot-0", "42", "task-1")
	assert.False(t, m.Healthy(path))

	require.NoError(t, os.MkdirAll(path, 0755))
	assert.False(t, m.Healthy(path), "missing .git marker")

	require.NoError(t, os.WriteFile(filepath.Join(path, ".git"), []byte("gitdir: elsewhere"), 0644))
	assert.True(t, m.Healthy(path))
}

func TestFetch_RunsInRepoRoot(t *testing.T) {
	runner := newFakeRunner()
	m, repoRoot, _ := newTestManager(t, runner)

	require.NoError(t, m.Fetch(context.Background()))
	assert.True(t, runner.commandRan("git fetch origin"))
	assert.Equal(t, repoRoot, runner.dirs[len(runner.dirs)-1])

	runner.results["git fetch origin"] = fakeResult{err: errors.New("could not resolve host")}
	err := m.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch origin")
}

func TestCreate_PrunesAndRetriesOnFailure(t *testing.T) {
	runner := newFakeRunner()
	m, _, root := newTestManager(t, runner)

	path := filepath.Join(root, "acme-foo", "slot-0", "42", "task-1")
	require.NoError(t, m.Create(context.Background(), path, "HEAD"))

	assert.True(t, runner.commandRan("git worktree add --detach "+path))
}

func TestRemove_FallsBackToDirectoryDelete(t *testing.T) {
	runner := newFakeRunner()
	runner.results["git worktree remove"] = fakeResult{err: errors.New("not a working tree")}
	m, _, root := newTestManager(t, runner)

	path := filepath.Join(root, "acme-foo", "slot-0", "42", "task-1")
	require.NoError(t, os.MkdirAll(path, 0755))

	require.NoError(t, m.Remove(context.Background(), path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStartup_RemovesOrphans(t *testing.T) {
	runner := newFakeRunner()
	runner.results["git worktree remove"] = fakeResult{err: errors.New("not registered")}
	m, _, root := newTestManager(t, runner)

	keep := filepath.Join(root, "acme-foo", "slot-0", "42", "task-keep")
	orphan := filepath.Join(root, "acme-foo", "slot-0", "42", "task-orphan")
	require.NoError(t, os.MkdirAll(keep, 0755))
	require.NoError(t, os.MkdirAll(orphan, 0755))

	require.NoError(t, m.Startup(context.Background(), map[string]bool{keep: true}))

	_, err := os.Stat(keep)
	assert.NoError(t, err)
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, runner.commandRan("git worktree prune"))
}

func TestIsClean(t *testing.T) {
	runner := newFakeRunner()
	m, _, _ := newTestManager(t, runner)

	clean, err := m.IsClean(context.Background())
	require.NoError(t, err)
	assert.True(t, clean)

	runner.results["git status --porcelain"] = fakeResult{out: " M main.go"}
	clean, err = m.IsClean(context.Background())
	require.NoError(t, err)
	assert.False(t, clean)
}
