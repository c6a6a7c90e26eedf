package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	ralpherrors "github.com/randalmurphal/ralph/internal/errors"
	"github.com/randalmurphal/ralph/internal/task"
)

// Manager owns the managed worktree root and the per-task worktree
// lifecycle. One Manager serves one repository checkout.
type Manager struct {
	runner   CommandRunner
	repoRoot string // local checkout of the repository
	root     string // managed worktrees root (never inside repoRoot)
	repoKey  string // filesystem-safe owner-name key
	logger   *slog.Logger

	// Worktree add/prune are compound git operations; serialize them.
	mu sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRunner overrides the command runner.
func WithRunner(r CommandRunner) ManagerOption {
	return func(m *Manager) { m.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a worktree manager for a repository checkout.
func NewManager(repoRoot, managedRoot, repoKey string, opts ...ManagerOption) *Manager {
	m := &Manager{
		runner:   NewExecRunner(),
		repoRoot: filepath.Clean(repoRoot),
		root:     filepath.Clean(managedRoot),
		repoKey:  repoKey,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TaskPath returns the managed worktree path for a task:
// <root>/<repo-key>/slot-<N>/<issueNumber>/<taskKey>.
func (m *Manager) TaskPath(t *task.Task, slot int) (string, error) {
	issueNum, err := t.IssueNumber()
	if err != nil {
		return "", err
	}
	return filepath.Join(m.root, m.repoKey,
		"slot-"+strconv.Itoa(slot),
		strconv.Itoa(issueNum),
		t.TaskKey()), nil
}

// ConflictPath returns the merge-conflict lane worktree path:
// <root>/<repo-key>/merge-conflict/<issue>/attempt-<N>.
func (m *Manager) ConflictPath(issueNumber, attempt int) string {
	return filepath.Join(m.root, m.repoKey, "merge-conflict",
		strconv.Itoa(issueNumber), "attempt-"+strconv.Itoa(attempt))
}

// CIDebugPath returns the CI-debug lane worktree path:
// <root>/<repo-key>/ci-debug/<issue>/attempt-<N>.
func (m *Manager) CIDebugPath(issueNumber, attempt int) string {
	return filepath.Join(m.root, m.repoKey, "ci-debug",
		strconv.Itoa(issueNumber), "attempt-"+strconv.Itoa(attempt))
}

// ValidatePath rejects paths outside the managed root and the repo root
// itself. Every placement goes through this before a task runs in it.
func (m *Manager) ValidatePath(path string) error {
	clean := filepath.Clean(path)
	if clean == m.repoRoot {
		return ralpherrors.ErrWorktreeRoot(path)
	}
	rel, err := filepath.Rel(m.root, clean)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("worktree path %s is not a strict child of the managed root %s", path, m.root)
	}
	return nil
}

// Healthy reports whether the worktree at path is usable: the directory
// exists and carries a .git marker.
func (m *Manager) Healthy(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	// Worktrees carry a .git file pointing at the parent repo; a full
	// clone has a .git directory. Either counts.
	_, err = os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// Create creates a detached worktree at path, checked out at ref. The
// integration branch is preferred when it exists, else HEAD; callers
// resolve the ref via ResolveRef.
func (m *Manager) Create(ctx context.Context, path, ref string) error {
	if err := m.ValidatePath(path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create worktree parent dir: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.runner.Run(ctx, m.repoRoot, "git", "worktree", "add", "--detach", path, ref)
	if err == nil {
		return nil
	}

	// A stale registration (directory deleted, git still tracks it) makes
	// add fail; prune and retry once.
	_, _ = m.runner.Run(ctx, m.repoRoot, "git", "worktree", "prune")
	if _, err := m.runner.Run(ctx, m.repoRoot, "git", "worktree", "add", "--detach", path, ref); err != nil {
		return fmt.Errorf("create worktree at %s: %w", path, err)
	}
	return nil
}

// Fetch updates the parent checkout from origin. Lane worktrees detach
// at PR head SHAs this clone may never have fetched.
func (m *Manager) Fetch(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, m.repoRoot, "git", "fetch", "origin"); err != nil {
		return fmt.Errorf("fetch origin: %w", err)
	}
	return nil
}

// ResolveRef returns the ref new worktrees check out: the integration
// branch if it exists, else HEAD.
func (m *Manager) ResolveRef(ctx context.Context, integrationBranch string) string {
	if integrationBranch != "" {
		if _, err := m.runner.Run(ctx, m.repoRoot, "git", "rev-parse", "--verify",
			"refs/heads/"+integrationBranch); err == nil {
			return integrationBranch
		}
		if _, err := m.runner.Run(ctx, m.repoRoot, "git", "rev-parse", "--verify",
			"refs/remotes/origin/"+integrationBranch); err == nil {
			return "origin/" + integrationBranch
		}
	}
	return "HEAD"
}

// EnsureHealthy returns a usable worktree at path, removing and
// recreating an unhealthy one.
func (m *Manager) EnsureHealthy(ctx context.Context, path, ref string) error {
	if m.Healthy(path) {
		return nil
	}
	m.logger.Warn("worktree unhealthy, recreating",
		slog.String("path", path))
	if err := m.Remove(ctx, path); err != nil {
		m.logger.Warn("remove unhealthy worktree failed",
			slog.String("path", path), slog.String("error", err.Error()))
	}
	return m.Create(ctx, path, ref)
}

// Remove tears a worktree down: git worktree remove --force, with a
// plain directory delete as fallback.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if err := m.ValidatePath(path); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.runner.Run(ctx, m.repoRoot, "git", "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("remove worktree %s: %w (rm fallback: %v)", path, err, rmErr)
		}
		_, _ = m.runner.Run(ctx, m.repoRoot, "git", "worktree", "prune")
	}
	return nil
}

// Startup prunes stale worktree registrations and removes orphaned task
// directories under the managed root. known holds the worktree paths of
// tasks still in flight; everything else under <root>/<repo-key> goes.
func (m *Manager) Startup(ctx context.Context, known map[string]bool) error {
	m.mu.Lock()
	_, _ = m.runner.Run(ctx, m.repoRoot, "git", "worktree", "prune")
	m.mu.Unlock()

	repoDir := filepath.Join(m.root, m.repoKey)
	lanes, err := os.ReadDir(repoDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan managed root: %w", err)
	}

	for _, lane := range lanes {
		if !lane.IsDir() {
			continue
		}
		laneDir := filepath.Join(repoDir, lane.Name())
		issues, err := os.ReadDir(laneDir)
		if err != nil {
			continue
		}
		for _, issue := range issues {
			issueDir := filepath.Join(laneDir, issue.Name())
			entries, err := os.ReadDir(issueDir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				path := filepath.Join(issueDir, e.Name())
				if known[path] {
					continue
				}
				m.logger.Info("removing orphaned worktree",
					slog.String("path", path))
				if err := m.Remove(ctx, path); err != nil {
					m.logger.Warn("orphan removal failed",
						slog.String("path", path),
						slog.String("error", err.Error()))
				}
			}
		}
	}
	return nil
}

// IsClean reports whether the repo root has no uncommitted changes.
func (m *Manager) IsClean(ctx context.Context) (bool, error) {
	out, err := m.runner.Run(ctx, m.repoRoot, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return out == "", nil
}

// RepoRoot returns the repository checkout path.
func (m *Manager) RepoRoot() string {
	return m.repoRoot
}

// Root returns the managed worktrees root.
func (m *Manager) Root() string {
	return m.root
}
