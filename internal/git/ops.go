package git

import (
	"context"
	"fmt"
	"strings"
)

// Ops bundles the git/gh operations ralph runs inside a worktree. The
// zero value is unusable; construct with NewOps.
type Ops struct {
	runner CommandRunner
	dir    string
}

// NewOps creates an Ops bound to a working directory.
func NewOps(runner CommandRunner, dir string) *Ops {
	return &Ops{runner: runner, dir: dir}
}

// Dir returns the working directory.
func (o *Ops) Dir() string {
	return o.dir
}

// CheckoutPR checks the PR's head branch out via gh.
func (o *Ops) CheckoutPR(ctx context.Context, prURL string) error {
	if _, err := o.runner.Run(ctx, o.dir, "gh", "pr", "checkout", prURL); err != nil {
		return fmt.Errorf("gh pr checkout %s: %w", prURL, err)
	}
	return nil
}

// HeadSHA returns the current HEAD commit SHA.
func (o *Ops) HeadSHA(ctx context.Context) (string, error) {
	sha, err := o.runner.Run(ctx, o.dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	return sha, nil
}

// RefSHA returns the SHA a ref resolves to.
func (o *Ops) RefSHA(ctx context.Context, ref string) (string, error) {
	sha, err := o.runner.Run(ctx, o.dir, "git", "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s: %w", ref, err)
	}
	return sha, nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when
// detached.
func (o *Ops) CurrentBranch(ctx context.Context) (string, error) {
	name, err := o.runner.Run(ctx, o.dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse --abbrev-ref HEAD: %w", err)
	}
	return name, nil
}

// DryRunPush confirms the current branch is pushable without pushing.
func (o *Ops) DryRunPush(ctx context.Context) error {
	if _, err := o.runner.Run(ctx, o.dir, "git", "push", "--dry-run"); err != nil {
		return fmt.Errorf("git push --dry-run: %w", err)
	}
	return nil
}

// Push pushes the current branch.
func (o *Ops) Push(ctx context.Context) error {
	if _, err := o.runner.Run(ctx, o.dir, "git", "push"); err != nil {
		return fmt.Errorf("git push: %w", err)
	}
	return nil
}

// PushHeadTo pushes HEAD to a named remote branch, creating it upstream.
func (o *Ops) PushHeadTo(ctx context.Context, branch string) error {
	if _, err := o.runner.Run(ctx, o.dir, "git", "push", "-u", "origin",
		"HEAD:refs/heads/"+branch); err != nil {
		return fmt.Errorf("git push HEAD to %s: %w", branch, err)
	}
	return nil
}

// MergeNoCommit merges a ref without committing. Conflicts are expected;
// the caller inspects ConflictPaths afterwards. Returns conflicted=true
// when the merge stopped on conflicts.
func (o *Ops) MergeNoCommit(ctx context.Context, ref string) (conflicted bool, err error) {
	_, runErr := o.runner.Run(ctx, o.dir, "git", "merge", "--no-commit", "--no-ff", ref)
	if runErr == nil {
		return false, nil
	}
	paths, listErr := o.ConflictPaths(ctx)
	if listErr == nil && len(paths) > 0 {
		return true, nil
	}
	return false, fmt.Errorf("git merge --no-commit %s: %w", ref, runErr)
}

// ConflictPaths lists unmerged paths via git ls-files -u.
func (o *Ops) ConflictPaths(ctx context.Context) ([]string, error) {
	out, err := o.runner.Run(ctx, o.dir, "git", "ls-files", "-u")
	if err != nil {
		return nil, fmt.Errorf("git ls-files -u: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	seen := make(map[string]bool)
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		// Format: <mode> <sha> <stage>\t<path>
		_, path, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// AbortMerge aborts an in-progress merge.
func (o *Ops) AbortMerge(ctx context.Context) error {
	if _, err := o.runner.Run(ctx, o.dir, "git", "merge", "--abort"); err != nil {
		return fmt.Errorf("git merge --abort: %w", err)
	}
	return nil
}

// CreatePR creates a PR with gh and returns its URL.
func (o *Ops) CreatePR(ctx context.Context, base, title, body string) (string, error) {
	out, err := o.runner.Run(ctx, o.dir, "gh", "pr", "create",
		"--base", base, "--title", title, "--body", body)
	if err != nil {
		return "", fmt.Errorf("gh pr create: %w", err)
	}
	// gh prints the PR URL on the last line.
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}
