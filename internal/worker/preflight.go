package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/redact"
	"github.com/randalmurphal/ralph/internal/store"
	"github.com/randalmurphal/ralph/internal/task"
)

// preflightResult carries everything the rest of the pass needs.
type preflightResult struct {
	issue    *hosting.Issue
	issueNum int
	repoCfg  config.RepoConfig
	worktree string
	profile  string
}

func (w *Worker) preflight(ctx context.Context, t *task.Task, kind store.AttemptKind, rl *runLog, log *slog.Logger) (*preflightResult, *Outcome) {
	// 1. Allowlist.
	if !w.cfg.OwnerAllowed(t.RepoOwner()) {
		w.notifier.NotifyError(ctx, "repo owner not allowed",
			fmt.Sprintf("task %s targets %s, whose owner is outside the allowlist", t.ID, t.Repo),
			map[string]string{"task": t.ID, "repo": t.Repo})
		return nil, w.markBlocked(ctx, t, task.BlockedAllowlist,
			"repo owner is not in the allowlist", t.Repo)
	}

	issueNum, err := t.IssueNumber()
	if err != nil {
		return nil, &Outcome{Kind: store.OutcomeFailed, Reason: err.Error()}
	}

	// 2. Closed issue means the work is already decided; skip cleanly.
	issue, err := w.gh.IssueView(ctx, issueNum)
	if err != nil {
		if out := w.maybeRateLimited(ctx, t, err, log); out != nil {
			return nil, out
		}
		return nil, &Outcome{Kind: store.OutcomeFailed,
			Reason: fmt.Sprintf("fetch issue #%d: %v", issueNum, err)}
	}
	if strings.EqualFold(issue.State, "closed") {
		rl.Printf("issue #%d is closed upstream; skipping", issueNum)
		return nil, w.markDone(ctx, t, "", store.CompletionVerified, "issue closed upstream")
	}

	repoCfg := w.cfg.RepoFor(t.Repo)

	// 3. A dirty repo root poisons every worktree created from it. Tasks
	// that already own a worktree elsewhere are unaffected.
	if t.WorktreePath == "" || t.WorktreePath == w.worktrees.RepoRoot() {
		clean, err := w.worktrees.IsClean(ctx)
		if err != nil {
			return nil, &Outcome{Kind: store.OutcomeFailed,
				Reason: fmt.Sprintf("repo cleanliness check: %v", err)}
		}
		if !clean {
			return nil, w.markBlocked(ctx, t, task.BlockedDirtyRepo,
				"repo root has uncommitted changes", w.worktrees.RepoRoot())
		}
	}

	// 4. Baseline labels and branch protection, best-effort with
	// deferred retry on the next pass.
	w.ensureBaseline(ctx, issueNum, repoCfg, log)

	// 5. Worktree.
	worktree, out := w.resolveWorktree(ctx, t, kind, repoCfg, log)
	if out != nil {
		return nil, out
	}

	// 6. Agent profile. Failover on hard throttle applies to fresh work
	// only; resume stays pinned to its session's profile.
	fresh := kind == store.AttemptProcess && t.SessionID == ""
	profile := t.AgentProfile
	if w.profiles != nil {
		prof, err := w.profiles.Select(w.now(), t.AgentProfile, fresh)
		if err != nil {
			return nil, w.markBlocked(ctx, t, task.BlockedRuntimeError,
				"no agent profile available", err.Error())
		}
		profile = prof.ID
	}
	if out := w.gateThrottle(ctx, t, profile); out != nil {
		return nil, out
	}

	// 7. Per-repo setup, first pass only.
	if t.SessionID == "" {
		for _, cmd := range repoCfg.SetupCommands {
			rl.Printf("setup: %s", cmd)
			output, err := w.gitRunner.Run(ctx, worktree, "sh", "-c", cmd)
			if err != nil {
				return nil, w.escalate(ctx, t, issueNum, "setup",
					fmt.Sprintf("setup command failed: %s", cmd),
					redact.Excerpt(output+"\n"+err.Error(), 30, 2000), rl)
			}
		}
	}

	return &preflightResult{
		issue:    issue,
		issueNum: issueNum,
		repoCfg:  repoCfg,
		worktree: worktree,
		profile:  profile,
	}, nil
}

// ensureBaseline creates the status-label contract and required-check
// branch protection when missing. Failures are logged and retried on the
// next pass rather than blocking the task.
func (w *Worker) ensureBaseline(ctx context.Context, issueNum int, repoCfg config.RepoConfig, log *slog.Logger) {
	if label := task.StatusLabel(task.StatusInProgress); label != "" {
		if err := w.gh.AddLabel(ctx, issueNum, label); err != nil {
			log.Warn("status label apply deferred", "label", label, "error", err)
		}
	}
	if len(repoCfg.RequiredChecks) == 0 {
		return
	}
	branch := repoCfg.IntegrationBranch
	_, err := w.gh.BranchProtection(ctx, branch)
	if err == nil {
		return
	}
	if !errors.Is(err, hosting.ErrNotFound) {
		log.Warn("branch protection read deferred", "branch", branch, "error", err)
		return
	}
	put := w.gh.PutBranchProtection(ctx, branch, hosting.BranchProtection{
		RequiredChecks: repoCfg.RequiredChecks,
		Strict:         true,
	})
	if put != nil {
		// Contexts may not exist on the branch yet; retried next pass.
		log.Warn("branch protection apply deferred", "branch", branch, "error", put)
	}
}

// resolveWorktree returns a healthy worktree for the task, creating or
// repairing it as needed. An unhealthy worktree on resume resets the
// task instead of repairing, so the next pass plans fresh.
func (w *Worker) resolveWorktree(ctx context.Context, t *task.Task, kind store.AttemptKind, repoCfg config.RepoConfig, log *slog.Logger) (string, *Outcome) {
	ref := w.worktrees.ResolveRef(ctx, repoCfg.IntegrationBranch)

	if t.WorktreePath != "" {
		if err := w.worktrees.ValidatePath(t.WorktreePath); err != nil {
			return "", w.resetToQueued(ctx, t, "recorded worktree path invalid: "+err.Error(), log)
		}
		if w.worktrees.Healthy(t.WorktreePath) {
			return t.WorktreePath, nil
		}
		if kind == store.AttemptResume {
			return "", w.resetToQueued(ctx, t, "recorded worktree unhealthy on resume", log)
		}
		if err := w.worktrees.EnsureHealthy(ctx, t.WorktreePath, ref); err != nil {
			return "", &Outcome{Kind: store.OutcomeFailed,
				Reason: fmt.Sprintf("repair worktree %s: %v", t.WorktreePath, err)}
		}
		return t.WorktreePath, nil
	}

	slot := t.NormalizeSlot(repoCfg.Slots)
	path, err := w.worktrees.TaskPath(t, slot)
	if err != nil {
		return "", &Outcome{Kind: store.OutcomeFailed, Reason: err.Error()}
	}
	if err := w.worktrees.EnsureHealthy(ctx, path, ref); err != nil {
		return "", &Outcome{Kind: store.OutcomeFailed,
			Reason: fmt.Sprintf("create worktree %s: %v", path, err)}
	}
	if ok := w.patch(ctx, t, t.Status, &task.Patch{
		WorktreePath: task.Ptr(path),
		RepoSlot:     task.Ptr(slot),
	}); !ok {
		return "", &Outcome{Kind: store.OutcomeFailed, Reason: "record worktree path"}
	}
	return path, nil
}
