// Package conflict implements the merge-conflict recovery lane: a
// dedicated worktree where a general agent resolves a DIRTY PR against
// its base, with cross-worker state held in a marker-tagged issue
// comment.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/git"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/marker"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/supervise"
)

const (
	defaultMaxAttempts = 2
	defaultWaitTimeout = 10 * time.Minute
	defaultLeaseTTL    = 20 * time.Minute

	waitPollInterval = 15 * time.Second
)

// Result is what the lane settled on.
type Result struct {
	// Resolved means the PR head moved, the merge state is no longer
	// dirty, and checks were observed on the new head; re-enter the gate.
	Resolved bool

	// Escalate means recovery cannot continue; Reason says why.
	Escalate bool
	Reason   string

	// LeaseHeld means another live worker owns the recovery lease; the
	// caller must rest until LeaseExpiresAt instead of re-entering.
	LeaseHeld      bool
	LeaseExpiresAt time.Time

	HeadSHA string
}

// Lane drives merge-conflict recovery for one PR at a time.
type Lane struct {
	gh        hosting.Port
	worktrees *git.Manager
	gitRunner git.CommandRunner
	agent     session.Runner
	cfg       config.ConflictConfig
	holder    string
	logger    *slog.Logger

	// seams for tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewLane creates a merge-conflict lane. holder identifies this worker
// in the comment lease.
func NewLane(gh hosting.Port, worktrees *git.Manager, gitRunner git.CommandRunner, agent session.Runner, cfg config.ConflictConfig, holder string, logger *slog.Logger) *Lane {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	return &Lane{
		gh:        gh,
		worktrees: worktrees,
		gitRunner: gitRunner,
		agent:     agent,
		cfg:       cfg,
		holder:    holder,
		logger:    logger,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run recovers the PR attached to issueNumber, spending attempts until
// the PR is resolvable, the attempt cap is hit, or no progress is made.
func (l *Lane) Run(ctx context.Context, issueNumber int, pr *hosting.PR, base string, opts session.Options) (*Result, error) {
	state, commentID, err := l.loadState(ctx, issueNumber)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	if state.Lease != nil && !state.Lease.Stale(now) && state.Lease.Holder != l.holder {
		return &Result{
			LeaseHeld:      true,
			LeaseExpiresAt: state.Lease.ExpiresAt,
			Reason:         fmt.Sprintf("merge-conflict lease held by %s", state.Lease.Holder),
		}, nil
	}

	for {
		if len(state.Attempts) >= l.cfg.MaxAttempts {
			return &Result{
				Escalate: true,
				Reason:   fmt.Sprintf("merge-conflict resolution exhausted %d attempts", l.cfg.MaxAttempts),
			}, nil
		}

		res, err := l.attempt(ctx, issueNumber, pr, base, state, &commentID, opts)
		if err != nil {
			return nil, err
		}
		if res.Resolved || res.Escalate {
			return res, nil
		}

		fresh, err := l.gh.PRView(ctx, pr.Number)
		if err != nil {
			return nil, fmt.Errorf("re-read PR #%d between attempts: %w", pr.Number, err)
		}
		pr = fresh
	}
}

// attempt runs one resolve cycle: checkout, probe conflicts, agent, wait.
func (l *Lane) attempt(ctx context.Context, issueNumber int, pr *hosting.PR, base string, state *marker.MergeConflictState, commentID *int64, opts session.Options) (*Result, error) {
	attemptNo := len(state.Attempts) + 1
	// Fetch into the parent checkout first: the PR head may come from a
	// worker whose pushes this clone has never seen.
	if err := l.worktrees.Fetch(ctx); err != nil {
		return nil, fmt.Errorf("fetch before merge-conflict worktree: %w", err)
	}
	path := l.worktrees.ConflictPath(issueNumber, attemptNo)
	if err := l.worktrees.EnsureHealthy(ctx, path, pr.HeadSHA); err != nil {
		return nil, fmt.Errorf("create merge-conflict worktree: %w", err)
	}
	defer func() {
		if err := l.worktrees.Remove(context.WithoutCancel(ctx), path); err != nil {
			l.logger.Warn("could not remove merge-conflict worktree",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}()

	ops := git.NewOps(l.gitRunner, path)
	if err := ops.CheckoutPR(ctx, pr.HTMLURL); err != nil {
		return nil, fmt.Errorf("checkout PR #%d: %w", pr.Number, err)
	}
	if err := ops.DryRunPush(ctx); err != nil {
		return &Result{
			Escalate: true,
			Reason:   fmt.Sprintf("PR head %s is not pushable from here: %v", pr.HeadBranch, err),
		}, nil
	}

	conflicted, err := ops.MergeNoCommit(ctx, "origin/"+base)
	if err != nil {
		return nil, fmt.Errorf("probe merge against %s: %w", base, err)
	}
	if !conflicted {
		// The conflict resolved itself (base moved, or someone fixed it).
		if err := ops.AbortMerge(ctx); err != nil {
			l.logger.Warn("abort of clean probe merge failed", slog.String("error", err.Error()))
		}
		return &Result{Resolved: true, HeadSHA: pr.HeadSHA}, nil
	}

	paths, err := ops.ConflictPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conflict paths: %w", err)
	}
	baseSHA, err := ops.RefSHA(ctx, "origin/"+base)
	if err != nil {
		return nil, fmt.Errorf("resolve origin/%s: %w", base, err)
	}
	headSHA, err := ops.HeadSHA(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve worktree head: %w", err)
	}

	sig := Signature(baseSHA, headSHA, paths)
	if sig == state.LastSignature {
		if err := ops.AbortMerge(ctx); err != nil {
			l.logger.Warn("abort merge failed", slog.String("error", err.Error()))
		}
		l.markAttempt(ctx, issueNumber, commentID, state, sig, "no-progress")
		return &Result{
			Escalate: true,
			Reason:   fmt.Sprintf("conflict signature unchanged after the last attempt (%d conflicted paths)", len(paths)),
		}, nil
	}

	now := l.now().UTC()
	state.Lease = &marker.Lease{Holder: l.holder, ExpiresAt: now.Add(l.cfg.LeaseTTL)}
	state.Attempts = append(state.Attempts, marker.Attempt{At: now, Signature: sig})
	state.LastSignature = sig
	if err := l.saveState(ctx, issueNumber, commentID, state); err != nil {
		return nil, err
	}

	l.logger.Info("starting merge-conflict resolve session",
		slog.Int("issue", issueNumber),
		slog.Int("pr", pr.Number),
		slog.Int("attempt", attemptNo),
		slog.Int("conflicts", len(paths)))

	prompt := Prompt(pr, base, paths, attemptNo)
	if _, err := l.agent.RunAgent(ctx, path, "general", prompt, opts); err != nil {
		return nil, fmt.Errorf("merge-conflict session: %w", err)
	}

	res, err := l.waitForProgress(ctx, pr)
	if err != nil {
		return nil, err
	}

	outcome := "failed"
	if res.Resolved {
		outcome = "resolved"
	}
	state.Attempts[len(state.Attempts)-1].Outcome = outcome
	state.Lease = nil
	if err := l.saveState(ctx, issueNumber, commentID, state); err != nil {
		l.logger.Warn("could not persist merge-conflict state", slog.String("error", err.Error()))
	}
	return res, nil
}

// waitForProgress polls the PR until the head moved, the merge state
// left dirty, and at least one check reported on the new head.
func (l *Lane) waitForProgress(ctx context.Context, pr *hosting.PR) (*Result, error) {
	deadline := l.now().Add(l.cfg.WaitTimeout)
	for {
		fresh, err := l.gh.PRMergeCandidate(ctx, pr.Number)
		if err != nil {
			return nil, fmt.Errorf("poll PR #%d after resolve session: %w", pr.Number, err)
		}

		if fresh.HeadSHA != pr.HeadSHA && fresh.MergeableState != "dirty" {
			observed, err := l.checksObserved(ctx, fresh.HeadSHA)
			if err != nil {
				return nil, err
			}
			if observed {
				return &Result{Resolved: true, HeadSHA: fresh.HeadSHA}, nil
			}
		}

		if l.now().After(deadline) {
			return &Result{
				Reason:  "resolve session finished but the PR did not recover in time",
				HeadSHA: fresh.HeadSHA,
			}, nil
		}
		if err := l.sleep(ctx, waitPollInterval); err != nil {
			return nil, err
		}
	}
}

func (l *Lane) checksObserved(ctx context.Context, sha string) (bool, error) {
	runs, err := l.gh.CommitCheckRuns(ctx, sha)
	if err != nil {
		return false, fmt.Errorf("list check runs on %s: %w", sha, err)
	}
	if len(runs) > 0 {
		return true, nil
	}
	statuses, err := l.gh.CommitStatuses(ctx, sha)
	if err != nil {
		return false, fmt.Errorf("list statuses on %s: %w", sha, err)
	}
	return len(statuses) > 0, nil
}

// markAttempt records a terminal attempt outcome, best-effort.
func (l *Lane) markAttempt(ctx context.Context, issueNumber int, commentID *int64, state *marker.MergeConflictState, sig, outcome string) {
	state.Attempts = append(state.Attempts, marker.Attempt{At: l.now().UTC(), Signature: sig, Outcome: outcome})
	state.LastSignature = sig
	state.Lease = nil
	if err := l.saveState(ctx, issueNumber, commentID, state); err != nil {
		l.logger.Warn("could not persist merge-conflict state", slog.String("error", err.Error()))
	}
}

func (l *Lane) loadState(ctx context.Context, issueNumber int) (*marker.MergeConflictState, int64, error) {
	comments, err := l.gh.ListIssueComments(ctx, issueNumber)
	if err != nil {
		return nil, 0, fmt.Errorf("list comments of issue #%d: %w", issueNumber, err)
	}
	for _, c := range comments {
		var state marker.MergeConflictState
		if ok, err := marker.Extract(c.Body, marker.KindMergeConflict, &state); err == nil && ok {
			return &state, c.ID, nil
		}
	}
	return &marker.MergeConflictState{}, 0, nil
}

func (l *Lane) saveState(ctx context.Context, issueNumber int, commentID *int64, state *marker.MergeConflictState) error {
	if *commentID == 0 {
		body, err := marker.Print(marker.KindMergeConflict, state)
		if err != nil {
			return err
		}
		body = "Merge-conflict lane state (managed by ralph)\n\n" + body
		c, err := l.gh.CreateComment(ctx, issueNumber, body)
		if err != nil {
			return err
		}
		*commentID = c.ID
		return nil
	}
	comments, err := l.gh.ListIssueComments(ctx, issueNumber)
	if err != nil {
		return err
	}
	for _, c := range comments {
		if c.ID != *commentID {
			continue
		}
		body, err := marker.Upsert(c.Body, marker.KindMergeConflict, state)
		if err != nil {
			return err
		}
		_, err = l.gh.UpdateComment(ctx, *commentID, body)
		return err
	}
	return fmt.Errorf("merge-conflict comment %d disappeared from issue #%d", *commentID, issueNumber)
}

// Signature fingerprints one conflict constellation. Identical base,
// head, and conflicted paths mean a resolve attempt changed nothing.
func Signature(baseSHA, headSHA string, paths []string) string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	return supervise.ContentSignature(baseSHA, headSHA, strings.Join(sorted, "\n"))
}

// Prompt renders the instruction the resolve agent receives.
func Prompt(pr *hosting.PR, base string, paths []string, attempt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pull request %s has merge conflicts against %s (attempt %d).\n\n", pr.HTMLURL, base, attempt)
	b.WriteString("You are in a worktree with the conflicted merge staged. Resolve every conflict, complete the merge commit, and push to the PR branch.\n\nConflicted paths:\n")
	for _, p := range paths {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString("\nPreserve the intent of both sides. Do not force-push and do not discard commits from the PR branch.\n")
	return b.String()
}
