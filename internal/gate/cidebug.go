package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/ralph/internal/git"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/marker"
	"github.com/randalmurphal/ralph/internal/redact"
	"github.com/randalmurphal/ralph/internal/session"
)

// CIDebugResult is what one spawn-lane attempt produced.
type CIDebugResult struct {
	// Progressed is true when the attempt moved the PR head.
	Progressed bool

	// Escalate is set when the lane decided remediation cannot continue
	// (no progress, or attempt history exhausted).
	Escalate bool
	Reason   string

	// LeaseHeld means another live worker owns the debug lease; the
	// attempt did not run and the caller must rest until LeaseExpiresAt.
	LeaseHeld      bool
	LeaseExpiresAt time.Time

	HeadSHA string
}

// CIDebugLane runs a short-lived general agent in a dedicated worktree
// at the PR head, with its cross-worker state persisted as a
// marker-tagged issue comment.
type CIDebugLane struct {
	gh        hosting.Port
	worktrees *git.Manager
	runner    session.Runner
	logger    *slog.Logger
	leaseTTL  time.Duration
	holder    string
}

// NewCIDebugLane creates the spawn lane. holder identifies this worker
// in the comment lease.
func NewCIDebugLane(gh hosting.Port, worktrees *git.Manager, runner session.Runner, holder string, logger *slog.Logger) *CIDebugLane {
	if logger == nil {
		logger = slog.Default()
	}
	return &CIDebugLane{
		gh:        gh,
		worktrees: worktrees,
		runner:    runner,
		logger:    logger,
		leaseTTL:  20 * time.Minute,
		holder:    holder,
	}
}

// Run executes one CI-debug attempt for the PR attached to issueNumber.
// summary describes the failing checks the agent should chase.
func (l *CIDebugLane) Run(ctx context.Context, issueNumber int, pr *hosting.PR, summary *Summary, opts session.Options) (*CIDebugResult, error) {
	state, commentID, err := l.loadState(ctx, issueNumber)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if state.Lease != nil && !state.Lease.Stale(now) && state.Lease.Holder != l.holder {
		return &CIDebugResult{
			LeaseHeld:      true,
			LeaseExpiresAt: state.Lease.ExpiresAt,
			Reason:         fmt.Sprintf("CI-debug lease held by %s", state.Lease.Holder),
		}, nil
	}

	// No-progress check before spending another attempt: the previous
	// attempt recorded the head SHA it left behind.
	if n := len(state.Attempts); n > 0 && state.Attempts[n-1].Signature == pr.HeadSHA {
		state.Attempts[n-1].Outcome = "no-progress"
		state.Lease = nil
		if _, err := l.saveState(ctx, issueNumber, commentID, state); err != nil {
			l.logger.Warn("could not persist CI-debug state", slog.String("error", err.Error()))
		}
		return &CIDebugResult{
			Escalate: true,
			Reason:   fmt.Sprintf("CI-debug attempt left head SHA %s unchanged", shortSHA(pr.HeadSHA)),
			HeadSHA:  pr.HeadSHA,
		}, nil
	}

	state.Lease = &marker.Lease{Holder: l.holder, ExpiresAt: now.Add(l.leaseTTL)}
	state.Attempts = append(state.Attempts, marker.Attempt{At: now, Signature: pr.HeadSHA})
	state.LastSignature = summary.Signature
	if commentID, err = l.saveState(ctx, issueNumber, commentID, state); err != nil {
		return nil, err
	}

	attempt := len(state.Attempts)
	// Fetch into the parent checkout first: the PR head may come from a
	// worker whose pushes this clone has never seen.
	if err := l.worktrees.Fetch(ctx); err != nil {
		return nil, fmt.Errorf("fetch before CI-debug worktree: %w", err)
	}
	path := l.worktrees.CIDebugPath(issueNumber, attempt)
	if err := l.worktrees.EnsureHealthy(ctx, path, pr.HeadSHA); err != nil {
		return nil, fmt.Errorf("create CI-debug worktree: %w", err)
	}
	defer func() {
		if err := l.worktrees.Remove(context.WithoutCancel(ctx), path); err != nil {
			l.logger.Warn("could not remove CI-debug worktree",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}()

	prompt := CIDebugPrompt(pr, summary, attempt)
	result, err := l.runner.RunAgent(ctx, path, "general", prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("CI-debug session: %w", err)
	}

	fresh, err := l.gh.PRView(ctx, pr.Number)
	if err != nil {
		return nil, fmt.Errorf("re-read PR #%d after CI-debug: %w", pr.Number, err)
	}

	outcome := "failed"
	progressed := fresh.HeadSHA != pr.HeadSHA
	if progressed {
		outcome = "resolved"
	}
	n := len(state.Attempts)
	state.Attempts[n-1].Outcome = outcome
	state.Attempts[n-1].Signature = fresh.HeadSHA
	state.Lease = nil
	if _, err := l.saveState(ctx, issueNumber, commentID, state); err != nil {
		l.logger.Warn("could not persist CI-debug state", slog.String("error", err.Error()))
	}

	res := &CIDebugResult{Progressed: progressed, HeadSHA: fresh.HeadSHA}
	if !progressed {
		res.Escalate = true
		res.Reason = "CI-debug agent finished without pushing a fix"
		if !result.Success {
			res.Reason = "CI-debug agent failed: " + redact.Excerpt(result.Output, 5, 500)
		}
	}
	return res, nil
}

// loadState finds ralph's CI-debug comment on the issue, if any.
func (l *CIDebugLane) loadState(ctx context.Context, issueNumber int) (*marker.CIDebugState, int64, error) {
	comments, err := l.gh.ListIssueComments(ctx, issueNumber)
	if err != nil {
		return nil, 0, fmt.Errorf("list comments of issue #%d: %w", issueNumber, err)
	}
	for _, c := range comments {
		var state marker.CIDebugState
		if ok, err := marker.Extract(c.Body, marker.KindCIDebug, &state); err == nil && ok {
			return &state, c.ID, nil
		}
	}
	return &marker.CIDebugState{}, 0, nil
}

// saveState writes the state back to its comment, creating one when
// commentID is zero. It returns the comment ID carrying the state.
func (l *CIDebugLane) saveState(ctx context.Context, issueNumber int, commentID int64, state *marker.CIDebugState) (int64, error) {
	if commentID == 0 {
		body, err := marker.Print(marker.KindCIDebug, state)
		if err != nil {
			return 0, err
		}
		body = "CI-debug lane state (managed by ralph)\n\n" + body
		c, err := l.gh.CreateComment(ctx, issueNumber, body)
		if err != nil {
			return 0, err
		}
		return c.ID, nil
	}
	comments, err := l.gh.ListIssueComments(ctx, issueNumber)
	if err != nil {
		return commentID, err
	}
	for _, c := range comments {
		if c.ID != commentID {
			continue
		}
		body, err := marker.Upsert(c.Body, marker.KindCIDebug, state)
		if err != nil {
			return commentID, err
		}
		_, err = l.gh.UpdateComment(ctx, commentID, body)
		return commentID, err
	}
	return commentID, fmt.Errorf("CI-debug comment %d disappeared from issue #%d", commentID, issueNumber)
}

// CIDebugPrompt renders the instruction the spawned agent receives.
func CIDebugPrompt(pr *hosting.PR, summary *Summary, attempt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CI is failing on pull request %s (attempt %d).\n\n", pr.HTMLURL, attempt)
	b.WriteString("You are checked out at the PR head. Diagnose and fix the failing required checks, then commit and push to the PR branch.\n\nFailing checks:\n")
	for _, c := range summary.Failing() {
		fmt.Fprintf(&b, "- %s (%s)", c.Name, c.RawState)
		if c.DetailsURL != "" {
			fmt.Fprintf(&b, " %s", c.DetailsURL)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nDo not modify CI workflow files unless the failure is in the workflow itself. Do not force-push.\n")
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
