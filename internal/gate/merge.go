package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/task"
)

// Route tells the worker where the merge attempt sent the PR.
type Route string

const (
	// RouteMerged means the PR is in; Snapshot is populated.
	RouteMerged Route = "merged"

	// RoutePoll means state moved under us (updated branch, pending
	// checks); re-enter readiness polling.
	RoutePoll Route = "poll"

	// RouteConflict means the PR turned DIRTY; enter the merge-conflict
	// lane.
	RouteConflict Route = "conflict"

	// RouteRefused means policy blocked the merge; escalate with Reason.
	RouteRefused Route = "refused"
)

// Snapshot records a successful merge.
type Snapshot struct {
	SHA      string    `json:"sha"`
	PRNumber int       `json:"pr_number"`
	PRURL    string    `json:"pr_url"`
	MergedAt time.Time `json:"merged_at"`
}

// MergeOutcome is the result of one Merge call.
type MergeOutcome struct {
	Route    Route
	Reason   string
	Snapshot *Snapshot
}

// Merger drives the merge semantics once polling reports success.
type Merger struct {
	gh      hosting.Port
	updater *AutoUpdater
	logger  *slog.Logger
}

// NewMerger creates a merger.
func NewMerger(gh hosting.Port, updater *AutoUpdater, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{gh: gh, updater: updater, logger: logger}
}

// Merge re-checks the PR, enforces policy and the CI-only guard, and
// calls the merge API. One "out of date" style refusal earns a single
// auto-update and a RoutePoll; a second lands back here via the worker.
func (m *Merger) Merge(ctx context.Context, prNumber int, issue *hosting.Issue, repoCfg config.RepoConfig) (*MergeOutcome, error) {
	pr, err := m.gh.PRMergeCandidate(ctx, prNumber)
	if err != nil {
		return nil, fmt.Errorf("re-check PR #%d before merge: %w", prNumber, err)
	}
	if pr.Merged {
		return &MergeOutcome{Route: RouteMerged, Snapshot: &Snapshot{
			SHA: pr.HeadSHA, PRNumber: pr.Number, PRURL: pr.HTMLURL, MergedAt: time.Now().UTC(),
		}}, nil
	}

	switch pr.MergeableState {
	case "dirty":
		return &MergeOutcome{Route: RouteConflict, Reason: "merge conflicts against base"}, nil
	case "behind":
		updated, err := m.updater.Update(ctx, pr, repoCfg)
		if err != nil {
			return nil, err
		}
		if !updated {
			return &MergeOutcome{Route: RouteRefused, Reason: "PR is behind base and auto-update is not permitted"}, nil
		}
		return &MergeOutcome{Route: RoutePoll, Reason: "branch updated from base"}, nil
	case "unknown", "":
		return &MergeOutcome{Route: RoutePoll, Reason: "merge state still computing"}, nil
	}

	if err := CheckMergePolicy(pr, repoCfg); err != nil {
		return &MergeOutcome{Route: RouteRefused, Reason: err.Error()}, err
	}

	files, err := m.gh.PRFiles(ctx, pr.Number)
	if err != nil {
		return nil, fmt.Errorf("list files of PR #%d: %w", pr.Number, err)
	}
	if CIOnly(files, repoCfg.CIOnlyGlobs) && !IssueIsCIFlavored(issue) {
		reason := fmt.Sprintf("PR #%d touches only CI/workflow paths but issue #%d is not CI-flavored", pr.Number, issueNumber(issue))
		return &MergeOutcome{Route: RouteRefused, Reason: reason}, nil
	}

	sha, err := m.gh.MergePR(ctx, pr.Number, hosting.MergeOptions{
		Method:      "merge",
		SHA:         pr.HeadSHA,
		CommitTitle: fmt.Sprintf("%s (#%d)", pr.Title, pr.Number),
	})
	if err != nil {
		if needsUpdateRetry(err) {
			m.logger.Info("merge refused as out of date, updating branch once",
				slog.Int("pr", pr.Number))
			if uerr := m.gh.UpdatePRBranch(ctx, pr.Number); uerr != nil {
				return nil, fmt.Errorf("update branch after stale merge refusal: %w", uerr)
			}
			return &MergeOutcome{Route: RoutePoll, Reason: "branch updated after stale merge refusal"}, nil
		}
		return nil, fmt.Errorf("merge PR #%d: %w", pr.Number, err)
	}

	m.finishMerged(ctx, pr, issue, repoCfg)
	return &MergeOutcome{Route: RouteMerged, Snapshot: &Snapshot{
		SHA: sha, PRNumber: pr.Number, PRURL: pr.HTMLURL, MergedAt: time.Now().UTC(),
	}}, nil
}

// finishMerged does the best-effort post-merge chores: drop the midpoint
// status label and delete the head branch when it is safe to.
func (m *Merger) finishMerged(ctx context.Context, pr *hosting.PR, issue *hosting.Issue, repoCfg config.RepoConfig) {
	if issue != nil {
		label := task.StatusLabel(task.StatusInProgress)
		if err := m.gh.RemoveLabel(ctx, issue.Number, label); err != nil {
			m.logger.Warn("could not remove midpoint label",
				slog.Int("issue", issue.Number),
				slog.String("label", label),
				slog.String("error", err.Error()))
		}
	}

	del, err := ShouldDeleteHeadBranch(ctx, m.gh, pr, repoCfg)
	if err != nil {
		m.logger.Warn("head-branch parity check failed",
			slog.String("branch", pr.HeadBranch),
			slog.String("error", err.Error()))
		return
	}
	if !del {
		return
	}
	if err := m.gh.DeleteRef(ctx, "heads/"+pr.HeadBranch); err != nil && !errors.Is(err, hosting.ErrNotFound) {
		m.logger.Warn("could not delete merged head branch",
			slog.String("branch", pr.HeadBranch),
			slog.String("error", err.Error()))
		return
	}
	m.logger.Info("deleted merged head branch", slog.String("branch", pr.HeadBranch))
}

// needsUpdateRetry matches the API refusals that one branch update fixes.
func needsUpdateRetry(err error) bool {
	var apiErr *hosting.GitHubAPIError
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.ResponseText)
	return strings.Contains(msg, "out of date") ||
		strings.Contains(msg, "required status checks are expected") ||
		strings.Contains(msg, "base branch was modified")
}

func issueNumber(issue *hosting.Issue) int {
	if issue == nil {
		return 0
	}
	return issue.Number
}
