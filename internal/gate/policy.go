package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/randalmurphal/ralph/internal/config"
	ralpherrors "github.com/randalmurphal/ralph/internal/errors"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/store"
)

// defaultCIOnlyGlobs are the paths the CI-only merge guard counts as
// CI/workflow files when the repo config does not override them.
var defaultCIOnlyGlobs = []string{
	".github/workflows/**",
	".github/actions/**",
	".github/dependabot.yml",
	"ci/**",
	"*.yml",
}

// CheckMergePolicy refuses merges whose base is the repo default branch,
// unless the integration branch IS the default or the PR carries the
// override label.
func CheckMergePolicy(pr *hosting.PR, repoCfg config.RepoConfig) error {
	base := repoCfg.BaseBranch
	if base == "" {
		base = "main"
	}
	if pr.BaseBranch != base {
		return nil
	}
	if repoCfg.IntegrationBranch == "" || repoCfg.IntegrationBranch == base {
		return nil
	}
	if repoCfg.MergeOverrideLabel != "" && hasLabel(pr.Labels, repoCfg.MergeOverrideLabel) {
		return nil
	}
	return ralpherrors.ErrMergeRefused(pr.HTMLURL, pr.BaseBranch)
}

// CIOnly reports whether every changed path matches a CI/workflow glob.
// An empty file list is not CI-only.
func CIOnly(files []string, globs []string) bool {
	if len(files) == 0 {
		return false
	}
	if len(globs) == 0 {
		globs = defaultCIOnlyGlobs
	}
	for _, f := range files {
		matched := false
		for _, g := range globs {
			if ok, err := doublestar.Match(g, f); err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// IssueIsCIFlavored reports whether the issue itself is about CI, which
// exempts its PR from the CI-only guard.
func IssueIsCIFlavored(issue *hosting.Issue) bool {
	if issue == nil {
		return false
	}
	for _, l := range issue.Labels {
		switch strings.ToLower(l) {
		case "ci", "ci/cd", "infrastructure", "github-actions":
			return true
		}
	}
	title := strings.ToLower(issue.Title)
	return strings.HasPrefix(title, "ci:") || strings.HasPrefix(title, "ci ")
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, want) {
			return true
		}
	}
	return false
}

// AutoUpdater applies update-branch to a BEHIND pr, gated by the repo's
// opt-in label and a per-PR cooldown persisted in the idempotency table
// so restarts do not forget recent updates.
type AutoUpdater struct {
	gh     hosting.Port
	store  store.Store
	logger *slog.Logger
}

// NewAutoUpdater creates an auto-update-behind gate.
func NewAutoUpdater(gh hosting.Port, st store.Store, logger *slog.Logger) *AutoUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoUpdater{gh: gh, store: st, logger: logger}
}

const autoUpdateScope = "auto-update"

// Update brings the PR branch up to date with its base. It returns
// (false, nil) when policy blocks the update: no label configured, label
// absent, or a previous update inside the cooldown window.
func (u *AutoUpdater) Update(ctx context.Context, pr *hosting.PR, repoCfg config.RepoConfig) (bool, error) {
	if repoCfg.AutoUpdateLabel == "" {
		return false, nil
	}
	if !hasLabel(pr.Labels, repoCfg.AutoUpdateLabel) {
		return false, nil
	}
	if pr.CrossRepoHead {
		// update-branch would push to the fork; never touch it
		u.logger.Info("auto-update refused for fork head", slog.Int("pr", pr.Number))
		return false, nil
	}

	cooldown := repoCfg.AutoUpdateCooldown
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	owner, repo := u.gh.OwnerRepo()
	key := fmt.Sprintf("%s/%s#%d", owner, repo, pr.Number)

	claimed, existing, err := u.store.RecordIdempotencyKey(ctx, autoUpdateScope, key, "")
	if err != nil {
		return false, fmt.Errorf("record auto-update for %s: %w", key, err)
	}
	if !claimed {
		if !existing.Stale(cooldown, time.Now()) {
			u.logger.Info("auto-update suppressed by cooldown",
				slog.String("pr", key),
				slog.Time("last_update", existing.CreatedAt))
			return false, nil
		}
		if err := u.store.DeleteIdempotencyKey(ctx, autoUpdateScope, key); err != nil {
			return false, fmt.Errorf("expire auto-update marker for %s: %w", key, err)
		}
		if _, _, err := u.store.RecordIdempotencyKey(ctx, autoUpdateScope, key, ""); err != nil {
			return false, fmt.Errorf("record auto-update for %s: %w", key, err)
		}
	}

	if err := u.gh.UpdatePRBranch(ctx, pr.Number); err != nil {
		return false, fmt.Errorf("update branch of PR #%d: %w", pr.Number, err)
	}
	u.logger.Info("updated PR branch from base",
		slog.Int("pr", pr.Number),
		slog.String("base", pr.BaseBranch))
	return true, nil
}

// ShouldDeleteHeadBranch decides post-merge branch cleanup: same-repo
// head, default-target base, and the branch ref still pointing at the
// merged head SHA (nobody pushed after the merge).
func ShouldDeleteHeadBranch(ctx context.Context, gh hosting.Port, pr *hosting.PR, repoCfg config.RepoConfig) (bool, error) {
	base := repoCfg.BaseBranch
	if base == "" {
		base = "main"
	}
	if pr.BaseBranch != base && pr.BaseBranch != repoCfg.IntegrationBranch {
		return false, nil
	}
	if pr.CrossRepoHead {
		return false, nil
	}
	if pr.HeadBranch == "" || pr.HeadBranch == base || pr.HeadBranch == repoCfg.IntegrationBranch {
		return false, nil
	}
	sha, err := gh.RefSHA(ctx, "heads/"+pr.HeadBranch)
	if err != nil {
		if errors.Is(err, hosting.ErrNotFound) {
			return false, nil // already gone
		}
		return false, err
	}
	return sha == pr.HeadSHA, nil
}
