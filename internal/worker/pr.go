package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/randalmurphal/ralph/internal/git"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/lease"
	"github.com/randalmurphal/ralph/internal/store"
	"github.com/randalmurphal/ralph/internal/task"
)

const (
	prSelectedSnapshot   = "pr-selected"
	prDuplicatesSnapshot = "pr-duplicates"
)

var prNumberPattern = regexp.MustCompile(`/pull/(\d+)`)

// prFromURL resolves a PR URL to its live state.
func (w *Worker) prFromURL(ctx context.Context, url string) (*hosting.PR, error) {
	m := prNumberPattern.FindStringSubmatch(url)
	if m == nil {
		return nil, fmt.Errorf("no PR number in %q", url)
	}
	num, _ := strconv.Atoi(m[1])
	return w.gh.PRView(ctx, num)
}

// resolveCanonicalPR picks the one PR this task advances. Tracked PRs
// are validated against live state first; an issue-link search fills in
// when tracking is empty. Candidates order deterministically so every
// worker picks the same canonical PR; the rest are recorded as
// duplicates for operator visibility.
func (w *Worker) resolveCanonicalPR(ctx context.Context, t *task.Task, issueNum int, log *slog.Logger) (*hosting.PR, error) {
	var candidates []hosting.PR

	if payload, err := w.store.LatestSnapshot(ctx, prSelectedSnapshot, t.Issue); err == nil && payload != "" {
		var snap struct {
			Number int `json:"number"`
		}
		if json.Unmarshal([]byte(payload), &snap) == nil && snap.Number > 0 {
			if pr, err := w.gh.PRView(ctx, snap.Number); err == nil && isOpen(pr) {
				candidates = append(candidates, *pr)
			}
		}
	}

	if len(candidates) == 0 {
		found, err := w.gh.SearchPRsByIssue(ctx, issueNum)
		if err != nil {
			return nil, err
		}
		for _, pr := range found {
			if isOpen(&pr) {
				candidates = append(candidates, pr)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.HTMLURL < b.HTMLURL
	})

	selected := candidates[0]
	w.saveSnapshot(ctx, prSelectedSnapshot, t.Issue, map[string]any{
		"number": selected.Number, "url": selected.HTMLURL,
	}, log)
	if len(candidates) > 1 {
		dups := make([]map[string]any, 0, len(candidates)-1)
		for _, pr := range candidates[1:] {
			dups = append(dups, map[string]any{"number": pr.Number, "url": pr.HTMLURL})
		}
		w.saveSnapshot(ctx, prDuplicatesSnapshot, t.Issue, dups, log)
		log.Warn("duplicate PRs for issue", "issue", issueNum, "count", len(candidates))
	}
	return &selected, nil
}

func (w *Worker) saveSnapshot(ctx context.Context, kind, ref string, payload any, log *slog.Logger) {
	data, err := json.Marshal(payload)
	if err == nil {
		err = w.store.SaveSnapshot(ctx, kind, ref, string(data))
	}
	if err != nil {
		log.Warn("snapshot save failed", "kind", kind, "ref", ref, "error", err)
	}
}

// recoverPR handles a build that finished without advertising a PR: the
// work may be committed but never published. Push HEAD and create a PR
// under the create lease so concurrent workers on the same issue never
// double-create.
func (w *Worker) recoverPR(ctx context.Context, t *task.Task, pf *preflightResult, rl *runLog, log *slog.Logger) (string, *Outcome) {
	if pr, err := w.resolveCanonicalPR(ctx, t, pf.issueNum, log); err == nil && pr != nil {
		rl.Printf("PR recovery: found existing %s", pr.HTMLURL)
		if err := w.reach(ctx, t, task.CheckpointPRReady); err != nil {
			return "", &Outcome{Kind: store.OutcomeFailed, Reason: err.Error()}
		}
		return pr.HTMLURL, nil
	}

	base := pf.repoCfg.IntegrationBranch
	outcome, pr, err := w.leases.AcquireOrWait(ctx, w.gh, t.Repo, pf.issueNum, base, w.id)
	switch outcome {
	case lease.OutcomeFoundPR:
		rl.Printf("PR recovery: lease holder published %s", pr.HTMLURL)
		if err := w.reach(ctx, t, task.CheckpointPRReady); err != nil {
			return "", &Outcome{Kind: store.OutcomeFailed, Reason: err.Error()}
		}
		return pr.HTMLURL, nil
	case lease.OutcomeRest:
		rl.Printf("PR recovery: create lease held elsewhere, resting")
		return "", w.throttledRest(ctx, t, w.now().Add(w.leases.ConflictRest()), "",
			"pr-create lease held by another worker", task.BlockedLeaseConflict)
	}
	if err != nil {
		if out := w.maybeRateLimited(ctx, t, err, log); out != nil {
			return "", out
		}
		return "", &Outcome{Kind: store.OutcomeFailed,
			Reason: fmt.Sprintf("acquire pr-create lease: %v", err)}
	}
	defer func() {
		if rerr := w.leases.Release(ctx, t.Repo, pf.issueNum, base); rerr != nil {
			log.Warn("lease release failed", "error", rerr)
		}
	}()

	ops := git.NewOps(w.gitRunner, pf.worktree)
	branch := fmt.Sprintf("ralph/issue-%d", pf.issueNum)
	if err := ops.PushHeadTo(ctx, branch); err != nil {
		return "", &Outcome{Kind: store.OutcomeFailed,
			Reason: fmt.Sprintf("push recovered work: %v", err)}
	}
	title := fmt.Sprintf("%s (#%d)", strings.TrimSpace(pf.issue.Title), pf.issueNum)
	body := fmt.Sprintf("Automated recovery of committed work for #%d.\n\nCloses #%d", pf.issueNum, pf.issueNum)
	url, err := ops.CreatePR(ctx, base, title, body)
	if err != nil {
		return "", &Outcome{Kind: store.OutcomeFailed,
			Reason: fmt.Sprintf("create PR: %v", err)}
	}
	rl.Printf("PR recovery: created %s", url)
	if err := w.reach(ctx, t, task.CheckpointPRReady); err != nil {
		return "", &Outcome{Kind: store.OutcomeFailed, Reason: err.Error()}
	}
	return url, nil
}

func isOpen(pr *hosting.PR) bool {
	return pr != nil && strings.EqualFold(pr.State, "open") && !pr.Merged
}
