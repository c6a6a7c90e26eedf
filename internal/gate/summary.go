// Package gate advances a validated PR through required checks to a
// merged state: readiness polling, CI triage, auto-update-behind, merge
// policy, and the merge call itself.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/supervise"
)

// RollupState is the normalized summary over required contexts.
type RollupState string

const (
	RollupSuccess RollupState = "success"
	RollupPending RollupState = "pending"
	RollupFailure RollupState = "failure"
)

// RequiredCheck is one required context with its raw, unnormalized state.
type RequiredCheck struct {
	Name       string `json:"name"`
	RawState   string `json:"raw_state"`
	RunID      int64  `json:"run_id,omitempty"`
	DetailsURL string `json:"details_url,omitempty"`
}

// Summary is the rollup over required contexts at one poll instant.
type Summary struct {
	Rollup    RollupState     `json:"rollup"`
	Checks    []RequiredCheck `json:"checks"`
	Signature string          `json:"signature"`
}

// Failing returns the checks whose normalized state is failure.
func (s *Summary) Failing() []RequiredCheck {
	var out []RequiredCheck
	for _, c := range s.Checks {
		if normalizeState(c.RawState) == RollupFailure {
			out = append(out, c)
		}
	}
	return out
}

// failure set per the check-runs API plus the legacy statuses API.
func normalizeState(raw string) RollupState {
	switch raw {
	case "failure", "error", "cancelled", "timed_out", "action_required", "stale":
		return RollupFailure
	case "success", "neutral", "skipped":
		return RollupSuccess
	default:
		// queued, in_progress, pending, waiting, or a context GitHub has
		// not reported yet.
		return RollupPending
	}
}

// RequiredContexts resolves the required check names for base: the
// per-repo override wins, then branch protection. An unprotected branch
// with no override yields nil, which Summarize treats as "all observed
// contexts required".
func RequiredContexts(ctx context.Context, gh hosting.Port, repoCfg config.RepoConfig, base string) ([]string, error) {
	if len(repoCfg.RequiredChecks) > 0 {
		return repoCfg.RequiredChecks, nil
	}
	bp, err := gh.BranchProtection(ctx, base)
	if err != nil {
		if errors.Is(err, hosting.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve required checks for %s: %w", base, err)
	}
	return bp.RequiredChecks, nil
}

// Summarize folds check runs and legacy statuses over the required
// contexts into one rollup. A required context nobody has reported yet
// counts as pending. With no required list, every observed context is
// required.
func Summarize(runs []hosting.CheckRun, statuses []hosting.Status, required []string) *Summary {
	observed := make(map[string]RequiredCheck)
	for _, r := range runs {
		raw := r.Conclusion
		if r.Status != "completed" {
			raw = r.Status
		}
		observed[r.Name] = RequiredCheck{Name: r.Name, RawState: raw, RunID: r.ID, DetailsURL: r.HTMLURL}
	}
	for _, s := range statuses {
		// Check runs shadow same-named legacy statuses.
		if _, ok := observed[s.Context]; !ok {
			observed[s.Context] = RequiredCheck{Name: s.Context, RawState: s.State, DetailsURL: s.TargetURL}
		}
	}

	if len(required) == 0 {
		for name := range observed {
			required = append(required, name)
		}
	}

	sum := &Summary{Rollup: RollupSuccess}
	for _, name := range required {
		c, ok := observed[name]
		if !ok {
			c = RequiredCheck{Name: name, RawState: "expected"}
		}
		sum.Checks = append(sum.Checks, c)
		switch normalizeState(c.RawState) {
		case RollupFailure:
			sum.Rollup = RollupFailure
		case RollupPending:
			if sum.Rollup != RollupFailure {
				sum.Rollup = RollupPending
			}
		}
	}
	sort.Slice(sum.Checks, func(i, j int) bool { return sum.Checks[i].Name < sum.Checks[j].Name })
	if len(sum.Checks) == 0 {
		sum.Rollup = RollupPending
	}
	sum.Signature = signatureOf(sum.Checks)
	return sum
}

// signatureOf is stable across polls: names and raw states always
// contribute, run IDs only for failures so a re-run of a failing check
// reads as progress.
func signatureOf(checks []RequiredCheck) string {
	parts := make([]string, 0, len(checks))
	for _, c := range checks {
		p := c.Name + "=" + c.RawState
		if normalizeState(c.RawState) == RollupFailure && c.RunID != 0 {
			p += "@" + strconv.FormatInt(c.RunID, 10)
		}
		parts = append(parts, p)
	}
	return supervise.ContentSignature(strings.Join(parts, "\n"))
}
