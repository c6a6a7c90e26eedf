package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/ralph/internal/gate"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/store"
	"github.com/randalmurphal/ralph/internal/supervise"
	"github.com/randalmurphal/ralph/internal/task"
)

// mergeGate advances a PR through required checks to merged: poll, triage
// failures, recover conflicts, merge, then survey and finalize.
func (w *Worker) mergeGate(ctx context.Context, t *task.Task, pf *preflightResult, pr *hosting.PR, rec *store.RunRecord, rl *runLog, log *slog.Logger) *Outcome {
	rec.PRURL = pr.HTMLURL
	maxAttempts := w.cfg.Gate.RemediationMaxAttempts
	attempt := 0
	priorSignature := ""

	for {
		if ctx.Err() != nil {
			return &Outcome{Kind: store.OutcomeFailed, PRURL: pr.HTMLURL, Reason: ctx.Err().Error()}
		}

		required, err := gate.RequiredContexts(ctx, w.gh, pf.repoCfg, pr.BaseBranch)
		if err != nil {
			return w.gateFailure(ctx, t, pr, err, "resolve required checks", log)
		}
		res, err := w.poller.Poll(ctx, pr.Number, required)
		if err != nil {
			return w.gateFailure(ctx, t, pr, err, "poll checks", log)
		}
		rl.Printf("gate poll: rollup=%s mergeable=%s timed_out=%v waited=%s",
			res.Summary.Rollup, res.MergeableState, res.TimedOut, res.Waited)

		if res.Dirty() {
			if out := w.runConflictLane(ctx, t, pf, pr, rl); out != nil {
				return out
			}
			pr = w.refreshPR(ctx, pr)
			continue
		}

		if res.Summary.Rollup == gate.RollupSuccess && !res.TimedOut {
			out, again := w.mergeOnce(ctx, t, pf, pr, rec, rl, log)
			if out != nil {
				return out
			}
			if again {
				pr = w.refreshPR(ctx, pr)
				continue
			}
		}

		// Failure or timeout: triage.
		failing := triageChecks(res.Summary)
		decision := gate.Decide(gate.TriageInput{
			TimedOut:         res.TimedOut,
			Failing:          failing,
			DetectedCommands: gate.DetectCommands(failing),
			Attempt:          attempt,
			MaxAttempts:      maxAttempts,
			HasSession:       t.SessionID != "",
			Signature:        res.Summary.Signature,
			PriorSignature:   priorSignature,
		})
		sameSignature := priorSignature != "" && priorSignature == res.Summary.Signature
		priorSignature = res.Summary.Signature
		attempt++
		rl.Printf("triage attempt %d: class=%s action=%s reason=%s",
			attempt, decision.Classification, decision.Action, decision.Reason)

		switch decision.Action {
		case gate.ActionResume:
			if out := w.resumeCIFix(ctx, t, pf, pr, failing, rl, log); out != nil {
				return out
			}
		case gate.ActionSpawn:
			cres, err := w.cidebug.Run(ctx, pf.issueNum, pr, res.Summary,
				w.sessionOptions(t, supervise.ModeNormal))
			if err != nil {
				return w.gateFailure(ctx, t, pr, err, "ci-debug lane", log)
			}
			if cres.LeaseHeld {
				out := w.throttledRest(ctx, t, w.laneRest(cres.LeaseExpiresAt), "",
					cres.Reason, task.BlockedCIFailure)
				out.PRURL = pr.HTMLURL
				return out
			}
			if cres.Escalate {
				return w.escalateGate(ctx, t, pf, pr, "ci-triage", cres.Reason, failing, rl)
			}
		case gate.ActionQuarantine:
			rest := gate.QuarantineBackoff(w.cfg.Gate, attempt, sameSignature)
			out := w.throttledRest(ctx, t, w.now().Add(rest), "",
				"ci-quarantine: "+decision.Reason, task.BlockedCIFailure)
			out.PRURL = pr.HTMLURL
			return out
		default: // escalate
			return w.escalateGate(ctx, t, pf, pr, "ci-triage", decision.Reason, failing, rl)
		}

		pr = w.refreshPR(ctx, pr)
	}
}

// mergeOnce attempts the merge and maps the route. Returns (outcome, _)
// when the pass is over, or (nil, true) to re-poll.
func (w *Worker) mergeOnce(ctx context.Context, t *task.Task, pf *preflightResult, pr *hosting.PR, rec *store.RunRecord, rl *runLog, log *slog.Logger) (*Outcome, bool) {
	mo, err := w.merger.Merge(ctx, pr.Number, pf.issue, pf.repoCfg)
	if err != nil && mo == nil {
		return w.gateFailure(ctx, t, pr, err, "merge", log), false
	}
	rl.Printf("merge route: %s (%s)", mo.Route, mo.Reason)

	switch mo.Route {
	case gate.RouteMerged:
		return w.finalizeMerged(ctx, t, pf, pr, rec, rl, log), false
	case gate.RoutePoll:
		return nil, true
	case gate.RouteConflict:
		if out := w.runConflictLane(ctx, t, pf, pr, rl); out != nil {
			return out, false
		}
		return nil, true
	default: // refused
		out := w.refusedOutcome(ctx, t, pf, pr, mo.Reason, rl)
		return out, false
	}
}

// refusedOutcome maps a policy refusal onto the blocked taxonomy.
func (w *Worker) refusedOutcome(ctx context.Context, t *task.Task, pf *preflightResult, pr *hosting.PR, reason string, rl *runLog) *Outcome {
	rl.Printf("merge refused: %s", reason)
	var out *Outcome
	switch {
	case strings.Contains(reason, "CI/workflow"):
		out = w.markBlocked(ctx, t, task.BlockedCIOnly, reason, pr.HTMLURL)
	case strings.Contains(reason, "auto-update"):
		out = w.markBlocked(ctx, t, task.BlockedAutoUpdate, reason, pr.HTMLURL)
	default:
		out = w.markBlocked(ctx, t, task.BlockedMergeTarget, reason, pr.HTMLURL)
	}
	out.PRURL = pr.HTMLURL
	return out
}

// runConflictLane enters merge-conflict recovery. Nil means resolved;
// the caller re-polls.
func (w *Worker) runConflictLane(ctx context.Context, t *task.Task, pf *preflightResult, pr *hosting.PR, rl *runLog) *Outcome {
	rl.Printf("entering merge-conflict lane for %s", pr.HTMLURL)
	cres, err := w.conflicts.Run(ctx, pf.issueNum, pr, pr.BaseBranch,
		w.sessionOptions(t, supervise.ModeNormal))
	if err != nil {
		return &Outcome{Kind: store.OutcomeFailed, PRURL: pr.HTMLURL,
			Reason: fmt.Sprintf("merge-conflict lane: %v", err)}
	}
	if cres.LeaseHeld {
		rl.Printf("merge-conflict lane: %s, resting", cres.Reason)
		out := w.throttledRest(ctx, t, w.laneRest(cres.LeaseExpiresAt), "",
			cres.Reason, task.BlockedMergeConflict)
		out.PRURL = pr.HTMLURL
		return out
	}
	if cres.Escalate {
		out := w.escalate(ctx, t, pf.issueNum, "merge-conflict", cres.Reason, pr.HTMLURL, rl)
		out.PRURL = pr.HTMLURL
		return out
	}
	rl.Printf("merge-conflict lane resolved at head %s", cres.HeadSHA)
	return nil
}

// laneRest bounds the wait on a foreign lane lease: resume when the
// lease expires, checking back within five minutes either way.
func (w *Worker) laneRest(expiresAt time.Time) time.Time {
	limit := w.now().Add(5 * time.Minute)
	if expiresAt.IsZero() || expiresAt.After(limit) {
		return limit
	}
	return expiresAt
}

// resumeCIFix continues the task's session with the CI-fix prompt. Nil
// means the fix session ran; the caller re-polls.
func (w *Worker) resumeCIFix(ctx context.Context, t *task.Task, pf *preflightResult, pr *hosting.PR, failing []gate.TriageCheck, rl *runLog, log *slog.Logger) *Outcome {
	if out := w.gateThrottle(ctx, t, pf.profile); out != nil {
		out.PRURL = pr.HTMLURL
		return out
	}
	prompt := gate.CIFixPrompt(pr.HTMLURL, failing, gate.DetectCommands(failing))
	res, err := w.agent.ContinueSession(ctx, pf.worktree, t.SessionID, prompt,
		w.sessionOptions(t, supervise.ModeNormal))
	if err != nil {
		out := w.resetToQueued(ctx, t, fmt.Sprintf("CI-fix session failed: %v", err), log)
		out.PRURL = pr.HTMLURL
		return out
	}
	w.recordTokens(ctx, t.SessionID, res)
	if out := w.dispatchTrip(ctx, t, pf, res, rl, log); out != nil {
		out.PRURL = pr.HTMLURL
		return out
	}
	return nil
}

// finalizeMerged records the merge checkpoint, runs the post-merge
// survey, tears down the worktree, and marks the task done.
func (w *Worker) finalizeMerged(ctx context.Context, t *task.Task, pf *preflightResult, pr *hosting.PR, rec *store.RunRecord, rl *runLog, log *slog.Logger) *Outcome {
	rl.Printf("merged %s", pr.HTMLURL)
	if err := w.reach(ctx, t, task.CheckpointMergeStep); err != nil {
		return &Outcome{Kind: store.OutcomeFailed, PRURL: pr.HTMLURL, Reason: err.Error()}
	}

	w.survey(ctx, t, pf, rl, log)
	if err := w.reach(ctx, t, task.CheckpointSurveyComplete); err != nil {
		return &Outcome{Kind: store.OutcomeFailed, PRURL: pr.HTMLURL, Reason: err.Error()}
	}

	w.teardownWorktree(ctx, t, log)
	if err := w.reach(ctx, t, task.CheckpointRecorded); err != nil {
		return &Outcome{Kind: store.OutcomeFailed, PRURL: pr.HTMLURL, Reason: err.Error()}
	}
	return w.markDone(ctx, t, pr.HTMLURL, store.CompletionPR, "merged")
}

func (w *Worker) teardownWorktree(ctx context.Context, t *task.Task, log *slog.Logger) {
	if t.WorktreePath == "" {
		return
	}
	if err := w.worktrees.Remove(context.WithoutCancel(ctx), t.WorktreePath); err != nil {
		log.Warn("worktree teardown failed", "path", t.WorktreePath, "error", err)
	}
	w.patch(ctx, t, t.Status, &task.Patch{WorktreePath: task.Ptr("")})
}

// gateFailure maps a gate-phase infrastructure error onto the outcome
// taxonomy, with rate limits resting instead of failing.
func (w *Worker) gateFailure(ctx context.Context, t *task.Task, pr *hosting.PR, err error, phase string, log *slog.Logger) *Outcome {
	if out := w.maybeRateLimited(ctx, t, err, log); out != nil {
		out.PRURL = pr.HTMLURL
		return out
	}
	return &Outcome{Kind: store.OutcomeFailed, PRURL: pr.HTMLURL,
		Reason: fmt.Sprintf("%s: %v", phase, err)}
}

// escalateGate wraps escalate with the failing-check context.
func (w *Worker) escalateGate(ctx context.Context, t *task.Task, pf *preflightResult, pr *hosting.PR, source, reason string, failing []gate.TriageCheck, rl *runLog) *Outcome {
	names := make([]string, 0, len(failing))
	for _, c := range failing {
		names = append(names, fmt.Sprintf("%s (%s)", c.Name, c.RawState))
	}
	details := fmt.Sprintf("PR: %s\nfailing checks:\n%s", pr.HTMLURL, strings.Join(names, "\n"))
	out := w.escalate(ctx, t, pf.issueNum, source, reason, details, rl)
	out.PRURL = pr.HTMLURL
	return out
}

func (w *Worker) refreshPR(ctx context.Context, pr *hosting.PR) *hosting.PR {
	if fresh, err := w.gh.PRView(ctx, pr.Number); err == nil {
		return fresh
	}
	return pr
}

func triageChecks(s *gate.Summary) []gate.TriageCheck {
	failing := s.Failing()
	out := make([]gate.TriageCheck, 0, len(failing))
	for _, c := range failing {
		out = append(out, gate.TriageCheck{RequiredCheck: c})
	}
	return out
}
