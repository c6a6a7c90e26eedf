package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/store"
	"github.com/randalmurphal/ralph/internal/supervise"
	"github.com/randalmurphal/ralph/internal/task"
)

// maxBuildSteps bounds how many session calls the build loop spends
// before falling back to worktree-based PR recovery.
const maxBuildSteps = 3

// build drives the implementation: continue the session until it yields
// a PR URL, gating every call on throttle state and supervisor trips.
// Returns the PR URL or a terminal outcome, never both.
func (w *Worker) build(ctx context.Context, t *task.Task, pf *preflightResult, rec *store.RunRecord, rl *runLog, firstMessage string, log *slog.Logger) (string, *Outcome) {
	loop := supervise.NewLoopDetector(pf.repoCfg.Loop)
	msg := firstMessage

	for step := 0; step < maxBuildSteps; step++ {
		if out := w.gateThrottle(ctx, t, pf.profile); out != nil {
			return "", out
		}

		var res *session.SessionResult
		var err error
		if t.SessionID == "" {
			res, err = w.agent.RunAgent(ctx, pf.worktree, "general", msg,
				w.sessionOptions(t, supervise.ModeNormal))
		} else {
			res, err = w.agent.ContinueSession(ctx, pf.worktree, t.SessionID, msg,
				w.sessionOptions(t, supervise.ModeNormal))
		}
		if err != nil {
			// Session infrastructure failure, not a supervisor trip: the
			// session cannot be trusted any more, so plan fresh next pass.
			return "", w.resetToQueued(ctx, t, fmt.Sprintf("session call failed: %v", err), log)
		}
		if res.ErrorCode == session.ErrorSessionNotFound {
			return "", w.resetToQueued(ctx, t, "agent session disappeared", log)
		}
		if res.SessionID != "" && res.SessionID != t.SessionID {
			w.patch(ctx, t, t.Status, &task.Patch{SessionID: task.Ptr(res.SessionID)})
		}
		w.recordTokens(ctx, t.SessionID, res)
		rec.SessionID = t.SessionID

		if out := w.dispatchTrip(ctx, t, pf, res, rl, log); out != nil {
			return "", out
		}
		if out := w.gateThrottle(ctx, t, pf.profile); out != nil {
			return "", out
		}

		if err := w.reach(ctx, t, task.CheckpointImplementationStep); err != nil {
			return "", &Outcome{Kind: store.OutcomeFailed, Reason: err.Error()}
		}

		if loop != nil {
			if res.Success {
				loop.RecordSuccess()
			} else if trip := loop.RecordFailure(res.Output); trip != nil {
				res.Loop = trip
				return "", w.dispatchTrip(ctx, t, pf, res, rl, log)
			}
		}

		url := res.PRURL
		if url == "" {
			url = session.ExtractPRURL(res.Output)
		}
		if url != "" {
			rl.Printf("PR detected: %s", url)
			if err := w.reach(ctx, t, task.CheckpointPRReady); err != nil {
				return "", &Outcome{Kind: store.OutcomeFailed, Reason: err.Error()}
			}
			return url, nil
		}

		rl.Printf("build step %d ended without a PR URL", step+1)
		msg = fmt.Sprintf(
			"No pull request was detected in your last step. Do not start new work. If the implementation is complete, push the branch and open a PR against %s now; otherwise finish the smallest mergeable slice and open the PR.",
			pf.repoCfg.IntegrationBranch)
	}

	return w.recoverPR(ctx, t, pf, rl, log)
}
