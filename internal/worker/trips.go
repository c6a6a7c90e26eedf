package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/supervise"
	"github.com/randalmurphal/ralph/internal/task"
)

const watchdogSnapshotKind = "watchdog-signature"

// dispatchTrip routes a supervisor trip to its handler. Nil means no
// supervisor fired and the pass continues. A trip never yields success.
func (w *Worker) dispatchTrip(ctx context.Context, t *task.Task, pf *preflightResult, res *session.SessionResult, rl *runLog, log *slog.Logger) *Outcome {
	if res == nil || !res.Tripped() {
		return nil
	}
	switch {
	case res.Watchdog != nil:
		return w.handleWatchdog(ctx, t, pf, res.Watchdog, rl, log)
	case res.Stall != nil:
		return w.handleStall(ctx, t, pf, res.Stall, rl)
	case res.Guardrail != nil:
		return w.handleGuardrail(ctx, t, pf, res.Guardrail, rl, log)
	default:
		return w.handleLoop(ctx, t, pf, res.Loop, rl)
	}
}

// handleWatchdog re-queues with the session kept on the first hard trip.
// A repeat trip, or a trip whose recent-event signature matches the last
// one, escalates: the session is stuck in the same place.
func (w *Worker) handleWatchdog(ctx context.Context, t *task.Task, pf *preflightResult, trip *session.WatchdogTrip, rl *runLog, log *slog.Logger) *Outcome {
	prior, _ := w.store.LatestSnapshot(ctx, watchdogSnapshotKind, t.ID)
	if err := w.store.SaveSnapshot(ctx, watchdogSnapshotKind, t.ID, trip.Signature); err != nil {
		log.Warn("watchdog signature snapshot failed", "error", err)
	}

	reason := fmt.Sprintf("tool %s exceeded its %dms hard timeout (ran %dms)",
		trip.Tool, trip.ThresholdMs, trip.ElapsedMs)
	rl.Printf("watchdog trip: %s signature=%s", reason, trip.Signature)

	if t.WatchdogRetries > 0 || (prior != "" && prior == trip.Signature) {
		return w.escalate(ctx, t, pf.issueNum, "supervisor",
			"watchdog tripped repeatedly on the same tool pattern: "+reason,
			fmt.Sprintf("signature %s\nrecent events:\n%s", trip.Signature,
				joinLines(trip.RecentEvents)), rl)
	}

	body := fmt.Sprintf("ralph watchdog: %s. Re-queuing the task with the session kept; one more trip escalates.", reason)
	if _, err := w.gh.CreateComment(ctx, pf.issueNum, body); err != nil {
		log.Warn("watchdog diagnostic comment failed", "error", err)
	}
	return w.requeue(ctx, t, &task.Patch{
		WatchdogRetries: task.Ptr(t.WatchdogRetries + 1),
	}, "watchdog: "+reason)
}

// handleStall re-queues with the session kept until the restart budget
// is spent, then escalates.
func (w *Worker) handleStall(ctx context.Context, t *task.Task, pf *preflightResult, trip *session.StallTrip, rl *runLog) *Outcome {
	reason := fmt.Sprintf("no session activity for %dms", trip.IdleMs)
	rl.Printf("stall trip: %s", reason)

	if t.StallRetries >= w.cfg.Supervisors.Stall.MaxRestarts {
		return w.escalate(ctx, t, pf.issueNum, "supervisor",
			"session stalled past the restart budget: "+reason, "", rl)
	}
	return w.requeue(ctx, t, &task.Patch{
		StallRetries:  task.Ptr(t.StallRetries + 1),
		BlockedSource: task.Ptr(task.BlockedStall),
		BlockedReason: task.Ptr(reason),
		BlockedAt:     task.Ptr(w.now()),
	}, "stall: "+reason)
}

// handleGuardrail gives the session one tightly budgeted wrap-up call,
// then re-queues blocked for visibility. A second guardrail trip
// escalates.
func (w *Worker) handleGuardrail(ctx context.Context, t *task.Task, pf *preflightResult, trip *session.GuardrailTrip, rl *runLog, log *slog.Logger) *Outcome {
	reason := fmt.Sprintf("%s-mode budget exceeded (wall %dms of %dms, tools %d of %d)",
		trip.Mode, trip.WallClockMs, trip.WallClockBudgetMs, trip.ToolCalls, trip.ToolCallBudget)
	rl.Printf("guardrail trip: %s", reason)

	if t.GuardrailRetries > 0 {
		return w.escalate(ctx, t, pf.issueNum, "supervisor",
			"guardrail tripped twice: "+reason, "", rl)
	}

	if t.SessionID != "" {
		wrapRes, err := w.agent.ContinueSession(ctx, pf.worktree, t.SessionID,
			"Stop expanding scope. Write a checkpoint plan of at most 8 bullets describing remaining work, or open a PR now with what is done.",
			w.sessionOptions(t, supervise.ModeCheckpoint))
		if err != nil {
			log.Warn("guardrail wrap-up call failed", "error", err)
		} else {
			w.recordTokens(ctx, t.SessionID, wrapRes)
		}
	}
	return w.requeue(ctx, t, &task.Patch{
		GuardrailRetries: task.Ptr(t.GuardrailRetries + 1),
		BlockedSource:    task.Ptr(task.BlockedGuardrail),
		BlockedReason:    task.Ptr(reason),
		BlockedAt:        task.Ptr(w.now()),
	}, "guardrail: "+reason)
}

// handleLoop always escalates: the gate command keeps failing the same
// way and more iterations will not change that.
func (w *Worker) handleLoop(ctx context.Context, t *task.Task, pf *preflightResult, trip *session.LoopTrip, rl *runLog) *Outcome {
	reason := fmt.Sprintf("gate command %q failed %d times with signature %s",
		trip.GateCommand, trip.Count, trip.Signature)
	rl.Printf("loop trip: %s", reason)
	details := fmt.Sprintf("top touched files: %s\nrecommended gate command: %s",
		joinLines(trip.TopFiles), trip.GateCommand)
	return w.escalate(ctx, t, pf.issueNum, "supervisor", reason, details, rl)
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
