package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/ralph/internal/planner"
	"github.com/randalmurphal/ralph/internal/store"
	"github.com/randalmurphal/ralph/internal/supervise"
	"github.com/randalmurphal/ralph/internal/task"
)

// plan runs the planner agent over the issue context and routes the
// task. A nil return means routing said proceed; the session is pinned
// to the task and the build step continues it.
func (w *Worker) plan(ctx context.Context, t *task.Task, pf *preflightResult, rl *runLog, log *slog.Logger) *Outcome {
	issueContext, err := w.context.Build(ctx, pf.issueNum)
	if err != nil {
		// One retry covers transient cache misses on the host side.
		if serr := w.sleep(ctx, 2*time.Second); serr != nil {
			return &Outcome{Kind: store.OutcomeFailed, Reason: serr.Error()}
		}
		issueContext, err = w.context.Build(ctx, pf.issueNum)
	}
	if err != nil {
		if out := w.maybeRateLimited(ctx, t, err, log); out != nil {
			return out
		}
		return &Outcome{Kind: store.OutcomeFailed,
			Reason: fmt.Sprintf("build issue context: %v", err)}
	}

	if out := w.gateThrottle(ctx, t, pf.profile); out != nil {
		return out
	}

	res, err := w.agent.RunAgent(ctx, pf.worktree, "planner",
		plannerPrompt(issueContext, pf.repoCfg.IntegrationBranch),
		w.sessionOptions(t, supervise.ModeNormal))
	if err != nil {
		return &Outcome{Kind: store.OutcomeFailed,
			Reason: fmt.Sprintf("planner session: %v", err)}
	}
	if res.SessionID != "" {
		w.patch(ctx, t, t.Status, &task.Patch{SessionID: task.Ptr(res.SessionID)})
	}
	w.recordTokens(ctx, t.SessionID, res)
	if out := w.dispatchTrip(ctx, t, pf, res, rl, log); out != nil {
		return out
	}

	routing, err := planner.ParseRouting(res.Output)
	if err != nil {
		return w.escalate(ctx, t, pf.issueNum, "routing",
			"planner produced no usable routing decision", res.Output, rl)
	}
	rl.Printf("routing: decision=%s type=%s product_gap=%v",
		routing.Decision, routing.IssueType, routing.ProductGap)

	if err := w.reach(ctx, t, task.CheckpointPlanned); err != nil {
		return &Outcome{Kind: store.OutcomeFailed, Reason: err.Error()}
	}

	if routing.Escalates() && routing.Implementation() && !routing.ProductGap {
		// Implementation-type escalations get one devex consult before
		// leaving automation; the consult may reroute to proceed.
		routing = w.devexConsult(ctx, t, pf, routing, rl, log)
	}
	if routing.Escalates() {
		return w.escalate(ctx, t, pf.issueNum, "routing", routing.Reason, res.Output, rl)
	}

	if err := w.reach(ctx, t, task.CheckpointRouted); err != nil {
		return &Outcome{Kind: store.OutcomeFailed, Reason: err.Error()}
	}
	return nil
}

// devexConsult continues the planner session once with a feasibility
// probe. The consult's routing replaces the original only when it parses.
func (w *Worker) devexConsult(ctx context.Context, t *task.Task, pf *preflightResult, routing planner.RoutingDecision, rl *runLog, log *slog.Logger) planner.RoutingDecision {
	if t.SessionID == "" {
		return routing
	}
	rl.Printf("devex consult before escalating: %s", routing.Reason)
	res, err := w.agent.ContinueSession(ctx, pf.worktree, t.SessionID, consultPrompt(routing.Reason),
		w.sessionOptions(t, supervise.ModeCheckpoint))
	if err != nil {
		log.Warn("devex consult failed", "error", err)
		return routing
	}
	w.recordTokens(ctx, t.SessionID, res)
	if res.Tripped() {
		return routing
	}
	rerouted, err := planner.ParseRouting(res.Output)
	if err != nil {
		return routing
	}
	rl.Printf("devex reroute: decision=%s", rerouted.Decision)
	return rerouted
}

func plannerPrompt(issueContext, base string) string {
	return fmt.Sprintf(`%s

---
You are the planning step of an automated coding pipeline targeting base branch %s.
Read the issue above, inspect the repository, and decide whether the work can
proceed autonomously. Finish with a single-line JSON object:
{"decision":"proceed|escalate|blocker","issue_type":"implementation|question|...","product_gap":false,"reason":"..."}`,
		issueContext, base)
}

func consultPrompt(reason string) string {
	return fmt.Sprintf(`Before escalating, take one more look as a developer-experience consult.
The stated blocker was: %s
If a reasonable engineer could proceed with documented assumptions, say so.
Finish with a single-line JSON routing object as before.`, reason)
}
