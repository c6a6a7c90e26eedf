// Package worker drives one task from queued to done: preflight, plan,
// build, PR, merge gate, survey. Every state change goes through the
// queue's patch interface and every pass is sealed into the run ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/conflict"
	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/gate"
	"github.com/randalmurphal/ralph/internal/git"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/lease"
	"github.com/randalmurphal/ralph/internal/notify"
	"github.com/randalmurphal/ralph/internal/planner"
	"github.com/randalmurphal/ralph/internal/queue"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/store"
	"github.com/randalmurphal/ralph/internal/supervise"
	"github.com/randalmurphal/ralph/internal/task"
	"github.com/randalmurphal/ralph/internal/throttle"
)

// Outcome is what one worker pass produced.
type Outcome struct {
	Kind           store.Outcome
	CompletionKind store.CompletionKind
	PRURL          string
	Reason         string
}

// Deps are the ports and collaborators a worker composes. Logger,
// Notifier, Events, and Quota default to no-ops when nil.
type Deps struct {
	Queue     queue.Queue
	Store     store.Store
	GitHub    hosting.Port
	Worktrees *git.Manager
	GitRunner git.CommandRunner
	Agent     session.Runner
	Profiles  *throttle.Pool
	Quota     throttle.Port
	Leases    *lease.Manager
	Poller    *gate.Poller
	Merger    *gate.Merger
	CIDebug   *gate.CIDebugLane
	Conflicts *conflict.Lane
	Context   *planner.ContextBuilder
	Notifier  notify.Port
	Events    events.Publisher
	Logger    *slog.Logger
}

// Worker processes one task at a time. One instance per in-flight task;
// the dispatcher owns the fan-out.
type Worker struct {
	id        string
	cfg       *config.Config
	queue     queue.Queue
	store     store.Store
	gh        hosting.Port
	worktrees *git.Manager
	gitRunner git.CommandRunner
	agent     session.Runner
	profiles  *throttle.Pool
	quota     throttle.Port
	leases    *lease.Manager
	poller    *gate.Poller
	merger    *gate.Merger
	cidebug   *gate.CIDebugLane
	conflicts *conflict.Lane
	context   *planner.ContextBuilder
	notifier  notify.Port
	events    events.Publisher
	logger    *slog.Logger

	// seams for tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a worker identified by id.
func New(id string, cfg *config.Config, d Deps) *Worker {
	w := &Worker{
		id:        id,
		cfg:       cfg,
		queue:     d.Queue,
		store:     d.Store,
		gh:        d.GitHub,
		worktrees: d.Worktrees,
		gitRunner: d.GitRunner,
		agent:     d.Agent,
		profiles:  d.Profiles,
		quota:     d.Quota,
		leases:    d.Leases,
		poller:    d.Poller,
		merger:    d.Merger,
		cidebug:   d.CIDebug,
		conflicts: d.Conflicts,
		context:   d.Context,
		notifier:  d.Notifier,
		events:    d.Events,
		logger:    d.Logger,
		sleep:     sleepCtx,
		now:       time.Now,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.notifier == nil {
		w.notifier = notify.Nop{}
	}
	if w.events == nil {
		w.events = events.NewNopPublisher()
	}
	if w.quota == nil {
		w.quota = throttle.AlwaysOK{}
	}
	w.logger = w.logger.With("worker", id)
	return w
}

// Process runs a task from the top: preflight, reconciliation, planner,
// build, merge gate, survey.
func (w *Worker) Process(ctx context.Context, t *task.Task) (*Outcome, error) {
	return w.run(ctx, t, store.AttemptProcess, "")
}

// Resume re-enters a task that already has a session, skipping the
// planner. resumeMessage overrides the default restart-safe message.
func (w *Worker) Resume(ctx context.Context, t *task.Task, resumeMessage string) (*Outcome, error) {
	return w.run(ctx, t, store.AttemptResume, resumeMessage)
}

func (w *Worker) run(ctx context.Context, t *task.Task, kind store.AttemptKind, resumeMessage string) (*Outcome, error) {
	log := w.logger.With("task", t.ID, "repo", t.Repo, "issue", t.Issue)

	rec := &store.RunRecord{
		ID:          uuid.NewString(),
		TaskID:      t.ID,
		Repo:        t.Repo,
		Issue:       t.Issue,
		WorkerID:    w.id,
		SessionID:   t.SessionID,
		AttemptKind: kind,
		StartedAt:   w.now(),
	}
	if err := w.store.CreateRunRecord(ctx, rec); err != nil {
		log.Warn("run record create failed", "error", err)
	}

	rl := w.openRunLog(t, kind, log)
	defer rl.Close()

	w.events.Publish(events.NewEvent(events.EventWorkerBusy, t.ID, events.BusyData{
		WorkerID: w.id, Repo: t.Repo, Issue: t.Issue,
	}))

	out := w.execute(ctx, t, kind, resumeMessage, rec, rl, log)

	w.seal(ctx, t, rec, rl, out, log)
	w.events.Publish(events.NewEvent(events.EventWorkerIdle, t.ID, events.BusyData{
		WorkerID: w.id, Repo: t.Repo, Issue: t.Issue, Outcome: string(out.Kind),
	}))
	if out.Kind == store.OutcomeSuccess && out.PRURL != "" {
		w.notifier.NotifyTaskComplete(ctx, t, t.Repo, out.PRURL)
	}
	return out, nil
}

// execute is the pass body; it always returns an outcome, mapping every
// failure onto the outcome taxonomy rather than an error return.
func (w *Worker) execute(ctx context.Context, t *task.Task, kind store.AttemptKind, resumeMessage string, rec *store.RunRecord, rl *runLog, log *slog.Logger) *Outcome {
	pf, early := w.preflight(ctx, t, kind, rl, log)
	if early != nil {
		return early
	}
	rec.AgentProfile = pf.profile

	if ok := w.patch(ctx, t, task.StatusInProgress, &task.Patch{
		WorkerID:     task.Ptr(w.id),
		AgentProfile: task.Ptr(pf.profile),
		AssignedAt:   task.Ptr(w.now()),
		RunLogPath:   task.Ptr(rl.Path()),
	}); !ok {
		return &Outcome{Kind: store.OutcomeFailed, Reason: "lost the task record while starting"}
	}

	// Queued-PR reconciliation: an existing open PR short-circuits the
	// planner and goes straight to recovery or the merge gate.
	if kind == store.AttemptProcess {
		if pr, err := w.resolveCanonicalPR(ctx, t, pf.issueNum, log); err == nil && pr != nil {
			rl.Printf("reconciled to existing PR %s (state %s)", pr.HTMLURL, pr.MergeableState)
			return w.mergeGate(ctx, t, pf, pr, rec, rl, log)
		}
	}

	var firstMessage string
	switch kind {
	case store.AttemptResume:
		if t.SessionID == "" {
			return w.resetToQueued(ctx, t, "resume without a session", log)
		}
		firstMessage = resumeMessage
		if firstMessage == "" {
			firstMessage = restartSafeMessage(pf.repoCfg.IntegrationBranch)
		}
	default:
		out := w.plan(ctx, t, pf, rl, log)
		if out != nil {
			return out
		}
		firstMessage = fmt.Sprintf(
			"Proceed with the implementation targeting base branch %s. Commit as you go and open a PR when the change is ready.",
			pf.repoCfg.IntegrationBranch)
	}

	prURL, out := w.build(ctx, t, pf, rec, rl, firstMessage, log)
	if out != nil {
		return out
	}
	rec.PRURL = prURL

	pr, err := w.prFromURL(ctx, prURL)
	if err != nil {
		if rlOut := w.maybeRateLimited(ctx, t, err, log); rlOut != nil {
			return rlOut
		}
		return &Outcome{Kind: store.OutcomeFailed, PRURL: prURL,
			Reason: fmt.Sprintf("resolve PR after build: %v", err)}
	}

	return w.mergeGate(ctx, t, pf, pr, rec, rl, log)
}

// patch applies a status transition with one refresh-and-retry on a
// lost optimistic update.
func (w *Worker) patch(ctx context.Context, t *task.Task, status task.Status, p *task.Patch) bool {
	ok, err := w.queue.UpdateTaskStatus(ctx, t, status, p)
	if err != nil {
		w.logger.Error("task patch failed", "task", t.ID, "error", err)
		return false
	}
	if ok {
		return true
	}
	fresh, err := w.queue.GetTask(ctx, t.ID)
	if err != nil {
		return false
	}
	*t = *fresh
	ok, err = w.queue.UpdateTaskStatus(ctx, t, status, p)
	return err == nil && ok
}

// refresh reloads the task record in place.
func (w *Worker) refresh(ctx context.Context, t *task.Task) error {
	fresh, err := w.queue.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	*t = *fresh
	return nil
}

// markDone finalizes a successful pass.
func (w *Worker) markDone(ctx context.Context, t *task.Task, prURL string, completion store.CompletionKind, reason string) *Outcome {
	w.patch(ctx, t, task.StatusDone, &task.Patch{
		CompletedAt: task.Ptr(w.now()),
	})
	return &Outcome{Kind: store.OutcomeSuccess, CompletionKind: completion, PRURL: prURL, Reason: reason}
}

// markBlocked rests the task in a human-resumable blocked state.
func (w *Worker) markBlocked(ctx context.Context, t *task.Task, source task.BlockedSource, reason, details string) *Outcome {
	now := w.now()
	w.patch(ctx, t, task.StatusBlocked, &task.Patch{
		BlockedSource:  task.Ptr(source),
		BlockedReason:  task.Ptr(reason),
		BlockedDetails: task.Ptr(details),
		BlockedAt:      task.Ptr(now),
	})
	return &Outcome{Kind: store.OutcomeFailed, Reason: fmt.Sprintf("blocked(%s): %s", source, reason)}
}

// resetToQueued atomically returns a task to the queue with its session,
// worktree, and worker bindings cleared so the next pass plans fresh.
func (w *Worker) resetToQueued(ctx context.Context, t *task.Task, reason string, log *slog.Logger) *Outcome {
	log.Warn("resetting task to queued", "reason", reason)
	w.patch(ctx, t, task.StatusQueued, &task.Patch{
		SessionID:    task.Ptr(""),
		WorkerID:     task.Ptr(""),
		WorktreePath: task.Ptr(""),
	})
	return &Outcome{Kind: store.OutcomeFailed, Reason: "reset to queued: " + reason}
}

// requeue puts the task back with its session kept, after a recoverable
// supervisor trip.
func (w *Worker) requeue(ctx context.Context, t *task.Task, p *task.Patch, reason string) *Outcome {
	if p == nil {
		p = &task.Patch{}
	}
	p.WorkerID = task.Ptr("")
	w.patch(ctx, t, task.StatusQueued, p)
	return &Outcome{Kind: store.OutcomeFailed, Reason: "re-queued: " + reason}
}

// maybeRateLimited converts a GitHub rate-limit error into the throttled
// rest, echoing the server-provided resume time.
func (w *Worker) maybeRateLimited(ctx context.Context, t *task.Task, err error, log *slog.Logger) *Outcome {
	var apiErr *hosting.GitHubAPIError
	if !errors.As(err, &apiErr) || !apiErr.IsRateLimit() {
		return nil
	}
	resumeAt := apiErr.ResumeAt
	if resumeAt.IsZero() {
		resumeAt = w.now().Add(5 * time.Minute)
	}
	log.Warn("github rate limited", "resume_at", resumeAt)
	return w.throttledRest(ctx, t, resumeAt, "", "rate-limit", task.BlockedAPIRateLimit)
}

// throttledRest transitions the task to throttled until resumeAt and
// publishes the pause event pair.
func (w *Worker) throttledRest(ctx context.Context, t *task.Task, resumeAt time.Time, snapshot, reason string, source task.BlockedSource) *Outcome {
	now := w.now()
	w.events.Publish(events.NewEvent(events.EventPauseRequested, t.ID, events.PauseData{
		Reason: reason, ResumeAt: resumeAt,
	}))
	p := &task.Patch{
		ThrottledAt: task.Ptr(now),
		ResumeAt:    task.Ptr(resumeAt),
	}
	if snapshot != "" {
		p.ThrottleSnapshot = task.Ptr(snapshot)
	}
	if source != "" {
		p.BlockedSource = task.Ptr(source)
		p.BlockedReason = task.Ptr(reason)
		p.BlockedAt = task.Ptr(now)
	}
	w.patch(ctx, t, task.StatusThrottled, p)
	w.events.Publish(events.NewEvent(events.EventPauseReached, t.ID, events.PauseData{
		Reason: reason, ResumeAt: resumeAt,
	}))
	return &Outcome{Kind: store.OutcomeThrottled, Reason: reason}
}

// gateThrottle consults the quota oracle for the task's profile; a hard
// decision produces the throttled rest.
func (w *Worker) gateThrottle(ctx context.Context, t *task.Task, profile string) *Outcome {
	dec, err := w.quota.GetDecision(ctx, w.now(), profile)
	if err != nil {
		w.logger.Warn("quota consultation failed", "task", t.ID, "error", err)
		return nil
	}
	if !dec.Hard() {
		return nil
	}
	resumeAt := dec.ResumeAt
	if resumeAt.IsZero() {
		resumeAt = w.now().Add(15 * time.Minute)
	}
	return w.throttledRest(ctx, t, resumeAt, string(dec.Snapshot), "throttle", "")
}

// sessionOptions assembles the monitor set and event relay for one
// session call.
func (w *Worker) sessionOptions(t *task.Task, mode supervise.GuardrailMode) session.Options {
	sup := w.cfg.Supervisors
	var monitors []session.Monitor
	if wd := supervise.NewWatchdog(sup.Watchdog, w.logger); wd != nil {
		monitors = append(monitors, wd)
	}
	if st := supervise.NewStall(sup.Stall, w.logger); st != nil {
		monitors = append(monitors, st)
	}
	if g := supervise.NewGuardrail(sup.Guardrail, mode, w.logger); g != nil {
		monitors = append(monitors, g)
	}
	taskID := t.ID
	sessionID := t.SessionID
	return session.Options{
		Monitors: monitors,
		OnEvent: func(ev session.Event) {
			switch ev.Type {
			case session.EventText:
				w.events.Publish(events.NewEvent(events.EventSessionText, taskID, events.SessionTextData{
					SessionID: sessionID, Text: ev.Text,
				}))
			default:
				w.events.Publish(events.NewEvent(events.EventSessionEvent, taskID, events.SessionEventData{
					SessionID: sessionID, Kind: string(ev.Type), Tool: ev.Tool, Detail: ev.Text,
				}))
			}
		},
	}
}

// recordTokens folds a session result's token counts into the per-session
// totals, best-effort.
func (w *Worker) recordTokens(ctx context.Context, sessionID string, res *session.SessionResult) {
	if res == nil || sessionID == "" || (res.TokensIn == 0 && res.TokensOut == 0) {
		return
	}
	if err := w.store.AddTokenTotals(ctx, sessionID, res.TokensIn, res.TokensOut); err != nil {
		w.logger.Warn("token totals update failed", "session", sessionID, "error", err)
	}
}

// seal closes out the run record with the pass outcome and token totals,
// then appends the run-log footer.
func (w *Worker) seal(ctx context.Context, t *task.Task, rec *store.RunRecord, rl *runLog, out *Outcome, log *slog.Logger) {
	rec.SessionID = t.SessionID
	rec.Outcome = out.Kind
	rec.CompletionKind = out.CompletionKind
	if out.PRURL != "" {
		rec.PRURL = out.PRURL
	}
	rec.Reason = out.Reason
	rec.FinishedAt = w.now()
	if rec.SessionID != "" {
		if in, tokOut, err := w.store.TokenTotals(ctx, rec.SessionID); err == nil {
			rec.TokensIn, rec.TokensOut = in, tokOut
		}
	}
	if err := w.store.SealRunRecord(ctx, rec); err != nil {
		log.Warn("run record seal failed", "error", err)
	}
	rl.Footer(out.Kind, rec.TokensIn, rec.TokensOut, rec.FinishedAt.Sub(rec.StartedAt))
}

func restartSafeMessage(base string) string {
	return fmt.Sprintf(
		"The orchestrator restarted. Re-read the working tree state before acting; work may already be committed or pushed. Continue the implementation targeting base branch %s. Do not create a new PR if one already exists for this work.",
		base)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
