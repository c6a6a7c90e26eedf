// Package dispatch feeds queued tasks to workers under per-repo slot
// limits and a global concurrency cap. One dispatcher per daemon; the
// queue's compare-and-set claim keeps it safe against a second daemon
// racing the same database.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/queue"
	"github.com/randalmurphal/ralph/internal/task"
	"github.com/randalmurphal/ralph/internal/worker"
)

// Runner is one worker's task-pass surface.
type Runner interface {
	Process(ctx context.Context, t *task.Task) (*worker.Outcome, error)
	Resume(ctx context.Context, t *task.Task, resumeMessage string) (*worker.Outcome, error)
}

// Factory builds a Runner bound to a worker identity.
type Factory func(id string) Runner

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// Dispatcher scans the queue and spawns one worker goroutine per
// claimed task, bounded by repo slots and the global cap.
type Dispatcher struct {
	cfg     *config.Config
	queue   queue.Queue
	factory Factory
	events  events.Publisher
	logger  *slog.Logger

	global *semaphore.Weighted

	mu       sync.Mutex
	repoSems map[string]*semaphore.Weighted
	active   map[string]context.CancelFunc

	seq atomic.Int64
	wg  sync.WaitGroup

	now func() time.Time
}

// New creates a dispatcher over the queue.
func New(cfg *config.Config, q queue.Queue, factory Factory, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		queue:    q,
		factory:  factory,
		events:   events.NewNopPublisher(),
		logger:   slog.Default(),
		global:   semaphore.NewWeighted(int64(cfg.Dispatch.MaxConcurrent)),
		repoSems: make(map[string]*semaphore.Weighted),
		active:   make(map[string]context.CancelFunc),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Run recovers daemon-owned leftovers, then scans the queue until the
// context is cancelled. Blocks; returns after all in-flight workers
// have drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.recoverStartup(ctx); err != nil {
		d.logger.Warn("startup recovery incomplete", "error", err)
	}

	ticker := time.NewTicker(d.cfg.Dispatch.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// recoverStartup returns tasks a dead daemon left mid-flight to the
// queue, keeping their session and worktree so the next pass resumes
// instead of replanning.
func (d *Dispatcher) recoverStartup(ctx context.Context) error {
	leftovers, err := d.queue.ListTasks(ctx, task.StatusStarting, task.StatusInProgress)
	if err != nil {
		return fmt.Errorf("list in-flight tasks: %w", err)
	}
	for _, t := range leftovers {
		ok, err := d.queue.UpdateTaskStatus(ctx, t, task.StatusQueued, &task.Patch{
			WorkerID: task.Ptr(""),
		})
		if err != nil || !ok {
			d.logger.Warn("startup requeue lost", "task", t.ID, "error", err)
			continue
		}
		d.logger.Info("recovered in-flight task",
			"task", t.ID, "session", t.SessionID, "worktree", t.WorktreePath)
	}
	return nil
}

// tick performs one scan-and-dispatch cycle.
func (d *Dispatcher) tick(ctx context.Context) {
	candidates, err := d.queue.ListTasks(ctx, task.StatusQueued, task.StatusThrottled)
	if err != nil {
		d.logger.Warn("queue scan failed", "error", err)
		return
	}

	now := d.now()
	ready := candidates[:0]
	for _, t := range candidates {
		if t.Status == task.StatusThrottled && now.Before(t.ResumeAt) {
			continue
		}
		ready = append(ready, t)
	}
	// Oldest first so a busy repo cannot starve the rest of the queue.
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].UpdatedAt.Before(ready[j].UpdatedAt)
	})

	for _, t := range ready {
		if d.isActive(t.ID) {
			continue
		}
		if !d.global.TryAcquire(1) {
			return
		}
		sem := d.repoSem(t.Repo)
		if !sem.TryAcquire(1) {
			d.global.Release(1)
			continue
		}
		if ok := d.claim(ctx, t); !ok {
			sem.Release(1)
			d.global.Release(1)
			continue
		}
		d.launch(ctx, t, sem)
	}
}

// claim moves the task to starting under the queue's CAS so exactly one
// dispatcher wins it.
func (d *Dispatcher) claim(ctx context.Context, t *task.Task) bool {
	ok, err := d.queue.UpdateTaskStatus(ctx, t, task.StatusStarting, &task.Patch{
		WorkerID: task.Ptr(d.nextWorkerID()),
	})
	if err != nil {
		d.logger.Warn("task claim failed", "task", t.ID, "error", err)
		return false
	}
	return ok
}

func (d *Dispatcher) nextWorkerID() string {
	return fmt.Sprintf("worker-%d", d.seq.Add(1))
}

// launch runs the task pass in its own goroutine, releasing the slots
// and the active entry when the pass ends.
func (d *Dispatcher) launch(ctx context.Context, t *task.Task, sem *semaphore.Weighted) {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.active[t.ID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.active, t.ID)
			d.mu.Unlock()
			cancel()
			sem.Release(1)
			d.global.Release(1)
			d.wg.Done()
		}()

		r := d.factory(t.WorkerID)
		var out *worker.Outcome
		var err error
		if t.SessionID != "" {
			out, err = r.Resume(runCtx, t, "")
		} else {
			out, err = r.Process(runCtx, t)
		}
		if err != nil {
			d.failGuard(context.WithoutCancel(runCtx), t, err)
			return
		}
		d.logger.Info("pass finished",
			"task", t.ID, "outcome", string(out.Kind), "reason", out.Reason)
	}()
}

// failGuard handles a pass that returned an error instead of an
// outcome. The task is re-read first: when an operator or another
// writer already moved it, their state wins and the error is only
// logged.
func (d *Dispatcher) failGuard(ctx context.Context, t *task.Task, passErr error) {
	d.logger.Error("pass errored", "task", t.ID, "error", passErr)

	fresh, err := d.queue.GetTask(ctx, t.ID)
	if err != nil {
		d.logger.Warn("post-error task read failed", "task", t.ID, "error", err)
		return
	}
	inFlight := fresh.Status == task.StatusStarting || fresh.Status == task.StatusInProgress
	if !inFlight || fresh.WorkerID != t.WorkerID {
		d.logger.Info("task moved externally, leaving its state",
			"task", t.ID, "status", string(fresh.Status))
		return
	}

	reason := "worker pass error"
	if _, err := d.queue.UpdateTaskStatus(ctx, fresh, task.StatusBlocked, &task.Patch{
		BlockedSource:  task.Ptr(task.BlockedRuntimeError),
		BlockedReason:  task.Ptr(reason),
		BlockedDetails: task.Ptr(passErr.Error()),
		BlockedAt:      task.Ptr(d.now()),
		WorkerID:       task.Ptr(""),
	}); err != nil {
		d.logger.Warn("post-error block failed", "task", t.ID, "error", err)
	}
}

// Cancel stops the in-flight pass for a task, if any. The worker sees
// a cancelled context and winds down through its normal outcome path.
func (d *Dispatcher) Cancel(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel, ok := d.active[taskID]
	if ok {
		cancel()
	}
	return ok
}

// ActiveCount returns the number of in-flight passes.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// ActiveTasks returns the IDs of in-flight tasks, sorted.
func (d *Dispatcher) ActiveTasks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Dispatcher) isActive(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[taskID]
	return ok
}

func (d *Dispatcher) repoSem(repo string) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.repoSems[repo]
	if !ok {
		slots := d.cfg.RepoFor(repo).Slots
		if slots < 1 {
			slots = 1
		}
		sem = semaphore.NewWeighted(int64(slots))
		d.repoSems[repo] = sem
	}
	return sem
}
