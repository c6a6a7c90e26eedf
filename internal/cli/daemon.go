package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/ralph/internal/api"
	"github.com/randalmurphal/ralph/internal/conflict"
	"github.com/randalmurphal/ralph/internal/dispatch"
	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/gate"
	"github.com/randalmurphal/ralph/internal/git"
	"github.com/randalmurphal/ralph/internal/hosting/github"
	"github.com/randalmurphal/ralph/internal/lease"
	"github.com/randalmurphal/ralph/internal/lock"
	"github.com/randalmurphal/ralph/internal/notify"
	"github.com/randalmurphal/ralph/internal/planner"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/task"
	"github.com/randalmurphal/ralph/internal/throttle"
	"github.com/randalmurphal/ralph/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ralph daemon",
		Long: `Run the daemon: the dispatcher scans the queue and drives worker
passes, and the dashboard API serves live state when enabled.

Exactly one daemon owns a state home at a time, guarded by a heartbeat
lock. A crashed daemon's lock goes stale and the next start claims it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func lockOwner() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "ralph"
	}
	return fmt.Sprintf("%s@%s", user, hostname())
}

func runDaemon() error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	locker := lock.New(rt.cfg.LockPath(), lockOwner())
	if err := locker.Acquire(); err != nil {
		return err
	}
	defer func() { _ = locker.Release() }()

	heartbeat := lock.NewHeartbeatRunner(locker, 0)
	hbErrs := heartbeat.Start()
	defer heartbeat.Stop()

	pub := events.NewPersistentPublisher(events.NewDBSink(rt.db), "daemon", rt.logger)
	defer pub.Close()

	dispatcher := dispatch.New(rt.cfg, rt.queue, workerFactory(rt, pub),
		dispatch.WithLogger(rt.logger), dispatch.WithEvents(pub))

	if rt.cfg.Server.Enabled {
		srv := api.NewServer(rt.cfg, rt.queue, rt.store, pub,
			api.WithLogger(rt.logger), api.WithCanceller(dispatcher))
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start dashboard server: %w", err)
		}
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for err := range hbErrs {
			rt.logger.Error("lock heartbeat failed", "error", err)
		}
	}()

	rt.logger.Info("daemon started",
		"state_home", rt.cfg.StateHome,
		"max_concurrent", rt.cfg.Dispatch.MaxConcurrent)

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	rt.logger.Info("daemon stopped")
	return nil
}

// workerFactory builds per-task runners for the dispatcher. Each pass
// gets a fresh worker bound to the task's repo.
func workerFactory(rt *runtime, pub events.Publisher) dispatch.Factory {
	return func(id string) dispatch.Runner {
		return &taskRunner{rt: rt, pub: pub, workerID: id}
	}
}

type taskRunner struct {
	rt       *runtime
	pub      events.Publisher
	workerID string
}

func (r *taskRunner) Process(ctx context.Context, t *task.Task) (*worker.Outcome, error) {
	w, err := r.worker(t)
	if err != nil {
		return nil, err
	}
	return w.Process(ctx, t)
}

func (r *taskRunner) Resume(ctx context.Context, t *task.Task, resumeMessage string) (*worker.Outcome, error) {
	w, err := r.worker(t)
	if err != nil {
		return nil, err
	}
	return w.Resume(ctx, t, resumeMessage)
}

// worker assembles the full dependency set for one pass over t.
func (r *taskRunner) worker(t *task.Task) (*worker.Worker, error) {
	cfg := r.rt.cfg
	logger := r.rt.logger.With("worker", r.workerID, "task", t.ID)

	repoCfg := cfg.RepoFor(t.Repo)
	if repoCfg.Path == "" {
		return nil, fmt.Errorf("repos[%s].path is not configured; point it at a local clone", t.Repo)
	}

	token := os.Getenv(cfg.GitHubTokenEnv)
	if token == "" {
		logger.Warn("github token env is empty", "env", cfg.GitHubTokenEnv)
	}

	gh := github.New(t.RepoOwner(), t.RepoName(), token, github.WithLogger(logger))
	gitRunner := git.NewExecRunner()
	worktrees := git.NewManager(repoCfg.Path, cfg.WorktreesRoot(), t.RepoKey(),
		git.WithRunner(gitRunner), git.WithLogger(logger))

	agent := session.NewCompactRetryRunner(
		session.NewOpencodeRunner(session.WithLogger(logger)), logger)
	pool := throttle.NewPool(cfg.Throttle, cfg.ProfilesPath(), throttle.WithLogger(logger))

	deps := worker.Deps{
		Queue:     r.rt.queue,
		Store:     r.rt.store,
		GitHub:    gh,
		Worktrees: worktrees,
		GitRunner: gitRunner,
		Agent:     agent,
		Profiles:  pool,
		Quota:     pool,
		Leases:    lease.NewManager(r.rt.store, cfg.Lease, logger),
		Poller:    gate.NewPoller(gh, cfg.Gate, logger),
		Merger:    gate.NewMerger(gh, gate.NewAutoUpdater(gh, r.rt.store, logger), logger),
		CIDebug:   gate.NewCIDebugLane(gh, worktrees, agent, r.workerID, logger),
		Conflicts: conflict.NewLane(gh, worktrees, gitRunner, agent, cfg.Conflict, r.workerID, logger),
		Context:   planner.NewContextBuilder(gh, cfg.Planner),
		Notifier:  notify.NewSlog(logger),
		Events:    r.pub,
		Logger:    logger,
	}
	return worker.New(r.workerID, cfg, deps), nil
}

var _ dispatch.Runner = (*taskRunner)(nil)
var _ api.Canceller = (*dispatch.Dispatcher)(nil)
