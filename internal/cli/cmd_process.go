package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	ralpherrors "github.com/randalmurphal/ralph/internal/errors"
	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/queue"
	"github.com/randalmurphal/ralph/internal/task"
	"github.com/randalmurphal/ralph/internal/worker"
)

func newProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <task-id>",
		Short: "Run a single worker pass over a queued task",
		Long: `Run one pass directly, without the daemon. The pass plans, builds,
opens a PR, and waits on the merge gate, then exits with the outcome.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSinglePass(args[0], false)
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a throttled or interrupted task",
		Long: `Continue a task from its recorded session. Tasks without a live
session fall back to a fresh pass.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSinglePass(args[0], true)
		},
	}
}

func runSinglePass(taskID string, resume bool) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := rt.queue.GetTask(ctx, taskID)
	if errors.Is(err, queue.ErrNotFound) {
		return ralpherrors.ErrTaskNotFound(taskID)
	}
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return ralpherrors.ErrTaskInvalidState(t.ID, string(t.Status), string(task.StatusQueued))
	}

	pub := events.NewPersistentPublisher(events.NewDBSink(rt.db), "cli", rt.logger)
	defer pub.Close()

	runner := &taskRunner{rt: rt, pub: pub, workerID: "cli-" + hostname()}

	var out *worker.Outcome
	if resume && t.SessionID != "" {
		out, err = runner.Resume(ctx, t, "")
	} else {
		out, err = runner.Process(ctx, t)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Outcome: %s\n", out.Kind)
	if out.PRURL != "" {
		fmt.Printf("PR:      %s\n", out.PRURL)
	}
	if out.Reason != "" {
		fmt.Printf("Reason:  %s\n", out.Reason)
	}
	return nil
}
