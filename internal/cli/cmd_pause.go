package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	ralpherrors "github.com/randalmurphal/ralph/internal/errors"
	"github.com/randalmurphal/ralph/internal/queue"
	"github.com/randalmurphal/ralph/internal/task"
)

func newPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Ask a task to pause at a checkpoint",
		Long: `Set the pause request on a task. The worker suspends at the next
checkpoint, or at the named one with --at, and holds until unpaused.

Checkpoints: ` + checkpointList() + `

Examples:
  ralph pause 4f2a            # pause at the next checkpoint
  ralph pause 4f2a --at pr_ready`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, _ := cmd.Flags().GetString("at")
			return setPause(args[0], true, at)
		},
	}
	cmd.Flags().String("at", "", "checkpoint to pause at (default: next)")
	return cmd
}

func newUnpauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpause <task-id>",
		Short: "Clear a task's pause request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setPause(args[0], false, "")
		},
	}
}

func checkpointList() string {
	var names []string
	for _, c := range task.ValidCheckpoints() {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

func setPause(id string, pause bool, at string) error {
	cp := task.Checkpoint(at)
	if cp != "" && !task.IsValidCheckpoint(cp) {
		return fmt.Errorf("unknown checkpoint %q (one of: %s)", at, checkpointList())
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := context.Background()
	t, err := rt.queue.GetTask(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return ralpherrors.ErrTaskNotFound(id)
	}
	if err != nil {
		return err
	}

	ok, err := rt.queue.UpdateTaskStatus(ctx, t, t.Status, &task.Patch{
		PauseRequested:    task.Ptr(pause),
		PauseAtCheckpoint: &cp,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ralpherrors.ErrTaskLostUpdate(id)
	}

	if pause {
		where := "the next checkpoint"
		if cp != "" {
			where = string(cp)
		}
		fmt.Printf("Task %s will pause at %s\n", t.ID, where)
	} else {
		fmt.Printf("Task %s unpaused\n", t.ID)
	}
	return nil
}
