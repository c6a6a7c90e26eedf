package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/ralph/internal/task"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <owner/repo#N>",
		Short: "Queue an issue for processing",
		Long: `Queue a GitHub issue. The daemon picks queued tasks up on its next
scan; without a daemon, 'ralph process' runs a single pass directly.

Examples:
  ralph run acme/foo#42
  ralph run acme/foo#42 --name "Fix login bug"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			profile, _ := cmd.Flags().GetString("profile")
			return enqueueIssue(args[0], name, profile)
		},
	}
	cmd.Flags().String("name", "", "display name for dashboards")
	cmd.Flags().String("profile", "", "pin an agent profile for this task")
	return cmd
}

func enqueueIssue(ref, name, profile string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	repo, err := parseIssueRef(ref)
	if err != nil {
		return err
	}

	t := &task.Task{
		ID:           uuid.NewString(),
		Repo:         repo,
		Issue:        ref,
		DisplayName:  name,
		AgentProfile: profile,
		Status:       task.StatusQueued,
	}
	if !rt.cfg.OwnerAllowed(t.RepoOwner()) {
		return fmt.Errorf("owner %q is not in the allowlist", t.RepoOwner())
	}

	ctx := context.Background()
	existing, err := rt.queue.TasksForIssue(ctx, ref)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if !e.Status.IsTerminal() {
			return fmt.Errorf("issue %s already has task %s (%s)", ref, e.ID, e.Status)
		}
	}

	if err := rt.queue.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	fmt.Printf("Queued %s as task %s\n", ref, t.ID)
	return nil
}
