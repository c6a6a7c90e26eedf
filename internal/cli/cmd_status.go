package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/ralph/internal/task"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show the task table",
		Long: `Show every tracked task grouped by urgency: escalated and blocked
first, then in flight, throttled, queued, and recently finished.

Examples:
  ralph status           # the table
  ralph status --json    # machine-readable
  ralph status --all     # include terminal tasks`,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			return showStatus(all)
		},
	}
	cmd.Flags().BoolP("all", "a", false, "include done and escalated tasks")
	return cmd
}

// statusOrder ranks statuses by how urgently they need eyes.
func statusOrder(s task.Status) int {
	switch s {
	case task.StatusEscalated:
		return 0
	case task.StatusBlocked:
		return 1
	case task.StatusInProgress, task.StatusStarting:
		return 2
	case task.StatusThrottled:
		return 3
	case task.StatusQueued:
		return 4
	default:
		return 5
	}
}

func showStatus(all bool) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	statuses := []task.Status{
		task.StatusQueued, task.StatusStarting, task.StatusInProgress,
		task.StatusThrottled, task.StatusBlocked,
	}
	if all {
		statuses = task.ValidStatuses()
	}

	tasks, err := rt.queue.ListTasks(context.Background(), statuses...)
	if err != nil {
		return err
	}

	sort.Slice(tasks, func(i, j int) bool {
		oi, oj := statusOrder(tasks[i].Status), statusOrder(tasks[j].Status)
		if oi != oj {
			return oi < oj
		}
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(tasks)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		fmt.Println("\nGet started:")
		fmt.Println("  ralph run owner/repo#42")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tISSUE\tSTATUS\tCHECKPOINT\tUPDATED\tDETAIL")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(t.ID, 12), t.Issue, statusColor(t.Status),
			checkpointCell(t), formatAgo(t.UpdatedAt), detailCell(t))
	}
	_ = w.Flush()

	counts := map[task.Status]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}
	fmt.Printf("\n%d tasks (%d in flight, %d queued, %d blocked)\n",
		len(tasks),
		counts[task.StatusInProgress]+counts[task.StatusStarting],
		counts[task.StatusQueued],
		counts[task.StatusBlocked]+counts[task.StatusEscalated])
	return nil
}

func checkpointCell(t *task.Task) string {
	if t.PausedAtCheckpoint != "" {
		return string(t.PausedAtCheckpoint) + " (paused)"
	}
	if t.LastCheckpoint == "" {
		return "-"
	}
	return string(t.LastCheckpoint)
}

func detailCell(t *task.Task) string {
	switch t.Status {
	case task.StatusBlocked, task.StatusEscalated:
		return truncate(t.BlockedReason, 40)
	case task.StatusThrottled:
		if !t.ResumeAt.IsZero() {
			return "resumes " + t.ResumeAt.Format("15:04:05")
		}
	case task.StatusInProgress:
		if t.PauseRequested {
			return "pause requested"
		}
	}
	return ""
}
