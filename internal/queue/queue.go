// Package queue provides the task queue port: transactional task reads and
// optimistic status-transition patches.
//
// At most one worker advances a task at a time. The queue enforces this
// with compare-and-set on (id, updated_at): a patch that loses the race
// returns false and the caller refreshes and retries, or yields ownership.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/ralph/internal/db"
	"github.com/randalmurphal/ralph/internal/task"
)

// Queue is the task-queue port the worker mutates tasks through.
type Queue interface {
	// CreateTask inserts a new task record.
	CreateTask(ctx context.Context, t *task.Task) error

	// GetTask loads a task by ID. Returns ErrNotFound when absent.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// ListTasks returns tasks filtered by status; no statuses means all.
	ListTasks(ctx context.Context, statuses ...task.Status) ([]*task.Task, error)

	// TasksForIssue returns tasks targeting the given issue reference.
	TasksForIssue(ctx context.Context, issue string) ([]*task.Task, error)

	// UpdateTaskStatus applies a status transition plus a sparse field
	// patch, compare-and-set on the task's updated_at token. Returns false
	// when another writer got there first; the in-memory task is only
	// mutated on success.
	UpdateTaskStatus(ctx context.Context, t *task.Task, status task.Status, patch *task.Patch) (bool, error)
}

// ErrNotFound is returned when a task ID does not exist.
var ErrNotFound = errors.New("task not found")

// DBQueue implements Queue over the ralph database.
type DBQueue struct {
	db *db.DB
}

// New creates a DBQueue.
func New(database *db.DB) *DBQueue {
	return &DBQueue{db: database}
}

// timeLayout is how timestamps are stored in TEXT columns, both dialects.
const timeLayout = time.RFC3339Nano

func toDBTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func fromDBTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateTask inserts a new task record.
func (q *DBQueue) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		return fmt.Errorf("task ID must be set")
	}
	if t.Status == "" {
		t.Status = task.StatusQueued
	}
	t.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	ph := make([]string, 0, 28)
	for i := 1; i <= 28; i++ {
		ph = append(ph, q.db.Placeholder(i))
	}

	query := `INSERT INTO tasks (
		id, repo, issue, display_name, status, session_id, worker_id,
		repo_slot, worktree_path, agent_profile, last_checkpoint,
		checkpoint_seq, pause_requested, pause_at_checkpoint,
		paused_at_checkpoint, blocked_source, blocked_reason,
		blocked_details, blocked_at, blocked_checked_at, watchdog_retries,
		stall_retries, guardrail_retries, assigned_at, completed_at,
		throttled_at, resume_at, updated_at
	) VALUES (` + strings.Join(ph, ", ") + `)`

	_, err := q.db.ExecContext(ctx, query,
		t.ID, t.Repo, t.Issue, t.DisplayName, string(t.Status), t.SessionID,
		t.WorkerID, t.RepoSlot, t.WorktreePath, t.AgentProfile,
		string(t.LastCheckpoint), t.CheckpointSeq, boolToInt(t.PauseRequested),
		string(t.PauseAtCheckpoint), string(t.PausedAtCheckpoint),
		string(t.BlockedSource), t.BlockedReason, t.BlockedDetails,
		toDBTime(t.BlockedAt), toDBTime(t.BlockedCheckedAt),
		t.WatchdogRetries, t.StallRetries, t.GuardrailRetries,
		toDBTime(t.AssignedAt), toDBTime(t.CompletedAt),
		toDBTime(t.ThrottledAt), toDBTime(t.ResumeAt),
		t.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

const taskColumns = `id, repo, issue, display_name, status, session_id,
	worker_id, repo_slot, worktree_path, agent_profile, last_checkpoint,
	checkpoint_seq, pause_requested, pause_at_checkpoint,
	paused_at_checkpoint, blocked_source, blocked_reason, blocked_details,
	blocked_at, blocked_checked_at, watchdog_retries, stall_retries,
	guardrail_retries, assigned_at, completed_at, throttled_at, resume_at,
	throttle_snapshot, run_log_path, updated_at`

// GetTask loads a task by ID.
func (q *DBQueue) GetTask(ctx context.Context, id string) (*task.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE id = " + q.db.Placeholder(1)
	row := q.db.QueryRowContext(ctx, query, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// ListTasks returns tasks filtered by status, oldest first.
func (q *DBQueue) ListTasks(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, s := range statuses {
			ph[i] = q.db.Placeholder(i + 1)
			args = append(args, string(s))
		}
		query += " WHERE status IN (" + strings.Join(ph, ", ") + ")"
	}
	query += " ORDER BY created_at ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TasksForIssue returns tasks targeting the issue reference, oldest first.
func (q *DBQueue) TasksForIssue(ctx context.Context, issue string) ([]*task.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE issue = " +
		q.db.Placeholder(1) + " ORDER BY created_at ASC"
	rows, err := q.db.QueryContext(ctx, query, issue)
	if err != nil {
		return nil, fmt.Errorf("tasks for issue %s: %w", issue, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskStatus applies the transition and patch with CAS on updated_at.
func (q *DBQueue) UpdateTaskStatus(ctx context.Context, t *task.Task, status task.Status, patch *task.Patch) (bool, error) {
	if !task.IsValidStatus(status) {
		return false, fmt.Errorf("invalid status %q", status)
	}

	newToken := time.Now().UTC().Truncate(time.Microsecond)
	// Tokens must strictly advance or CAS degenerates under a fast clock.
	if !newToken.After(t.UpdatedAt) {
		newToken = t.UpdatedAt.Add(time.Microsecond)
	}

	sets := []string{"status = %ph", "updated_at = %ph"}
	args := []any{string(status), newToken.Format(timeLayout)}

	add := func(col string, v any) {
		sets = append(sets, col+" = %ph")
		args = append(args, v)
	}

	if patch != nil {
		if patch.SessionID != nil {
			add("session_id", *patch.SessionID)
		}
		if patch.WorkerID != nil {
			add("worker_id", *patch.WorkerID)
		}
		if patch.RepoSlot != nil {
			add("repo_slot", *patch.RepoSlot)
		}
		if patch.WorktreePath != nil {
			add("worktree_path", *patch.WorktreePath)
		}
		if patch.AgentProfile != nil {
			add("agent_profile", *patch.AgentProfile)
		}
		if patch.LastCheckpoint != nil {
			add("last_checkpoint", string(*patch.LastCheckpoint))
		}
		if patch.CheckpointSeq != nil {
			add("checkpoint_seq", *patch.CheckpointSeq)
		}
		if patch.PauseRequested != nil {
			add("pause_requested", boolToInt(*patch.PauseRequested))
		}
		if patch.PauseAtCheckpoint != nil {
			add("pause_at_checkpoint", string(*patch.PauseAtCheckpoint))
		}
		if patch.PausedAtCheckpoint != nil {
			add("paused_at_checkpoint", string(*patch.PausedAtCheckpoint))
		}
		if patch.BlockedSource != nil {
			add("blocked_source", string(*patch.BlockedSource))
		}
		if patch.BlockedReason != nil {
			add("blocked_reason", *patch.BlockedReason)
		}
		if patch.BlockedDetails != nil {
			add("blocked_details", *patch.BlockedDetails)
		}
		if patch.BlockedAt != nil {
			add("blocked_at", toDBTime(*patch.BlockedAt))
		}
		if patch.BlockedCheckedAt != nil {
			add("blocked_checked_at", toDBTime(*patch.BlockedCheckedAt))
		}
		if patch.WatchdogRetries != nil {
			add("watchdog_retries", *patch.WatchdogRetries)
		}
		if patch.StallRetries != nil {
			add("stall_retries", *patch.StallRetries)
		}
		if patch.GuardrailRetries != nil {
			add("guardrail_retries", *patch.GuardrailRetries)
		}
		if patch.AssignedAt != nil {
			add("assigned_at", toDBTime(*patch.AssignedAt))
		}
		if patch.CompletedAt != nil {
			add("completed_at", toDBTime(*patch.CompletedAt))
		}
		if patch.ThrottledAt != nil {
			add("throttled_at", toDBTime(*patch.ThrottledAt))
		}
		if patch.ResumeAt != nil {
			add("resume_at", toDBTime(*patch.ResumeAt))
		}
		if patch.ThrottleSnapshot != nil {
			add("throttle_snapshot", *patch.ThrottleSnapshot)
		}
		if patch.RunLogPath != nil {
			add("run_log_path", *patch.RunLogPath)
		}
	}

	args = append(args, t.ID, t.UpdatedAt.Format(timeLayout))

	// Substitute dialect placeholders positionally.
	var b strings.Builder
	b.WriteString("UPDATE tasks SET ")
	idx := 0
	for i, s := range sets {
		if i > 0 {
			b.WriteString(", ")
		}
		idx++
		b.WriteString(strings.Replace(s, "%ph", q.db.Placeholder(idx), 1))
	}
	idx++
	b.WriteString(" WHERE id = " + q.db.Placeholder(idx))
	idx++
	b.WriteString(" AND updated_at = " + q.db.Placeholder(idx))

	res, err := q.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return false, fmt.Errorf("patch task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("patch task %s rows: %w", t.ID, err)
	}
	if n == 0 {
		return false, nil
	}

	// Write won; fold the patch into the in-memory record.
	t.Status = status
	if patch != nil {
		patch.Apply(t)
	}
	t.UpdatedAt = newToken
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var status, lastCP, pauseAt, pausedAt, blockedSrc string
	var pauseReq int
	var blockedAt, blockedCheckedAt, assignedAt, completedAt sql.NullString
	var throttledAt, resumeAt sql.NullString
	var updatedAt string

	err := row.Scan(
		&t.ID, &t.Repo, &t.Issue, &t.DisplayName, &status, &t.SessionID,
		&t.WorkerID, &t.RepoSlot, &t.WorktreePath, &t.AgentProfile, &lastCP,
		&t.CheckpointSeq, &pauseReq, &pauseAt, &pausedAt, &blockedSrc,
		&t.BlockedReason, &t.BlockedDetails, &blockedAt, &blockedCheckedAt,
		&t.WatchdogRetries, &t.StallRetries, &t.GuardrailRetries,
		&assignedAt, &completedAt, &throttledAt, &resumeAt,
		&t.ThrottleSnapshot, &t.RunLogPath, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.LastCheckpoint = task.Checkpoint(lastCP)
	t.PauseRequested = pauseReq != 0
	t.PauseAtCheckpoint = task.Checkpoint(pauseAt)
	t.PausedAtCheckpoint = task.Checkpoint(pausedAt)
	t.BlockedSource = task.BlockedSource(blockedSrc)
	t.BlockedAt = fromDBTime(blockedAt)
	t.BlockedCheckedAt = fromDBTime(blockedCheckedAt)
	t.AssignedAt = fromDBTime(assignedAt)
	t.CompletedAt = fromDBTime(completedAt)
	t.ThrottledAt = fromDBTime(throttledAt)
	t.ResumeAt = fromDBTime(resumeAt)
	t.UpdatedAt = fromDBTime(sql.NullString{String: updatedAt, Valid: true})
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
