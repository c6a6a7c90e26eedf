package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ralph/internal/db"
	"github.com/randalmurphal/ralph/internal/task"
)

func newTestQueue(t *testing.T) *DBQueue {
	t.Helper()
	d, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate())
	return New(d)
}

func newTestTask(id string) *task.Task {
	return &task.Task{
		ID:     id,
		Repo:   "acme/foo",
		Issue:  "acme/foo#42",
		Status: task.StatusQueued,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	in := newTestTask("task-1")
	in.DisplayName = "Fix the widget"
	require.NoError(t, q.CreateTask(ctx, in))

	got, err := q.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "acme/foo", got.Repo)
	assert.Equal(t, "acme/foo#42", got.Issue)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, "Fix the widget", got.DisplayName)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestGetTaskNotFound(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTaskStatusPatch(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	tk := newTestTask("task-1")
	require.NoError(t, q.CreateTask(ctx, tk))

	now := time.Now().UTC().Truncate(time.Second)
	ok, err := q.UpdateTaskStatus(ctx, tk, task.StatusInProgress, &task.Patch{
		SessionID:  task.Ptr("sess-abc"),
		WorkerID:   task.Ptr("worker-1"),
		AssignedAt: task.Ptr(now),
	})
	require.NoError(t, err)
	require.True(t, ok)

	// In-memory record folds the patch.
	assert.Equal(t, task.StatusInProgress, tk.Status)
	assert.Equal(t, "sess-abc", tk.SessionID)

	// Row matches.
	got, err := q.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.Equal(t, "sess-abc", got.SessionID)
	assert.Equal(t, "worker-1", got.WorkerID)
	assert.True(t, got.AssignedAt.Equal(now))
}

func TestUpdateTaskStatusLostUpdate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	tk := newTestTask("task-1")
	require.NoError(t, q.CreateTask(ctx, tk))

	// Two workers read the same record.
	a, err := q.GetTask(ctx, "task-1")
	require.NoError(t, err)
	b, err := q.GetTask(ctx, "task-1")
	require.NoError(t, err)

	okA, err := q.UpdateTaskStatus(ctx, a, task.StatusInProgress, &task.Patch{
		WorkerID: task.Ptr("worker-a"),
	})
	require.NoError(t, err)
	assert.True(t, okA)

	// The second writer observes a lost update.
	okB, err := q.UpdateTaskStatus(ctx, b, task.StatusInProgress, &task.Patch{
		WorkerID: task.Ptr("worker-b"),
	})
	require.NoError(t, err)
	assert.False(t, okB)

	got, err := q.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", got.WorkerID)
	// Loser's in-memory record is untouched.
	assert.Equal(t, "", b.WorkerID)
}

func TestListTasksByStatus(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	t1 := newTestTask("task-1")
	require.NoError(t, q.CreateTask(ctx, t1))
	t2 := newTestTask("task-2")
	require.NoError(t, q.CreateTask(ctx, t2))

	ok, err := q.UpdateTaskStatus(ctx, t2, task.StatusBlocked, &task.Patch{
		BlockedSource: task.Ptr(task.BlockedStall),
		BlockedReason: task.Ptr("no session activity"),
	})
	require.NoError(t, err)
	require.True(t, ok)

	queued, err := q.ListTasks(ctx, task.StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "task-1", queued[0].ID)

	blocked, err := q.ListTasks(ctx, task.StatusBlocked)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, task.BlockedStall, blocked[0].BlockedSource)

	all, err := q.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTasksForIssue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	t1 := newTestTask("task-1")
	require.NoError(t, q.CreateTask(ctx, t1))
	other := newTestTask("task-2")
	other.Issue = "acme/foo#43"
	require.NoError(t, q.CreateTask(ctx, other))

	got, err := q.TasksForIssue(ctx, "acme/foo#42")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "task-1", got[0].ID)
}
