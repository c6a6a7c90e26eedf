package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/queue"
	"github.com/randalmurphal/ralph/internal/store"
	"github.com/randalmurphal/ralph/internal/task"
)

type memQueue struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

func newMemQueue(ts ...*task.Task) *memQueue {
	q := &memQueue{tasks: map[string]*task.Task{}}
	for _, t := range ts {
		cp := *t
		q.tasks[t.ID] = &cp
	}
	return q
}

func (q *memQueue) CreateTask(_ context.Context, t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *t
	q.tasks[t.ID] = &cp
	return nil
}

func (q *memQueue) GetTask(_ context.Context, id string) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	got, ok := q.tasks[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	cp := *got
	return &cp, nil
}

func (q *memQueue) ListTasks(_ context.Context, statuses ...task.Status) ([]*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*task.Task
	for _, t := range q.tasks {
		for _, s := range statuses {
			if t.Status == s {
				cp := *t
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (q *memQueue) TasksForIssue(_ context.Context, issue string) ([]*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*task.Task
	for _, t := range q.tasks {
		if t.Issue == issue {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (q *memQueue) UpdateTaskStatus(_ context.Context, t *task.Task, status task.Status, patch *task.Patch) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.tasks[t.ID]
	if !ok {
		return false, queue.ErrNotFound
	}
	if !stored.UpdatedAt.Equal(t.UpdatedAt) {
		return false, nil
	}
	if patch != nil {
		patch.Apply(stored)
	}
	stored.Status = status
	stored.UpdatedAt = stored.UpdatedAt.Add(time.Millisecond)
	*t = *stored
	return true, nil
}

type memStore struct {
	store.Store
	runs []*store.RunRecord
}

func (s *memStore) RunsForTask(_ context.Context, taskID string) ([]*store.RunRecord, error) {
	var out []*store.RunRecord
	for _, r := range s.runs {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeCanceller struct {
	active    []string
	cancelled []string
}

func (c *fakeCanceller) Cancel(taskID string) bool {
	c.cancelled = append(c.cancelled, taskID)
	for _, id := range c.active {
		if id == taskID {
			return true
		}
	}
	return false
}

func (c *fakeCanceller) ActiveTasks() []string { return c.active }

func sampleTask(id string, status task.Status) *task.Task {
	return &task.Task{
		ID:        id,
		Repo:      "acme/foo",
		Issue:     "acme/foo#7",
		Status:    status,
		UpdatedAt: time.Now(),
	}
}

type apiFixture struct {
	srv    *httptest.Server
	q      *memQueue
	st     *memStore
	pub    *events.MemoryPublisher
	cancel *fakeCanceller
}

func newAPIFixture(t *testing.T, tasks ...*task.Task) *apiFixture {
	t.Helper()
	f := &apiFixture{
		q:      newMemQueue(tasks...),
		st:     &memStore{},
		pub:    events.NewMemoryPublisher(),
		cancel: &fakeCanceller{},
	}
	t.Cleanup(f.pub.Close)

	s := NewServer(config.Default(), f.q, f.st, f.pub, WithCanceller(f.cancel))
	f.srv = httptest.NewServer(s.routes())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *apiFixture) post(t *testing.T, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	var body map[string]string
	resp := f.get(t, "/healthz", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestListTasks(t *testing.T) {
	f := newAPIFixture(t,
		sampleTask("t1", task.StatusQueued),
		sampleTask("t2", task.StatusInProgress),
		sampleTask("t3", task.StatusDone),
	)
	f.cancel.active = []string{"t2"}

	var body struct {
		Tasks []taskSummary `json:"tasks"`
	}
	resp := f.get(t, "/api/tasks", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Tasks, 3)

	byID := map[string]taskSummary{}
	for _, s := range body.Tasks {
		byID[s.ID] = s
	}
	assert.True(t, byID["t2"].Active)
	assert.False(t, byID["t1"].Active)
}

func TestListTasks_StatusFilter(t *testing.T) {
	f := newAPIFixture(t,
		sampleTask("t1", task.StatusQueued),
		sampleTask("t2", task.StatusDone),
	)

	var body struct {
		Tasks []taskSummary `json:"tasks"`
	}
	f.get(t, "/api/tasks?status=queued", &body)
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "t1", body.Tasks[0].ID)

	resp := f.get(t, "/api/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTask_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	var apiErr APIError
	resp := f.get(t, "/api/tasks/nope", &apiErr)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "TASK_NOT_FOUND", apiErr.Code)
}

func TestPauseTask(t *testing.T) {
	f := newAPIFixture(t, sampleTask("t1", task.StatusInProgress))

	var sum taskSummary
	resp := f.post(t, "/api/tasks/t1/pause", pauseRequest{AtCheckpoint: "pr_ready"}, &sum)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, sum.PauseRequested)

	stored, err := f.q.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, stored.PauseRequested)
	assert.Equal(t, task.Checkpoint("pr_ready"), stored.PauseAtCheckpoint)
	assert.Equal(t, task.StatusInProgress, stored.Status, "pause never changes status")
}

func TestPauseTask_UnknownCheckpoint(t *testing.T) {
	f := newAPIFixture(t, sampleTask("t1", task.StatusInProgress))
	resp := f.post(t, "/api/tasks/t1/pause", pauseRequest{AtCheckpoint: "bogus"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnpauseTask(t *testing.T) {
	paused := sampleTask("t1", task.StatusInProgress)
	paused.PauseRequested = true
	paused.PauseAtCheckpoint = "pr_ready"
	f := newAPIFixture(t, paused)

	resp := f.post(t, "/api/tasks/t1/unpause", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := f.q.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, stored.PauseRequested)
	assert.Empty(t, stored.PauseAtCheckpoint)
}

func TestCancelTask(t *testing.T) {
	f := newAPIFixture(t, sampleTask("t1", task.StatusInProgress))
	f.cancel.active = []string{"t1"}

	var body map[string]any
	resp := f.post(t, "/api/tasks/t1/cancel", nil, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cancelled"])
	assert.Equal(t, []string{"t1"}, f.cancel.cancelled)
}

func TestTaskRuns(t *testing.T) {
	f := newAPIFixture(t, sampleTask("t1", task.StatusDone))
	f.st.runs = []*store.RunRecord{
		{ID: "run-1", TaskID: "t1"},
		{ID: "run-2", TaskID: "other"},
	}

	var body struct {
		Runs []*store.RunRecord `json:"runs"`
	}
	resp := f.get(t, "/api/tasks/t1/runs", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "run-1", body.Runs[0].ID)
}
