package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/conflict"
	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/gate"
	"github.com/randalmurphal/ralph/internal/git"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/lease"
	"github.com/randalmurphal/ralph/internal/marker"
	"github.com/randalmurphal/ralph/internal/planner"
	"github.com/randalmurphal/ralph/internal/queue"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/store"
	"github.com/randalmurphal/ralph/internal/task"
	"github.com/randalmurphal/ralph/internal/throttle"
)

// --- fakes ---

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
		if len(statuses) == 0 {
			cp := *t
			out = append(out, &cp)
			continue
		}
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

// mutate edits the stored record directly, simulating an external writer.
func (q *memQueue) mutate(id string, fn func(*task.Task)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok {
		fn(t)
		t.UpdatedAt = t.UpdatedAt.Add(time.Millisecond)
	}
}

type memStore struct {
	store.Store

	mu    sync.Mutex
	idem  map[string]store.IdempotencyRow
	runs  []*store.RunRecord
	snaps map[string]string
	toks  map[string][2]int64
}

func newMemStore() *memStore {
	return &memStore{
		idem:  map[string]store.IdempotencyRow{},
		snaps: map[string]string{},
		toks:  map[string][2]int64{},
	}
}

func (s *memStore) RecordIdempotencyKey(_ context.Context, scope, key, payload string) (bool, *store.IdempotencyRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scope + "|" + key
	if row, ok := s.idem[k]; ok {
		cp := row
		return false, &cp, nil
	}
	row := store.IdempotencyRow{Scope: scope, Key: key, Payload: payload, CreatedAt: time.Now()}
	s.idem[k] = row
	return true, nil, nil
}

func (s *memStore) DeleteIdempotencyKey(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idem, scope+"|"+key)
	return nil
}

func (s *memStore) CreateRunRecord(_ context.Context, r *store.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs = append(s.runs, &cp)
	return nil
}

func (s *memStore) SealRunRecord(_ context.Context, r *store.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, got := range s.runs {
		if got.ID == r.ID {
			cp := *r
			s.runs[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("run %s not found", r.ID)
}

func (s *memStore) RunsForTask(_ context.Context, taskID string) ([]*store.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.RunRecord
	for _, r := range s.runs {
		if r.TaskID == taskID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) SaveSnapshot(_ context.Context, kind, ref, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[kind+"|"+ref] = payload
	return nil
}

func (s *memStore) LatestSnapshot(_ context.Context, kind, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[kind+"|"+ref], nil
}

func (s *memStore) AddTokenTotals(_ context.Context, sessionID string, in, out int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tot := s.toks[sessionID]
	s.toks[sessionID] = [2]int64{tot[0] + in, tot[1] + out}
	return nil
}

func (s *memStore) TokenTotals(_ context.Context, sessionID string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tot := s.toks[sessionID]
	return tot[0], tot[1], nil
}

// workerHost is an in-memory hosting.Port; unset function fields fall
// back to permissive defaults.
type workerHost struct {
	hosting.Port

	mu           sync.Mutex
	issue        *hosting.Issue
	issueErr     error
	comments     []hosting.Comment
	created      []hosting.Issue
	prs          map[int]*hosting.PR
	files        []string
	checks       []hosting.CheckRun
	merged       []int
	searched     []hosting.PR
	labels       []string
	nextID       int64
	commentLists int
}

func newWorkerHost() *workerHost {
	return &workerHost{
		issue: &hosting.Issue{Number: 7, Title: "Add pagination", State: "open"},
		prs:   map[int]*hosting.PR{},
		files: []string{"api/list.go"},
		checks: []hosting.CheckRun{
			{ID: 1, Name: "ci", Status: "completed", Conclusion: "success"},
		},
		nextID: 100,
	}
}

func (h *workerHost) IssueView(context.Context, int) (*hosting.Issue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.issueErr != nil {
		return nil, h.issueErr
	}
	cp := *h.issue
	return &cp, nil
}

func (h *workerHost) CreateIssue(_ context.Context, title, body string, labels []string) (*hosting.Issue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	is := hosting.Issue{Number: int(h.nextID), Title: title, Body: body, Labels: labels, State: "open"}
	h.created = append(h.created, is)
	cp := is
	return &cp, nil
}

func (h *workerHost) ListIssueComments(context.Context, int) ([]hosting.Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commentLists++
	return append([]hosting.Comment(nil), h.comments...), nil
}

func (h *workerHost) CreateComment(_ context.Context, _ int, body string) (*hosting.Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	c := hosting.Comment{ID: h.nextID, Body: body, Author: "ralph"}
	h.comments = append(h.comments, c)
	cp := c
	return &cp, nil
}

func (h *workerHost) UpdateComment(_ context.Context, id int64, body string) (*hosting.Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.comments {
		if h.comments[i].ID == id {
			h.comments[i].Body = body
			cp := h.comments[i]
			return &cp, nil
		}
	}
	return nil, hosting.ErrNotFound
}

func (h *workerHost) AddLabel(_ context.Context, _ int, label string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.labels = append(h.labels, label)
	return nil
}

func (h *workerHost) RemoveLabel(context.Context, int, string) error { return nil }

func (h *workerHost) BranchProtection(context.Context, string) (*hosting.BranchProtection, error) {
	return nil, hosting.ErrNotFound
}

func (h *workerHost) PutBranchProtection(context.Context, string, hosting.BranchProtection) error {
	return nil
}

func (h *workerHost) CommitCheckRuns(context.Context, string) ([]hosting.CheckRun, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hosting.CheckRun(nil), h.checks...), nil
}

func (h *workerHost) CommitStatuses(context.Context, string) ([]hosting.Status, error) {
	return nil, nil
}

func (h *workerHost) SearchPRsByIssue(context.Context, int) ([]hosting.PR, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hosting.PR(nil), h.searched...), nil
}

func (h *workerHost) PRView(_ context.Context, number int) (*hosting.PR, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pr, ok := h.prs[number]
	if !ok {
		return nil, hosting.ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

func (h *workerHost) PRMergeCandidate(ctx context.Context, number int) (*hosting.PR, error) {
	return h.PRView(ctx, number)
}

func (h *workerHost) PRFiles(context.Context, int) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.files...), nil
}

func (h *workerHost) MergePR(_ context.Context, number int, _ hosting.MergeOptions) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.merged = append(h.merged, number)
	if pr, ok := h.prs[number]; ok {
		pr.Merged = true
		pr.State = "closed"
	}
	return "mergedsha", nil
}

func (h *workerHost) UpdatePRBranch(context.Context, int) error { return nil }

func (h *workerHost) RefSHA(_ context.Context, ref string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, pr := range h.prs {
		if ref == "heads/"+pr.HeadBranch {
			return pr.HeadSHA, nil
		}
	}
	return "", hosting.ErrNotFound
}

func (h *workerHost) DeleteRef(context.Context, string) error { return nil }

func (h *workerHost) OwnerRepo() (string, string) { return "acme", "foo" }

// stubAgent replays scripted session results in order. onPrompt, when
// set, runs after each session so tests can move external state the way
// a real agent push would.
type stubAgent struct {
	mu       sync.Mutex
	results  []*session.SessionResult
	prompts  []string
	onPrompt func(prompt string)
}

func (a *stubAgent) next(prompt string) (*session.SessionResult, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, prompt)
	hook := a.onPrompt
	var res *session.SessionResult
	if len(a.results) == 0 {
		res = &session.SessionResult{Success: true, SessionID: "sess-1"}
	} else {
		res = a.results[0]
		a.results = a.results[1:]
	}
	a.mu.Unlock()
	if hook != nil {
		hook(prompt)
	}
	return res, nil
}

func (a *stubAgent) RunAgent(_ context.Context, _, _, prompt string, _ session.Options) (*session.SessionResult, error) {
	return a.next(prompt)
}

func (a *stubAgent) ContinueSession(_ context.Context, _, _, message string, _ session.Options) (*session.SessionResult, error) {
	return a.next(message)
}

func (a *stubAgent) ContinueCommand(_ context.Context, _, _, command string, _ []string, _ session.Options) (*session.SessionResult, error) {
	return a.next("/" + command)
}

func (a *stubAgent) XDGCacheHome(string, string, string) string { return "" }

// cleanRunner answers every git command with empty output.
type cleanRunner struct{}

func (cleanRunner) Run(context.Context, string, string, ...string) (string, error) {
	return "", nil
}

// dirtyRunner reports uncommitted changes on git status.
type dirtyRunner struct{}

func (dirtyRunner) Run(_ context.Context, _, name string, args ...string) (string, error) {
	if name == "git" && len(args) > 0 && args[0] == "status" {
		return " M api/list.go", nil
	}
	return "", nil
}

type hardQuota struct{ resumeAt time.Time }

func (q hardQuota) GetDecision(context.Context, time.Time, string) (throttle.Decision, error) {
	return throttle.Decision{State: throttle.StateHard, ResumeAt: q.resumeAt}, nil
}

// --- harness ---

type fixture struct {
	w     *Worker
	q     *memQueue
	st    *memStore
	host  *workerHost
	agent *stubAgent
	t     *task.Task

	runner git.CommandRunner
	quota  throttle.Port
	ev     <-chan events.Event
}

func newFixture(t *testing.T, opts ...func(*fixture)) *fixture {
	t.Helper()
	logger := slog.Default()

	cfg := config.Default()
	cfg.StateHome = t.TempDir()
	cfg.Allowlist = []string{"acme"}
	cfg.Gate.PollInterval = time.Millisecond
	cfg.Gate.Timeout = time.Second

	tk := &task.Task{
		ID:        "task-1",
		Repo:      "acme/foo",
		Issue:     "acme/foo#7",
		Status:    task.StatusQueued,
		UpdatedAt: time.Now(),
	}

	f := &fixture{
		q:     newMemQueue(tk),
		st:    newMemStore(),
		host:  newWorkerHost(),
		agent: &stubAgent{},
		t:     tk,
	}

	for _, opt := range opts {
		opt(f)
	}
	runner := f.runner
	if runner == nil {
		runner = cleanRunner{}
	}

	mgr := git.NewManager(t.TempDir(), cfg.WorktreesRoot(), "acme-foo",
		git.WithRunner(runner), git.WithLogger(logger))

	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)
	f.ev = pub.Subscribe(events.GlobalTaskID)

	f.w = New("w1", cfg, Deps{
		Queue:     f.q,
		Store:     f.st,
		GitHub:    f.host,
		Worktrees: mgr,
		GitRunner: runner,
		Agent:     f.agent,
		Quota:     f.quota,
		Leases:    lease.NewManager(f.st, cfg.Lease, logger),
		Poller:    gate.NewPoller(f.host, cfg.Gate, logger),
		Merger:    gate.NewMerger(f.host, gate.NewAutoUpdater(f.host, f.st, logger), logger),
		CIDebug:   gate.NewCIDebugLane(f.host, mgr, f.agent, "w1", logger),
		Conflicts: conflict.NewLane(f.host, mgr, runner, f.agent, cfg.Conflict, "w1", logger),
		Context:   planner.NewContextBuilder(f.host, cfg.Planner),
		Events:    pub,
		Logger:    logger,
	})
	f.w.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func withRunner(r git.CommandRunner) func(*fixture) {
	return func(f *fixture) { f.runner = r }
}

func withQuota(q throttle.Port) func(*fixture) {
	return func(f *fixture) { f.quota = q }
}

func (f *fixture) stored(t *testing.T) *task.Task {
	t.Helper()
	got, err := f.q.GetTask(context.Background(), f.t.ID)
	require.NoError(t, err)
	return got
}

func proceedRouting() *session.SessionResult {
	return &session.SessionResult{
		Success:   true,
		SessionID: "sess-1",
		Output:    `{"decision":"proceed","issue_type":"implementation","reason":"clear scope"}`,
	}
}

func buildWithPR(url string) *session.SessionResult {
	return &session.SessionResult{
		Success:   true,
		SessionID: "sess-1",
		Output:    "done, opened " + url,
	}
}

func (f *fixture) seedPR(number int) *hosting.PR {
	pr := &hosting.PR{
		Number:         number,
		Title:          "Add pagination",
		State:          "open",
		HeadBranch:     "ralph/issue-7",
		HeadSHA:        "abc123",
		BaseBranch:     "bot/integration",
		HTMLURL:        fmt.Sprintf("https://github.com/acme/foo/pull/%d", number),
		MergeableState: "clean",
		CreatedAt:      time.Now().Add(-time.Hour),
		UpdatedAt:      time.Now(),
	}
	f.host.mu.Lock()
	f.host.prs[number] = pr
	f.host.mu.Unlock()
	return pr
}

// --- scenarios ---

func TestProcess_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.agent.results = []*session.SessionResult{
		{
			Success:   true,
			SessionID: "sess-1",
			Output:    `{"decision":"proceed","issue_type":"implementation","reason":"clear scope"}`,
			TokensIn:  120, TokensOut: 30,
		},
		{
			Success:   true,
			SessionID: "sess-1",
			Output:    "Implemented and opened https://github.com/acme/foo/pull/12",
			TokensIn:  200, TokensOut: 50,
		},
		{
			Success:   true,
			SessionID: "sess-1",
			Output:    `{"title":"Leftover TODO in pagination cursor","body":"Found while closing out the change."}`,
			TokensIn:  10, TokensOut: 5,
		},
	}
	f.seedPR(12)

	out, err := f.w.Process(context.Background(), f.t)
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, out.Kind)
	assert.Equal(t, store.CompletionPR, out.CompletionKind)
	assert.Equal(t, "https://github.com/acme/foo/pull/12", out.PRURL)

	got := f.stored(t)
	assert.Equal(t, task.StatusDone, got.Status)
	assert.Equal(t, task.CheckpointRecorded, got.LastCheckpoint)
	assert.Equal(t, 7, got.CheckpointSeq)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Empty(t, got.WorktreePath, "worktree should be torn down after merge")
	assert.False(t, got.CompletedAt.IsZero())
	assert.FileExists(t, got.RunLogPath)

	require.Len(t, f.host.merged, 1)
	assert.Equal(t, 12, f.host.merged[0])

	require.Len(t, f.host.created, 1)
	assert.Equal(t, "Leftover TODO in pagination cursor", f.host.created[0].Title)
	assert.Equal(t, []string{surveyLabel}, f.host.created[0].Labels)

	runs, err := f.st.RunsForTask(context.Background(), f.t.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.OutcomeSuccess, runs[0].Outcome)
	assert.Equal(t, store.CompletionPR, runs[0].CompletionKind)
	assert.Equal(t, int64(330), runs[0].TokensIn)
	assert.Equal(t, int64(85), runs[0].TokensOut)
	assert.False(t, runs[0].FinishedAt.IsZero())
}

func TestProcess_OwnerOutsideAllowlist(t *testing.T) {
	f := newFixture(t)
	f.q.mutate(f.t.ID, func(tk *task.Task) {
		tk.Repo = "evil/foo"
		tk.Issue = "evil/foo#7"
	})
	tk := f.stored(t)

	out, err := f.w.Process(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeFailed, out.Kind)
	assert.Contains(t, out.Reason, "allowlist")

	got := f.stored(t)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Equal(t, task.BlockedAllowlist, got.BlockedSource)
	assert.False(t, got.BlockedAt.IsZero())
}

func TestProcess_ClosedIssueSkips(t *testing.T) {
	f := newFixture(t)
	f.host.issue.State = "closed"

	out, err := f.w.Process(context.Background(), f.t)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeSuccess, out.Kind)
	assert.Equal(t, store.CompletionVerified, out.CompletionKind)

	got := f.stored(t)
	assert.Equal(t, task.StatusDone, got.Status)
	assert.Empty(t, f.agent.prompts, "no agent call for a closed issue")
}

func TestProcess_DirtyRepoRootBlocks(t *testing.T) {
	f := newFixture(t, withRunner(dirtyRunner{}))

	out, err := f.w.Process(context.Background(), f.t)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeFailed, out.Kind)

	got := f.stored(t)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Equal(t, task.BlockedDirtyRepo, got.BlockedSource)
}

func TestProcess_HardThrottleRests(t *testing.T) {
	resumeAt := time.Now().Add(40 * time.Minute).Truncate(time.Second)
	f := newFixture(t, withQuota(hardQuota{resumeAt: resumeAt}))

	out, err := f.w.Process(context.Background(), f.t)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeThrottled, out.Kind)

	got := f.stored(t)
	assert.Equal(t, task.StatusThrottled, got.Status)
	assert.False(t, got.ThrottledAt.IsZero())
	assert.True(t, got.ResumeAt.Equal(resumeAt), "rest should echo the oracle's resume time")
}

func TestProcess_RateLimitedFetchRests(t *testing.T) {
	resumeAt := time.Now().Add(20 * time.Minute).Truncate(time.Second)
	f := newFixture(t)
	f.host.issueErr = &hosting.GitHubAPIError{
		StatusCode: 403, Code: "rate_limited", ResumeAt: resumeAt,
	}

	out, err := f.w.Process(context.Background(), f.t)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeThrottled, out.Kind)

	got := f.stored(t)
	assert.Equal(t, task.StatusThrottled, got.Status)
	assert.Equal(t, task.BlockedAPIRateLimit, got.BlockedSource)
	assert.True(t, got.ResumeAt.Equal(resumeAt), "rest should echo the server's reset time")
}

func TestProcess_PlannerEscalationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	escalating := &session.SessionResult{
		Success:   true,
		SessionID: "sess-1",
		Output:    `{"decision":"escalate","issue_type":"question","reason":"requirements are contradictory"}`,
	}
	f.agent.results = []*session.SessionResult{escalating}

	out, err := f.w.Process(context.Background(), f.stored(t))
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeEscalated, out.Kind)
	assert.Equal(t, task.StatusEscalated, f.stored(t).Status)

	// A second pass over the same failure repeats the status transition
	// but never doubles the comment or notification.
	f.agent.results = []*session.SessionResult{escalating}
	out, err = f.w.Process(context.Background(), f.stored(t))
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeEscalated, out.Kind)

	escalations := 0
	for _, c := range f.host.comments {
		if marker.Has(c.Body, marker.KindEscalation) {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations)
}

func TestProcess_WatchdogRequeuesThenEscalates(t *testing.T) {
	f := newFixture(t)
	trip := func() *session.SessionResult {
		return &session.SessionResult{
			SessionID: "sess-1",
			Watchdog: &session.WatchdogTrip{
				Tool: "bash", ElapsedMs: 700000, ThresholdMs: 600000,
				Signature:    "bash:go test ./...",
				RecentEvents: []string{"tool_start bash", "text compiling"},
			},
		}
	}
	f.agent.results = []*session.SessionResult{proceedRouting(), trip()}

	out, err := f.w.Process(context.Background(), f.stored(t))
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeFailed, out.Kind)
	assert.Contains(t, out.Reason, "re-queued")

	got := f.stored(t)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, 1, got.WatchdogRetries)
	assert.Equal(t, "sess-1", got.SessionID, "session survives the first trip")
	assert.Empty(t, got.WorkerID)

	// Same signature on the next pass: the session is stuck, escalate.
	f.agent.results = []*session.SessionResult{proceedRouting(), trip()}
	out, err = f.w.Process(context.Background(), f.stored(t))
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeEscalated, out.Kind)
	assert.Equal(t, task.StatusEscalated, f.stored(t).Status)

	escalations := 0
	for _, c := range f.host.comments {
		if marker.Has(c.Body, marker.KindEscalation) {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations)
}

func TestResume_WithoutSessionResets(t *testing.T) {
	f := newFixture(t)

	out, err := f.w.Resume(context.Background(), f.stored(t), "")
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeFailed, out.Kind)
	assert.Contains(t, out.Reason, "reset to queued")
	assert.Equal(t, task.StatusQueued, f.stored(t).Status)
}

func TestReach_PausesUntilCleared(t *testing.T) {
	f := newFixture(t)
	f.q.mutate(f.t.ID, func(tk *task.Task) {
		tk.Status = task.StatusInProgress
		tk.PauseRequested = true
		tk.PauseAtCheckpoint = task.CheckpointPlanned
	})
	tk := f.stored(t)

	polls := 0
	f.w.sleep = func(context.Context, time.Duration) error {
		polls++
		if polls == 3 {
			f.q.mutate(tk.ID, func(stored *task.Task) {
				stored.PauseRequested = false
			})
		}
		return nil
	}

	require.NoError(t, f.w.reach(context.Background(), tk, task.CheckpointPlanned))
	assert.GreaterOrEqual(t, polls, 3)

	got := f.stored(t)
	assert.Equal(t, task.CheckpointPlanned, got.LastCheckpoint)
	assert.Equal(t, 1, got.CheckpointSeq)
	assert.Empty(t, got.PausedAtCheckpoint, "pause marker clears on resume")

	reached := false
	for {
		select {
		case ev := <-f.ev:
			if ev.Type == events.EventPauseReached {
				reached = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, reached, "pause.reached should be published while suspended")
}

func TestReach_NonMatchingCheckpointDoesNotPause(t *testing.T) {
	f := newFixture(t)
	f.q.mutate(f.t.ID, func(tk *task.Task) {
		tk.Status = task.StatusInProgress
		tk.PauseRequested = true
		tk.PauseAtCheckpoint = task.CheckpointPRReady
	})
	tk := f.stored(t)

	polls := 0
	f.w.sleep = func(context.Context, time.Duration) error {
		polls++
		return nil
	}

	require.NoError(t, f.w.reach(context.Background(), tk, task.CheckpointPlanned))
	assert.Zero(t, polls, "a non-matching pause target must not suspend")
	assert.Empty(t, f.stored(t).PausedAtCheckpoint)
}

func TestReach_CancelledWhilePaused(t *testing.T) {
	f := newFixture(t)
	f.q.mutate(f.t.ID, func(tk *task.Task) {
		tk.Status = task.StatusInProgress
		tk.PauseRequested = true
	})
	tk := f.stored(t)

	f.w.sleep = func(context.Context, time.Duration) error {
		f.q.mutate(tk.ID, func(stored *task.Task) {
			stored.Status = task.StatusQueued
		})
		return nil
	}

	err := f.w.reach(context.Background(), tk, task.CheckpointPlanned)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "left in-progress")
}

func TestSurveyFindings(t *testing.T) {
	output := `Survey complete. Findings below.
{"title":"Flaky retry in list endpoint","body":"Saw one spurious 500 during verification."}
not json
{"body":"missing title, skipped"}
{"title":"  ","body":"blank title, skipped"}
{"title":"Docs drift in README"}`

	findings := surveyFindings(output)
	require.Len(t, findings, 2)
	assert.Equal(t, "Flaky retry in list endpoint", findings[0].title)
	assert.Equal(t, "Saw one spurious 500 during verification.", findings[0].body)
	assert.Equal(t, "Docs drift in README", findings[1].title)
	assert.Empty(t, findings[1].body)
}

// conflictScriptRunner makes the probe merge conflict on api/list.go
// and answers everything else cleanly.
type conflictScriptRunner struct{}

func (conflictScriptRunner) Run(_ context.Context, _, name string, args ...string) (string, error) {
	joined := strings.Join(append([]string{name}, args...), " ")
	switch {
	case strings.HasPrefix(joined, "git merge --no-commit"):
		return "", errors.New("automatic merge failed; fix conflicts")
	case strings.HasPrefix(joined, "git ls-files -u"):
		return "100644 aaa 1\tapi/list.go\n100644 bbb 2\tapi/list.go", nil
	case strings.HasPrefix(joined, "git rev-parse origin/"):
		return "basesha", nil
	case strings.HasPrefix(joined, "git rev-parse HEAD"):
		return "headsha", nil
	}
	return "", nil
}

func (f *fixture) markDirty(number int) {
	f.host.mu.Lock()
	f.host.prs[number].MergeableState = "dirty"
	f.host.mu.Unlock()
}

func (f *fixture) seedComment(t *testing.T, kind string, state any) {
	t.Helper()
	body, err := marker.Print(kind, state)
	require.NoError(t, err)
	f.host.mu.Lock()
	f.host.comments = append(f.host.comments, hosting.Comment{ID: 99, Body: body})
	f.host.mu.Unlock()
}

func (f *fixture) mergeConflictState(t *testing.T) marker.MergeConflictState {
	t.Helper()
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	for _, c := range f.host.comments {
		var s marker.MergeConflictState
		if ok, err := marker.Extract(c.Body, marker.KindMergeConflict, &s); err == nil && ok {
			return s
		}
	}
	t.Fatal("no merge-conflict comment found")
	return marker.MergeConflictState{}
}

func TestProcess_DirtyPRResolvedByConflictLane(t *testing.T) {
	f := newFixture(t, withRunner(conflictScriptRunner{}))
	f.agent.results = []*session.SessionResult{
		proceedRouting(),
		buildWithPR("https://github.com/acme/foo/pull/12"),
	}
	f.seedPR(12)
	f.markDirty(12)

	// The resolve session pushes a merge commit: head moves and the PR
	// leaves dirty.
	f.agent.onPrompt = func(prompt string) {
		if strings.Contains(prompt, "merge conflicts") {
			f.host.mu.Lock()
			f.host.prs[12].HeadSHA = "resolvedsha"
			f.host.prs[12].MergeableState = "clean"
			f.host.mu.Unlock()
		}
	}

	out, err := f.w.Process(context.Background(), f.t)
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, out.Kind)
	require.Len(t, f.host.merged, 1)
	assert.Equal(t, 12, f.host.merged[0])
	assert.Equal(t, task.StatusDone, f.stored(t).Status)

	state := f.mergeConflictState(t)
	require.Len(t, state.Attempts, 1)
	assert.Equal(t, "resolved", state.Attempts[0].Outcome)
	assert.Nil(t, state.Lease)
}

func TestProcess_ConflictAttemptsExhaustedEscalates(t *testing.T) {
	f := newFixture(t, withRunner(conflictScriptRunner{}))
	f.agent.results = []*session.SessionResult{
		proceedRouting(),
		buildWithPR("https://github.com/acme/foo/pull/12"),
	}
	f.seedPR(12)
	f.markDirty(12)
	f.seedComment(t, marker.KindMergeConflict, &marker.MergeConflictState{Attempts: []marker.Attempt{
		{At: time.Now().UTC(), Signature: "s1", Outcome: "failed"},
		{At: time.Now().UTC(), Signature: "s2", Outcome: "failed"},
	}})

	out, err := f.w.Process(context.Background(), f.t)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeEscalated, out.Kind)
	assert.Contains(t, out.Reason, "exhausted")
	assert.Equal(t, task.StatusEscalated, f.stored(t).Status)

	// The attempt history was already spent; no further resolve session.
	for _, p := range f.agent.prompts {
		assert.NotContains(t, p, "merge conflicts against")
	}
}

func TestProcess_ConflictLeaseHeldRestsBounded(t *testing.T) {
	f := newFixture(t)
	f.agent.results = []*session.SessionResult{
		proceedRouting(),
		buildWithPR("https://github.com/acme/foo/pull/12"),
	}
	f.seedPR(12)
	f.markDirty(12)
	f.seedComment(t, marker.KindMergeConflict, &marker.MergeConflictState{
		Lease: &marker.Lease{Holder: "worker-b", ExpiresAt: time.Now().Add(20 * time.Minute)},
	})

	start := time.Now()
	out, err := f.w.Process(context.Background(), f.t)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeThrottled, out.Kind)
	assert.Contains(t, out.Reason, "lease held by worker-b")

	got := f.stored(t)
	assert.Equal(t, task.StatusThrottled, got.Status)
	assert.Equal(t, task.BlockedMergeConflict, got.BlockedSource)
	require.False(t, got.ResumeAt.IsZero())
	assert.WithinDuration(t, start.Add(5*time.Minute), got.ResumeAt, 30*time.Second)

	// The loser rests instead of re-entering the lane against the held
	// lease; the lane read the marker comment once.
	for _, p := range f.agent.prompts {
		assert.NotContains(t, p, "merge conflicts against")
	}
	f.host.mu.Lock()
	lists := f.host.commentLists
	f.host.mu.Unlock()
	assert.LessOrEqual(t, lists, 3, "lane must not re-enter against a held lease")
}

func TestProcess_CIDebugLeaseHeldRestsWithoutSpendingAttempts(t *testing.T) {
	f := newFixture(t)
	f.agent.results = []*session.SessionResult{
		proceedRouting(),
		buildWithPR("https://github.com/acme/foo/pull/12"),
	}
	f.seedPR(12)
	f.host.mu.Lock()
	f.host.checks = []hosting.CheckRun{
		{ID: 1, Name: "ci", Status: "completed", Conclusion: "failure"},
	}
	f.host.mu.Unlock()
	f.seedComment(t, marker.KindCIDebug, &marker.CIDebugState{
		Lease: &marker.Lease{Holder: "worker-b", ExpiresAt: time.Now().Add(15 * time.Minute)},
	})

	start := time.Now()
	out, err := f.w.Process(context.Background(), f.t)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeThrottled, out.Kind)
	assert.Contains(t, out.Reason, "CI-debug lease held by worker-b")

	got := f.stored(t)
	assert.Equal(t, task.StatusThrottled, got.Status)
	assert.Equal(t, task.BlockedCIFailure, got.BlockedSource)
	assert.WithinDuration(t, start.Add(5*time.Minute), got.ResumeAt, 30*time.Second)

	// The foreign lease spent none of this worker's debug attempts.
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	for _, c := range f.host.comments {
		var s marker.CIDebugState
		if ok, err := marker.Extract(c.Body, marker.KindCIDebug, &s); err == nil && ok {
			assert.Empty(t, s.Attempts)
		}
	}
}

func TestLaneRest_Bounds(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	soon := now.Add(2 * time.Minute)
	assert.WithinDuration(t, soon, f.w.laneRest(soon), time.Second)
	assert.WithinDuration(t, now.Add(5*time.Minute), f.w.laneRest(now.Add(20*time.Minute)), time.Second)
	assert.WithinDuration(t, now.Add(5*time.Minute), f.w.laneRest(time.Time{}), time.Second)
}

func TestResolveCanonicalPR_OrderIndependent(t *testing.T) {
	older := hosting.PR{
		Number:    12,
		State:     "open",
		HTMLURL:   "https://github.com/acme/foo/pull/12",
		CreatedAt: time.Now().Add(-2 * time.Hour),
		UpdatedAt: time.Now().Add(-time.Hour),
	}
	newer := hosting.PR{
		Number:    15,
		State:     "open",
		HTMLURL:   "https://github.com/acme/foo/pull/15",
		CreatedAt: time.Now().Add(-time.Hour),
		UpdatedAt: time.Now(),
	}

	orderings := map[string][]hosting.PR{
		"older first": {older, newer},
		"newer first": {newer, older},
	}
	for name, order := range orderings {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.host.mu.Lock()
			f.host.searched = order
			f.host.prs[12] = &older
			f.host.prs[15] = &newer
			f.host.mu.Unlock()

			pr, err := f.w.resolveCanonicalPR(context.Background(), f.stored(t), 7, slog.Default())
			require.NoError(t, err)
			require.NotNil(t, pr)
			assert.Equal(t, 12, pr.Number, "oldest open PR wins regardless of search order")

			payload, err := f.st.LatestSnapshot(context.Background(), prDuplicatesSnapshot, f.t.Issue)
			require.NoError(t, err)
			assert.Contains(t, payload, "pull/15")
		})
	}
}

func TestResolveCanonicalPR_SnapshotPinsSelection(t *testing.T) {
	f := newFixture(t)
	pr12 := f.seedPR(12)
	pr15 := f.seedPR(15)
	pr15.CreatedAt = time.Now()
	f.host.mu.Lock()
	f.host.searched = []hosting.PR{*pr15, *pr12}
	f.host.mu.Unlock()

	first, err := f.w.resolveCanonicalPR(context.Background(), f.stored(t), 7, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, first)

	// A later pass with a reshuffled (even emptied) search keeps the
	// recorded selection.
	f.host.mu.Lock()
	f.host.searched = nil
	f.host.mu.Unlock()

	second, err := f.w.resolveCanonicalPR(context.Background(), f.stored(t), 7, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.Number, second.Number)
}
