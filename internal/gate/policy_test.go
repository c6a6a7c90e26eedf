package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ralph/internal/config"
	ralpherrors "github.com/randalmurphal/ralph/internal/errors"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/store"
)

func TestCheckMergePolicy(t *testing.T) {
	repoCfg := config.RepoConfig{
		BaseBranch:         "main",
		IntegrationBranch:  "bot/integration",
		MergeOverrideLabel: "merge-to-main",
	}

	// Integration-branch base is always fine.
	pr := &hosting.PR{BaseBranch: "bot/integration"}
	assert.NoError(t, CheckMergePolicy(pr, repoCfg))

	// Default-branch base without the override label is refused.
	pr = &hosting.PR{BaseBranch: "main", HTMLURL: "https://github.com/acme/foo/pull/1"}
	err := CheckMergePolicy(pr, repoCfg)
	require.Error(t, err)
	var rerr *ralpherrors.RalphError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ralpherrors.CodeMergeRefused, rerr.Code)

	// The override label permits it.
	pr.Labels = []string{"merge-to-main"}
	assert.NoError(t, CheckMergePolicy(pr, repoCfg))

	// When the integration branch IS the default, default-base merges
	// are the normal case.
	sameCfg := config.RepoConfig{BaseBranch: "main", IntegrationBranch: "main"}
	pr = &hosting.PR{BaseBranch: "main"}
	assert.NoError(t, CheckMergePolicy(pr, sameCfg))
}

func TestCIOnly(t *testing.T) {
	globs := []string{".github/workflows/**", "ci/**"}

	assert.True(t, CIOnly([]string{".github/workflows/test.yml", "ci/run.sh"}, globs))
	assert.False(t, CIOnly([]string{".github/workflows/test.yml", "internal/gate/gate.go"}, globs))
	assert.False(t, CIOnly(nil, globs))
}

func TestCIOnly_DefaultGlobs(t *testing.T) {
	assert.True(t, CIOnly([]string{".github/workflows/ci.yml"}, nil))
	assert.False(t, CIOnly([]string{"main.go"}, nil))
}

func TestIssueIsCIFlavored(t *testing.T) {
	assert.True(t, IssueIsCIFlavored(&hosting.Issue{Labels: []string{"ci"}}))
	assert.True(t, IssueIsCIFlavored(&hosting.Issue{Title: "ci: speed up the test matrix"}))
	assert.False(t, IssueIsCIFlavored(&hosting.Issue{Title: "add pagination", Labels: []string{"feature"}}))
	assert.False(t, IssueIsCIFlavored(nil))
}

// memIdemStore is an in-memory idempotency table for cooldown tests.
type memIdemStore struct {
	store.Store
	mu   sync.Mutex
	rows map[string]*store.IdempotencyRow
}

func newMemIdemStore() *memIdemStore {
	return &memIdemStore{rows: make(map[string]*store.IdempotencyRow)}
}

func (m *memIdemStore) RecordIdempotencyKey(_ context.Context, scope, key, payload string) (bool, *store.IdempotencyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := scope + "/" + key
	if existing, ok := m.rows[id]; ok {
		copied := *existing
		return false, &copied, nil
	}
	row := &store.IdempotencyRow{Scope: scope, Key: key, Payload: payload, CreatedAt: time.Now()}
	m.rows[id] = row
	copied := *row
	return true, &copied, nil
}

func (m *memIdemStore) DeleteIdempotencyKey(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, scope+"/"+key)
	return nil
}

func (m *memIdemStore) age(scope, key string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[scope+"/"+key]; ok {
		row.CreatedAt = row.CreatedAt.Add(-d)
	}
}

func TestAutoUpdater(t *testing.T) {
	repoCfg := config.RepoConfig{AutoUpdateLabel: "auto-update", AutoUpdateCooldown: 10 * time.Minute}
	pr := &hosting.PR{Number: 101, BaseBranch: "bot/integration", Labels: []string{"auto-update"}}

	var updates int
	host := &fakeHost{updateBranch: func(int) error { updates++; return nil }}
	st := newMemIdemStore()
	u := NewAutoUpdater(host, st, nil)
	ctx := context.Background()

	updated, err := u.Update(ctx, pr, repoCfg)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, 1, updates)

	// Second update inside the cooldown is suppressed.
	updated, err = u.Update(ctx, pr, repoCfg)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, 1, updates)

	// After the cooldown it goes through again.
	st.age(autoUpdateScope, "acme/foo#101", 11*time.Minute)
	updated, err = u.Update(ctx, pr, repoCfg)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, 2, updates)
}

func TestAutoUpdater_LabelGates(t *testing.T) {
	host := &fakeHost{updateBranch: func(int) error { t.Fatal("must not update"); return nil }}
	u := NewAutoUpdater(host, newMemIdemStore(), nil)
	ctx := context.Background()

	// No label configured for the repo.
	updated, err := u.Update(ctx, &hosting.PR{Number: 1}, config.RepoConfig{})
	require.NoError(t, err)
	assert.False(t, updated)

	// Label configured but absent from the PR.
	updated, err = u.Update(ctx, &hosting.PR{Number: 1}, config.RepoConfig{AutoUpdateLabel: "auto-update"})
	require.NoError(t, err)
	assert.False(t, updated)

	// Fork heads are never updated, label or not.
	updated, err = u.Update(ctx, &hosting.PR{
		Number: 1, Labels: []string{"auto-update"}, CrossRepoHead: true,
	}, config.RepoConfig{AutoUpdateLabel: "auto-update"})
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestShouldDeleteHeadBranch(t *testing.T) {
	repoCfg := config.RepoConfig{BaseBranch: "main", IntegrationBranch: "bot/integration"}
	pr := &hosting.PR{
		Number:     101,
		BaseBranch: "bot/integration",
		HeadBranch: "feature/42",
		HeadSHA:    "abc123",
	}

	host := &fakeHost{refSHA: func(ref string) (string, error) {
		assert.Equal(t, "heads/feature/42", ref)
		return "abc123", nil
	}}
	del, err := ShouldDeleteHeadBranch(context.Background(), host, pr, repoCfg)
	require.NoError(t, err)
	assert.True(t, del)

	// Someone pushed after the merge: leave the branch alone.
	host.refSHA = func(string) (string, error) { return "def456", nil }
	del, err = ShouldDeleteHeadBranch(context.Background(), host, pr, repoCfg)
	require.NoError(t, err)
	assert.False(t, del)

	// Branch already gone.
	host.refSHA = func(string) (string, error) {
		return "", &hosting.GitHubAPIError{StatusCode: 404, Code: "not_found"}
	}
	del, err = ShouldDeleteHeadBranch(context.Background(), host, pr, repoCfg)
	require.NoError(t, err)
	assert.False(t, del)

	// Never delete protected branches.
	del, err = ShouldDeleteHeadBranch(context.Background(), host, &hosting.PR{
		BaseBranch: "bot/integration", HeadBranch: "main", HeadSHA: "abc",
	}, repoCfg)
	require.NoError(t, err)
	assert.False(t, del)

	// Fork head branches belong to someone else.
	forkPR := &hosting.PR{
		BaseBranch: "bot/integration", HeadBranch: "feature/42", HeadSHA: "abc123", CrossRepoHead: true,
	}
	del, err = ShouldDeleteHeadBranch(context.Background(), host, forkPR, repoCfg)
	require.NoError(t, err)
	assert.False(t, del)
}
