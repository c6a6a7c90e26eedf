package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner returns canned results in order. Calls are recorded as
// "method:detail" strings.
type scriptedRunner struct {
	results []*SessionResult
	calls   []string
}

func (s *scriptedRunner) next() *SessionResult {
	if len(s.results) == 0 {
		return &SessionResult{Success: true}
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func (s *scriptedRunner) RunAgent(_ context.Context, _, agent, _ string, _ Options) (*SessionResult, error) {
	s.calls = append(s.calls, "run:"+agent)
	return s.next(), nil
}

func (s *scriptedRunner) ContinueSession(_ context.Context, _, sessionID, _ string, _ Options) (*SessionResult, error) {
	s.calls = append(s.calls, "continue:"+sessionID)
	return s.next(), nil
}

func (s *scriptedRunner) ContinueCommand(_ context.Context, _, sessionID, command string, _ []string, _ Options) (*SessionResult, error) {
	s.calls = append(s.calls, "command:"+command)
	return s.next(), nil
}

func (s *scriptedRunner) XDGCacheHome(repo, cacheKey, base string) string {
	return filepath.Join(base, repo, cacheKey)
}

func TestCompactRetry_RecoversContextLength(t *testing.T) {
	inner := &scriptedRunner{results: []*SessionResult{
		{ErrorCode: ErrorContextLengthExceeded, SessionID: "s1"},
		{Success: true, SessionID: "s1"}, // compact
		{Success: true, SessionID: "s1", Output: "resumed"},
	}}
	runner := NewCompactRetryRunner(inner, nil)

	result, err := runner.RunAgent(context.Background(), "/wt", "builder", "do it", Options{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "resumed", result.Output)
	assert.Equal(t, []string{"run:builder", "command:compact", "continue:s1"}, inner.calls)
}

func TestCompactRetry_PassesThroughSuccess(t *testing.T) {
	inner := &scriptedRunner{results: []*SessionResult{{Success: true, SessionID: "s2"}}}
	runner := NewCompactRetryRunner(inner, nil)

	result, err := runner.ContinueSession(context.Background(), "/wt", "s2", "next step", Options{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"continue:s2"}, inner.calls)
}

func TestCompactRetry_FailedCompactReturnsCompactResult(t *testing.T) {
	inner := &scriptedRunner{results: []*SessionResult{
		{ErrorCode: ErrorContextLengthExceeded, SessionID: "s3"},
		{Success: false, ErrorCode: "unknown"},
	}}
	runner := NewCompactRetryRunner(inner, nil)

	result, err := runner.ContinueSession(context.Background(), "/wt", "s3", "msg", Options{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"continue:s3", "command:compact"}, inner.calls)
}

func TestExtractPRURL(t *testing.T) {
	output := `working...
opened https://github.com/acme/foo/pull/7 earlier
final: https://github.com/acme/foo/pull/12
`
	assert.Equal(t, "https://github.com/acme/foo/pull/12", ExtractPRURL(output))
	assert.Equal(t, "", ExtractPRURL("no urls here"))
}

func TestXDGCacheHome_IsolatesRepos(t *testing.T) {
	r := NewOpencodeRunner()

	a := r.XDGCacheHome("acme/foo", "planner", "/tmp/cache")
	b := r.XDGCacheHome("acme/bar", "planner", "/tmp/cache")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "acme-foo")
	assert.Contains(t, a, "/tmp/cache")
}

func TestConsumeLine_ParsesStream(t *testing.T) {
	r := NewOpencodeRunner()
	result := &SessionResult{}
	var events []Event
	opts := Options{OnEvent: func(e Event) { events = append(events, e) }}

	r.consumeLine(`{"type":"tool_start","tool":"bash","sessionID":"abc"}`, result, opts)
	r.consumeLine(`{"type":"error","error":{"name":"MessageAbortedError_context_length"}}`, result, opts)
	r.consumeLine(`{"type":"done","tokens":{"input":120,"output":40,"cache":{"read":10}}}`, result, opts)
	r.consumeLine("plain text line", result, opts)

	require.Len(t, events, 4)
	assert.Equal(t, EventToolStart, events[0].Type)
	assert.Equal(t, "bash", events[0].Tool)
	assert.Equal(t, "abc", result.SessionID)
	assert.Equal(t, ErrorContextLengthExceeded, result.ErrorCode)
	assert.Equal(t, int64(130), result.TokensIn)
	assert.Equal(t, int64(40), result.TokensOut)
	assert.Equal(t, EventText, events[3].Type)
}
