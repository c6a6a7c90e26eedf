package session

import (
	"context"
	"log/slog"
)

// CompactRetryRunner wraps a Runner with context-length recovery: when a
// step ends with context_length_exceeded, it runs a single compact
// command in the session and re-issues the step with a resume prompt.
// The worker never sees the mechanism.
type CompactRetryRunner struct {
	inner  Runner
	logger *slog.Logger
}

var _ Runner = (*CompactRetryRunner)(nil)

// NewCompactRetryRunner wraps inner with context-length recovery.
func NewCompactRetryRunner(inner Runner, logger *slog.Logger) *CompactRetryRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompactRetryRunner{inner: inner, logger: logger}
}

const resumePrompt = "The session was compacted to recover context space. " +
	"Continue the task from where you left off; re-read files as needed " +
	"instead of trusting summarized content."

func (c *CompactRetryRunner) RunAgent(ctx context.Context, worktree, agent, prompt string, opts Options) (*SessionResult, error) {
	result, err := c.inner.RunAgent(ctx, worktree, agent, prompt, opts)
	if err != nil || result.ErrorCode != ErrorContextLengthExceeded {
		return result, err
	}
	return c.recover(ctx, worktree, result.SessionID, opts)
}

func (c *CompactRetryRunner) ContinueSession(ctx context.Context, worktree, sessionID, message string, opts Options) (*SessionResult, error) {
	result, err := c.inner.ContinueSession(ctx, worktree, sessionID, message, opts)
	if err != nil || result.ErrorCode != ErrorContextLengthExceeded {
		return result, err
	}
	if result.SessionID != "" {
		sessionID = result.SessionID
	}
	return c.recover(ctx, worktree, sessionID, opts)
}

func (c *CompactRetryRunner) ContinueCommand(ctx context.Context, worktree, sessionID, command string, args []string, opts Options) (*SessionResult, error) {
	// Commands are cheap; no recovery loop around them.
	return c.inner.ContinueCommand(ctx, worktree, sessionID, command, args, opts)
}

func (c *CompactRetryRunner) XDGCacheHome(repo, cacheKey, base string) string {
	return c.inner.XDGCacheHome(repo, cacheKey, base)
}

// recover compacts the session once and re-issues the step. A failure
// during recovery surfaces as the original result would have.
func (c *CompactRetryRunner) recover(ctx context.Context, worktree, sessionID string, opts Options) (*SessionResult, error) {
	c.logger.Info("session hit context limit, compacting",
		slog.String("session_id", sessionID))

	compacted, err := c.inner.ContinueCommand(ctx, worktree, sessionID, "compact", nil, opts)
	if err != nil {
		return nil, err
	}
	if !compacted.Success {
		return compacted, nil
	}
	return c.inner.ContinueSession(ctx, worktree, sessionID, resumePrompt, opts)
}
