package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/ralph/internal/task"
)

// Monitor observes the live event stream of one session. Supervisors
// implement this; the runner hands them a cancel function so a hard trip
// can terminate the agent process.
type Monitor interface {
	Begin(cancel context.CancelFunc)
	Observe(Event)
	// Trip returns the recorded trip value, or nil when the monitor
	// never fired. The runner type-switches the result into the
	// SessionResult.
	Trip() any
}

// Options configures one session step.
type Options struct {
	Model    string
	Env      []string
	Monitors []Monitor
	OnEvent  func(Event)
	Timeout  time.Duration
}

// Runner is the agent session port.
type Runner interface {
	RunAgent(ctx context.Context, worktree, agent, prompt string, opts Options) (*SessionResult, error)
	ContinueSession(ctx context.Context, worktree, sessionID, message string, opts Options) (*SessionResult, error)
	ContinueCommand(ctx context.Context, worktree, sessionID, command string, args []string, opts Options) (*SessionResult, error)
	XDGCacheHome(repo, cacheKey, base string) string
}

// OpencodeRunner drives the opencode CLI in headless JSON mode.
type OpencodeRunner struct {
	binary string
	logger *slog.Logger
}

// OpencodeOption configures an OpencodeRunner.
type OpencodeOption func(*OpencodeRunner)

// WithBinary sets the opencode binary path.
func WithBinary(path string) OpencodeOption {
	return func(r *OpencodeRunner) { r.binary = path }
}

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) OpencodeOption {
	return func(r *OpencodeRunner) { r.logger = l }
}

// NewOpencodeRunner creates a runner for the opencode CLI.
func NewOpencodeRunner(opts ...OpencodeOption) *OpencodeRunner {
	r := &OpencodeRunner{
		binary: "opencode",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Runner = (*OpencodeRunner)(nil)

// RunAgent starts a fresh session with the named agent.
func (r *OpencodeRunner) RunAgent(ctx context.Context, worktree, agent, prompt string, opts Options) (*SessionResult, error) {
	args := []string{"run", "--print-logs", "--log-level", "INFO", "--agent", agent}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, prompt)
	return r.exec(ctx, worktree, args, opts)
}

// ContinueSession resumes an existing session with a follow-up message.
func (r *OpencodeRunner) ContinueSession(ctx context.Context, worktree, sessionID, message string, opts Options) (*SessionResult, error) {
	args := []string{"run", "--print-logs", "--log-level", "INFO", "--session", sessionID}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, message)
	return r.exec(ctx, worktree, args, opts)
}

// ContinueCommand runs a slash command (compact, summarize, ...) inside
// an existing session.
func (r *OpencodeRunner) ContinueCommand(ctx context.Context, worktree, sessionID, command string, args []string, opts Options) (*SessionResult, error) {
	cmdArgs := []string{"run", "--print-logs", "--session", sessionID, "--command", command}
	cmdArgs = append(cmdArgs, args...)
	return r.exec(ctx, worktree, cmdArgs, opts)
}

// XDGCacheHome returns the per-repo agent cache directory. Workers point
// XDG_CACHE_HOME here so concurrent repos never share agent state.
func (r *OpencodeRunner) XDGCacheHome(repo, cacheKey, base string) string {
	if base == "" {
		base, _ = os.UserCacheDir()
	}
	repoKey := task.SanitizePathComponent(strings.ReplaceAll(repo, "/", "-"))
	return filepath.Join(base, "ralph", "agent-cache", repoKey, task.SanitizePathComponent(cacheKey))
}

func (r *OpencodeRunner) exec(ctx context.Context, worktree string, args []string, opts Options) (*SessionResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = worktree
	cmd.Env = append(os.Environ(), opts.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("session stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	for _, m := range opts.Monitors {
		m.Begin(cancel)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.binary, err)
	}

	result := &SessionResult{}
	var output strings.Builder

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line)
		output.WriteByte('\n')
		r.consumeLine(line, result, opts)
	}

	waitErr := cmd.Wait()
	result.Output = output.String()

	for _, m := range opts.Monitors {
		switch trip := m.Trip().(type) {
		case *WatchdogTrip:
			result.Watchdog = trip
		case *StallTrip:
			result.Stall = trip
		case *GuardrailTrip:
			result.Guardrail = trip
		case *LoopTrip:
			result.Loop = trip
		}
	}

	if result.PRURL == "" {
		result.PRURL = ExtractPRURL(result.Output)
	}

	if waitErr != nil {
		// A supervisor cancel shows up as a killed process. The trip on
		// the result is the real story, not the exec error.
		if result.Tripped() || ctx.Err() != nil {
			return result, nil
		}
		if result.ErrorCode != "" {
			return result, nil
		}
		return result, fmt.Errorf("%s exited: %w (stderr: %s)", r.binary, waitErr, strings.TrimSpace(stderr.String()))
	}

	if result.ErrorCode == "" {
		result.Success = true
	}
	return result, nil
}

// consumeLine parses one JSON stream line, updates the result, and fans
// the event out to the caller and the monitors. Non-JSON lines pass
// through as plain text events.
func (r *OpencodeRunner) consumeLine(line string, result *SessionResult, opts Options) {
	ev := Event{Type: EventText, Text: line, Time: time.Now()}

	if gjson.Valid(line) {
		parsed := gjson.Parse(line)
		switch parsed.Get("type").String() {
		case "tool_start", "tool.start":
			ev.Type = EventToolStart
			ev.Tool = parsed.Get("tool").String()
		case "tool_end", "tool.end":
			ev.Type = EventToolEnd
			ev.Tool = parsed.Get("tool").String()
		case "error":
			ev.Type = EventError
			result.ErrorCode = normalizeErrorCode(parsed.Get("error.name").String())
		case "done", "result":
			ev.Type = EventDone
		}
		if id := parsed.Get("sessionID").String(); id != "" {
			result.SessionID = id
		}
		if tokens := parsed.Get("tokens"); tokens.Exists() {
			result.TokensIn += tokens.Get("input").Int() + tokens.Get("cache.read").Int()
			result.TokensOut += tokens.Get("output").Int()
		}
		if pr := parsed.Get("pr_url").String(); pr != "" {
			result.PRURL = pr
		}
	}

	if opts.OnEvent != nil {
		opts.OnEvent(ev)
	}
	for _, m := range opts.Monitors {
		m.Observe(ev)
	}
}

func normalizeErrorCode(name string) string {
	switch {
	case name == "":
		return "unknown"
	case strings.Contains(name, "context") && strings.Contains(name, "length"),
		strings.Contains(name, "ContextWindow"):
		return ErrorContextLengthExceeded
	default:
		return name
	}
}

var prURLPattern = regexp.MustCompile(`https://github\.com/[\w.-]+/[\w.-]+/pull/\d+`)

// ExtractPRURL pulls the last GitHub PR URL out of session output. The
// structured pr_url field wins when the agent emits one; this is the
// fallback for plain-text transcripts.
func ExtractPRURL(output string) string {
	matches := prURLPattern.FindAllString(output, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}
