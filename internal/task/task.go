// Package task provides the task record ralph workers advance.
package task

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusStarting   Status = "starting"
	StatusInProgress Status = "in-progress"
	StatusThrottled  Status = "throttled"
	StatusBlocked    Status = "blocked"
	StatusEscalated  Status = "escalated"
	StatusDone       Status = "done"
)

// ValidStatuses returns all valid status values.
func ValidStatuses() []Status {
	return []Status{
		StatusQueued, StatusStarting, StatusInProgress, StatusThrottled,
		StatusBlocked, StatusEscalated, StatusDone,
	}
}

// IsValidStatus returns true if the status is a valid status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusStarting, StatusInProgress, StatusThrottled,
		StatusBlocked, StatusEscalated, StatusDone:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses the worker never advances past.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusEscalated
}

// StatusLabel returns the GitHub label for a status, or "" when the
// status carries no label.
func StatusLabel(s Status) string {
	switch s {
	case StatusQueued:
		return "status:queued"
	case StatusStarting, StatusInProgress, StatusThrottled:
		return "status:in-progress"
	case StatusBlocked:
		return "status:blocked"
	default:
		return ""
	}
}

// BlockedSource classifies a resting, human-resumable failure state.
type BlockedSource string

const (
	BlockedAllowlist     BlockedSource = "allowlist"
	BlockedDirtyRepo     BlockedSource = "dirty-repo"
	BlockedCIFailure     BlockedSource = "ci-failure"
	BlockedCIOnly        BlockedSource = "ci-only"
	BlockedMergeConflict BlockedSource = "merge-conflict"
	BlockedMergeTarget   BlockedSource = "merge-target"
	BlockedAutoUpdate    BlockedSource = "auto-update"
	BlockedStall         BlockedSource = "stall"
	BlockedGuardrail     BlockedSource = "guardrail"
	BlockedDeps          BlockedSource = "deps"
	BlockedRuntimeError  BlockedSource = "runtime-error"
	BlockedAPIRateLimit  BlockedSource = "api-rate-limit"
	BlockedLeaseConflict BlockedSource = "pr-create-lease-conflict"
)

// ValidBlockedSources returns all valid blocked-source values.
func ValidBlockedSources() []BlockedSource {
	return []BlockedSource{
		BlockedAllowlist, BlockedDirtyRepo, BlockedCIFailure, BlockedCIOnly,
		BlockedMergeConflict, BlockedMergeTarget, BlockedAutoUpdate,
		BlockedStall, BlockedGuardrail, BlockedDeps, BlockedRuntimeError,
		BlockedAPIRateLimit, BlockedLeaseConflict,
	}
}

// IsValidBlockedSource returns true if the source is a valid value.
func IsValidBlockedSource(b BlockedSource) bool {
	for _, v := range ValidBlockedSources() {
		if b == v {
			return true
		}
	}
	return false
}

// Checkpoint is a named, monotonic milestone persisted on the task.
type Checkpoint string

const (
	CheckpointPlanned            Checkpoint = "planned"
	CheckpointRouted             Checkpoint = "routed"
	CheckpointImplementationStep Checkpoint = "implementation_step_complete"
	CheckpointPRReady            Checkpoint = "pr_ready"
	CheckpointMergeStep          Checkpoint = "merge_step_complete"
	CheckpointSurveyComplete     Checkpoint = "survey_complete"
	CheckpointRecorded           Checkpoint = "recorded"
)

// ValidCheckpoints returns all checkpoints in ledger order.
func ValidCheckpoints() []Checkpoint {
	return []Checkpoint{
		CheckpointPlanned, CheckpointRouted, CheckpointImplementationStep,
		CheckpointPRReady, CheckpointMergeStep, CheckpointSurveyComplete,
		CheckpointRecorded,
	}
}

// IsValidCheckpoint returns true if the checkpoint is a known milestone.
func IsValidCheckpoint(c Checkpoint) bool {
	return c.Order() >= 0
}

// Order returns the checkpoint's position in the ledger, or -1 when unknown.
// implementation_step_complete may recur; recurrence never lowers the
// checkpoint sequence, only this ordinal stays in place.
func (c Checkpoint) Order() int {
	for i, v := range ValidCheckpoints() {
		if c == v {
			return i
		}
	}
	return -1
}

// Task represents one unit of work: a GitHub issue being driven from plan
// to merged PR. Workers mutate it only through the queue's patch interface.
type Task struct {
	// ID is the stable task identifier.
	ID string `yaml:"id" json:"id"`

	// Repo is the owner/name of the repository the task targets.
	Repo string `yaml:"repo" json:"repo"`

	// Issue is the upstream issue reference, owner/name#N.
	Issue string `yaml:"issue" json:"issue"`

	// DisplayName is a short human-readable title for dashboards.
	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`

	// Status is the current lifecycle state.
	Status Status `yaml:"status" json:"status"`

	// SessionID is the opaque handle into the agent runtime. Non-empty
	// whenever status is in-progress or throttled.
	SessionID string `yaml:"session_id,omitempty" json:"session_id,omitempty"`

	// WorkerID identifies the worker that owns the task while in flight.
	WorkerID string `yaml:"worker_id,omitempty" json:"worker_id,omitempty"`

	// RepoSlot is the concurrency slot within the repo, in [0, slots).
	RepoSlot int `yaml:"repo_slot" json:"repo_slot"`

	// WorktreePath is the absolute path of the task's managed worktree.
	// Never the repo root.
	WorktreePath string `yaml:"worktree_path,omitempty" json:"worktree_path,omitempty"`

	// AgentProfile is the runtime profile pinned to this task, or empty
	// for control-file selection.
	AgentProfile string `yaml:"agent_profile,omitempty" json:"agent_profile,omitempty"`

	// LastCheckpoint is the most recently reached checkpoint.
	LastCheckpoint Checkpoint `yaml:"last_checkpoint,omitempty" json:"last_checkpoint,omitempty"`

	// CheckpointSeq increments by exactly one per checkpoint emission.
	CheckpointSeq int `yaml:"checkpoint_seq" json:"checkpoint_seq"`

	// PauseRequested asks the worker to suspend at the next matching
	// checkpoint.
	PauseRequested bool `yaml:"pause_requested,omitempty" json:"pause_requested,omitempty"`

	// PauseAtCheckpoint names the checkpoint to pause at; empty means any.
	PauseAtCheckpoint Checkpoint `yaml:"pause_at_checkpoint,omitempty" json:"pause_at_checkpoint,omitempty"`

	// PausedAtCheckpoint is set while the worker is suspended at a
	// checkpoint and cleared on resume.
	PausedAtCheckpoint Checkpoint `yaml:"paused_at_checkpoint,omitempty" json:"paused_at_checkpoint,omitempty"`

	// Blocked-state detail, populated when status is blocked.
	BlockedSource    BlockedSource `yaml:"blocked_source,omitempty" json:"blocked_source,omitempty"`
	BlockedReason    string        `yaml:"blocked_reason,omitempty" json:"blocked_reason,omitempty"`
	BlockedDetails   string        `yaml:"blocked_details,omitempty" json:"blocked_details,omitempty"`
	BlockedAt        time.Time     `yaml:"blocked_at,omitempty" json:"blocked_at,omitempty"`
	BlockedCheckedAt time.Time     `yaml:"blocked_checked_at,omitempty" json:"blocked_checked_at,omitempty"`

	// Supervisor retry counters.
	WatchdogRetries  int `yaml:"watchdog_retries,omitempty" json:"watchdog_retries,omitempty"`
	StallRetries     int `yaml:"stall_retries,omitempty" json:"stall_retries,omitempty"`
	GuardrailRetries int `yaml:"guardrail_retries,omitempty" json:"guardrail_retries,omitempty"`

	// Lifecycle timestamps.
	AssignedAt  time.Time `yaml:"assigned_at,omitempty" json:"assigned_at,omitempty"`
	CompletedAt time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	ThrottledAt time.Time `yaml:"throttled_at,omitempty" json:"throttled_at,omitempty"`
	ResumeAt    time.Time `yaml:"resume_at,omitempty" json:"resume_at,omitempty"`

	// ThrottleSnapshot is the JSON usage snapshot recorded on hard throttle.
	ThrottleSnapshot string `yaml:"throttle_snapshot,omitempty" json:"throttle_snapshot,omitempty"`

	// RunLogPath is the run-log file for the current or last run.
	RunLogPath string `yaml:"run_log_path,omitempty" json:"run_log_path,omitempty"`

	// UpdatedAt is the optimistic-concurrency token for queue patches.
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

var issueRefPattern = regexp.MustCompile(`^([^/\s]+)/([^#\s]+)#(\d+)$`)

// IssueNumber extracts the numeric issue number from the owner/name#N
// reference. Returns an error when the reference is malformed.
func (t *Task) IssueNumber() (int, error) {
	m := issueRefPattern.FindStringSubmatch(t.Issue)
	if m == nil {
		return 0, fmt.Errorf("malformed issue reference %q", t.Issue)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return 0, fmt.Errorf("malformed issue number in %q: %w", t.Issue, err)
	}
	return n, nil
}

// RepoOwner returns the owner half of the repo reference.
func (t *Task) RepoOwner() string {
	owner, _, _ := strings.Cut(t.Repo, "/")
	return owner
}

// RepoName returns the name half of the repo reference.
func (t *Task) RepoName() string {
	_, name, _ := strings.Cut(t.Repo, "/")
	return name
}

// RepoKey returns the filesystem-safe key for the repo, used in managed
// worktree paths.
func (t *Task) RepoKey() string {
	return SanitizePathComponent(strings.ReplaceAll(t.Repo, "/", "-"))
}

// TaskKey returns the filesystem-safe key for the task itself.
func (t *Task) TaskKey() string {
	return SanitizePathComponent(t.ID)
}

// NormalizeSlot clamps a recorded slot into [0, slots). Invalid recorded
// slots normalize to 0 rather than failing the task.
func (t *Task) NormalizeSlot(slots int) int {
	if slots <= 0 {
		return 0
	}
	if t.RepoSlot < 0 || t.RepoSlot >= slots {
		return 0
	}
	return t.RepoSlot
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizePathComponent replaces characters unsafe in a single path
// component and trims leading dots so components cannot escape or hide.
func SanitizePathComponent(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "-")
	s = strings.TrimLeft(s, ".")
	if s == "" {
		return "unnamed"
	}
	return s
}

// Patch is a sparse set of task fields applied transactionally by the
// queue. Nil fields are left untouched.
type Patch struct {
	SessionID          *string        `json:"session_id,omitempty"`
	WorkerID           *string        `json:"worker_id,omitempty"`
	RepoSlot           *int           `json:"repo_slot,omitempty"`
	WorktreePath       *string        `json:"worktree_path,omitempty"`
	AgentProfile       *string        `json:"agent_profile,omitempty"`
	LastCheckpoint     *Checkpoint    `json:"last_checkpoint,omitempty"`
	CheckpointSeq      *int           `json:"checkpoint_seq,omitempty"`
	PauseRequested     *bool          `json:"pause_requested,omitempty"`
	PauseAtCheckpoint  *Checkpoint    `json:"pause_at_checkpoint,omitempty"`
	PausedAtCheckpoint *Checkpoint    `json:"paused_at_checkpoint,omitempty"`
	BlockedSource      *BlockedSource `json:"blocked_source,omitempty"`
	BlockedReason      *string        `json:"blocked_reason,omitempty"`
	BlockedDetails     *string        `json:"blocked_details,omitempty"`
	BlockedAt          *time.Time     `json:"blocked_at,omitempty"`
	BlockedCheckedAt   *time.Time     `json:"blocked_checked_at,omitempty"`
	WatchdogRetries    *int           `json:"watchdog_retries,omitempty"`
	StallRetries       *int           `json:"stall_retries,omitempty"`
	GuardrailRetries   *int           `json:"guardrail_retries,omitempty"`
	AssignedAt         *time.Time     `json:"assigned_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	ThrottledAt        *time.Time     `json:"throttled_at,omitempty"`
	ResumeAt           *time.Time     `json:"resume_at,omitempty"`
	ThrottleSnapshot   *string        `json:"throttle_snapshot,omitempty"`
	RunLogPath         *string        `json:"run_log_path,omitempty"`
}

// Apply copies the patch's non-nil fields onto the task. The queue calls
// this after a successful transactional write so the in-memory record
// matches the row.
func (p *Patch) Apply(t *Task) {
	if p.SessionID != nil {
		t.SessionID = *p.SessionID
	}
	if p.WorkerID != nil {
		t.WorkerID = *p.WorkerID
	}
	if p.RepoSlot != nil {
		t.RepoSlot = *p.RepoSlot
	}
	if p.WorktreePath != nil {
		t.WorktreePath = *p.WorktreePath
	}
	if p.AgentProfile != nil {
		t.AgentProfile = *p.AgentProfile
	}
	if p.LastCheckpoint != nil {
		t.LastCheckpoint = *p.LastCheckpoint
	}
	if p.CheckpointSeq != nil {
		t.CheckpointSeq = *p.CheckpointSeq
	}
	if p.PauseRequested != nil {
		t.PauseRequested = *p.PauseRequested
	}
	if p.PauseAtCheckpoint != nil {
		t.PauseAtCheckpoint = *p.PauseAtCheckpoint
	}
	if p.PausedAtCheckpoint != nil {
		t.PausedAtCheckpoint = *p.PausedAtCheckpoint
	}
	if p.BlockedSource != nil {
		t.BlockedSource = *p.BlockedSource
	}
	if p.BlockedReason != nil {
		t.BlockedReason = *p.BlockedReason
	}
	if p.BlockedDetails != nil {
		t.BlockedDetails = *p.BlockedDetails
	}
	if p.BlockedAt != nil {
		t.BlockedAt = *p.BlockedAt
	}
	if p.BlockedCheckedAt != nil {
		t.BlockedCheckedAt = *p.BlockedCheckedAt
	}
	if p.WatchdogRetries != nil {
		t.WatchdogRetries = *p.WatchdogRetries
	}
	if p.StallRetries != nil {
		t.StallRetries = *p.StallRetries
	}
	if p.GuardrailRetries != nil {
		t.GuardrailRetries = *p.GuardrailRetries
	}
	if p.AssignedAt != nil {
		t.AssignedAt = *p.AssignedAt
	}
	if p.CompletedAt != nil {
		t.CompletedAt = *p.CompletedAt
	}
	if p.ThrottledAt != nil {
		t.ThrottledAt = *p.ThrottledAt
	}
	if p.ResumeAt != nil {
		t.ResumeAt = *p.ResumeAt
	}
	if p.ThrottleSnapshot != nil {
		t.ThrottleSnapshot = *p.ThrottleSnapshot
	}
	if p.RunLogPath != nil {
		t.RunLogPath = *p.RunLogPath
	}
}

// Ptr returns a pointer to v, for building sparse patches inline.
func Ptr[T any](v T) *T {
	return &v
}
