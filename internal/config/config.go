// Package config provides configuration management for ralph.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// DefaultStateHomeName is the state-home directory under $HOME.
	DefaultStateHomeName = ".ralph"
)

// DatabaseConfig selects and parameterizes the state-store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`

	// Path is the sqlite database file, relative paths resolve under the
	// state home.
	Path string `yaml:"path,omitempty"`

	// DSN is the postgres connection string when driver is postgres.
	DSN string `yaml:"dsn,omitempty"`
}

// ServerConfig parameterizes the dashboard event API.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ThrottleConfig points at the agent-profile control file consulted by the
// quota oracle.
type ThrottleConfig struct {
	// ProfilesFile is the YAML control file listing agent profiles.
	// Relative paths resolve under the state home.
	ProfilesFile string `yaml:"profiles_file"`

	// SoftRatio is the usage fraction at which decisions turn soft.
	SoftRatio float64 `yaml:"soft_ratio"`

	// HardRatio is the usage fraction at which decisions turn hard.
	HardRatio float64 `yaml:"hard_ratio"`
}

// WatchdogConfig holds per-tool-call timeout thresholds.
type WatchdogConfig struct {
	// SoftTimeout logs a warning when a tool call exceeds it.
	SoftTimeout time.Duration `yaml:"soft_timeout"`

	// HardTimeout aborts the session call when a tool call exceeds it.
	HardTimeout time.Duration `yaml:"hard_timeout"`

	// ToolOverrides adjusts the hard timeout per tool class, e.g.
	// {"bash": "20m", "web_fetch": "2m"}.
	ToolOverrides map[string]time.Duration `yaml:"tool_overrides,omitempty"`
}

// StallConfig holds session idle detection thresholds.
type StallConfig struct {
	// IdleTimeout trips the stall detector when no session event arrives.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxRestarts is how many stall re-queues are allowed before escalation.
	MaxRestarts int `yaml:"max_restarts"`
}

// GuardrailConfig bounds a single session call.
type GuardrailConfig struct {
	// WallClock is the normal-mode wall-clock budget.
	WallClock time.Duration `yaml:"wall_clock"`

	// ToolCalls is the normal-mode tool-call budget.
	ToolCalls int `yaml:"tool_calls"`

	// CheckpointWallClock is the tighter budget for nudge/continue calls.
	CheckpointWallClock time.Duration `yaml:"checkpoint_wall_clock"`

	// CheckpointToolCalls is the tighter tool budget for nudge/continue calls.
	CheckpointToolCalls int `yaml:"checkpoint_tool_calls"`
}

// SupervisorConfig groups the supervisor budgets.
type SupervisorConfig struct {
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Stall     StallConfig     `yaml:"stall"`
	Guardrail GuardrailConfig `yaml:"guardrail"`
}

// DispatchConfig parameterizes the slot scheduler.
type DispatchConfig struct {
	// PollInterval is the queue scan cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxConcurrent caps in-flight tasks across all repos.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// GateConfig parameterizes merge-gate polling and CI triage.
type GateConfig struct {
	// PollInterval is the base interval between check polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxPollInterval caps the backed-off interval.
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`

	// Timeout bounds one readiness poll overall.
	Timeout time.Duration `yaml:"timeout"`

	// RemediationMaxAttempts bounds CI triage attempts per PR.
	// Overridable via RALPH_CI_REMEDIATION_MAX_ATTEMPTS.
	RemediationMaxAttempts int `yaml:"remediation_max_attempts"`

	// QuarantineBackoff is the base rest applied on a quarantine decision.
	QuarantineBackoff time.Duration `yaml:"quarantine_backoff"`

	// QuarantineBackoffCap caps the per-attempt exponential growth.
	QuarantineBackoffCap time.Duration `yaml:"quarantine_backoff_cap"`
}

// ConflictConfig parameterizes the merge-conflict recovery lane.
type ConflictConfig struct {
	// MaxAttempts bounds resolution attempts per PR.
	// Overridable via RALPH_MERGE_CONFLICT_MAX_ATTEMPTS.
	MaxAttempts int `yaml:"max_attempts"`

	// WaitTimeout bounds the post-session wait for updated PR state.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// LeaseTTL is the comment-marker lease lifetime.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// LeaseConfig parameterizes the PR-create idempotency lease.
type LeaseConfig struct {
	// TTL is how long a claim stays fresh.
	TTL time.Duration `yaml:"ttl"`

	// WaitForExisting is how long a contender polls for the holder's PR.
	WaitForExisting time.Duration `yaml:"wait_for_existing"`

	// WaitPollInterval is the polling interval during WaitForExisting.
	WaitPollInterval time.Duration `yaml:"wait_poll_interval"`

	// ConflictRest is the throttled rest applied when no PR appears.
	ConflictRest time.Duration `yaml:"conflict_rest"`
}

// PlannerConfig bounds issue-context assembly.
type PlannerConfig struct {
	// MaxComments caps how many trailing issue comments enter the context.
	MaxComments int `yaml:"max_comments"`

	// PrefetchTimeout bounds the issue-context fetch.
	// Overridable via RALPH_ISSUE_CONTEXT_TIMEOUT.
	PrefetchTimeout time.Duration `yaml:"prefetch_timeout"`
}

// LoopConfig holds per-repo loop-detection thresholds.
type LoopConfig struct {
	// Enabled turns the loop detector on for the repo.
	Enabled bool `yaml:"enabled"`

	// GateCommand is the command whose failure signature is monitored.
	GateCommand string `yaml:"gate_command,omitempty"`

	// Window is how many recent failures the signature covers.
	Window int `yaml:"window"`

	// TripThreshold is how many identical signatures in the window trip.
	TripThreshold int `yaml:"trip_threshold"`
}

// RepoConfig holds per-repository settings.
type RepoConfig struct {
	// Path is the local clone the daemon manages worktrees from.
	Path string `yaml:"path,omitempty"`

	// BaseBranch is the repo default branch, usually main.
	BaseBranch string `yaml:"base_branch"`

	// IntegrationBranch is the bot integration branch PRs target.
	IntegrationBranch string `yaml:"integration_branch"`

	// RequiredChecks overrides branch-protection required contexts.
	RequiredChecks []string `yaml:"required_checks,omitempty"`

	// Slots is the repo concurrency limit.
	Slots int `yaml:"slots"`

	// AutoUpdateLabel gates auto-update-behind; empty disables it.
	AutoUpdateLabel string `yaml:"auto_update_label,omitempty"`

	// AutoUpdateCooldown is the per-PR minimum gap between auto-updates.
	AutoUpdateCooldown time.Duration `yaml:"auto_update_cooldown"`

	// MergeOverrideLabel permits merging into the default branch.
	MergeOverrideLabel string `yaml:"merge_override_label,omitempty"`

	// CIOnlyGlobs are the path globs counted as CI/workflow files by the
	// CI-only merge guard.
	CIOnlyGlobs []string `yaml:"ci_only_globs,omitempty"`

	// SetupCommands run in the worktree before the first session call.
	SetupCommands []string `yaml:"setup_commands,omitempty"`

	// Loop holds loop-detection thresholds.
	Loop LoopConfig `yaml:"loop"`
}

// Config represents the ralph configuration.
type Config struct {
	// Version is the config file version.
	Version int `yaml:"version"`

	// StateHome is the root for worktrees, session streams, run logs,
	// the lock file, and the sqlite database.
	StateHome string `yaml:"state_home"`

	// Allowlist is the set of repo owners ralph may operate on.
	Allowlist []string `yaml:"allowlist"`

	// GitHubTokenEnv names the environment variable carrying the API token.
	GitHubTokenEnv string `yaml:"github_token_env"`

	Database    DatabaseConfig   `yaml:"database"`
	Server      ServerConfig     `yaml:"server"`
	Dispatch    DispatchConfig   `yaml:"dispatch"`
	Throttle    ThrottleConfig   `yaml:"throttle"`
	Supervisors SupervisorConfig `yaml:"supervisors"`
	Gate        GateConfig       `yaml:"gate"`
	Conflict    ConflictConfig   `yaml:"conflict"`
	Lease       LeaseConfig      `yaml:"lease"`
	Planner     PlannerConfig    `yaml:"planner"`

	// Repos maps owner/name to per-repo settings.
	Repos map[string]RepoConfig `yaml:"repos,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Version:        1,
		StateHome:      filepath.Join(home, DefaultStateHomeName),
		GitHubTokenEnv: "GITHUB_TOKEN",
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "ralph.db",
		},
		Server: ServerConfig{
			Enabled: false,
			Addr:    ":8799",
		},
		Dispatch: DispatchConfig{
			PollInterval:  2 * time.Second,
			MaxConcurrent: 4,
		},
		Throttle: ThrottleConfig{
			ProfilesFile: "profiles.yaml",
			SoftRatio:    0.8,
			HardRatio:    0.95,
		},
		Supervisors: SupervisorConfig{
			Watchdog: WatchdogConfig{
				SoftTimeout: 5 * time.Minute,
				HardTimeout: 15 * time.Minute,
			},
			Stall: StallConfig{
				IdleTimeout: 10 * time.Minute,
				MaxRestarts: 1,
			},
			Guardrail: GuardrailConfig{
				WallClock:           2 * time.Hour,
				ToolCalls:           400,
				CheckpointWallClock: 20 * time.Minute,
				CheckpointToolCalls: 60,
			},
		},
		Gate: GateConfig{
			PollInterval:           15 * time.Second,
			MaxPollInterval:        2 * time.Minute,
			Timeout:                45 * time.Minute,
			RemediationMaxAttempts: 3,
			QuarantineBackoff:      30 * time.Second,
			QuarantineBackoffCap:   15 * time.Minute,
		},
		Conflict: ConflictConfig{
			MaxAttempts: 2,
			WaitTimeout: 10 * time.Minute,
			LeaseTTL:    20 * time.Minute,
		},
		Lease: LeaseConfig{
			TTL:              20 * time.Minute,
			WaitForExisting:  2 * time.Minute,
			WaitPollInterval: 5 * time.Second,
			ConflictRest:     5 * time.Minute,
		},
		Planner: PlannerConfig{
			MaxComments:     25,
			PrefetchTimeout: 30 * time.Second,
		},
	}
}

// DefaultRepo returns the per-repo defaults applied when a repo has no
// explicit entry.
func DefaultRepo() RepoConfig {
	return RepoConfig{
		BaseBranch:         "main",
		IntegrationBranch:  "bot/integration",
		Slots:              1,
		AutoUpdateCooldown: 10 * time.Minute,
		CIOnlyGlobs: []string{
			".github/workflows/**",
			".github/actions/**",
			"ci/**",
			"*.ci.yaml",
			"*.ci.yml",
		},
		Loop: LoopConfig{
			Enabled:       false,
			Window:        5,
			TripThreshold: 3,
		},
	}
}

// RepoFor returns the effective settings for a repo, merging its entry
// over the per-repo defaults.
func (c *Config) RepoFor(repo string) RepoConfig {
	rc := DefaultRepo()
	got, ok := c.Repos[repo]
	if !ok {
		return rc
	}
	if got.BaseBranch != "" {
		rc.BaseBranch = got.BaseBranch
	}
	if got.IntegrationBranch != "" {
		rc.IntegrationBranch = got.IntegrationBranch
	}
	if len(got.RequiredChecks) > 0 {
		rc.RequiredChecks = got.RequiredChecks
	}
	if got.Slots > 0 {
		rc.Slots = got.Slots
	}
	if got.AutoUpdateLabel != "" {
		rc.AutoUpdateLabel = got.AutoUpdateLabel
	}
	if got.AutoUpdateCooldown > 0 {
		rc.AutoUpdateCooldown = got.AutoUpdateCooldown
	}
	if got.MergeOverrideLabel != "" {
		rc.MergeOverrideLabel = got.MergeOverrideLabel
	}
	if len(got.CIOnlyGlobs) > 0 {
		rc.CIOnlyGlobs = got.CIOnlyGlobs
	}
	if len(got.SetupCommands) > 0 {
		rc.SetupCommands = got.SetupCommands
	}
	if got.Loop.Enabled {
		rc.Loop = got.Loop
		if rc.Loop.Window <= 0 {
			rc.Loop.Window = 5
		}
		if rc.Loop.TripThreshold <= 0 {
			rc.Loop.TripThreshold = 3
		}
	}
	return rc
}

// OwnerAllowed reports whether the repo owner is in the allowlist.
func (c *Config) OwnerAllowed(owner string) bool {
	for _, a := range c.Allowlist {
		if a == owner {
			return true
		}
	}
	return false
}

// WorktreesRoot returns the managed worktrees root under the state home.
func (c *Config) WorktreesRoot() string {
	return filepath.Join(c.StateHome, "worktrees")
}

// SessionsDir returns the per-session stream directory.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.StateHome, "sessions")
}

// RunLogsDir returns the per-phase run-log directory.
func (c *Config) RunLogsDir() string {
	return filepath.Join(c.StateHome, "runlogs")
}

// LockPath returns the daemon lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateHome, "lock.yaml")
}

// DatabasePath resolves the sqlite file under the state home.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database.Path) {
		return c.Database.Path
	}
	return filepath.Join(c.StateHome, c.Database.Path)
}

// ProfilesPath resolves the throttle control file under the state home.
func (c *Config) ProfilesPath() string {
	if filepath.IsAbs(c.Throttle.ProfilesFile) {
		return c.Throttle.ProfilesFile
	}
	return filepath.Join(c.StateHome, c.Throttle.ProfilesFile)
}

// Validate checks invariants a running daemon relies on.
func (c *Config) Validate() error {
	if c.StateHome == "" {
		return fmt.Errorf("state_home must be set")
	}
	if len(c.Allowlist) == 0 {
		return fmt.Errorf("allowlist must name at least one repo owner")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the postgres driver")
	}
	if c.Dispatch.MaxConcurrent < 1 {
		return fmt.Errorf("dispatch.max_concurrent must be at least 1")
	}
	for repo, rc := range c.Repos {
		if rc.Slots < 0 {
			return fmt.Errorf("repos[%s].slots must be non-negative", repo)
		}
	}
	return nil
}

// Load loads the config from the default location
// ($RALPH_STATE_HOME or ~/.ralph)/config.yaml, applying env overrides.
func Load() (*Config, error) {
	home := os.Getenv("RALPH_STATE_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, DefaultStateHomeName)
	}
	return LoadFrom(filepath.Join(home, ConfigFileName))
}

// LoadFrom loads the config from a specific path. A missing file yields
// the defaults so fresh installs work before 'ralph init' has run.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvVars(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvVars(cfg)
	return cfg, nil
}

// Save writes the config YAML to path.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
