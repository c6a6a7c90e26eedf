package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variables recognized by ralph. Each overrides the config
// field it names, after file loading.
const (
	EnvStateHome                = "RALPH_STATE_HOME"
	EnvGitHubTokenEnv           = "RALPH_GITHUB_TOKEN_ENV"
	EnvDBDriver                 = "RALPH_DB_DRIVER"
	EnvDBDSN                    = "RALPH_DB_DSN"
	EnvServerAddr               = "RALPH_SERVER_ADDR"
	EnvCIRemediationMaxAttempts = "RALPH_CI_REMEDIATION_MAX_ATTEMPTS"
	EnvMergeConflictMaxAttempts = "RALPH_MERGE_CONFLICT_MAX_ATTEMPTS"
	EnvIssueContextTimeout      = "RALPH_ISSUE_CONTEXT_TIMEOUT"
)

// ApplyEnvVars applies environment overrides to cfg and returns the list
// of variables that were applied.
func ApplyEnvVars(cfg *Config) []string {
	var applied []string

	if v := os.Getenv(EnvStateHome); v != "" {
		cfg.StateHome = v
		applied = append(applied, EnvStateHome)
	}
	if v := os.Getenv(EnvGitHubTokenEnv); v != "" {
		cfg.GitHubTokenEnv = v
		applied = append(applied, EnvGitHubTokenEnv)
	}
	if v := os.Getenv(EnvDBDriver); v != "" {
		cfg.Database.Driver = v
		applied = append(applied, EnvDBDriver)
	}
	if v := os.Getenv(EnvDBDSN); v != "" {
		cfg.Database.DSN = v
		applied = append(applied, EnvDBDSN)
	}
	if v := os.Getenv(EnvServerAddr); v != "" {
		cfg.Server.Addr = v
		applied = append(applied, EnvServerAddr)
	}
	if v := os.Getenv(EnvCIRemediationMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gate.RemediationMaxAttempts = n
			applied = append(applied, EnvCIRemediationMaxAttempts)
		}
	}
	if v := os.Getenv(EnvMergeConflictMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Conflict.MaxAttempts = n
			applied = append(applied, EnvMergeConflictMaxAttempts)
		}
	}
	if v := os.Getenv(EnvIssueContextTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Planner.PrefetchTimeout = d
			applied = append(applied, EnvIssueContextTimeout)
		}
	}

	return applied
}
