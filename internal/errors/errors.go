// Package errors provides structured error types for ralph.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for ralph.
const (
	// Initialization errors
	CodeNotInitialized Code = "RALPH_NOT_INITIALIZED"
	CodeLockHeld       Code = "RALPH_LOCK_HELD"

	// Task errors
	CodeTaskNotFound     Code = "TASK_NOT_FOUND"
	CodeTaskInvalidState Code = "TASK_INVALID_STATE"
	CodeTaskLostUpdate   Code = "TASK_LOST_UPDATE"

	// Repo and worktree errors
	CodeRepoNotAllowed    Code = "REPO_NOT_ALLOWED"
	CodeRepoDirty         Code = "REPO_DIRTY"
	CodeWorktreeRoot      Code = "WORKTREE_IS_REPO_ROOT"
	CodeWorktreeUnhealthy Code = "WORKTREE_UNHEALTHY"

	// Session errors
	CodeSessionFailed  Code = "SESSION_FAILED"
	CodeSessionMissing Code = "SESSION_MISSING"

	// Merge gate errors
	CodeGateTimeout   Code = "GATE_TIMEOUT"
	CodeMergeRefused  Code = "MERGE_REFUSED"
	CodeMergeConflict Code = "MERGE_CONFLICT"

	// Lease errors
	CodeLeaseHeld Code = "LEASE_HELD"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeNotInitialized:    CategoryBadRequest,
	CodeLockHeld:          CategoryConflict,
	CodeTaskNotFound:      CategoryNotFound,
	CodeTaskInvalidState:  CategoryBadRequest,
	CodeTaskLostUpdate:    CategoryConflict,
	CodeRepoNotAllowed:    CategoryBadRequest,
	CodeRepoDirty:         CategoryBadRequest,
	CodeWorktreeRoot:      CategoryInternal,
	CodeWorktreeUnhealthy: CategoryInternal,
	CodeSessionFailed:     CategoryInternal,
	CodeSessionMissing:    CategoryBadRequest,
	CodeGateTimeout:       CategoryTimeout,
	CodeMergeRefused:      CategoryBadRequest,
	CodeMergeConflict:     CategoryConflict,
	CodeLeaseHeld:         CategoryConflict,
	CodeConfigInvalid:     CategoryBadRequest,
	CodeConfigMissing:     CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// RalphError is the structured error type for ralph.
type RalphError struct {
	Code    Code   `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why,omitempty"`
	Fix     string `json:"fix,omitempty"`
	DocsURL string `json:"docs_url,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *RalphError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *RalphError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *RalphError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	if e.DocsURL != "" {
		b.WriteString("\n\nDocs: ")
		b.WriteString(e.DocsURL)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *RalphError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *RalphError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *RalphError) MarshalJSON() ([]byte, error) {
	type alias RalphError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a RalphError with the same code.
func (e *RalphError) Is(target error) bool {
	t, ok := target.(*RalphError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *RalphError) WithCause(err error) *RalphError {
	return &RalphError{
		Code:    e.Code,
		What:    e.What,
		Why:     e.Why,
		Fix:     e.Fix,
		DocsURL: e.DocsURL,
		Cause:   err,
	}
}

// --- Error constructors ---

// ErrNotInitialized returns an error for an uninitialized state home.
func ErrNotInitialized() *RalphError {
	return &RalphError{
		Code:    CodeNotInitialized,
		What:    "ralph is not initialized",
		Why:     "No config.yaml found under the ralph state home",
		Fix:     "Run 'ralph init' to create the state home and configuration",
		DocsURL: "https://github.com/randalmurphal/ralph#quick-start",
	}
}

// ErrLockHeld returns an error when another daemon owns the state home.
func ErrLockHeld(owner string, pid int) *RalphError {
	return &RalphError{
		Code: CodeLockHeld,
		What: "another ralph daemon holds the state-home lock",
		Why:  fmt.Sprintf("Lock is held by %s (pid %d) and its heartbeat is fresh", owner, pid),
		Fix:  "Stop the other daemon, or wait for its lock to expire",
	}
}

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *RalphError {
	return &RalphError{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Why:  "No task with this ID exists in the queue",
		Fix:  "Run 'ralph status' to list known tasks",
	}
}

// ErrTaskInvalidState returns an error when a task is in an invalid state.
func ErrTaskInvalidState(id, current, expected string) *RalphError {
	return &RalphError{
		Code: CodeTaskInvalidState,
		What: fmt.Sprintf("task %s is in status '%s', expected '%s'", id, current, expected),
		Why:  "The requested operation cannot be performed in the current task status",
		Fix:  fmt.Sprintf("Check 'ralph status %s' for the current status", id),
	}
}

// ErrTaskLostUpdate returns an error when an optimistic task patch lost the race.
func ErrTaskLostUpdate(id string) *RalphError {
	return &RalphError{
		Code: CodeTaskLostUpdate,
		What: fmt.Sprintf("task %s was modified concurrently", id),
		Why:  "Another worker patched the task record between read and write",
		Fix:  "Refresh the task and retry, or yield ownership",
	}
}

// ErrRepoNotAllowed returns an error when a repo owner is outside the allowlist.
func ErrRepoNotAllowed(repo string) *RalphError {
	return &RalphError{
		Code: CodeRepoNotAllowed,
		What: fmt.Sprintf("repository %s is not in the allowlist", repo),
		Why:  "Ralph only operates on repositories whose owner is explicitly allowed",
		Fix:  "Add the owner to 'allowlist' in config.yaml if this repo should be managed",
	}
}

// ErrRepoDirty returns an error when the repo root has uncommitted changes.
func ErrRepoDirty(repo string) *RalphError {
	return &RalphError{
		Code: CodeRepoDirty,
		What: fmt.Sprintf("repository root of %s has uncommitted changes", repo),
		Why:  "Starting work from a dirty repo root risks mixing unrelated changes",
		Fix:  "Commit or stash the changes in the repo root, then re-queue the task",
	}
}

// ErrWorktreeRoot returns an error when a task would run in the repo root.
func ErrWorktreeRoot(path string) *RalphError {
	return &RalphError{
		Code: CodeWorktreeRoot,
		What: "refusing to run a task in the repository root",
		Why:  fmt.Sprintf("Resolved worktree path %s equals the repo root", path),
		Fix:  "Clear the task's worktree_path so a managed worktree is created",
	}
}

// ErrWorktreeUnhealthy returns an error for a missing or corrupt worktree.
func ErrWorktreeUnhealthy(path, reason string) *RalphError {
	return &RalphError{
		Code: CodeWorktreeUnhealthy,
		What: fmt.Sprintf("worktree %s is unhealthy", path),
		Why:  reason,
		Fix:  "The worktree will be removed and recreated on the next attempt",
	}
}

// ErrSessionMissing returns an error when resume lacks a session ID.
func ErrSessionMissing(taskID string) *RalphError {
	return &RalphError{
		Code: CodeSessionMissing,
		What: fmt.Sprintf("task %s has no session to resume", taskID),
		Why:  "Resume requires the session ID recorded by a previous run",
		Fix:  "Re-queue the task so it is planned fresh",
	}
}

// ErrGateTimeout returns an error when required checks did not settle in time.
func ErrGateTimeout(pr string, waited string) *RalphError {
	return &RalphError{
		Code: CodeGateTimeout,
		What: fmt.Sprintf("required checks on %s did not settle", pr),
		Why:  fmt.Sprintf("Polling stopped after %s with checks still pending", waited),
		Fix:  "CI triage decides the next step; see the triage comment on the issue",
	}
}

// ErrMergeRefused returns an error when merge policy rejects the PR base.
func ErrMergeRefused(pr, base string) *RalphError {
	return &RalphError{
		Code: CodeMergeRefused,
		What: fmt.Sprintf("merge of %s refused by policy", pr),
		Why:  fmt.Sprintf("Base branch %s is the repo default and no override label is present", base),
		Fix:  "Retarget the PR at the integration branch, or apply the override label",
	}
}

// ErrLeaseHeld returns an error when a PR-create lease is held elsewhere.
func ErrLeaseHeld(key, holder string) *RalphError {
	return &RalphError{
		Code: CodeLeaseHeld,
		What: fmt.Sprintf("PR-create lease %s is held by %s", key, holder),
		Why:  "Another worker is creating a PR for the same (repo, issue, base)",
		Fix:  "The task rests briefly and retries; no action needed unless the lease never clears",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *RalphError {
	return &RalphError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Fix the field in config.yaml under the ralph state home",
	}
}

// ErrConfigMissing returns an error for missing configuration.
func ErrConfigMissing(field string) *RalphError {
	return &RalphError{
		Code: CodeConfigMissing,
		What: fmt.Sprintf("missing required configuration: %s", field),
		Why:  "This field is required but not set in configuration",
		Fix:  fmt.Sprintf("Add '%s' to config.yaml", field),
	}
}

// AsRalphError attempts to convert an error to a RalphError.
// Returns nil if the error is not a RalphError.
func AsRalphError(err error) *RalphError {
	var rerr *RalphError
	if As(err, &rerr) {
		return rerr
	}
	return nil
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return asError(err, target)
}

// asError implements errors.As behavior.
func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if rerr, ok := err.(*RalphError); ok {
		if t, ok := target.(**RalphError); ok {
			*t = rerr
			return true
		}
	}
	// Check unwrapped error
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into a RalphError with unknown code.
func Wrap(err error, what string) *RalphError {
	return &RalphError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
