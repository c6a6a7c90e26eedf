// Package hosting defines the typed GitHub surface the orchestrator drives:
// issues, comments, labels, branch protection, check runs, statuses, refs,
// and pull requests. The Port interface keeps the worker and gate testable
// against in-memory fakes.
package hosting

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a resource does not exist on the host.
var ErrNotFound = errors.New("not found")

// Port is the git hosting surface. The GitHub implementation lives in
// internal/hosting/github.
type Port interface {
	// Issues
	IssueView(ctx context.Context, number int) (*Issue, error)
	CreateIssue(ctx context.Context, title, body string, labels []string) (*Issue, error)
	ListIssueComments(ctx context.Context, number int) ([]Comment, error)
	CreateComment(ctx context.Context, number int, body string) (*Comment, error)
	UpdateComment(ctx context.Context, commentID int64, body string) (*Comment, error)
	AddLabel(ctx context.Context, number int, label string) error
	RemoveLabel(ctx context.Context, number int, label string) error

	// Branch protection
	BranchProtection(ctx context.Context, branch string) (*BranchProtection, error)
	PutBranchProtection(ctx context.Context, branch string, protection BranchProtection) error

	// Commit state
	CommitCheckRuns(ctx context.Context, sha string) ([]CheckRun, error)
	CommitStatuses(ctx context.Context, sha string) ([]Status, error)

	// Git refs
	RefSHA(ctx context.Context, ref string) (string, error)
	CreateRef(ctx context.Context, ref, sha string) error
	DeleteRef(ctx context.Context, ref string) error

	// Pull requests
	SearchPRsByIssue(ctx context.Context, issueNumber int) ([]PR, error)
	PRView(ctx context.Context, number int) (*PR, error)
	PRMergeCandidate(ctx context.Context, number int) (*PR, error)
	PRFiles(ctx context.Context, number int) ([]string, error)
	MergePR(ctx context.Context, number int, opts MergeOptions) (sha string, err error)
	UpdatePRBranch(ctx context.Context, number int) error

	// Metadata
	OwnerRepo() (string, string)
}

// Issue is a GitHub issue.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Author    string    `json:"author"`
	Labels    []string  `json:"labels,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Comment is an issue or PR conversation comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PR is a pull request as the merge gate sees it.
type PR struct {
	Number         int       `json:"number"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	State          string    `json:"state"` // open, closed
	Merged         bool      `json:"merged"`
	Draft          bool      `json:"draft"`
	HeadBranch     string    `json:"head_branch"`
	HeadSHA        string    `json:"head_sha"`
	CrossRepoHead  bool      `json:"cross_repo_head,omitempty"` // head lives in a fork
	BaseBranch     string    `json:"base_branch"`
	HTMLURL        string    `json:"html_url"`
	MergeableState string    `json:"mergeable_state,omitempty"` // clean, behind, dirty, blocked, unknown
	Labels         []string  `json:"labels,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MergeOptions controls how a PR is merged.
type MergeOptions struct {
	Method      string `json:"method"` // merge, squash, rebase
	SHA         string `json:"sha,omitempty"`
	CommitTitle string `json:"commit_title,omitempty"`
}

// CheckRun is a GitHub Actions check run on a commit.
type CheckRun struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`               // queued, in_progress, completed
	Conclusion  string    `json:"conclusion,omitempty"` // success, failure, neutral, ...
	CompletedAt time.Time `json:"completed_at,omitempty"`
	HTMLURL     string    `json:"html_url,omitempty"`
}

// Status is a legacy commit status context.
type Status struct {
	Context   string `json:"context"`
	State     string `json:"state"` // pending, success, failure, error
	TargetURL string `json:"target_url,omitempty"`
}

// BranchProtection is the subset of branch protection the orchestrator
// manages: required status check contexts and whether the branch must be
// up to date before merging.
type BranchProtection struct {
	RequiredChecks []string `json:"required_checks"`
	Strict         bool     `json:"strict"`
}
