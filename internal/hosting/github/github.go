// Package github implements the hosting.Port against the GitHub REST API
// using the go-github client.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/randalmurphal/ralph/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Port = (*Client)(nil)

// Client drives a single owner/repo through go-github.
type Client struct {
	gh         *gogithub.Client
	owner      string
	repo       string
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger used for best-effort warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the underlying HTTP client. Tests use this
// together with WithBaseURL to point the client at a local server.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the API base URL, for GitHub Enterprise or tests.
// The URL must end with a trailing slash.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New creates a client for owner/repo authenticated with token.
func New(owner, repo, token string, opts ...Option) *Client {
	c := &Client{
		owner:  owner,
		repo:   repo,
		logger: slog.Default(),
		httpClient: &http.Client{
			Transport: &oauth2Transport{token: token},
			Timeout:   30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.gh = gogithub.NewClient(c.httpClient)
	if c.baseURL != "" {
		if parsed, err := c.gh.BaseURL.Parse(c.baseURL); err == nil {
			c.gh.BaseURL = parsed
		}
	}
	return c
}

// FromRepoRef splits an "owner/name" reference and builds a client.
func FromRepoRef(repoRef, token string, opts ...Option) (*Client, error) {
	owner, name, ok := strings.Cut(repoRef, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("malformed repo reference %q, want owner/name", repoRef)
	}
	return New(owner, name, token, opts...), nil
}

// oauth2Transport adds an Authorization header to every request.
type oauth2Transport struct {
	token string
	base  http.RoundTripper
}

func (t *oauth2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// OwnerRepo returns the owner and repository name.
func (c *Client) OwnerRepo() (string, string) {
	return c.owner, c.repo
}

// IssueView fetches a single issue.
func (c *Client) IssueView(ctx context.Context, number int) (*hosting.Issue, error) {
	issue, _, err := c.gh.Issues.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("get issue %d", number), err)
	}
	return mapIssue(issue), nil
}

// CreateIssue opens a new issue. The survey step writes its findings
// back through here.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (*hosting.Issue, error) {
	req := &gogithub.IssueRequest{
		Title: gogithub.Ptr(title),
		Body:  gogithub.Ptr(body),
	}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	created, _, err := c.gh.Issues.Create(ctx, c.owner, c.repo, req)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("create issue %q", title), err)
	}
	return mapIssue(created), nil
}

// ListIssueComments lists all conversation comments on an issue, oldest
// first, following pagination.
func (c *Client) ListIssueComments(ctx context.Context, number int) ([]hosting.Comment, error) {
	opts := &gogithub.IssueListCommentsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	var all []*gogithub.IssueComment
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, mapErr(fmt.Sprintf("list comments on issue %d", number), err)
		}
		all = append(all, comments...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	result := make([]hosting.Comment, 0, len(all))
	for _, cm := range all {
		result = append(result, mapComment(cm))
	}
	return result, nil
}

// CreateComment posts a conversation comment on an issue or PR.
func (c *Client) CreateComment(ctx context.Context, number int, body string) (*hosting.Comment, error) {
	created, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number,
		&gogithub.IssueComment{Body: gogithub.Ptr(body)})
	if err != nil {
		return nil, mapErr(fmt.Sprintf("create comment on #%d", number), err)
	}
	mapped := mapComment(created)
	return &mapped, nil
}

// UpdateComment replaces the body of an existing comment.
func (c *Client) UpdateComment(ctx context.Context, commentID int64, body string) (*hosting.Comment, error) {
	updated, _, err := c.gh.Issues.EditComment(ctx, c.owner, c.repo, commentID,
		&gogithub.IssueComment{Body: gogithub.Ptr(body)})
	if err != nil {
		return nil, mapErr(fmt.Sprintf("update comment %d", commentID), err)
	}
	mapped := mapComment(updated)
	return &mapped, nil
}

// AddLabel attaches a label to an issue or PR.
func (c *Client) AddLabel(ctx context.Context, number int, label string) error {
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, []string{label})
	if err != nil {
		return mapErr(fmt.Sprintf("add label %q to #%d", label, number), err)
	}
	return nil
}

// RemoveLabel detaches a label. Removing an absent label is not an error.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, number, label)
	if err != nil {
		mapped := mapErr(fmt.Sprintf("remove label %q from #%d", label, number), err)
		var apiErr *hosting.GitHubAPIError
		if asAPIError(mapped, &apiErr) && apiErr.IsNotFound() {
			return nil
		}
		return mapped
	}
	return nil
}

// BranchProtection reads the required status check configuration of a
// branch. Missing protection maps to hosting.ErrNotFound.
func (c *Client) BranchProtection(ctx context.Context, branch string) (*hosting.BranchProtection, error) {
	protection, _, err := c.gh.Repositories.GetBranchProtection(ctx, c.owner, c.repo, branch)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("get branch protection for %q", branch), err)
	}
	result := &hosting.BranchProtection{}
	if checks := protection.GetRequiredStatusChecks(); checks != nil {
		result.Strict = checks.Strict
		if checks.Contexts != nil {
			result.RequiredChecks = append(result.RequiredChecks, *checks.Contexts...)
		}
	}
	return result, nil
}

// PutBranchProtection sets the required status check configuration,
// leaving review requirements and push restrictions untouched.
func (c *Client) PutBranchProtection(ctx context.Context, branch string, protection hosting.BranchProtection) error {
	contexts := protection.RequiredChecks
	if contexts == nil {
		contexts = []string{}
	}
	req := &gogithub.ProtectionRequest{
		RequiredStatusChecks: &gogithub.RequiredStatusChecks{
			Strict:   protection.Strict,
			Contexts: &contexts,
		},
	}
	_, _, err := c.gh.Repositories.UpdateBranchProtection(ctx, c.owner, c.repo, branch, req)
	if err != nil {
		return mapErr(fmt.Sprintf("put branch protection for %q", branch), err)
	}
	return nil
}

// CommitCheckRuns lists check runs for a commit SHA, following pagination.
func (c *Client) CommitCheckRuns(ctx context.Context, sha string) ([]hosting.CheckRun, error) {
	opts := &gogithub.ListCheckRunsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	var all []*gogithub.CheckRun
	for {
		result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, sha, opts)
		if err != nil {
			return nil, mapErr(fmt.Sprintf("list check runs for %s", sha), err)
		}
		all = append(all, result.CheckRuns...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	runs := make([]hosting.CheckRun, 0, len(all))
	for _, cr := range all {
		run := hosting.CheckRun{
			ID:         cr.GetID(),
			Name:       cr.GetName(),
			Status:     cr.GetStatus(),
			Conclusion: cr.GetConclusion(),
			HTMLURL:    cr.GetHTMLURL(),
		}
		if t := cr.GetCompletedAt(); !t.IsZero() {
			run.CompletedAt = t.Time
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// CommitStatuses lists legacy commit status contexts for a SHA.
func (c *Client) CommitStatuses(ctx context.Context, sha string) ([]hosting.Status, error) {
	opts := &gogithub.ListOptions{PerPage: 100}
	var all []*gogithub.RepoStatus
	for {
		statuses, resp, err := c.gh.Repositories.ListStatuses(ctx, c.owner, c.repo, sha, opts)
		if err != nil {
			return nil, mapErr(fmt.Sprintf("list statuses for %s", sha), err)
		}
		all = append(all, statuses...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	result := make([]hosting.Status, 0, len(all))
	for _, s := range all {
		result = append(result, hosting.Status{
			Context:   s.GetContext(),
			State:     s.GetState(),
			TargetURL: s.GetTargetURL(),
		})
	}
	return result, nil
}

// RefSHA resolves a ref like "heads/main" to its commit SHA.
func (c *Client) RefSHA(ctx context.Context, ref string) (string, error) {
	reference, _, err := c.gh.Git.GetRef(ctx, c.owner, c.repo, ref)
	if err != nil {
		return "", mapErr(fmt.Sprintf("get ref %q", ref), err)
	}
	return reference.GetObject().GetSHA(), nil
}

// CreateRef creates a ref pointing at sha.
func (c *Client) CreateRef(ctx context.Context, ref, sha string) error {
	if !strings.HasPrefix(ref, "refs/") {
		ref = "refs/" + ref
	}
	_, _, err := c.gh.Git.CreateRef(ctx, c.owner, c.repo, gogithub.CreateRef{
		Ref: ref,
		SHA: sha,
	})
	if err != nil {
		return mapErr(fmt.Sprintf("create ref %q", ref), err)
	}
	return nil
}

// DeleteRef deletes a ref. Deleting an already gone ref is not an error.
func (c *Client) DeleteRef(ctx context.Context, ref string) error {
	if !strings.HasPrefix(ref, "refs/") {
		ref = "refs/" + ref
	}
	_, err := c.gh.Git.DeleteRef(ctx, c.owner, c.repo, ref)
	if err != nil {
		mapped := mapErr(fmt.Sprintf("delete ref %q", ref), err)
		var apiErr *hosting.GitHubAPIError
		if asAPIError(mapped, &apiErr) && apiErr.IsNotFound() {
			return nil
		}
		return mapped
	}
	return nil
}

// SearchPRsByIssue finds open PRs whose body references the issue number.
// Callers still verify the link before treating a result as canonical.
func (c *Client) SearchPRsByIssue(ctx context.Context, issueNumber int) ([]hosting.PR, error) {
	query := fmt.Sprintf("repo:%s/%s is:pr is:open %d in:body", c.owner, c.repo, issueNumber)
	result, _, err := c.gh.Search.Issues(ctx, query, &gogithub.SearchOptions{
		Sort:        "created",
		Order:       "asc",
		ListOptions: gogithub.ListOptions{PerPage: 30},
	})
	if err != nil {
		return nil, mapErr(fmt.Sprintf("search PRs for issue %d", issueNumber), err)
	}

	var prs []hosting.PR
	for _, item := range result.Issues {
		if item.PullRequestLinks == nil {
			continue
		}
		pr, viewErr := c.PRView(ctx, item.GetNumber())
		if viewErr != nil {
			c.logger.Warn("skipping unreadable PR from issue search",
				slog.Int("pr", item.GetNumber()),
				slog.String("error", viewErr.Error()))
			continue
		}
		prs = append(prs, *pr)
	}
	return prs, nil
}

// PRView fetches a pull request.
func (c *Client) PRView(ctx context.Context, number int) (*hosting.PR, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("get PR %d", number), err)
	}
	return mapPR(pr), nil
}

// PRMergeCandidate fetches a PR expecting GitHub to have computed its
// mergeable state. GitHub computes it lazily, so an unknown state may need
// a re-fetch after a short wait.
func (c *Client) PRMergeCandidate(ctx context.Context, number int) (*hosting.PR, error) {
	pr, err := c.PRView(ctx, number)
	if err != nil {
		return nil, err
	}
	if pr.MergeableState == "" || pr.MergeableState == "unknown" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
		return c.PRView(ctx, number)
	}
	return pr, nil
}

// PRFiles lists the file paths changed by a PR, following pagination.
func (c *Client) PRFiles(ctx context.Context, number int) ([]string, error) {
	opts := &gogithub.ListOptions{PerPage: 100}
	var paths []string
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, mapErr(fmt.Sprintf("list files of PR %d", number), err)
		}
		for _, f := range files {
			if name := f.GetFilename(); name != "" {
				paths = append(paths, name)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return paths, nil
}

// MergePR merges a PR and returns the merge commit SHA.
func (c *Client) MergePR(ctx context.Context, number int, opts hosting.MergeOptions) (string, error) {
	method := opts.Method
	switch method {
	case "merge", "squash", "rebase":
	default:
		method = "squash"
	}
	result, _, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, "",
		&gogithub.PullRequestOptions{
			MergeMethod: method,
			SHA:         opts.SHA,
			CommitTitle: opts.CommitTitle,
		})
	if err != nil {
		return "", mapErr(fmt.Sprintf("merge PR %d", number), err)
	}
	if !result.GetMerged() {
		return "", &hosting.GitHubAPIError{
			StatusCode:   http.StatusConflict,
			Code:         "merge_refused",
			ResponseText: result.GetMessage(),
		}
	}
	return result.GetSHA(), nil
}

// UpdatePRBranch merges the base branch into the PR head. GitHub performs
// the update asynchronously and answers 202; go-github reports that as an
// AcceptedError, which callers treat as started.
func (c *Client) UpdatePRBranch(ctx context.Context, number int) error {
	_, _, err := c.gh.PullRequests.UpdateBranch(ctx, c.owner, c.repo, number, nil)
	if err != nil {
		if _, accepted := err.(*gogithub.AcceptedError); accepted {
			return nil
		}
		return mapErr(fmt.Sprintf("update branch of PR %d", number), err)
	}
	return nil
}

func mapIssue(issue *gogithub.Issue) *hosting.Issue {
	var labels []string
	for _, l := range issue.Labels {
		if name := l.GetName(); name != "" {
			labels = append(labels, name)
		}
	}
	return &hosting.Issue{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		Author:    issue.GetUser().GetLogin(),
		Labels:    labels,
		CreatedAt: issue.GetCreatedAt().Time,
		UpdatedAt: issue.GetUpdatedAt().Time,
	}
}

func mapComment(c *gogithub.IssueComment) hosting.Comment {
	return hosting.Comment{
		ID:        c.GetID(),
		Body:      c.GetBody(),
		Author:    c.GetUser().GetLogin(),
		CreatedAt: c.GetCreatedAt().Time,
		UpdatedAt: c.GetUpdatedAt().Time,
	}
}

func mapPR(pr *gogithub.PullRequest) *hosting.PR {
	var labels []string
	for _, l := range pr.Labels {
		if name := l.GetName(); name != "" {
			labels = append(labels, name)
		}
	}
	return &hosting.PR{
		Number:         pr.GetNumber(),
		Title:          pr.GetTitle(),
		Body:           pr.GetBody(),
		State:          pr.GetState(),
		Merged:         pr.GetMerged(),
		Draft:          pr.GetDraft(),
		HeadBranch:     pr.GetHead().GetRef(),
		HeadSHA:        pr.GetHead().GetSHA(),
		CrossRepoHead:  pr.GetHead().GetRepo().GetFullName() != pr.GetBase().GetRepo().GetFullName(),
		BaseBranch:     pr.GetBase().GetRef(),
		HTMLURL:        pr.GetHTMLURL(),
		MergeableState: pr.GetMergeableState(),
		Labels:         labels,
		CreatedAt:      pr.GetCreatedAt().Time,
		UpdatedAt:      pr.GetUpdatedAt().Time,
	}
}
