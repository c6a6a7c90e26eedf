// Package planner builds the issue context fed to the planner agent and
// parses the routing decision out of its output.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/hosting"
)

// RoutingDecision is the planner's verdict on an issue.
type RoutingDecision struct {
	// Decision is "proceed", "escalate", or "blocker".
	Decision string

	// IssueType classifies the issue (implementation, question, ...).
	IssueType string

	// ProductGap flags work that needs a product decision first.
	ProductGap bool

	// Reason carries the planner's explanation, verbatim.
	Reason string
}

// Escalates reports whether the routing takes the issue out of
// automation.
func (d RoutingDecision) Escalates() bool {
	return d.Decision == "escalate" || d.Decision == "blocker" || d.ProductGap
}

// Implementation reports whether the issue is implementation-type work,
// which is eligible for a devex consult before escalating.
func (d RoutingDecision) Implementation() bool {
	return d.IssueType == "" || d.IssueType == "implementation"
}

// ParseRouting extracts the routing decision from planner output. The
// planner emits a JSON object with a "decision" field; the last such
// object in the transcript wins. A transcript without one is an error:
// the worker cannot route blind.
func ParseRouting(output string) (RoutingDecision, error) {
	var found *RoutingDecision
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
			continue
		}
		parsed := gjson.Parse(line)
		decision := parsed.Get("decision")
		if !decision.Exists() {
			continue
		}
		found = &RoutingDecision{
			Decision:   decision.String(),
			IssueType:  parsed.Get("issue_type").String(),
			ProductGap: parsed.Get("product_gap").Bool(),
			Reason:     parsed.Get("reason").String(),
		}
	}
	if found == nil {
		return RoutingDecision{}, fmt.Errorf("planner output carries no routing decision")
	}
	switch found.Decision {
	case "proceed", "escalate", "blocker":
		return *found, nil
	default:
		return RoutingDecision{}, fmt.Errorf("unknown routing decision %q", found.Decision)
	}
}

// ContextBuilder assembles the planner prompt context from the issue.
type ContextBuilder struct {
	gh          hosting.Port
	maxComments int
}

// NewContextBuilder creates a builder over the GitHub port.
func NewContextBuilder(gh hosting.Port, cfg config.PlannerConfig) *ContextBuilder {
	maxComments := cfg.MaxComments
	if maxComments <= 0 {
		maxComments = 25
	}
	return &ContextBuilder{gh: gh, maxComments: maxComments}
}

// Build fetches the issue and its trailing comments and renders the
// context block: title, labels, body, then the last maxComments comments
// oldest first.
func (b *ContextBuilder) Build(ctx context.Context, issueNumber int) (string, error) {
	issue, err := b.gh.IssueView(ctx, issueNumber)
	if err != nil {
		return "", fmt.Errorf("build issue context: %w", err)
	}
	comments, err := b.gh.ListIssueComments(ctx, issueNumber)
	if err != nil {
		return "", fmt.Errorf("build issue context: %w", err)
	}
	if len(comments) > b.maxComments {
		comments = comments[len(comments)-b.maxComments:]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Issue #%d: %s\n\n", issue.Number, issue.Title)
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&sb, "Labels: %s\n\n", strings.Join(issue.Labels, ", "))
	}
	sb.WriteString(strings.TrimSpace(issue.Body))
	sb.WriteString("\n")
	for _, c := range comments {
		fmt.Fprintf(&sb, "\n---\nComment by @%s at %s:\n%s\n",
			c.Author, c.CreatedAt.Format("2006-01-02 15:04"), strings.TrimSpace(c.Body))
	}
	return sb.String(), nil
}
