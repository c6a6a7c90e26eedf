package gate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/randalmurphal/ralph/internal/redact"
)

// commandLine matches tool invocations CI logs tend to echo before
// failing output.
var commandLine = regexp.MustCompile(`(?m)^\s*[$>]?\s*((?:go|npm|pnpm|yarn|make|cargo|pytest|mvn|gradle)\s+\S[^\n]*)`)

// DetectCommands pulls the build/test invocations out of failing-check
// log excerpts, deduplicated in first-seen order.
func DetectCommands(checks []TriageCheck) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range checks {
		for _, m := range commandLine.FindAllStringSubmatch(c.LogExcerpt, -1) {
			cmd := strings.TrimSpace(m[1])
			if cmd == "" || seen[cmd] {
				continue
			}
			seen[cmd] = true
			out = append(out, cmd)
		}
	}
	return out
}

// CIFixPrompt renders the resume message for the build session when
// triage decides the existing agent should fix its own CI failures.
func CIFixPrompt(prURL string, checks []TriageCheck, commands []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CI is failing on your pull request %s. Fix the failing checks, commit, and push.\n\nFailing checks:\n", prURL)
	for _, c := range checks {
		fmt.Fprintf(&b, "- %s (%s)", c.Name, c.RawState)
		if c.DetailsURL != "" {
			fmt.Fprintf(&b, " %s", c.DetailsURL)
		}
		b.WriteString("\n")
		if c.LogExcerpt != "" {
			b.WriteString("\n```\n")
			b.WriteString(redact.Excerpt(c.LogExcerpt, 30, 2000))
			b.WriteString("\n```\n")
		}
	}
	if len(commands) > 0 {
		b.WriteString("\nCommands the failing jobs ran:\n")
		for _, cmd := range commands {
			fmt.Fprintf(&b, "- `%s`\n", cmd)
		}
	}
	b.WriteString("\nReproduce the failure locally before pushing. Do not disable or skip the failing checks.\n")
	return b.String()
}
