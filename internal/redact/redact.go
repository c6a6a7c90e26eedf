// Package redact scrubs secrets from text before it leaves the process.
//
// Every string ralph writes to a GitHub comment, a notification, or a run
// log passes through this boundary. Redaction is pattern-based and
// intentionally aggressive: a false positive costs a little readability, a
// false negative leaks a credential into an issue tracker.
package redact

import (
	"regexp"
	"strings"
)

// Replacement is what matched secrets are rewritten to.
const Replacement = "[REDACTED]"

var patterns = []*regexp.Regexp{
	// GitHub tokens: classic, fine-grained, OAuth, app installation.
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
	// Authorization headers.
	regexp.MustCompile(`(?i)(authorization:\s*(?:bearer|token|basic)\s+)\S+`),
	// AWS access keys.
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	// Private key blocks.
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
	// KEY=value assignments for well-known secret-bearing names.
	regexp.MustCompile(`(?i)((?:api[_-]?key|secret|token|password|passwd)\s*[=:]\s*)["']?[^\s"']{8,}["']?`),
}

// groupPreserving marks patterns whose first capture group is a prefix to
// keep (the header or assignment left-hand side).
var groupPreserving = map[int]bool{2: true, 5: true}

// String returns s with all recognized secrets replaced.
func String(s string) string {
	if s == "" {
		return s
	}
	for i, re := range patterns {
		if groupPreserving[i] {
			s = re.ReplaceAllString(s, "${1}"+Replacement)
			continue
		}
		s = re.ReplaceAllString(s, Replacement)
	}
	return s
}

// Lines applies String to each line, preserving line structure. Useful for
// log excerpts where per-line boundaries matter for later clipping.
func Lines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = String(l)
	}
	return out
}

// Token shortens an opaque credential for log output, keeping just enough
// of a prefix to tell accounts apart.
func Token(tok string) string {
	if len(tok) <= 8 {
		return Replacement
	}
	return tok[:8] + "..."
}

// ContainsSecret reports whether s matches any known secret pattern.
// Callers use it to decide whether an excerpt is safe to persist verbatim.
func ContainsSecret(s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Excerpt clips s to at most maxLines lines and maxBytes bytes, redacting
// secrets and marking the cut. Used for CI log excerpts and consultant
// packets embedded in issue comments.
func Excerpt(s string, maxLines, maxBytes int) string {
	s = String(s)
	lines := strings.Split(s, "\n")
	clipped := false
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
		clipped = true
	}
	out := strings.Join(lines, "\n")
	if maxBytes > 0 && len(out) > maxBytes {
		out = out[len(out)-maxBytes:]
		clipped = true
	}
	if clipped {
		out = "[... clipped ...]\n" + out
	}
	return out
}
