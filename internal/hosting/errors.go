package hosting

import (
	"fmt"
	"net/http"
	"time"
)

// GitHubAPIError is the typed transport error the GitHub implementation
// raises. The worker maps rate-limit shapes onto the throttled rest via
// IsRateLimit and ResumeAt.
type GitHubAPIError struct {
	StatusCode   int
	Code         string // rate_limited, secondary_rate_limit, not_found, ...
	ResponseText string
	RequestID    string
	ResumeAt     time.Time
}

func (e *GitHubAPIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("github api: %d %s (request %s): %s",
			e.StatusCode, e.Code, e.RequestID, e.ResponseText)
	}
	return fmt.Sprintf("github api: %d %s: %s", e.StatusCode, e.Code, e.ResponseText)
}

// IsRateLimit reports whether the error represents a primary or secondary
// rate limit. Callers rest until ResumeAt rather than escalating.
func (e *GitHubAPIError) IsRateLimit() bool {
	switch {
	case e.Code == "rate_limited" || e.Code == "secondary_rate_limit":
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode == http.StatusForbidden && !e.ResumeAt.IsZero():
		return true
	}
	return false
}

// IsNotFound reports a 404 from the host.
func (e *GitHubAPIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Is lets errors.Is(err, ErrNotFound) match a 404 API error.
func (e *GitHubAPIError) Is(target error) bool {
	return target == ErrNotFound && e.IsNotFound()
}
