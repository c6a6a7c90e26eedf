package github

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/randalmurphal/ralph/internal/hosting"
)

// mapErr converts go-github transport errors into hosting.GitHubAPIError,
// classifying primary and secondary rate limits so the caller can rest
// until ResumeAt instead of escalating.
func mapErr(op string, err error) error {
	var rle *gogithub.RateLimitError
	if errors.As(err, &rle) {
		apiErr := &hosting.GitHubAPIError{
			StatusCode:   statusOf(rle.Response),
			Code:         "rate_limited",
			ResponseText: rle.Message,
			RequestID:    requestIDOf(rle.Response),
			ResumeAt:     rle.Rate.Reset.Time,
		}
		return fmt.Errorf("%s: %w", op, apiErr)
	}

	var abuse *gogithub.AbuseRateLimitError
	if errors.As(err, &abuse) {
		apiErr := &hosting.GitHubAPIError{
			StatusCode:   statusOf(abuse.Response),
			Code:         "secondary_rate_limit",
			ResponseText: abuse.Message,
			RequestID:    requestIDOf(abuse.Response),
		}
		if abuse.RetryAfter != nil {
			apiErr.ResumeAt = time.Now().Add(*abuse.RetryAfter)
		}
		return fmt.Errorf("%s: %w", op, apiErr)
	}

	var er *gogithub.ErrorResponse
	if errors.As(err, &er) {
		apiErr := &hosting.GitHubAPIError{
			StatusCode:   statusOf(er.Response),
			ResponseText: er.Message,
			RequestID:    requestIDOf(er.Response),
		}
		if apiErr.IsNotFound() {
			apiErr.Code = "not_found"
		}
		return fmt.Errorf("%s: %w", op, apiErr)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// asAPIError unwraps to the typed API error if one is in the chain.
func asAPIError(err error, target **hosting.GitHubAPIError) bool {
	return errors.As(err, target)
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func requestIDOf(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Header.Get("X-Github-Request-Id")
}
