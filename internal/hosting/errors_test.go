package hosting

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGitHubAPIError_IsRateLimit(t *testing.T) {
	tests := []struct {
		name string
		err  GitHubAPIError
		want bool
	}{
		{"primary", GitHubAPIError{StatusCode: 403, Code: "rate_limited", ResumeAt: time.Now()}, true},
		{"secondary", GitHubAPIError{StatusCode: 403, Code: "secondary_rate_limit"}, true},
		{"429", GitHubAPIError{StatusCode: http.StatusTooManyRequests}, true},
		{"403 with resume", GitHubAPIError{StatusCode: 403, ResumeAt: time.Now().Add(time.Minute)}, true},
		{"plain 403", GitHubAPIError{StatusCode: 403}, false},
		{"not found", GitHubAPIError{StatusCode: 404, Code: "not_found"}, false},
		{"server error", GitHubAPIError{StatusCode: 500}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.IsRateLimit())
		})
	}
}

func TestGitHubAPIError_NotFoundMatchesSentinel(t *testing.T) {
	apiErr := &GitHubAPIError{StatusCode: 404, Code: "not_found"}
	wrapped := fmt.Errorf("get issue 12: %w", apiErr)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(fmt.Errorf("x: %w", &GitHubAPIError{StatusCode: 500}), ErrNotFound))
}

func TestGitHubAPIError_ErrorIncludesRequestID(t *testing.T) {
	err := &GitHubAPIError{StatusCode: 422, Code: "unprocessable", RequestID: "ABCD:1234", ResponseText: "Validation Failed"}
	assert.Contains(t, err.Error(), "ABCD:1234")
	assert.Contains(t, err.Error(), "Validation Failed")
}
