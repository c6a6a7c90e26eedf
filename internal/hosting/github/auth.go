package github

import (
	"fmt"
	"os"
)

// ResolveToken reads the GitHub API token from the environment.
// GITHUB_TOKEN wins over GH_TOKEN.
func ResolveToken() (string, error) {
	for _, envVar := range []string{"GITHUB_TOKEN", "GH_TOKEN"} {
		if token := os.Getenv(envVar); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("GITHUB_TOKEN environment variable is not set (required for GitHub API access)")
}
