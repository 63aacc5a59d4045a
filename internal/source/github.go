package source

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v73/github"
)

// GitHubResolver looks pull requests up through the GitHub REST API.
type GitHubResolver struct {
	client *github.Client
}

// NewGitHubResolver creates a resolver. An empty token makes anonymous,
// rate-limited requests.
func NewGitHubResolver(token string, httpClient *http.Client) *GitHubResolver {
	client := github.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &GitHubResolver{client: client}
}

// NewGitHubResolverWithClient wraps an existing client.
func NewGitHubResolverWithClient(client *github.Client) *GitHubResolver {
	return &GitHubResolver{client: client}
}

// Resolve fetches the PR's base branch and head commit.
func (r *GitHubResolver) Resolve(ctx context.Context, repoURL string, number int) (*PRInfo, error) {
	owner, repo, err := ParseGitHubRepo(repoURL)
	if err != nil {
		return nil, err
	}

	pr, _, err := r.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s#%d: %w", owner, repo, number, err)
	}

	return &PRInfo{
		Number:  pr.GetNumber(),
		BaseRef: pr.GetBase().GetRef(),
		HeadRef: pr.GetHead().GetRef(),
		HeadSHA: pr.GetHead().GetSHA(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
	}, nil
}
