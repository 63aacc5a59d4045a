// Package source prepares the repository checkout inside a compute unit and
// resolves pull request metadata.
package source

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PRInfo describes the pull request a run is built from.
type PRInfo struct {
	Number  int    `yaml:"number" json:"number"`
	BaseRef string `yaml:"base_ref,omitempty" json:"base_ref,omitempty"`
	HeadRef string `yaml:"head_ref,omitempty" json:"head_ref,omitempty"`
	HeadSHA string `yaml:"head_sha,omitempty" json:"head_sha,omitempty"`
	Title   string `yaml:"title,omitempty" json:"title,omitempty"`
	Body    string `yaml:"body,omitempty" json:"body,omitempty"`
}

// Resolver looks up pull request metadata.
type Resolver interface {
	Resolve(ctx context.Context, repoURL string, number int) (*PRInfo, error)
}

// LoadPRConfig reads a pr_config file. YAML and JSON are both accepted.
// The raw content is returned alongside so it can be handed to the unit.
func LoadPRConfig(path string) (*PRInfo, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read pr config: %w", err)
	}
	var info PRInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, nil, fmt.Errorf("parse pr config %s: %w", path, err)
	}
	return &info, data, nil
}

// StaticResolver answers from a pr_config file instead of the forge API.
type StaticResolver struct {
	Info *PRInfo
}

// Resolve returns the configured PR. A config without a number adopts the
// requested one; a config for a different PR is an error.
func (r StaticResolver) Resolve(_ context.Context, _ string, number int) (*PRInfo, error) {
	if r.Info == nil {
		return nil, fmt.Errorf("pr config is empty")
	}
	info := *r.Info
	if info.Number == 0 {
		info.Number = number
	}
	if info.Number != number {
		return nil, fmt.Errorf("pr config describes PR #%d, not #%d", info.Number, number)
	}
	return &info, nil
}

// ParseGitHubRepo extracts owner and repository name from a GitHub URL.
// Accepts https and scp-like ssh forms, with or without a .git suffix.
func ParseGitHubRepo(repoURL string) (owner, repo string, err error) {
	rest := repoURL
	switch {
	case strings.HasPrefix(rest, "git@github.com:"):
		rest = strings.TrimPrefix(rest, "git@github.com:")
	case strings.Contains(rest, "github.com/"):
		_, rest, _ = strings.Cut(rest, "github.com/")
	default:
		return "", "", fmt.Errorf("not a GitHub repository URL: %s", repoURL)
	}

	rest = strings.TrimSuffix(strings.TrimSuffix(rest, "/"), ".git")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("not a GitHub repository URL: %s", repoURL)
	}
	return parts[0], parts[1], nil
}
