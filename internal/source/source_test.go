package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-github/v73/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGitHubRepo(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in        string
		owner     string
		repo      string
		wantError bool
	}{
		{"https://github.com/openshift-psap/ci-artifacts", "openshift-psap", "ci-artifacts", false},
		{"https://github.com/openshift-psap/ci-artifacts.git", "openshift-psap", "ci-artifacts", false},
		{"https://github.com/openshift-psap/ci-artifacts/", "openshift-psap", "ci-artifacts", false},
		{"git@github.com:openshift-psap/topsail.git", "openshift-psap", "topsail", false},
		{"https://gitlab.com/a/b", "", "", true},
		{"https://github.com/only-owner", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			owner, repo, err := ParseGitHubRepo(tt.in)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}
}

func TestLoadPRConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "pr.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("number: 42\nbase_ref: release-4.16\nhead_sha: abc123\n"), 0o644))

	info, raw, err := LoadPRConfig(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 42, info.Number)
	assert.Equal(t, "release-4.16", info.BaseRef)
	assert.Equal(t, "abc123", info.HeadSHA)
	assert.Contains(t, string(raw), "release-4.16")

	jsonPath := filepath.Join(dir, "pr.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"number": 7, "base_ref": "main"}`), 0o644))

	info, _, err = LoadPRConfig(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 7, info.Number)
	assert.Equal(t, "main", info.BaseRef)

	_, _, err = LoadPRConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestStaticResolver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	info, err := StaticResolver{Info: &PRInfo{BaseRef: "main"}}.Resolve(ctx, "", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, info.Number)

	_, err = StaticResolver{Info: &PRInfo{Number: 7}}.Resolve(ctx, "", 42)
	assert.Error(t, err)

	_, err = StaticResolver{}.Resolve(ctx, "", 42)
	assert.Error(t, err)
}

func TestGitHubResolver(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/openshift-psap/ci-artifacts/pulls/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number": 42, "title": "fix things", "base": {"ref": "release-4.16"}, "head": {"ref": "fix", "sha": "deadbeef"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := github.NewClient(nil)
	baseURL, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = baseURL

	resolver := NewGitHubResolverWithClient(client)
	info, err := resolver.Resolve(context.Background(), "https://github.com/openshift-psap/ci-artifacts", 42)
	require.NoError(t, err)
	assert.Equal(t, &PRInfo{Number: 42, BaseRef: "release-4.16", HeadRef: "fix", HeadSHA: "deadbeef", Title: "fix things"}, info)

	_, err = resolver.Resolve(context.Background(), "https://github.com/openshift-psap/ci-artifacts", 43)
	assert.Error(t, err)
}

func TestUpdateScript_Ref(t *testing.T) {
	t.Parallel()
	script := UpdateScript("https://github.com/openshift-psap/ci-artifacts", "main", nil)

	assert.Contains(t, script, "git fetch --quiet origin main\n")
	assert.Contains(t, script, "git checkout --quiet --force FETCH_HEAD\n")
	assert.NotContains(t, script, "pull/")
	assert.True(t, strings.HasPrefix(script, "set -o errexit\n"))
}

func TestUpdateScript_PRWinsOverRef(t *testing.T) {
	t.Parallel()
	pr := &PRInfo{Number: 42, BaseRef: "release-4.16", HeadSHA: "deadbeef"}
	script := UpdateScript("https://github.com/openshift-psap/ci-artifacts", "main", pr)

	assert.Contains(t, script, "git fetch --quiet origin release-4.16\n")
	assert.NotContains(t, script, "origin main\n")
	assert.Contains(t, script, "git fetch --quiet origin pull/42/head\n")
	assert.Contains(t, script, `test "$(git rev-parse FETCH_HEAD)" = deadbeef`)
	assert.Contains(t, script, "merge --quiet --no-edit FETCH_HEAD")

	// The PR head is merged after the base checkout.
	assert.Less(t, strings.Index(script, "origin release-4.16"), strings.Index(script, "pull/42/head"))
}

func TestUpdateScript_PRWithoutBaseUsesRef(t *testing.T) {
	t.Parallel()
	script := UpdateScript("https://example.com/repo.git", "devel", &PRInfo{Number: 3})

	assert.Contains(t, script, "git fetch --quiet origin devel\n")
	assert.Contains(t, script, "pull/3/head")
	assert.NotContains(t, script, "rev-parse")
}

func TestUpdateScript_QuotesArguments(t *testing.T) {
	t.Parallel()
	script := UpdateScript("https://example.com/repo; rm -rf /", "main", nil)
	assert.Contains(t, script, "'https://example.com/repo; rm -rf /'")
}

func TestPullScript(t *testing.T) {
	t.Parallel()
	script := PullScript("main")
	assert.Contains(t, script, "git fetch --quiet origin main\n")
	assert.Contains(t, script, "git reset --quiet --hard FETCH_HEAD\n")
}
