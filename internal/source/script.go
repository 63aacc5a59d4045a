package source

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

const mergeIdentity = "-c user.name=local-ci -c user.email=local-ci@localhost"

// UpdateScript returns the shell script that brings the checkout in the
// unit's working directory to ref, or to pr merged on top of its base branch.
// When pr is set its base branch wins over ref.
func UpdateScript(repoURL, ref string, pr *PRInfo) string {
	var b strings.Builder
	b.WriteString("set -o errexit\nset -o nounset\n")

	repo := shellquote.Join(repoURL)
	fmt.Fprintf(&b, "git remote set-url origin %s 2>/dev/null || git remote add origin %s\n", repo, repo)

	base := ref
	if pr != nil && pr.BaseRef != "" {
		base = pr.BaseRef
	}
	fmt.Fprintf(&b, "git fetch --quiet origin %s\n", shellquote.Join(base))
	b.WriteString("git checkout --quiet --force FETCH_HEAD\n")

	if pr != nil {
		fmt.Fprintf(&b, "git fetch --quiet origin %s\n", shellquote.Join(PullHeadRef(pr.Number)))
		if pr.HeadSHA != "" {
			fmt.Fprintf(&b, "test \"$(git rev-parse FETCH_HEAD)\" = %s\n", shellquote.Join(pr.HeadSHA))
		}
		fmt.Fprintf(&b, "git %s merge --quiet --no-edit FETCH_HEAD\n", mergeIdentity)
	}

	b.WriteString("git show --no-patch --format='%H %s' HEAD\n")
	return b.String()
}

// PullScript fast-forwards the image's checkout to the latest commit of ref.
func PullScript(ref string) string {
	return fmt.Sprintf("set -o errexit\ngit fetch --quiet origin %s\ngit reset --quiet --hard FETCH_HEAD\n", shellquote.Join(ref))
}

// PullHeadRef is the GitHub ref holding a pull request's head commit.
func PullHeadRef(number int) string {
	return fmt.Sprintf("pull/%d/head", number)
}
