// Package upload implements the two source-upload strategies a
// provisioning run can use to get a repository onto a RemoteHost: a
// git-delta strategy (clone from the remote + apply a patch of local
// changes) that avoids uploading the full tree, and a full-archive
// fallback for repositories with no usable git remote.
//
// Grounded on snapshot-pvelxc.py's upload_repo_via_diff and
// upload_repo_to_container. Byte transfer itself is delegated to a
// transport.Pusher — this package only decides what bytes to send.
package upload

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// ErrNoGitRemote reports that repoRoot has no "origin" remote configured,
// so the git-delta strategy cannot run.
var ErrNoGitRemote = errors.New("upload: repository has no origin remote")

// ErrDetachedHead reports that repoRoot's HEAD is not on a named branch.
var ErrDetachedHead = errors.New("upload: repository is in detached HEAD state")

// RemoteInfo describes the source repository's git identity, as needed to
// reproduce it on the remote host.
type RemoteInfo struct {
	URL            string
	Branch         string
	UpstreamBranch string // e.g. "origin/feature/foo"
	UpstreamCommit string
}

// InspectRemote gathers RemoteInfo from repoRoot, or a sentinel error if
// the git-delta strategy is not viable for this repository.
func InspectRemote(ctx context.Context, repoRoot string) (RemoteInfo, error) {
	url, err := gitOutput(ctx, repoRoot, "remote", "get-url", "origin")
	if err != nil || url == "" {
		return RemoteInfo{}, ErrNoGitRemote
	}

	branch, err := gitOutput(ctx, repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || branch == "" || branch == "HEAD" {
		return RemoteInfo{}, ErrDetachedHead
	}

	upstream, err := gitOutput(ctx, repoRoot, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}")
	if err != nil || upstream == "" {
		upstream = "origin/" + branch
	}

	commit, err := gitOutput(ctx, repoRoot, "rev-parse", upstream)
	if err != nil || commit == "" {
		return RemoteInfo{}, errors.New("upload: cannot resolve upstream branch " + upstream)
	}

	return RemoteInfo{
		URL:            url,
		Branch:         branch,
		UpstreamBranch: upstream,
		UpstreamCommit: commit,
	}, nil
}

// RemoteBranchName strips the leading remote name from an "origin/..."
// style ref, e.g. "origin/feature/foo" -> "feature/foo".
func (r RemoteInfo) RemoteBranchName() string {
	parts := strings.SplitN(r.UpstreamBranch, "/", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return r.UpstreamBranch
}

// CreatePatch returns a patch of the tracked files in repoRoot's working
// tree that differ from baseRef — unpushed commits plus uncommitted
// changes — or nil if there is no difference. Untracked files are not
// included.
func CreatePatch(ctx context.Context, repoRoot, baseRef string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--binary", baseRef)
	cmd.Dir = repoRoot
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.New("upload: git diff failed: " + stderr.String())
	}
	if strings.TrimSpace(out.String()) == "" {
		return nil, nil
	}
	return out.Bytes(), nil
}

func gitOutput(ctx context.Context, repoRoot string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoRoot
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
