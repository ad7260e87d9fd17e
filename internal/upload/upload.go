package upload

import (
	"context"
	"fmt"
	"strings"

	"github.com/cmux/provisioner/internal/logging"
	"github.com/cmux/provisioner/internal/runctx"
)

// RemoteArchivePath is the default location a full-archive upload is
// extracted from before being unpacked into RemoteRepoRoot.
const RemoteArchivePath = "/tmp/cmux-repo.tar"

const remotePatchPath = "/tmp/cmux-full.patch"

// ToContainer uploads rc.RepoRoot to rc.RemoteRepoRoot, preferring the
// git-delta strategy (clone from origin + apply a patch of local
// changes) and falling back to a full archive upload when the
// repository has no usable git remote, is in detached HEAD, or the
// remote clone fails.
func ToContainer(ctx context.Context, rc *runctx.Context) error {
	if !rc.UseGitDiff {
		return viaArchive(ctx, rc)
	}

	ok, err := viaGitDelta(ctx, rc)
	if err != nil {
		logging.Op().Warn("git-delta upload failed, falling back to archive", "error", err)
	}
	if ok {
		return nil
	}
	return viaArchive(ctx, rc)
}

// viaGitDelta implements upload_repo_via_diff: clone the repository from
// its own origin remote inside the host (no bytes uploaded for the base
// tree), then upload and apply only the diff between the upstream branch
// and the local working tree. Returns false (not an error) if the
// strategy is not applicable to this repository.
func viaGitDelta(ctx context.Context, rc *runctx.Context) (bool, error) {
	info, err := InspectRemote(ctx, rc.RepoRoot)
	if err != nil {
		return false, nil
	}

	cloneCmd := fmt.Sprintf(`bash -c 'set -euo pipefail
REPO_DIR=%q
REMOTE_URL=%q
BRANCH=%q
TARGET_COMMIT=%q

if [ -d "$REPO_DIR/.git" ]; then
    cd "$REPO_DIR"
    git fetch origin "$BRANCH"
    git checkout -f "$TARGET_COMMIT"
    git clean -fd
else
    rm -rf "$REPO_DIR"
    git clone --branch "$BRANCH" --single-branch "$REMOTE_URL" "$REPO_DIR" || git clone "$REMOTE_URL" "$REPO_DIR"
    cd "$REPO_DIR"
    git checkout -f "$TARGET_COMMIT"
    git clean -fd
fi
echo "repository at commit $(git rev-parse --short HEAD)"
'`, rc.RemoteRepoRoot, info.URL, info.RemoteBranchName(), info.UpstreamCommit)

	if _, err := rc.Run(ctx, "upload:clone", cloneCmd); err != nil {
		return false, fmt.Errorf("clone/fetch in container: %w", err)
	}

	patch, err := CreatePatch(ctx, rc.RepoRoot, info.UpstreamBranch)
	if err != nil {
		return false, fmt.Errorf("create diff patch: %w", err)
	}
	if patch == nil {
		logging.Op().Info("no local changes to apply, working tree matches upstream")
		return true, nil
	}

	if err := rc.PushFile(ctx, patch, remotePatchPath); err != nil {
		return false, fmt.Errorf("push patch: %w", err)
	}

	applyCmd := fmt.Sprintf(`bash -c 'set -euo pipefail
cd %q
git apply --whitespace=nowarn %s
rm -f %s
'`, rc.RemoteRepoRoot, remotePatchPath, remotePatchPath)

	if _, err := rc.Run(ctx, "upload:apply-patch", applyCmd); err != nil {
		logging.Op().Warn("patch apply failed, continuing with upstream branch only", "error", err)
	}
	return true, nil
}

// viaArchive implements upload_repo_to_container: pack the repository
// into an in-memory tar, push it to the host, and extract it at
// RemoteRepoRoot.
func viaArchive(ctx context.Context, rc *runctx.Context) error {
	archive, err := CreateArchive(ctx, rc.RepoRoot)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	archivePath := rc.RemoteArchivePath
	if strings.TrimSpace(archivePath) == "" {
		archivePath = RemoteArchivePath
	}

	if err := rc.PushFile(ctx, archive, archivePath); err != nil {
		return fmt.Errorf("push archive: %w", err)
	}

	extractCmd := fmt.Sprintf(`bash -c 'set -euo pipefail
mkdir -p %q
tar -xf %q -C %q
rm -f %q
'`, rc.RemoteRepoRoot, archivePath, rc.RemoteRepoRoot, archivePath)

	if _, err := rc.Run(ctx, "upload:extract", extractCmd); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}
	return nil
}
