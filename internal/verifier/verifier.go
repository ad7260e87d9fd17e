// Package verifier implements the hard existence-check gate a freshly
// provisioned workspace must pass before it can be captured as a
// template: spec.md §4.8, grounded in snapshot-pvelxc.py's
// _verify_template_artifacts.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cmux/provisioner/internal/logging"
	"github.com/cmux/provisioner/internal/remotehost"
)

// ErrVerificationFailed is returned when one or more required artifacts
// are missing. The error's message lists every failure, not just the
// first — callers should show the whole list, matching the original's
// consolidated error message.
var ErrVerificationFailed = errors.New("verifier: template verification failed")

// Artifact is one required path and a human-readable description used in
// both progress logging and the consolidated failure message.
type Artifact struct {
	Path        string
	Description string
}

// IDEProvider selects which IDE-specific artifacts are required, mirroring
// get_ide_provider()'s three-way switch.
type IDEProvider string

const (
	IDEOpenVSCode  IDEProvider = "openvscode"
	IDECoderServer IDEProvider = "coder-server"
	IDECmuxCode    IDEProvider = "cmux-code"
)

// ideArtifacts returns the IDE-specific binary and extensions-directory
// artifacts for provider, defaulting to openvscode for an unrecognized
// value (the original's own fallback branch).
func ideArtifacts(provider IDEProvider) (binary, extensionsDir Artifact) {
	switch provider {
	case IDECoderServer:
		return Artifact{"/app/code-server/bin/code-server", "code-server binary"},
			Artifact{"/root/.code-server/extensions", "code-server extensions directory"}
	case IDECmuxCode:
		return Artifact{"/app/cmux-code/bin/code-server-oss", "cmux-code binary"},
			Artifact{"/root/.vscode-server-oss/extensions", "VS Code extensions directory"}
	default:
		return Artifact{"/app/openvscode-server/bin/openvscode-server", "openvscode-server binary"},
			Artifact{"/root/.openvscode-server/extensions", "VS Code extensions directory"}
	}
}

// commonArtifacts lists the artifacts required regardless of which IDE
// provider is in use.
var commonArtifacts = []Artifact{
	{"/root/.nvm/nvm.sh", "Node Version Manager"},
	{"/usr/local/cargo/bin/cargo", "Rust/Cargo"},
	{"/usr/local/go/bin/go", "Go toolchain"},
	{"/root/.bun/bin/bun", "Bun runtime"},
	{"/builtins/build/index.js", "cmux-worker service"},
	{"/usr/local/bin/worker-daemon", "Go worker-daemon (SSH/PTY proxy)"},
	{"/usr/local/bin/cmux-token-init", "Auth token generator script"},
}

// cmuxExtensionMarker is the substring every cmux-authored VS Code
// extension directory name contains.
const cmuxExtensionMarker = "cmux"

// Verify runs the artifact-existence gate against host: the IDE binary and
// extensions directory for ideProvider, the common toolchain/worker
// artifacts, and a check that at least one installed extension matches the
// cmux marker. It returns ErrVerificationFailed, wrapping a consolidated
// list of every missing artifact, on any failure — this is a hard gate,
// not a warning.
func Verify(ctx context.Context, host remotehost.Host, ideProvider IDEProvider) error {
	binary, extensionsDir := ideArtifacts(ideProvider)
	artifacts := append([]Artifact{binary, extensionsDir}, commonArtifacts...)

	var missing []string
	for _, a := range artifacts {
		ok, err := exists(ctx, host, a.Path)
		if err != nil {
			missing = append(missing, fmt.Sprintf("  - %s: %s (check failed: %v)", a.Description, a.Path, err))
			logging.Op().Info("verifier: error checking artifact", "description", a.Description, "path", a.Path, "error", err)
			continue
		}
		if !ok {
			missing = append(missing, fmt.Sprintf("  - %s: %s", a.Description, a.Path))
			logging.Op().Info("verifier: missing artifact", "description", a.Description, "path", a.Path)
			continue
		}
		logging.Op().Info("verifier: artifact present", "description", a.Description)
	}

	found, err := hasExtensionMatching(ctx, host, extensionsDir.Path, cmuxExtensionMarker)
	if err != nil {
		missing = append(missing, fmt.Sprintf("  - cmux VS Code extension: check failed (%v)", err))
		logging.Op().Info("verifier: error checking cmux extension", "error", err)
	} else if !found {
		missing = append(missing, fmt.Sprintf("  - cmux VS Code extension: not found in %s", extensionsDir.Path))
		logging.Op().Info("verifier: missing cmux extension", "dir", extensionsDir.Path)
	} else {
		logging.Op().Info("verifier: cmux extension present")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w:\n%s\n\nthis indicates the build tasks did not complete successfully; refusing to create a broken template",
			ErrVerificationFailed, strings.Join(missing, "\n"))
	}

	logging.Op().Info("verifier: all critical artifacts verified successfully")
	return nil
}

func exists(ctx context.Context, host remotehost.Host, path string) (bool, error) {
	res, err := host.Exec(ctx, fmt.Sprintf("test -e %s && echo exists || echo missing", shellQuote(path)), 30000)
	if err != nil {
		return false, err
	}
	return strings.Contains(res.Stdout, "exists") && !strings.Contains(res.Stdout, "missing"), nil
}

func hasExtensionMatching(ctx context.Context, host remotehost.Host, dir, marker string) (bool, error) {
	cmd := fmt.Sprintf("ls %s 2>/dev/null | grep -q %s && echo found || echo notfound", shellQuote(dir), shellQuote(marker))
	res, err := host.Exec(ctx, cmd, 30000)
	if err != nil {
		return false, err
	}
	return strings.Contains(res.Stdout, "found") && !strings.Contains(res.Stdout, "notfound"), nil
}

// shellQuote single-quotes s for safe interpolation into a shell command,
// mirroring shlex.quote for the simple path/marker strings this package
// ever passes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
