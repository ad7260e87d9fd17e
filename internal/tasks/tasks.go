// Package tasks wires the engine's task.Registry with the concrete
// provisioning graph: language toolchains, the IDE server, the worker
// bundle, and auth bootstrapping. Command bodies are deliberately opaque
// shell one-liners — only the graph shape (names, deps, layering) is
// normative; the apt/bun/cargo invocations themselves are not part of the
// system this engine provides, per spec.md's non-goals.
package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/cmux/provisioner/internal/runctx"
	"github.com/cmux/provisioner/internal/task"
	"github.com/cmux/provisioner/internal/verifier"
)

// Options configures which variant of the graph to build.
type Options struct {
	IDEProvider verifier.IDEProvider
}

func run(label, command string) task.Body {
	return func(ctx context.Context, rc any) error {
		c, ok := rc.(*runctx.Context)
		if !ok {
			return fmt.Errorf("tasks: %s: unexpected context type %T", label, rc)
		}
		_, err := c.Run(ctx, label, command)
		return err
	}
}

func ideInstallCommand(provider verifier.IDEProvider) string {
	switch provider {
	case verifier.IDECoderServer:
		return "curl -fsSL https://coder.com/install.sh | sh -s -- --method standalone --prefix /app/code-server"
	case verifier.IDECmuxCode:
		return "install-cmux-code --prefix /app/cmux-code"
	default:
		return "install-openvscode-server --prefix /app/openvscode-server"
	}
}

// Full returns the from-scratch registry: every toolchain and the IDE are
// installed unconditionally. This is the registry the orchestrator falls
// back to whenever it cannot confirm go/rust/bun/node are already present
// on the clone source, per spec.md §4.6's prerequisite probe.
//
// Grounded on provision_and_create_template's task list shape (apt
// prerequisites fan out in parallel, language toolchains depend on apt and
// fan out in parallel from each other, the IDE and worker bundle depend on
// their respective language runtimes, extensions and auth bootstrap depend
// on the IDE and worker being installed).
func Full(opts Options) *task.Registry {
	reg := task.NewRegistry()

	reg.MustRegister(task.Task{
		Name:        "apt-prerequisites",
		Description: "install base OS packages (curl, git, build-essential, ca-certificates)",
		Body:        run("apt-prerequisites", "apt-get update && apt-get install -y curl git build-essential ca-certificates"),
	})

	reg.MustRegister(task.Task{
		Name:        "install-node",
		Deps:        []string{"apt-prerequisites"},
		Description: "install nvm and the pinned Node LTS runtime",
		Body:        run("install-node", "curl -fsSL https://raw.githubusercontent.com/nvm-sh/nvm/v0.39.7/install.sh | bash && . /root/.nvm/nvm.sh && nvm install --lts"),
	})

	reg.MustRegister(task.Task{
		Name:        "install-rust",
		Deps:        []string{"apt-prerequisites"},
		Description: "install rustup and the stable toolchain into /usr/local/cargo",
		Body:        run("install-rust", "curl --proto '=https' --tlsv1.2 -sSf https://sh.rustup.rs | sh -s -- -y --default-toolchain stable --profile minimal"),
	})

	reg.MustRegister(task.Task{
		Name:        "install-go",
		Deps:        []string{"apt-prerequisites"},
		Description: "install the Go toolchain into /usr/local/go",
		Body:        run("install-go", "curl -fsSL https://go.dev/dl/go1.23.0.linux-amd64.tar.gz | tar -C /usr/local -xz"),
	})

	reg.MustRegister(task.Task{
		Name:        "install-bun",
		Deps:        []string{"apt-prerequisites"},
		Description: "install the Bun runtime",
		Body:        run("install-bun", "curl -fsSL https://bun.sh/install | bash"),
	})

	reg.MustRegister(task.Task{
		Name:        "install-ide",
		Deps:        []string{"install-node"},
		Description: "install the configured IDE server",
		Body:        run("install-ide", ideInstallCommand(opts.IDEProvider)),
	})

	reg.MustRegister(task.Task{
		Name:        "build-worker-bundle",
		Deps:        []string{"install-node", "install-bun"},
		Description: "build the cmux-worker Node service bundle into /builtins/build",
		Body:        run("build-worker-bundle", "cd /cmux/apps/worker && bun install && bun run build --outdir /builtins/build"),
	})

	reg.MustRegister(task.Task{
		Name:        "build-worker-daemon",
		Deps:        []string{"install-go"},
		Description: "build the Go worker-daemon (SSH/PTY proxy) binary",
		Body:        run("build-worker-daemon", "cd /cmux/apps/worker-daemon && go build -o /usr/local/bin/worker-daemon ./cmd/worker-daemon"),
	})

	reg.MustRegister(task.Task{
		Name:        "install-extensions",
		Deps:        []string{"install-ide"},
		Description: "install the cmux VS Code extension into the IDE's extensions directory",
		Body:        run("install-extensions", "install-vsix --marker cmux"),
	})

	reg.MustRegister(task.Task{
		Name:        "install-auth-bootstrap",
		Deps:        []string{"build-worker-daemon"},
		Description: "install the token-init script run on first boot of a cloned workspace",
		Body:        run("install-auth-bootstrap", "install -m 0755 /cmux/scripts/cmux-token-init.sh /usr/local/bin/cmux-token-init"),
	})

	reg.MustRegister(task.Task{
		Name:        "finalize",
		Deps:        []string{"install-extensions", "build-worker-bundle", "install-rust", "install-auth-bootstrap"},
		Description: "clean apt/package caches and sync disk before capture",
		Body:        run("finalize", "apt-get clean && sync"),
	})

	return reg
}

// Update returns the smaller registry used when the clone source already
// has go/rust/bun/node present: it skips the one-time language-toolchain
// installs and only refreshes the IDE, worker bundle, worker daemon, and
// extensions. Grounded on spec.md §4.6's "update registry (fewer tasks,
// skips one-time installs)".
func Update(opts Options) *task.Registry {
	reg := task.NewRegistry()

	reg.MustRegister(task.Task{
		Name:        "install-ide",
		Description: "install the configured IDE server",
		Body:        run("install-ide", ideInstallCommand(opts.IDEProvider)),
	})

	reg.MustRegister(task.Task{
		Name:        "build-worker-bundle",
		Description: "rebuild the cmux-worker Node service bundle into /builtins/build",
		Body:        run("build-worker-bundle", "cd /cmux/apps/worker && bun install && bun run build --outdir /builtins/build"),
	})

	reg.MustRegister(task.Task{
		Name:        "build-worker-daemon",
		Description: "rebuild the Go worker-daemon binary",
		Body:        run("build-worker-daemon", "cd /cmux/apps/worker-daemon && go build -o /usr/local/bin/worker-daemon ./cmd/worker-daemon"),
	})

	reg.MustRegister(task.Task{
		Name:        "install-extensions",
		Deps:        []string{"install-ide"},
		Description: "reinstall the cmux VS Code extension",
		Body:        run("install-extensions", "install-vsix --marker cmux"),
	})

	reg.MustRegister(task.Task{
		Name:        "finalize",
		Deps:        []string{"install-extensions", "build-worker-bundle", "build-worker-daemon"},
		Description: "clean apt/package caches and sync disk before capture",
		Body:        run("finalize", "apt-get clean && sync"),
	})

	return reg
}

// HasPrerequisites reports whether go, rustc, bun, and node all resolve on
// the bound host's PATH (after the environment prelude), the probe spec.md
// §4.6 says the orchestrator runs before choosing Full over Update.
func HasPrerequisites(ctx context.Context, rc *runctx.Context) (bool, error) {
	res, err := rc.Run(ctx, "probe-prerequisites", "command -v go rustc bun node >/dev/null 2>&1 && echo present || echo absent")
	if err != nil {
		// A non-zero exit from the probe itself (not from the command -v
		// check, which is guarded by the && / || fallback) means the probe
		// couldn't even run — treat that as "prerequisites absent" so the
		// caller falls back to the safe full registry rather than erroring
		// the whole run over a diagnostic command.
		return false, nil
	}
	return strings.Contains(res.Stdout, "present"), nil
}
