// Package runctx implements the per-run Context bound to exactly one
// RemoteHost: the object every task body runs against, grounded in
// context.py's TaskContext (and its PVE-specific twin, PveTaskContext).
package runctx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cmux/provisioner/internal/logging"
	"github.com/cmux/provisioner/internal/metrics"
	"github.com/cmux/provisioner/internal/remotehost"
	"github.com/cmux/provisioner/internal/task"
	"github.com/cmux/provisioner/internal/transport"
)

// execMaxAttempts bounds the exec-level retry below: up to 3 attempts total
// (2 retries), delay = min(2**attempt, 8) seconds, mirroring
// PveTaskContext._run_pct_exec's retry around a transient transport failure
// that survived HTTP/SSH fallback.
const execMaxAttempts = 3

// environmentPrelude is exported as a shell snippet prefixed onto every
// command a task runs, giving every tool installed into the image (rustup,
// cargo, nvm, the Go toolchain) a consistent, already-configured
// environment without each task having to repeat it.
const environmentPrelude = `export RUSTUP_HOME=/usr/local/rustup
export CARGO_HOME=/usr/local/cargo
export NVM_DIR=/root/.nvm
export GOPATH=/usr/local/go-workspace
export GOMODCACHE="${GOPATH}/pkg/mod"
export GOCACHE=/usr/local/go-cache
export PATH="/root/.local/bin:/usr/local/cargo/bin:/usr/local/go/bin:${GOPATH}/bin:/usr/local/bin:$PATH"`

// Context is the object passed to every task body. It borrows its Host for
// the duration of the run — the Host's lifecycle (booting it, stopping it,
// destroying it on failure) is owned by the orchestrator, not by Context.
type Context struct {
	Host              remotehost.Host
	RepoRoot          string
	RemoteRepoRoot    string
	RemoteArchivePath string
	Timings           *task.TimingsCollector
	CgroupPath        string

	// UseGitDiff selects the upload strategy internal/upload.ToContainer
	// prefers: true (the default) tries the git-delta clone+patch path
	// first, falling back to a full archive upload; false skips straight
	// to the archive upload, matching the CLI's --use-git-diff=false.
	UseGitDiff bool

	// ExtraEnv is exported as additional `export KEY=VALUE` lines ahead of
	// every command, after OrchestratorConfig.ExtraEnv's secret references
	// have already been resolved to plaintext values by the caller.
	ExtraEnv map[string]string

	environmentPrelude string

	// execRetryDelay computes the backoff before a retried Exec call;
	// overridable in tests to avoid real sleeps. nil uses defaultExecRetryDelay.
	execRetryDelay func(attempt int) time.Duration
}

// New builds a Context bound to host, with the standard environment
// prelude pre-applied and the git-delta upload strategy enabled.
func New(host remotehost.Host, repoRoot, remoteRepoRoot, remoteArchivePath string, timings *task.TimingsCollector) *Context {
	return &Context{
		Host:               host,
		RepoRoot:           repoRoot,
		RemoteRepoRoot:     remoteRepoRoot,
		RemoteArchivePath:  remoteArchivePath,
		Timings:            timings,
		UseGitDiff:         true,
		environmentPrelude: environmentPrelude,
	}
}

// Run executes command on the bound host, applying the environment prelude
// and (if set) the cgroup-join wrapper, logging each output line prefixed
// with label, and returning an error describing exit code/stdout/stderr on
// a non-zero exit.
func (c *Context) Run(ctx context.Context, label, command string) (*transport.Result, error) {
	wrapped := c.applyEnvironment(command)
	if c.CgroupPath != "" {
		wrapped = wrapWithCgroup(c.CgroupPath, wrapped)
	}

	logging.Op().Info(fmt.Sprintf("[%s] running...", label))

	var res *transport.Result
	var err error
	for attempt := 1; attempt <= execMaxAttempts; attempt++ {
		res, err = c.Host.Exec(ctx, wrapped, 0)
		if err == nil || attempt == execMaxAttempts || !isRetryableExecError(err) {
			break
		}
		delayFn := c.execRetryDelay
		if delayFn == nil {
			delayFn = defaultExecRetryDelay
		}
		delay := delayFn(attempt)
		metrics.RecordTransportRetry("exec")
		logging.Op().Info(fmt.Sprintf("[%s] retrying after exec failure (%v) (attempt %d/%d) in %s", label, err, attempt, execMaxAttempts, delay))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}

	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		if line != "" {
			logging.Op().Info(fmt.Sprintf("[%s] %s", label, line))
		}
	}
	for _, line := range strings.Split(strings.TrimRight(res.Stderr, "\n"), "\n") {
		if line != "" {
			logging.Op().Info(fmt.Sprintf("[%s][stderr] %s", label, line))
		}
	}

	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%s failed with exit code %d\nstdout:\n%s\nstderr:\n%s", label, res.ExitCode, res.Stdout, res.Stderr)
	}
	return res, nil
}

// PushFile uploads content to target on the bound host.
func (c *Context) PushFile(ctx context.Context, content []byte, target string) error {
	return c.Host.PushFile(ctx, content, target)
}

func (c *Context) applyEnvironment(command string) string {
	prelude := c.environmentPrelude
	if extra := c.extraEnvExports(); extra != "" {
		if prelude != "" {
			prelude += "\n"
		}
		prelude += extra
	}
	if prelude == "" {
		return command
	}
	return prelude + "\n" + command
}

// extraEnvExports renders ExtraEnv as `export KEY=VALUE` lines, sorted by
// key so the rendered prelude is stable across runs.
func (c *Context) extraEnvExports() string {
	if len(c.ExtraEnv) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c.ExtraEnv))
	for k := range c.ExtraEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "export %s=%s", k, shellSingleQuoteEnv(c.ExtraEnv[k]))
	}
	return b.String()
}

// shellSingleQuoteEnv wraps v in single quotes for a POSIX shell export,
// escaping any single quote in v with the standard '\'' sequence.
func shellSingleQuoteEnv(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// isRetryableExecError reports whether err is a transient transport failure
// worth retrying — a *transport.TransportError not classified as
// transport-unavailable (a permanently unconfigured transport, e.g. no
// public domain and no SSH host, is never worth retrying). A command that
// ran and returned a non-zero exit is not a TransportError at all and so is
// never retried here.
func isRetryableExecError(err error) bool {
	var te *transport.TransportError
	if !errors.As(err, &te) {
		return false
	}
	return !errors.Is(err, transport.ErrTransportUnavailable)
}

// defaultExecRetryDelay returns min(2**attempt, 8) seconds.
func defaultExecRetryDelay(attempt int) time.Duration {
	d := 1 << uint(attempt)
	if d > 8 {
		d = 8
	}
	return time.Duration(d) * time.Second
}

func wrapWithCgroup(cgroupPath, command string) string {
	return fmt.Sprintf(`if [ -d %q ] && [ -w %q/cgroup.procs ]; then
  printf '%%d\n' $$ > %q/cgroup.procs || true
fi
%s`, cgroupPath, cgroupPath, cgroupPath, command)
}
