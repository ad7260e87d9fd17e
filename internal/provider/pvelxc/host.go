package pvelxc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cmux/provisioner/internal/logging"
	"github.com/cmux/provisioner/internal/remotehost"
	"github.com/cmux/provisioner/internal/transport"
)

const execDaemonPort = 39375

// Host is a remotehost.Host backed by a cloned LXC container. Exec/
// PushFile are delegated to a transport.Dispatcher: HTTP exec against
// the in-container cmux-execd daemon (exposed over a public domain via
// instanceId-based URLs), falling back to SSH + `pct exec` when an SSH
// host is configured.
type Host struct {
	client       *Client
	dispatcher   *transport.Dispatcher
	vmid         int
	hostname     string
	publicDomain string
	machine      *remotehost.Machine
}

var _ remotehost.Host = (*Host)(nil)

func newHost(client *Client, vmid int, hostname, publicDomain string, sshHost string) *Host {
	h := &Host{
		client:       client,
		vmid:         vmid,
		hostname:     hostname,
		publicDomain: publicDomain,
		machine:      remotehost.NewMachine(),
	}

	var httpExec *transport.HTTPExec
	if publicDomain != "" {
		httpExec = transport.NewHTTPExec(h.buildExecURL)
	}
	var sshExec *transport.SSHExec
	if sshHost != "" {
		sshExec = transport.NewSSHExec(sshHost, "root")
		sshExec.CmdWrap = func(command string) string {
			return fmt.Sprintf("pct exec %d -- bash -lc %s", vmid, shellSingleQuote(command))
		}
	}
	h.dispatcher = &transport.Dispatcher{HTTP: httpExec, SSH: sshExec}
	return h
}

// shellSingleQuote wraps s in single quotes for a POSIX shell, escaping any
// single quote in s with the standard '\'' sequence.
func shellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// buildExecURL mirrors build_exec_url: https://port-39375-{hostId}.{domain}/exec,
// where hostId is the container's hostname normalized to lowercase with
// underscores replaced by hyphens (PVE hostnames aren't guaranteed to be
// DNS-label-safe on their own).
func (h *Host) buildExecURL() (string, bool) {
	if h.publicDomain == "" || h.hostname == "" {
		return "", false
	}
	hostID := strings.ToLower(strings.ReplaceAll(h.hostname, "_", "-"))
	return fmt.Sprintf("https://port-%d-%s.%s/exec", execDaemonPort, hostID, h.publicDomain), true
}

func (h *Host) ID() string { return strconv.Itoa(h.vmid) }

func (h *Host) State() remotehost.State { return h.machine.Current() }

func (h *Host) Capabilities() remotehost.Capabilities {
	return remotehost.Capabilities{
		SupportsSSHFallback: h.dispatcher.SSH != nil,
		SupportsSnapshot:    true,
		SupportsResize:      true,
	}
}

func (h *Host) Exec(ctx context.Context, command string, timeoutMs int) (*transport.Result, error) {
	return h.dispatcher.Exec(ctx, command, timeoutMs)
}

func (h *Host) PushFile(ctx context.Context, content []byte, target string) error {
	return h.dispatcher.PushFile(ctx, content, target)
}

// AwaitReady polls the container's runtime status until PVE reports it
// running and the exec transport answers a trivial command, or timeout
// elapses.
func (h *Host) AwaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		status, err := h.client.GetLXCStatus(ctx, h.vmid)
		if err == nil {
			if s, _ := status["status"].(string); s == "running" {
				if _, execErr := h.Exec(ctx, "true", 5000); execErr == nil {
					if transErr := h.machine.Transition(remotehost.StateReady); transErr != nil {
						return transErr
					}
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			_ = h.machine.Transition(remotehost.StateFailed)
			return fmt.Errorf("pvelxc: container %d not ready after %s", h.vmid, timeout)
		}
		logging.Op().Debug("pvelxc: waiting for container readiness", "vmid", h.vmid)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// Snapshot creates a PVE LXC snapshot named label and returns its handle.
// Unlike templatize, this does not make the container read-only —
// spec.md reserves conversion-to-template for the final capture step of
// a provisioning run.
func (h *Host) Snapshot(ctx context.Context, label string) (remotehost.SnapshotHandle, error) {
	upid, err := h.client.CreateSnapshot(ctx, h.vmid, label, "captured by provisioner")
	if err != nil {
		return remotehost.SnapshotHandle{}, fmt.Errorf("pvelxc: create snapshot: %w", err)
	}
	if err := h.client.AwaitTask(ctx, upid, 0); err != nil {
		return remotehost.SnapshotHandle{}, fmt.Errorf("pvelxc: await snapshot task: %w", err)
	}
	return remotehost.SnapshotHandle{ID: label, Provider: "pvelxc", Label: label}, nil
}

// Templatize stops the container (templates must be stopped) and
// converts it into a read-only PVE template, returning the template's
// VMID (identical to the container's own VMID — PVE templates are just
// containers flagged read-only).
func (h *Host) Templatize(ctx context.Context) (string, error) {
	if err := h.Stop(ctx); err != nil {
		return "", err
	}
	if err := h.client.ConvertToTemplate(ctx, h.vmid); err != nil {
		return "", fmt.Errorf("pvelxc: convert to template: %w", err)
	}
	return strconv.Itoa(h.vmid), nil
}

func (h *Host) Stop(ctx context.Context) error {
	if err := h.machine.Transition(remotehost.StateStopping); err != nil {
		return err
	}
	upid, err := h.client.StopLXC(ctx, h.vmid)
	if err != nil {
		_ = h.machine.Transition(remotehost.StateFailed)
		return fmt.Errorf("pvelxc: stop: %w", err)
	}
	if err := h.client.AwaitTask(ctx, upid, 0); err != nil {
		_ = h.machine.Transition(remotehost.StateFailed)
		return fmt.Errorf("pvelxc: await stop task: %w", err)
	}
	return h.machine.Transition(remotehost.StateStopped)
}

// ExposeHTTPService returns the standard Cloudflare-tunnel-style public
// URL for port on this container. PVE-LXC exposes no per-call API for
// this — the mapping is a DNS/tunnel convention, not a backend call.
func (h *Host) ExposeHTTPService(ctx context.Context, port int, name string) (remotehost.PortMapping, error) {
	url, ok := h.buildServiceURL(port)
	if !ok {
		return remotehost.PortMapping{}, fmt.Errorf("pvelxc: no public domain configured, cannot expose port %d", port)
	}
	return remotehost.PortMapping{Port: port, Name: name, URL: url}, nil
}

func (h *Host) buildServiceURL(port int) (string, bool) {
	if h.publicDomain == "" || h.hostname == "" {
		return "", false
	}
	hostID := strings.ToLower(strings.ReplaceAll(h.hostname, "_", "-"))
	return fmt.Sprintf("https://port-%d-%s.%s", port, hostID, h.publicDomain), true
}

func (h *Host) DashboardURL() string {
	if h.publicDomain == "" {
		return ""
	}
	url, _ := h.buildServiceURL(39378) // standard IDE port
	return url
}

// Destroy deletes the underlying LXC container. Idempotent: PVE returns a
// 404 for an already-deleted VMID, which is treated as success rather than
// an error, matching destroy()'s documented idempotence.
func (h *Host) Destroy(ctx context.Context) error {
	if h.machine.Current() == remotehost.StateDestroyed {
		return nil
	}
	upid, err := h.client.DeleteLXC(ctx, h.vmid)
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return h.machine.Transition(remotehost.StateDestroyed)
		}
		return fmt.Errorf("pvelxc: destroy: %w", err)
	}
	if err := h.client.AwaitTask(ctx, upid, 0); err != nil {
		return fmt.Errorf("pvelxc: await destroy task: %w", err)
	}
	return h.machine.Transition(remotehost.StateDestroyed)
}
