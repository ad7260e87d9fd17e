package microvm

import (
	"context"
	"fmt"
	"time"

	"github.com/cmux/provisioner/internal/remotehost"
	"github.com/cmux/provisioner/internal/transport"
)

const (
	defaultGuestPort  = 3000
	proxyDomainSuffix = "proxy.cmux.sh"
)

// Host is a remotehost.Host backed by a forked micro-VM. Exec/PushFile
// go over AF_VSOCK (vsock.go) — this backend has no HTTP-exec daemon or
// SSH access reachable before (and often after) boot.
type Host struct {
	client  *Client
	vmID    string
	domains []string
	vsock   *VsockExec
	machine *remotehost.Machine
}

var _ remotehost.Host = (*Host)(nil)

func newHost(client *Client, vmID string, cid uint32, domains []string) *Host {
	return &Host{
		client:  client,
		vmID:    vmID,
		domains: domains,
		vsock:   NewVsockExec(cid, defaultGuestPort),
		machine: remotehost.NewMachine(),
	}
}

func (h *Host) ID() string              { return h.vmID }
func (h *Host) State() remotehost.State { return h.machine.Current() }

func (h *Host) Capabilities() remotehost.Capabilities {
	return remotehost.Capabilities{SupportsSSHFallback: false, SupportsSnapshot: true, SupportsResize: false}
}

func (h *Host) Exec(ctx context.Context, command string, timeoutMs int) (*transport.Result, error) {
	return h.vsock.Exec(ctx, command, timeoutMs)
}

func (h *Host) PushFile(ctx context.Context, content []byte, target string) error {
	return h.vsock.PushFile(ctx, content, target)
}

// AwaitReady is largely a no-op: CreateVM already waits for the guest's
// ready signal (waitForReadySignal=true) before returning, mirroring
// FreestyleInstance.await_until_ready's documented no-op for the normal
// case. A trivial vsock round-trip confirms the channel is live.
func (h *Host) AwaitReady(ctx context.Context, timeout time.Duration) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := h.Exec(deadlineCtx, "true", 5000); err != nil {
		_ = h.machine.Transition(remotehost.StateFailed)
		return fmt.Errorf("microvm: guest agent not reachable over vsock: %w", err)
	}
	return h.machine.Transition(remotehost.StateReady)
}

func (h *Host) Snapshot(ctx context.Context, label string) (remotehost.SnapshotHandle, error) {
	id, err := h.client.SnapshotVM(ctx, h.vmID)
	if err != nil {
		return remotehost.SnapshotHandle{}, fmt.Errorf("microvm: snapshot: %w", err)
	}
	return remotehost.SnapshotHandle{ID: id, Provider: "microvm", Label: label}, nil
}

func (h *Host) Stop(ctx context.Context) error {
	if err := h.machine.Transition(remotehost.StateStopping); err != nil {
		return err
	}
	if err := h.client.StopVM(ctx, h.vmID); err != nil {
		_ = h.machine.Transition(remotehost.StateFailed)
		return fmt.Errorf("microvm: stop: %w", err)
	}
	return h.machine.Transition(remotehost.StateStopped)
}

// ExposeHTTPService mirrors get_http_service_url's proxy.cmux.sh URL
// pattern. Only the VM's default guest port is exposed automatically at
// fork time; other ports are not yet supported by this backend, matching
// the original's documented NotImplementedError for the general case.
func (h *Host) ExposeHTTPService(ctx context.Context, port int, name string) (remotehost.PortMapping, error) {
	if port == defaultGuestPort && len(h.domains) > 0 {
		return remotehost.PortMapping{Port: port, Name: name, URL: "https://" + h.domains[0]}, nil
	}
	return remotehost.PortMapping{}, fmt.Errorf("microvm: exposing port %d is not supported, only %d is exposed by default", port, defaultGuestPort)
}

func (h *Host) DashboardURL() string {
	return fmt.Sprintf("https://%s-%d.%s", h.vmID, defaultGuestPort, proxyDomainSuffix)
}

// Destroy permanently tears down the micro-VM.
func (h *Host) Destroy(ctx context.Context) error {
	if h.machine.Current() == remotehost.StateDestroyed {
		return nil
	}
	if err := h.client.DeleteVM(ctx, h.vmID); err != nil {
		return fmt.Errorf("microvm: destroy: %w", err)
	}
	return h.machine.Transition(remotehost.StateDestroyed)
}
