package cloudvm

import (
	"context"
	"fmt"
	"time"

	"github.com/cmux/provisioner/internal/remotehost"
	"github.com/cmux/provisioner/internal/transport"
)

// Host is a remotehost.Host backed by a cloud VM instance. Unlike
// pvelxc/microvm, this backend's REST API already wraps command
// execution and file upload directly — there is no in-guest HTTP-exec
// daemon or SSH access to dial, so Exec/PushFile call the API client
// directly instead of going through a transport.Dispatcher.
type Host struct {
	client     *Client
	instanceID string
	machine    *remotehost.Machine
}

var _ remotehost.Host = (*Host)(nil)

func newHost(client *Client, instanceID string) *Host {
	return &Host{client: client, instanceID: instanceID, machine: remotehost.NewMachine()}
}

func (h *Host) ID() string             { return h.instanceID }
func (h *Host) State() remotehost.State { return h.machine.Current() }

func (h *Host) Capabilities() remotehost.Capabilities {
	return remotehost.Capabilities{SupportsSSHFallback: false, SupportsSnapshot: true, SupportsResize: false}
}

func (h *Host) Exec(ctx context.Context, command string, timeoutMs int) (*transport.Result, error) {
	var timeout time.Duration
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	res, err := h.client.Exec(ctx, h.instanceID, []string{"/bin/bash", "-c", command}, timeout)
	if err != nil {
		return nil, fmt.Errorf("cloudvm: exec: %w", err)
	}
	return &transport.Result{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

func (h *Host) PushFile(ctx context.Context, content []byte, target string) error {
	return h.client.Upload(ctx, h.instanceID, target, content)
}

func (h *Host) AwaitReady(ctx context.Context, timeout time.Duration) error {
	if err := h.client.AwaitReady(ctx, h.instanceID, timeout); err != nil {
		_ = h.machine.Transition(remotehost.StateFailed)
		return err
	}
	return h.machine.Transition(remotehost.StateReady)
}

func (h *Host) Snapshot(ctx context.Context, label string) (remotehost.SnapshotHandle, error) {
	id, err := h.client.Snapshot(ctx, h.instanceID)
	if err != nil {
		return remotehost.SnapshotHandle{}, fmt.Errorf("cloudvm: snapshot: %w", err)
	}
	return remotehost.SnapshotHandle{ID: id, Provider: "cloudvm", Label: label}, nil
}

func (h *Host) Stop(ctx context.Context) error {
	if err := h.machine.Transition(remotehost.StateStopping); err != nil {
		return err
	}
	if err := h.client.Stop(ctx, h.instanceID); err != nil {
		_ = h.machine.Transition(remotehost.StateFailed)
		return fmt.Errorf("cloudvm: stop: %w", err)
	}
	return h.machine.Transition(remotehost.StateStopped)
}

func (h *Host) ExposeHTTPService(ctx context.Context, port int, name string) (remotehost.PortMapping, error) {
	url, err := h.client.ExposeHTTPService(ctx, h.instanceID, name, port)
	if err != nil {
		return remotehost.PortMapping{}, fmt.Errorf("cloudvm: expose service: %w", err)
	}
	return remotehost.PortMapping{Port: port, Name: name, URL: url}, nil
}

// DashboardURL is empty: this backend, unlike microvm, exposes no public
// console/dashboard for a running instance.
func (h *Host) DashboardURL() string {
	return ""
}

// Destroy permanently deletes the instance and its backing storage.
func (h *Host) Destroy(ctx context.Context) error {
	if h.machine.Current() == remotehost.StateDestroyed {
		return nil
	}
	if err := h.client.Terminate(ctx, h.instanceID); err != nil {
		return fmt.Errorf("cloudvm: destroy: %w", err)
	}
	return h.machine.Transition(remotehost.StateDestroyed)
}
