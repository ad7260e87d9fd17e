package remotehost

import (
	"context"
	"time"

	"github.com/cmux/provisioner/internal/transport"
)

// SnapshotHandle identifies a captured, reusable image: a PVE template
// VMID, a cloud-VM snapshot ID, or a micro-VM image ID, depending on the
// backend.
type SnapshotHandle struct {
	ID       string
	Provider string
	Label    string
}

// PortMapping describes one exposed service port, mirroring
// providers/base.py's PortMapping and the standard ports table (IDE 39378,
// worker 39376/39377, proxy 39379, VNC 39380, CDP 39381, Xterm 39383, exec
// daemon 39375).
type PortMapping struct {
	Port int
	Name string
	URL  string
}

// Capabilities describes what a bound RemoteHost can do, so callers (the
// task engine, the verifier) can make decisions without a type switch on
// the concrete backend.
type Capabilities struct {
	SupportsSSHFallback bool
	SupportsSnapshot    bool
	SupportsResize      bool
}

// Host is the uniform lifecycle a provider backend exposes for one
// provisioning target — a cloned LXC container, a booted cloud VM, or a
// booted micro-VM. It embeds the transport contract directly: a Host *is*
// something you can Exec against and PushFile to, in addition to managing
// its own lifecycle.
type Host interface {
	transport.Exec
	transport.Pusher

	// ID returns the backend-specific instance identifier (VMID, instance
	// ID, ...).
	ID() string

	// State returns the current lifecycle state.
	State() State

	// Capabilities reports what this host supports.
	Capabilities() Capabilities

	// AwaitReady blocks until the host is reachable for exec, or ctx is
	// done / the provider-specific timeout elapses.
	AwaitReady(ctx context.Context, timeout time.Duration) error

	// Snapshot captures the host's current disk state as a reusable image.
	Snapshot(ctx context.Context, label string) (SnapshotHandle, error)

	// Stop shuts the host down. It does not destroy backing storage.
	Stop(ctx context.Context) error

	// ExposeHTTPService maps an internal port to a publicly reachable URL,
	// if the backend supports it.
	ExposeHTTPService(ctx context.Context, port int, name string) (PortMapping, error)

	// DashboardURL returns a human-facing dashboard/console URL for the
	// host, if the backend has one.
	DashboardURL() string

	// Destroy tears down the backing workspace entirely (as opposed to
	// Stop, which only shuts it down). It is idempotent: destroying an
	// already-destroyed or never-created host is not an error.
	Destroy(ctx context.Context) error
}
