// Package provider defines the polymorphic entry point the orchestrator
// uses to obtain a remotehost.Host, over the three backends spec.md
// names: Proxmox LXC, a VM-snapshot cloud API, and a Firecracker-style
// micro-VM API. Grounded on providers/base.py's BaseProvider.
package provider

import (
	"context"

	"github.com/cmux/provisioner/internal/remotehost"
)

// CloneSpec is the resource shape requested for a new host, derived from
// a PresetPlan by the orchestrator. It is intentionally primitive (no
// dependency on internal/orchestrator) so every backend package can
// depend on it without a cycle.
type CloneSpec struct {
	Label     string
	Hostname  string
	VCPUs     int
	MemoryMiB int
	DiskMiB   int

	// SourceID overrides the provider's configured base image (VMID for
	// pvelxc, snapshot ID for cloudvm/microvm) for this one clone. The
	// orchestrator sets it to a previous preset's just-created template
	// when the chaining optimisation applies; empty means "clone from
	// the provider's configured base".
	SourceID string
}

// Provider clones a base image into a fresh, running RemoteHost.
type Provider interface {
	// Name identifies the backend ("pvelxc", "cloudvm", "microvm").
	Name() string

	// Clone creates a new host from the provider's configured base image
	// and returns it once it has entered remotehost.StateBooting (not
	// necessarily Ready — callers must still call AwaitReady).
	Clone(ctx context.Context, spec CloneSpec) (remotehost.Host, error)
}
