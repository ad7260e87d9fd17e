package microvm

import (
	"context"
	"fmt"
	"time"

	"github.com/cmux/provisioner/internal/config"
	"github.com/cmux/provisioner/internal/provider"
	"github.com/cmux/provisioner/internal/remotehost"
)

// readySignalTimeout mirrors Freestyle's readySignalTimeoutSeconds default.
const readySignalTimeout = 120 * time.Second

// Provider forks new micro-VMs from a fixed base snapshot id. Unlike
// pvelxc/cloudvm, resource shape (vcpus/memory) is not configurable per
// clone — matching the original's documented "Freestyle doesn't support
// vcpus/memory configuration yet" note; disk size is baked into the
// snapshot itself.
type Provider struct {
	client         *Client
	baseSnapshotID string
}

var _ provider.Provider = (*Provider)(nil)

// New builds a Provider from cfg.
func New(cfg *config.Config, baseSnapshotID string) *Provider {
	return &Provider{
		client:         NewClient(cfg.Provider.APIURL, cfg.Provider.APIToken),
		baseSnapshotID: baseSnapshotID,
	}
}

func (p *Provider) Name() string { return "microvm" }

func (p *Provider) Clone(ctx context.Context, spec provider.CloneSpec) (remotehost.Host, error) {
	snapshotID := p.baseSnapshotID
	if spec.SourceID != "" {
		snapshotID = spec.SourceID
	}
	resp, err := p.client.CreateVM(ctx, snapshotID, readySignalTimeout)
	if err != nil {
		return nil, fmt.Errorf("microvm: create vm: %w", err)
	}

	h := newHost(p.client, resp.ID, resp.CID, resp.Domains)
	// CreateVM already waited for the ready signal; the VM is usable
	// immediately, but callers still transition through Booting for
	// uniformity with the other two backends' state machines.
	if err := h.machine.Transition(remotehost.StateBooting); err != nil {
		return nil, err
	}
	return h, nil
}
