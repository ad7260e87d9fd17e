package cloudvm

import (
	"context"
	"fmt"

	"github.com/cmux/provisioner/internal/config"
	"github.com/cmux/provisioner/internal/provider"
	"github.com/cmux/provisioner/internal/remotehost"
)

// Provider boots new instances from a fixed base snapshot id.
type Provider struct {
	client         *Client
	baseSnapshotID string
}

var _ provider.Provider = (*Provider)(nil)

// New builds a Provider from cfg's API credentials. baseSnapshotID is the
// snapshot every clone boots from unless CloneSpec.SourceID overrides it.
func New(cfg *config.Config, baseSnapshotID string) *Provider {
	return &Provider{
		client:         NewClient(cfg.Provider.APIURL, cfg.Provider.APIToken),
		baseSnapshotID: baseSnapshotID,
	}
}

func (p *Provider) Name() string { return "cloudvm" }

func (p *Provider) Clone(ctx context.Context, spec provider.CloneSpec) (remotehost.Host, error) {
	snapshotID := p.baseSnapshotID
	if spec.SourceID != "" {
		snapshotID = spec.SourceID
	}
	instanceID, err := p.client.BootInstance(ctx, snapshotID, spec.VCPUs, spec.MemoryMiB, spec.DiskMiB)
	if err != nil {
		return nil, fmt.Errorf("cloudvm: boot instance: %w", err)
	}

	h := newHost(p.client, instanceID)
	if err := h.machine.Transition(remotehost.StateBooting); err != nil {
		return nil, err
	}
	return h, nil
}
