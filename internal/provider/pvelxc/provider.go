package pvelxc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cmux/provisioner/internal/config"
	"github.com/cmux/provisioner/internal/provider"
	"github.com/cmux/provisioner/internal/remotehost"
)

// Provider clones new containers from a fixed base template VMID.
type Provider struct {
	client       *Client
	baseVMID     int
	publicDomain string
	sshHost      string
}

var _ provider.Provider = (*Provider)(nil)

// New builds a Provider from cfg. cfg.Orchestrator.CloneBaseVMID names
// the template to clone from.
func New(cfg *config.Config) (*Provider, error) {
	client, err := NewClient(cfg.Provider.APIURL, cfg.Provider.APIToken, cfg.Provider.Node, cfg.Provider.VerifySSL)
	if err != nil {
		return nil, err
	}
	return &Provider{
		client:       client,
		baseVMID:     cfg.Orchestrator.CloneBaseVMID,
		publicDomain: cfg.Provider.PublicDomain,
		sshHost:      cfg.Provider.SSHHost,
	}, nil
}

func (p *Provider) Name() string { return "pvelxc" }

// Clone creates a clone of spec.SourceID (or, if unset, the provider's
// configured base template) at a freshly allocated VMID, starts it, and
// returns its Host. A linked clone is attempted first (fast, copy-on-write);
// if that fails, a full clone is retried once. The returned host is in
// StateBooting; callers must call AwaitReady before use.
func (p *Provider) Clone(ctx context.Context, spec provider.CloneSpec) (remotehost.Host, error) {
	sourceVMID := p.baseVMID
	if spec.SourceID != "" {
		parsed, err := strconv.Atoi(spec.SourceID)
		if err != nil {
			return nil, fmt.Errorf("pvelxc: invalid source vmid %q: %w", spec.SourceID, err)
		}
		sourceVMID = parsed
	}

	newVMID, err := p.client.FindNextVMID(ctx, p.baseVMID+1)
	if err != nil {
		return nil, fmt.Errorf("pvelxc: find next vmid: %w", err)
	}

	hostname := spec.Hostname
	if hostname == "" {
		hostname = fmt.Sprintf("preset-%d", newVMID)
	}

	upid, err := p.client.CloneLXC(ctx, sourceVMID, newVMID, hostname, false)
	if err == nil {
		err = p.client.AwaitTask(ctx, upid, 0)
	}
	if err != nil {
		// Linked clone failed (or its task failed) — fall back to a full
		// clone of the same source, matching the original's try/except.
		upid, err = p.client.CloneLXC(ctx, sourceVMID, newVMID, hostname, true)
		if err != nil {
			return nil, fmt.Errorf("pvelxc: full clone fallback: %w", err)
		}
		if err := p.client.AwaitTask(ctx, upid, 0); err != nil {
			return nil, fmt.Errorf("pvelxc: await full clone task: %w", err)
		}
	}

	if spec.MemoryMiB > 0 || spec.VCPUs > 0 {
		if err := p.resizeConfig(ctx, newVMID, spec); err != nil {
			return nil, err
		}
	}

	if spec.DiskMiB > 0 {
		if err := p.resizeDiskIfNeeded(ctx, newVMID, spec.DiskMiB); err != nil {
			return nil, err
		}
	}

	startUPID, err := p.client.StartLXC(ctx, newVMID)
	if err != nil {
		return nil, fmt.Errorf("pvelxc: start: %w", err)
	}
	if err := p.client.AwaitTask(ctx, startUPID, 0); err != nil {
		return nil, fmt.Errorf("pvelxc: await start task: %w", err)
	}

	h := newHost(p.client, newVMID, hostname, p.publicDomain, p.sshHost)
	if err := h.machine.Transition(remotehost.StateBooting); err != nil {
		return nil, err
	}
	return h, nil
}

// resizeDiskIfNeeded grows the rootfs volume to targetDiskMiB if the
// container's current size is smaller, skipping the resize call otherwise
// — PVE can only grow a volume, and an unnecessary resize call is wasted
// latency on the system's headline optimisation path.
func (p *Provider) resizeDiskIfNeeded(ctx context.Context, vmid, targetDiskMiB int) error {
	cfg, err := p.client.GetLXCConfig(ctx, vmid)
	if err != nil {
		return fmt.Errorf("pvelxc: get config for resize check: %w", err)
	}
	currentGB := currentRootfsSizeGB(cfg)
	targetGB := float64(targetDiskMiB) / 1024
	if targetGB <= currentGB {
		return nil
	}
	upid, err := p.client.ResizeDisk(ctx, vmid, "rootfs", fmt.Sprintf("%dG", int(targetGB)))
	if err != nil {
		return fmt.Errorf("pvelxc: resize disk: %w", err)
	}
	return p.client.AwaitTask(ctx, upid, 0)
}

func (p *Provider) resizeConfig(ctx context.Context, vmid int, spec provider.CloneSpec) error {
	data := url.Values{}
	if spec.VCPUs > 0 {
		data.Set("cores", strconv.Itoa(spec.VCPUs))
	}
	if spec.MemoryMiB > 0 {
		data.Set("memory", strconv.Itoa(spec.MemoryMiB))
	}
	_, err := p.client.request(ctx, http.MethodPut, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/config", p.client.node, vmid), data)
	return err
}
