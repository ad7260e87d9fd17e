// Package pvelxc implements the Proxmox VE LXC provider backend:
// cloning a linked container from a base template VMID, polling PVE
// task UPIDs to completion, and converting a stopped container into a
// reusable template. Grounded on snapshot-pvelxc.py's PveLxcClient.
package pvelxc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cmux/provisioner/internal/logging"
)

// Client is a thin authenticated wrapper over the Proxmox VE REST API,
// scoped to the LXC endpoints the provisioning engine needs.
type Client struct {
	apiURL      string
	tokenID     string
	tokenSecret string
	node        string
	http        *http.Client
}

// NewClient parses a PVE_API_TOKEN of the form "user@realm!tokenid=secret"
// and returns a Client targeting apiURL. verifySSL=false (the common case
// for self-signed PVE certificates) disables TLS certificate validation.
func NewClient(apiURL, apiToken, node string, verifySSL bool) (*Client, error) {
	parts := strings.SplitN(apiToken, "=", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("pvelxc: invalid API token format, expected \"user@realm!tokenid=secret\"")
	}

	transport := &http.Transport{}
	if !verifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // PVE nodes commonly run self-signed certs; identity is established via apiURL/node, not cert trust
	}

	return &Client{
		apiURL:      strings.TrimRight(apiURL, "/"),
		tokenID:     parts[0],
		tokenSecret: parts[1],
		node:        node,
		http:        &http.Client{Transport: transport, Timeout: 60 * time.Second},
	}, nil
}

type apiResponse struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) request(ctx context.Context, method, endpoint string, data url.Values) (json.RawMessage, error) {
	reqURL := c.apiURL + endpoint

	var body *strings.Reader
	if data != nil {
		body = strings.NewReader(data.Encode())
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("pvelxc: build request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.tokenID, c.tokenSecret))
	if data != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pvelxc: request %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("pvelxc: decode response from %s: %w", endpoint, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pvelxc: API error %d from %s %s", resp.StatusCode, method, endpoint)
	}
	return decoded.Data, nil
}

// CloneLXC clones sourceVMID into newVMID, returning the PVE task UPID.
// full=false requests a linked clone (fast, copy-on-write); full=true
// requests a full copy of the source's disks.
func (c *Client) CloneLXC(ctx context.Context, sourceVMID, newVMID int, hostname string, full bool) (string, error) {
	data := url.Values{}
	data.Set("newid", strconv.Itoa(newVMID))
	if full {
		data.Set("full", "1")
	} else {
		data.Set("full", "0")
	}
	if hostname != "" {
		data.Set("hostname", hostname)
	}

	raw, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/clone", c.node, sourceVMID), data)
	if err != nil {
		return "", err
	}
	return unquoteString(raw), nil
}

// StartLXC starts vmid, returning the PVE task UPID.
func (c *Client) StartLXC(ctx context.Context, vmid int) (string, error) {
	raw, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/status/start", c.node, vmid), nil)
	if err != nil {
		return "", err
	}
	return unquoteString(raw), nil
}

// StopLXC stops vmid, returning the PVE task UPID.
func (c *Client) StopLXC(ctx context.Context, vmid int) (string, error) {
	raw, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/status/stop", c.node, vmid), nil)
	if err != nil {
		return "", err
	}
	return unquoteString(raw), nil
}

// DeleteLXC destroys vmid, returning the PVE task UPID.
func (c *Client) DeleteLXC(ctx context.Context, vmid int) (string, error) {
	raw, err := c.request(ctx, http.MethodDelete, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d", c.node, vmid), nil)
	if err != nil {
		return "", err
	}
	return unquoteString(raw), nil
}

// CreateSnapshot snapshots vmid under snapname, returning the PVE task
// UPID.
func (c *Client) CreateSnapshot(ctx context.Context, vmid int, snapname, description string) (string, error) {
	data := url.Values{"snapname": {snapname}}
	if description != "" {
		data.Set("description", description)
	}
	raw, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/snapshot", c.node, vmid), data)
	if err != nil {
		return "", err
	}
	return unquoteString(raw), nil
}

// ResizeDisk grows vmid's disk named diskName (e.g. "rootfs") to size
// (e.g. "20G"), returning the PVE task UPID. PVE only supports growing a
// volume this way, never shrinking — callers must only call this when the
// target size exceeds the current one.
func (c *Client) ResizeDisk(ctx context.Context, vmid int, diskName, size string) (string, error) {
	data := url.Values{"disk": {diskName}, "size": {size}}
	raw, err := c.request(ctx, http.MethodPut, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/resize", c.node, vmid), data)
	if err != nil {
		return "", err
	}
	return unquoteString(raw), nil
}

// ConvertToTemplate converts a stopped, snapshot-free vmid into a
// read-only template usable only as a clone source.
func (c *Client) ConvertToTemplate(ctx context.Context, vmid int) error {
	_, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/template", c.node, vmid), nil)
	return err
}

// GetLXCConfig fetches the container's configuration, used to resolve
// its hostname for HTTP exec URL building.
func (c *Client) GetLXCConfig(ctx context.Context, vmid int) (map[string]any, error) {
	raw, err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/config", c.node, vmid), nil)
	if err != nil {
		return nil, err
	}
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("pvelxc: decode lxc config: %w", err)
	}
	return cfg, nil
}

// GetLXCStatus fetches the container's current runtime status.
func (c *Client) GetLXCStatus(ctx context.Context, vmid int) (map[string]any, error) {
	raw, err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/lxc/%d/status/current", c.node, vmid), nil)
	if err != nil {
		return nil, err
	}
	var status map[string]any
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("pvelxc: decode lxc status: %w", err)
	}
	return status, nil
}

// FindNextVMID returns the first VMID >= start not already in use by an
// LXC container on the node.
func (c *Client) FindNextVMID(ctx context.Context, start int) (int, error) {
	raw, err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/lxc", c.node), nil)
	if err != nil {
		return 0, err
	}
	var containers []struct {
		VMID int `json:"vmid"`
	}
	if err := json.Unmarshal(raw, &containers); err != nil {
		return 0, fmt.Errorf("pvelxc: decode lxc list: %w", err)
	}
	used := make(map[int]bool, len(containers))
	for _, c := range containers {
		used[c.VMID] = true
	}
	vmid := start
	for used[vmid] {
		vmid++
	}
	return vmid, nil
}

// AwaitTask polls a PVE task UPID until it reports "stopped", returning
// an error if it finished with a non-OK exit status or ctx expires
// first.
func (c *Client) AwaitTask(ctx context.Context, upid string, pollInterval time.Duration) error {
	if upid == "" {
		return nil
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	encoded := url.PathEscape(upid)
	for {
		raw, err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/status", c.node, encoded), nil)
		if err != nil {
			return err
		}
		var status struct {
			Status     string `json:"status"`
			ExitStatus string `json:"exitstatus"`
		}
		if err := json.Unmarshal(raw, &status); err != nil {
			return fmt.Errorf("pvelxc: decode task status: %w", err)
		}
		if status.Status == "stopped" {
			if status.ExitStatus == "OK" {
				return nil
			}
			return fmt.Errorf("pvelxc: task %s failed: %s", upid, status.ExitStatus)
		}

		logging.Op().Debug("pvelxc: waiting on task", "upid", upid, "status", status.Status)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// currentRootfsSizeGB extracts the rootfs volume's current size in GB from
// an LXC config's "rootfs" entry, e.g. "volume=local-lvm:vm-9000-disk-0,size=8G".
// Returns 0 if the field is absent or unparseable, matching the original's
// best-effort parse.
func currentRootfsSizeGB(cfg map[string]any) float64 {
	rootfs, _ := cfg["rootfs"].(string)
	if rootfs == "" || !strings.Contains(rootfs, "size=") {
		return 0
	}
	for _, part := range strings.Split(rootfs, ",") {
		if !strings.HasPrefix(part, "size=") {
			continue
		}
		sizeStr := strings.TrimPrefix(part, "size=")
		switch {
		case strings.HasSuffix(sizeStr, "G"):
			v, err := strconv.ParseFloat(strings.TrimSuffix(sizeStr, "G"), 64)
			if err == nil {
				return v
			}
		case strings.HasSuffix(sizeStr, "M"):
			v, err := strconv.ParseFloat(strings.TrimSuffix(sizeStr, "M"), 64)
			if err == nil {
				return v / 1024
			}
		}
	}
	return 0
}

func unquoteString(raw json.RawMessage) string {
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}
