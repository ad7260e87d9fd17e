// Package microvm implements the Firecracker-style micro-VM API
// provider backend (the spec's third backend, API-shaped like
// Freestyle): forking a new VM from a base snapshot id, communicating
// with the guest over AF_VSOCK for every exec and file push, and
// capturing new snapshots. Grounded on providers/freestyle.py's
// FreestyleProvider/FreestyleInstance.
package microvm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a thin bearer-token REST client for the micro-VM API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient returns a Client targeting baseURL, authenticated with apiKey.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("microvm: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("microvm: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("microvm: request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("microvm: API error %d from %s %s: %s", resp.StatusCode, method, path, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type createVMRequest struct {
	SnapshotID                string `json:"snapshotId"`
	WaitForReadySignal        bool   `json:"waitForReadySignal"`
	ReadySignalTimeoutSeconds int    `json:"readySignalTimeoutSeconds"`
}

type createVMResponse struct {
	ID      string   `json:"id"`
	CID     uint32   `json:"cid"`
	Domains []string `json:"domains"`
}

// CreateVM forks snapshotID into a new VM, waiting up to
// readySignalTimeout for the guest's boot-complete signal.
func (c *Client) CreateVM(ctx context.Context, snapshotID string, readySignalTimeout time.Duration) (createVMResponse, error) {
	var resp createVMResponse
	err := c.do(ctx, http.MethodPost, "/vms", createVMRequest{
		SnapshotID:                snapshotID,
		WaitForReadySignal:        true,
		ReadySignalTimeoutSeconds: int(readySignalTimeout.Seconds()),
	}, &resp)
	return resp, err
}

type snapshotVMResponse struct {
	SnapshotID string `json:"snapshotId"`
}

// SnapshotVM captures vmID's current disk state.
func (c *Client) SnapshotVM(ctx context.Context, vmID string) (string, error) {
	var resp snapshotVMResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/vms/%s/snapshot", vmID), struct{}{}, &resp)
	return resp.SnapshotID, err
}

// StopVM stops vmID.
func (c *Client) StopVM(ctx context.Context, vmID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/vms/%s/stop", vmID), nil, nil)
}

// DeleteVM permanently tears down vmID.
func (c *Client) DeleteVM(ctx context.Context, vmID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/vms/%s", vmID), nil, nil)
}
