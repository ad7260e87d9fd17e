// Package cloudvm implements the VM-snapshot cloud API provider backend
// (the spec's second backend, API-shaped like Morph): booting an
// instance from a base snapshot id, execing/uploading over the
// provider's own REST API (not the HTTP-exec/SSH transport used by
// pvelxc/microvm, since this backend's API already wraps command
// execution), and capturing new snapshots. Grounded on
// providers/morph.py's MorphProvider/MorphInstance.
package cloudvm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a thin bearer-token REST client for the cloud VM API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a Client targeting baseURL, authenticated with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cloudvm: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("cloudvm: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cloudvm: request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cloudvm: API error %d from %s %s: %s", resp.StatusCode, method, path, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type bootRequest struct {
	VCPUs       int `json:"vcpus,omitempty"`
	MemoryMiB   int `json:"memory,omitempty"`
	DiskSizeMiB int `json:"disk_size,omitempty"`
}

type instanceResponse struct {
	ID string `json:"id"`
}

// BootInstance forks snapshotID into a new running instance with the
// given resource shape, returning its instance id.
func (c *Client) BootInstance(ctx context.Context, snapshotID string, vcpus, memoryMiB, diskMiB int) (string, error) {
	var resp instanceResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/instances/%s/boot", snapshotID), bootRequest{
		VCPUs: vcpus, MemoryMiB: memoryMiB, DiskSizeMiB: diskMiB,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

type execRequest struct {
	Command []string `json:"command"`
	Timeout *float64 `json:"timeout,omitempty"`
}

// ExecResult is the instance's API-native command result shape.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Exec runs command inside instanceID via the provider's own exec API
// (not an HTTP-exec/SSH transport — this backend has no in-guest daemon
// to dial).
func (c *Client) Exec(ctx context.Context, instanceID string, command []string, timeout time.Duration) (*ExecResult, error) {
	var req execRequest
	req.Command = command
	if timeout > 0 {
		secs := timeout.Seconds()
		req.Timeout = &secs
	}
	var result ExecResult
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/instances/%s/exec", instanceID), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type uploadRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
}

// Upload writes content to remotePath inside instanceID.
func (c *Client) Upload(ctx context.Context, instanceID, remotePath string, content []byte) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/instances/%s/upload", instanceID), uploadRequest{
		Path:    remotePath,
		Content: base64.StdEncoding.EncodeToString(content),
	}, nil)
}

type exposeRequest struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

type exposeResponse struct {
	URL string `json:"url"`
}

// ExposeHTTPService maps port on instanceID to a public URL.
func (c *Client) ExposeHTTPService(ctx context.Context, instanceID, name string, port int) (string, error) {
	var resp exposeResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/instances/%s/expose", instanceID), exposeRequest{Name: name, Port: port}, &resp)
	return resp.URL, err
}

type snapshotResponse struct {
	ID string `json:"id"`
}

// Snapshot captures instanceID's current disk state, returning the new
// snapshot id.
func (c *Client) Snapshot(ctx context.Context, instanceID string) (string, error) {
	var resp snapshotResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/instances/%s/snapshot", instanceID), nil, &resp)
	return resp.ID, err
}

// AwaitReady polls instanceID until the provider reports it ready for
// commands, or timeout elapses.
func (c *Client) AwaitReady(ctx context.Context, instanceID string, timeout time.Duration) error {
	var status struct {
		Ready bool `json:"ready"`
	}
	deadline := time.Now().Add(timeout)
	for {
		if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/instances/%s/status", instanceID), nil, &status); err == nil && status.Ready {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cloudvm: instance %s not ready after %s", instanceID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// Stop stops instanceID.
func (c *Client) Stop(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/instances/%s/stop", instanceID), nil, nil)
}

// Terminate permanently deletes instanceID and its backing storage.
func (c *Client) Terminate(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/instances/%s", instanceID), nil, nil)
}
