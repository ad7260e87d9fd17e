package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cmux/provisioner/internal/logging"
	"github.com/cmux/provisioner/internal/metrics"
)

// fallbackEligibleStatus is the set of HTTP status codes that signal a
// transient edge/proxy problem rather than a real command failure — the
// dispatch policy treats these (and any dial/network error) as eligible for
// an SSH fallback.
var fallbackEligibleStatus = map[int]bool{
	http.StatusRequestEntityTooLarge: true, // 413: frontend payload cap, push must fall back to SSH/SCP
	http.StatusBadGateway:            true, // 502
	http.StatusServiceUnavailable:    true, // 503
	http.StatusGatewayTimeout:        true, // 504
	524:                              true, // Cloudflare: a timeout occurred
}

// HTTPExec talks to the exec daemon exposed on port 39375 through a public
// tunnel domain, using a newline-delimited JSON event stream per request.
type HTTPExec struct {
	// BuildURL returns the exec endpoint URL for the bound host, or ("", false)
	// if HTTP exec is not configured for it (no public domain known).
	BuildURL func() (string, bool)
	Client   *http.Client
}

// NewHTTPExec returns an HTTPExec with a sensible default client.
func NewHTTPExec(buildURL func() (string, bool)) *HTTPExec {
	return &HTTPExec{
		BuildURL: buildURL,
		Client:   &http.Client{},
	}
}

type execRequest struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

// Exec implements transport.Exec. A nil error with a nil result never
// happens; instead, transport-unavailable and fallback-eligible conditions
// are reported as a *TransportError with Fallback set, letting the dispatch
// layer decide whether to retry over SSH.
func (h *HTTPExec) Exec(ctx context.Context, command string, timeoutMs int) (*Result, error) {
	url, ok := h.BuildURL()
	if !ok {
		return nil, &TransportError{Transport: "http", Op: "exec", Err: ErrTransportUnavailable, Fallback: true}
	}

	body, _ := json.Marshal(execRequest{Command: "HOME=/root " + command, TimeoutMs: timeoutMs})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Transport: "http", Op: "exec", Err: err, Fallback: true}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		metrics.RecordTransportCall("http", "dial_error")
		return nil, &TransportError{Transport: "http", Op: "exec", Err: err, Fallback: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordTransportCall("http", fmt.Sprintf("status_%d", resp.StatusCode))
		if fallbackEligibleStatus[resp.StatusCode] {
			return nil, &TransportError{
				Transport: "http", Op: "exec",
				Err:       fmt.Errorf("exec endpoint returned %d", resp.StatusCode),
				Fallback:  true,
			}
		}
		return nil, &TransportError{
			Transport: "http", Op: "exec",
			Err: fmt.Errorf("exec endpoint returned %d", resp.StatusCode),
		}
	}

	result, err := consumeExecStream(resp.Body)
	if err != nil {
		metrics.RecordTransportCall("http", "stream_error")
		return nil, err
	}
	metrics.RecordTransportCall("http", "ok")
	return result, nil
}

// consumeExecStream reads the newline-delimited JSON event stream and
// accumulates it into a Result. Per the engine's design: a stream that ends
// without ever emitting an `exit` event is treated as success (exit 0) —
// the exec daemon does not guarantee stream completeness across proxy idle
// timeouts, and the verifier is the backstop that catches a command that
// silently failed to finish its work.
func consumeExecStream(r io.Reader) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	res := &Result{}
	var stdout, stderr bytes.Buffer

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			continue // a malformed line is ignored, not fatal
		}
		switch evt.Type {
		case EventStdout:
			stdout.WriteString(evt.Data)
		case EventStderr:
			stderr.WriteString(evt.Data)
		case EventExit:
			if evt.ExitCode != nil {
				res.ExitCode = *evt.ExitCode
			}
			res.Stdout, res.Stderr = stdout.String(), stderr.String()
			return res, nil
		case EventError:
			res.Stdout, res.Stderr = stdout.String(), stderr.String()
			return res, fmt.Errorf("transport: exec stream reported error: %s", evt.Message)
		}
	}

	if err := scanner.Err(); err != nil {
		res.Stdout, res.Stderr = stdout.String(), stderr.String()
		if isStreamDrop(err) {
			// A mid-stream drop is not fallback-eligible: the command may
			// have already taken effect remotely, so silently retrying over
			// SSH could re-run it. Surface it as a hard failure instead.
			res.ExitCode = 125
			return res, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			res.ExitCode = 124
			return res, nil
		}
		return res, fmt.Errorf("transport: reading exec stream: %w", err)
	}

	// Stream ended cleanly with no `exit` event: treat as success.
	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	logging.Op().Warn("exec stream ended without an exit event, assuming success")
	return res, nil
}

func isStreamDrop(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe)
}

// PushFile implements transport.Pusher over HTTP: the target is created (and
// truncated) once, then content is appended in base64-encoded chunks sized
// as a multiple of 4 so each chunk decodes independently.
func (h *HTTPExec) PushFile(ctx context.Context, content []byte, target string) error {
	const chunkSize = 8192 // multiple of 4, bounds the size of each exec call

	init := fmt.Sprintf("mkdir -p %q && : > %q", dirOf(target), target)
	if _, err := h.Exec(ctx, init, 0); err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(content)
	for offset := 0; offset < len(encoded); offset += chunkSize {
		end := offset + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		chunk := encoded[offset:end]
		cmd := fmt.Sprintf("printf '%%s' %q | base64 -d >> %q", chunk, target)
		res, err := h.Exec(ctx, cmd, 0)
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			return &TransportError{Transport: "http", Op: "push", Err: fmt.Errorf("chunk append failed: %s", res.Stderr)}
		}
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

