package pvelxc

import (
	"strings"
	"testing"
)

func TestShellSingleQuoteEscapesApostrophes(t *testing.T) {
	got := shellSingleQuote(`echo "it's a test"`)
	want := `'echo "it'\''s a test"'`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNewHostWrapsSSHCommandsWithPctExec(t *testing.T) {
	h := newHost(nil, 105, "my-box", "", "10.0.0.5:22")

	if h.dispatcher.SSH == nil {
		t.Fatalf("expected an SSH exec to be configured")
	}
	if h.dispatcher.SSH.CmdWrap == nil {
		t.Fatalf("expected CmdWrap to be set so SSH fallback targets the container, not the bare node")
	}

	wrapped := h.dispatcher.SSH.CmdWrap("date +%s")
	want := "pct exec 105 -- bash -lc 'date +%s'"
	if wrapped != want {
		t.Fatalf("got %q, want %q", wrapped, want)
	}
	if !strings.HasPrefix(wrapped, "pct exec 105") {
		t.Fatalf("wrapped command must target vmid 105, got %q", wrapped)
	}
}

func TestNewHostLeavesSSHUnwrappedWhenNoSSHHost(t *testing.T) {
	h := newHost(nil, 105, "my-box", "", "")
	if h.dispatcher.SSH != nil {
		t.Fatalf("expected no SSH exec when sshHost is empty")
	}
}
