package verifier

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cmux/provisioner/internal/remotehost"
	"github.com/cmux/provisioner/internal/transport"
)

// fakeHost answers every exec with "exists"/"found" unless its path or
// command substring is listed in missing.
type fakeHost struct {
	missing []string
}

var _ remotehost.Host = (*fakeHost)(nil)

func (f *fakeHost) ID() string                       { return "fake" }
func (f *fakeHost) State() remotehost.State           { return remotehost.StateReady }
func (f *fakeHost) Capabilities() remotehost.Capabilities { return remotehost.Capabilities{} }
func (f *fakeHost) AwaitReady(ctx context.Context, timeout time.Duration) error { return nil }
func (f *fakeHost) Snapshot(ctx context.Context, label string) (remotehost.SnapshotHandle, error) {
	return remotehost.SnapshotHandle{}, nil
}
func (f *fakeHost) Stop(ctx context.Context) error { return nil }
func (f *fakeHost) ExposeHTTPService(ctx context.Context, port int, name string) (remotehost.PortMapping, error) {
	return remotehost.PortMapping{}, nil
}
func (f *fakeHost) DashboardURL() string            { return "" }
func (f *fakeHost) Destroy(ctx context.Context) error { return nil }
func (f *fakeHost) PushFile(ctx context.Context, content []byte, target string) error { return nil }

func (f *fakeHost) Exec(ctx context.Context, command string, timeoutMs int) (*transport.Result, error) {
	for _, m := range f.missing {
		if strings.Contains(command, m) {
			return &transport.Result{Stdout: "missing\n"}, nil
		}
	}
	if strings.Contains(command, "grep -q") {
		return &transport.Result{Stdout: "found\n"}, nil
	}
	return &transport.Result{Stdout: "exists\n"}, nil
}

func TestVerifyPassesWhenAllArtifactsPresent(t *testing.T) {
	host := &fakeHost{}
	if err := Verify(context.Background(), host, IDEOpenVSCode); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestVerifyFailsAndListsEveryMissingArtifact(t *testing.T) {
	host := &fakeHost{missing: []string{"/usr/local/go/bin/go", "/root/.bun/bin/bun"}}
	err := Verify(context.Background(), host, IDEOpenVSCode)
	if err == nil {
		t.Fatalf("expected verification failure")
	}
	if !strings.Contains(err.Error(), "Go toolchain") || !strings.Contains(err.Error(), "Bun runtime") {
		t.Fatalf("expected consolidated error naming both missing artifacts, got: %v", err)
	}
}

func TestVerifyFailsWhenCmuxExtensionMissing(t *testing.T) {
	host := &fakeHost{missing: []string{"grep -q 'cmux'"}}
	err := Verify(context.Background(), host, IDEOpenVSCode)
	if err == nil {
		t.Fatalf("expected verification failure")
	}
	if !strings.Contains(err.Error(), "cmux VS Code extension") {
		t.Fatalf("expected error naming missing cmux extension, got: %v", err)
	}
}

func TestVerifyUsesCoderServerArtifactsForThatProvider(t *testing.T) {
	host := &fakeHost{missing: []string{"/app/code-server/bin/code-server"}}
	err := Verify(context.Background(), host, IDECoderServer)
	if err == nil || !strings.Contains(err.Error(), "code-server binary") {
		t.Fatalf("expected error naming missing code-server binary, got: %v", err)
	}
}
