package runctx

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cmux/provisioner/internal/remotehost"
	"github.com/cmux/provisioner/internal/transport"
)

// fakeHost is a hand-rolled remotehost.Host fake exercising only Exec/
// PushFile; every other method is a no-op stub returning zero values,
// since Run never reaches them.
type fakeHost struct {
	execFn func(ctx context.Context, command string, timeoutMs int) (*transport.Result, error)
	calls  int
}

func (f *fakeHost) Exec(ctx context.Context, command string, timeoutMs int) (*transport.Result, error) {
	f.calls++
	return f.execFn(ctx, command, timeoutMs)
}
func (f *fakeHost) PushFile(ctx context.Context, content []byte, target string) error { return nil }
func (f *fakeHost) ID() string                                                        { return "fake" }
func (f *fakeHost) State() remotehost.State                                           { return remotehost.StateReady }
func (f *fakeHost) Capabilities() remotehost.Capabilities                             { return remotehost.Capabilities{} }
func (f *fakeHost) AwaitReady(ctx context.Context, timeout time.Duration) error        { return nil }
func (f *fakeHost) Snapshot(ctx context.Context, label string) (remotehost.SnapshotHandle, error) {
	return remotehost.SnapshotHandle{}, nil
}
func (f *fakeHost) Stop(ctx context.Context) error { return nil }
func (f *fakeHost) ExposeHTTPService(ctx context.Context, port int, name string) (remotehost.PortMapping, error) {
	return remotehost.PortMapping{}, nil
}
func (f *fakeHost) DashboardURL() string          { return "" }
func (f *fakeHost) Destroy(ctx context.Context) error { return nil }

var _ remotehost.Host = (*fakeHost)(nil)

func newTestContext(host remotehost.Host) *Context {
	c := New(host, "/repo", "/remote/repo", "/remote/archive.tar", nil)
	c.environmentPrelude = ""
	c.execRetryDelay = func(attempt int) time.Duration { return time.Millisecond }
	return c
}

func TestRunRetriesTransientTransportError(t *testing.T) {
	host := &fakeHost{}
	host.execFn = func(ctx context.Context, command string, timeoutMs int) (*transport.Result, error) {
		if host.calls < 2 {
			return nil, &transport.TransportError{Transport: "http", Op: "exec", Err: errTransient()}
		}
		return &transport.Result{ExitCode: 0}, nil
	}

	_, err := newTestContext(host).Run(context.Background(), "step", "echo hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host.calls != 2 {
		t.Fatalf("expected 2 exec calls (1 retry), got %d", host.calls)
	}
}

func TestRunDoesNotRetryTransportUnavailable(t *testing.T) {
	host := &fakeHost{}
	host.execFn = func(ctx context.Context, command string, timeoutMs int) (*transport.Result, error) {
		return nil, &transport.TransportError{Transport: "http", Op: "exec", Err: transport.ErrTransportUnavailable, Fallback: true}
	}

	_, err := newTestContext(host).Run(context.Background(), "step", "echo hi")
	if err == nil {
		t.Fatalf("expected an error")
	}
	if host.calls != 1 {
		t.Fatalf("expected no retry for a transport-unavailable error, got %d calls", host.calls)
	}
}

func TestRunDoesNotRetryCommandFailure(t *testing.T) {
	host := &fakeHost{}
	host.execFn = func(ctx context.Context, command string, timeoutMs int) (*transport.Result, error) {
		return &transport.Result{ExitCode: 1, Stderr: "boom"}, nil
	}

	_, err := newTestContext(host).Run(context.Background(), "step", "false")
	if err == nil {
		t.Fatalf("expected an error")
	}
	if host.calls != 1 {
		t.Fatalf("a non-zero exit is not a transport error and must not be retried, got %d calls", host.calls)
	}
}

func TestRunExportsExtraEnvAheadOfCommand(t *testing.T) {
	var gotCommand string
	host := &fakeHost{}
	host.execFn = func(ctx context.Context, command string, timeoutMs int) (*transport.Result, error) {
		gotCommand = command
		return &transport.Result{ExitCode: 0}, nil
	}

	c := newTestContext(host)
	c.ExtraEnv = map[string]string{"REGISTRY_TOKEN": "it's a secret"}
	if _, err := c.Run(context.Background(), "step", "echo hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := `export REGISTRY_TOKEN='it'\''s a secret'`
	if !strings.Contains(gotCommand, want) {
		t.Fatalf("expected wrapped command to contain %q, got %q", want, gotCommand)
	}
}

func TestDefaultExecRetryDelayCapsAtEightSeconds(t *testing.T) {
	cases := map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		4: 8 * time.Second,
	}
	for attempt, want := range cases {
		if got := defaultExecRetryDelay(attempt); got != want {
			t.Fatalf("attempt %d: got %s, want %s", attempt, got, want)
		}
	}
}

func errTransient() error {
	return &transient{}
}

type transient struct{}

func (*transient) Error() string { return "connection reset" }
