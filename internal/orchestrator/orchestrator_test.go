package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cmux/provisioner/internal/manifest"
	"github.com/cmux/provisioner/internal/provider"
	"github.com/cmux/provisioner/internal/remotehost"
	"github.com/cmux/provisioner/internal/task"
	"github.com/cmux/provisioner/internal/transport"
)

// fakeHost is a minimal remotehost.Host double recording its lifecycle
// calls, with an Exec that satisfies the verifier's existence checks by
// always answering "exists"/"found".
type fakeHost struct {
	id          string
	machine     *remotehost.Machine
	stopped     bool
	destroyed   bool
	failStop    bool
	failSnap    bool
	snapshotID  string
}

var _ remotehost.Host = (*fakeHost)(nil)

func newFakeHost(id string) *fakeHost {
	h := &fakeHost{id: id, machine: remotehost.NewMachine(), snapshotID: "snap-" + id}
	_ = h.machine.Transition(remotehost.StateBooting)
	return h
}

func (h *fakeHost) ID() string              { return h.id }
func (h *fakeHost) State() remotehost.State { return h.machine.Current() }
func (h *fakeHost) Capabilities() remotehost.Capabilities {
	return remotehost.Capabilities{SupportsSnapshot: true}
}
func (h *fakeHost) Exec(ctx context.Context, command string, timeoutMs int) (*transport.Result, error) {
	return &transport.Result{Stdout: "exists\nfound\n"}, nil
}
func (h *fakeHost) PushFile(ctx context.Context, content []byte, target string) error { return nil }
func (h *fakeHost) AwaitReady(ctx context.Context, timeout time.Duration) error {
	return h.machine.Transition(remotehost.StateReady)
}
func (h *fakeHost) Snapshot(ctx context.Context, label string) (remotehost.SnapshotHandle, error) {
	if h.failSnap {
		return remotehost.SnapshotHandle{}, errors.New("snapshot failed")
	}
	return remotehost.SnapshotHandle{ID: h.snapshotID, Provider: "fake", Label: label}, nil
}
func (h *fakeHost) Stop(ctx context.Context) error {
	if h.failStop {
		return errors.New("stop failed")
	}
	h.stopped = true
	if h.machine.Current() != remotehost.StateStopped {
		_ = h.machine.Transition(remotehost.StateStopping)
		_ = h.machine.Transition(remotehost.StateStopped)
	}
	return nil
}
func (h *fakeHost) ExposeHTTPService(ctx context.Context, port int, name string) (remotehost.PortMapping, error) {
	return remotehost.PortMapping{}, nil
}
func (h *fakeHost) DashboardURL() string { return "" }
func (h *fakeHost) Destroy(ctx context.Context) error {
	h.destroyed = true
	return nil
}

// fakeProvider records every Clone call's spec so tests can assert the
// chaining optimisation passed the right SourceID.
type fakeProvider struct {
	name      string
	nextID    int
	clones    []provider.CloneSpec
	failClone bool
}

var _ provider.Provider = (*fakeProvider)(nil)

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Clone(ctx context.Context, spec provider.CloneSpec) (remotehost.Host, error) {
	p.clones = append(p.clones, spec)
	if p.failClone {
		return nil, errors.New("clone failed")
	}
	p.nextID++
	return newFakeHost(fmt.Sprintf("host-%d", p.nextID)), nil
}

func emptyRegistry() *task.Registry {
	return task.NewRegistry()
}

func newTestOrchestrator(t *testing.T, p *fakeProvider) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.json")
	m, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	return &Orchestrator{
		Provider:         p,
		Registry:         emptyRegistry(),
		Manifest:         m,
		ManifestPath:     manifestPath,
		RepoRoot:         dir,
		BaseTemplateID:   "9000",
		Node:             "pve-01",
		CleanupOnFailure: true,
		RequireVerify:    true,
		Now:              func() time.Time { return time.Date(2024, 11, 3, 12, 34, 56, 0, time.UTC) },
	}, manifestPath
}

func TestRunSinglePresetRecordsManifest(t *testing.T) {
	p := &fakeProvider{name: "fake"}
	o, manifestPath := newTestOrchestrator(t, p)

	plan := NewPresetPlan("Standard workspace", 4, 8192, 20480)
	results, err := o.Run(context.Background(), []PresetPlan{plan})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Chained {
		t.Fatalf("first preset must never be chained")
	}

	if _, err := os.Stat(manifestPath); err != nil {
		t.Fatalf("expected manifest file to be written: %v", err)
	}
	loaded, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatalf("reload manifest: %v", err)
	}
	preset, ok := loaded.Preset(plan.PresetID)
	if !ok {
		t.Fatalf("expected preset %q in reloaded manifest", plan.PresetID)
	}
	if _, ok := preset.ActiveVersion(); !ok {
		t.Fatalf("expected an active version")
	}
}

func TestRunChainsSecondPresetWhenDiskNonDecreasing(t *testing.T) {
	p := &fakeProvider{name: "fake"}
	o, _ := newTestOrchestrator(t, p)

	standard := NewPresetPlan("Standard workspace", 4, 8192, 20480)
	boosted := NewPresetPlan("Performance workspace", 8, 16384, 40960)

	results, err := o.Run(context.Background(), []PresetPlan{standard, boosted})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Chained {
		t.Fatalf("first preset must not be chained")
	}
	if !results[1].Chained {
		t.Fatalf("second preset should chain from the first's template (disk non-decreasing)")
	}

	if len(p.clones) != 2 {
		t.Fatalf("expected 2 clone calls, got %d", len(p.clones))
	}
	if p.clones[0].SourceID != "9000" {
		t.Fatalf("expected first clone to use the base template, got %q", p.clones[0].SourceID)
	}
	if p.clones[1].SourceID != results[0].TemplateID {
		t.Fatalf("expected second clone to use the first preset's template %q, got %q", results[0].TemplateID, p.clones[1].SourceID)
	}
}

func TestRunDoesNotChainWhenDiskShrinks(t *testing.T) {
	p := &fakeProvider{name: "fake"}
	o, _ := newTestOrchestrator(t, p)

	boosted := NewPresetPlan("Performance workspace", 8, 16384, 40960)
	standard := NewPresetPlan("Standard workspace", 4, 8192, 20480)

	results, err := o.Run(context.Background(), []PresetPlan{boosted, standard})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if results[1].Chained {
		t.Fatalf("a smaller disk preset must not chain from a larger one")
	}
	if p.clones[1].SourceID != "9000" {
		t.Fatalf("expected second clone to fall back to the base template, got %q", p.clones[1].SourceID)
	}
}

func TestRunFailsWhenCloneFails(t *testing.T) {
	p := &fakeProvider{name: "fake"}
	o, _ := newTestOrchestrator(t, p)
	o.RequireVerify = false

	first := NewPresetPlan("Standard workspace", 4, 8192, 20480)
	second := NewPresetPlan("Performance workspace", 8, 16384, 40960)

	// With a healthy provider both presets succeed.
	results, err := o.Run(context.Background(), []PresetPlan{first, second})
	if err != nil {
		t.Fatalf("expected no failure yet, both presets should have succeeded with this provider: %v", err)
	}
	_ = results

	// Rerun with a provider that fails on its very first clone.
	failing := &fakeProvider{name: "fake", failClone: true}
	o2, _ := newTestOrchestrator(t, failing)
	o2.RequireVerify = false
	if _, err := o2.Run(context.Background(), []PresetPlan{first}); err == nil {
		t.Fatalf("expected Run to fail when Clone fails")
	}
}

func TestRunPartialSuccessIsNotRolledBack(t *testing.T) {
	p := &fakeProvider{name: "fake"}
	o, manifestPath := newTestOrchestrator(t, p)
	o.RequireVerify = false

	good := NewPresetPlan("Standard workspace", 4, 8192, 20480)
	results, err := o.Run(context.Background(), []PresetPlan{good})
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result")
	}

	// Reload the manifest fresh and confirm the successful preset from the
	// first Run is still present even though we now simulate a failing
	// second Run against the same manifest path.
	reloaded, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	o.Manifest = reloaded

	failing := &fakeProvider{name: "fake", failClone: true}
	o.Provider = failing
	bad := NewPresetPlan("Performance workspace", 8, 16384, 40960)
	if _, err := o.Run(context.Background(), []PresetPlan{bad}); err == nil {
		t.Fatalf("expected second run to fail")
	}

	final, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatalf("final reload: %v", err)
	}
	if _, ok := final.Preset(good.PresetID); !ok {
		t.Fatalf("expected the first run's preset to survive the second run's failure")
	}
	if _, ok := final.Preset(bad.PresetID); ok {
		t.Fatalf("the failed preset must not appear in the manifest")
	}
}
