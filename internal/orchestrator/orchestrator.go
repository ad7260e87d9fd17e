package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cmux/provisioner/internal/logging"
	"github.com/cmux/provisioner/internal/manifest"
	"github.com/cmux/provisioner/internal/metrics"
	"github.com/cmux/provisioner/internal/observability"
	"github.com/cmux/provisioner/internal/provider"
	"github.com/cmux/provisioner/internal/remotehost"
	"github.com/cmux/provisioner/internal/runctx"
	"github.com/cmux/provisioner/internal/task"
	"github.com/cmux/provisioner/internal/upload"
	"github.com/cmux/provisioner/internal/verifier"
)

// cloneTimeout bounds both the linked-clone and full-clone-fallback steps,
// matching the original's 300s/600s time-boxes (collapsed to one timeout
// here since the Go clients already retry internally).
const cloneTimeout = 10 * time.Minute

// readyTimeout bounds AwaitReady.
const readyTimeout = 5 * time.Minute

// templatizer is implemented only by the PVE-LXC Host: templatize() is
// explicitly PVE-LXC-only per spec.md's "(PVE-LXC only)" note, so it is
// not part of the common remotehost.Host interface. Every other backend
// captures via Host.Snapshot instead.
type templatizer interface {
	Templatize(ctx context.Context) (string, error)
}

// Orchestrator drives the full preset loop: clone -> provision -> verify
// -> capture -> record, for an ordered list of PresetPlans, against
// exactly one provider backend and one manifest.
type Orchestrator struct {
	Provider     provider.Provider
	Registry     *task.Registry
	Manifest     *manifest.Manifest
	ManifestPath string

	RepoRoot       string
	RemoteRepoRoot string // default "/cmux"
	BaseTemplateID string // the provider's configured base image id, for the manifest's baseTemplateId field
	IDEProvider    verifier.IDEProvider
	Node           string

	CleanupOnFailure bool
	RequireVerify    bool
	UseGitDiff       bool

	// ExtraEnv is exported into every run's environment prelude (see
	// runctx.Context.ExtraEnv); any secret reference in it must already be
	// resolved to a plaintext value by the caller before Run is invoked.
	ExtraEnv map[string]string

	// Now lets tests and callers control timestamps deterministically; it
	// defaults to time.Now when left nil.
	Now func() time.Time
}

// Result records one preset's capture.
type Result struct {
	Preset     PresetPlan
	SnapshotID string
	TemplateID string
	CapturedAt time.Time
	Chained    bool
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Run provisions every preset in plans, in order, applying the chaining
// optimisation between consecutive presets. It returns every preset's
// Result for the presets that completed, even if a later preset fails —
// the manifest is written incrementally, once per successful preset, so an
// early success is never rolled back by a later failure (this is a
// deliberate strengthening of the original, which only wrote the manifest
// once at the very end of the whole run).
//
// On any failure, if o.CleanupOnFailure is set, every host created during
// this Run is destroyed in reverse creation order before the error is
// returned.
func (o *Orchestrator) Run(ctx context.Context, plans []PresetPlan) ([]Result, error) {
	var results []Result
	var createdHosts []remotehost.Host

	var lastTemplateID string
	var lastDiskMiB int

	for index, plan := range plans {
		ctx, span := observability.StartSpan(ctx, "provisioner.orchestrator.preset", observability.AttrPresetID.String(plan.PresetID))
		start := time.Now()

		sourceID := o.BaseTemplateID
		runTasks := true
		chained := false
		if lastTemplateID != "" && plan.DiskMiB >= lastDiskMiB {
			sourceID = lastTemplateID
			runTasks = false
			chained = true
			logging.Op().Info("orchestrator: chaining optimisation applies", "preset", plan.PresetID, "source", lastTemplateID)
		}

		result, host, err := o.provisionOne(ctx, plan, sourceID, runTasks, index == 0 && runTasks)
		if host != nil {
			createdHosts = append(createdHosts, host)
		}

		duration := time.Since(start)
		metrics.RecordPreset(plan.PresetID, duration.Milliseconds(), err == nil, chained)

		if err != nil {
			observability.SetSpanError(span, err)
			span.End()
			logging.Op().Error("orchestrator: preset provisioning failed", "preset", plan.PresetID, "error", err)

			if o.CleanupOnFailure {
				o.cleanup(context.WithoutCancel(ctx), createdHosts)
			}
			return results, fmt.Errorf("preset %q: %w", plan.PresetID, err)
		}
		observability.SetSpanOK(span)
		span.End()

		result.Chained = chained
		results = append(results, result)

		if err := o.recordResult(result); err != nil {
			if o.CleanupOnFailure {
				o.cleanup(context.WithoutCancel(ctx), createdHosts)
			}
			return results, fmt.Errorf("preset %q: record to manifest: %w", plan.PresetID, err)
		}

		lastTemplateID = result.TemplateID
		lastDiskMiB = plan.DiskMiB
	}

	return results, nil
}

// provisionOne runs one preset through clone -> (provision+verify if
// runTasks) -> capture, returning the captured Result and the created
// Host (so the caller can track it for cleanup regardless of success).
func (o *Orchestrator) provisionOne(ctx context.Context, plan PresetPlan, sourceID string, runTasks, showDependencyGraph bool) (Result, remotehost.Host, error) {
	logging.Op().Info("orchestrator: provisioning preset", "preset", plan.PresetID, "label", plan.Label, "run_tasks", runTasks)

	hostname := fmt.Sprintf("%s-%s", o.Provider.Name(), shortUUID())

	cloneCtx, cancel := context.WithTimeout(ctx, cloneTimeout)
	host, err := o.Provider.Clone(cloneCtx, provider.CloneSpec{
		Label:     plan.Label,
		Hostname:  hostname,
		VCPUs:     plan.VCPUs,
		MemoryMiB: plan.MemoryMiB,
		DiskMiB:   plan.DiskMiB,
		SourceID:  sourceID,
	})
	cancel()
	if err != nil {
		return Result{}, nil, fmt.Errorf("clone: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	err = host.AwaitReady(readyCtx, readyTimeout)
	cancel()
	if err != nil {
		return Result{}, host, fmt.Errorf("await ready: %w", err)
	}

	if runTasks {
		timings := task.NewTimingsCollector()
		rc := runctx.New(host, o.RepoRoot, o.remoteRepoRoot(), upload.RemoteArchivePath, timings)
		rc.UseGitDiff = o.UseGitDiff
		rc.ExtraEnv = o.ExtraEnv

		if err := upload.ToContainer(ctx, rc); err != nil {
			return Result{}, host, fmt.Errorf("upload source: %w", err)
		}

		if err := task.RunGraph(ctx, o.Registry, rc, timings); err != nil {
			return Result{}, host, fmt.Errorf("task graph: %w", err)
		}

		if showDependencyGraph {
			if graph := task.FormatDependencyGraph(o.Registry); graph != "" {
				logging.Op().Info("orchestrator: dependency graph\n" + graph)
			}
		}
		logging.Op().Info("orchestrator: timing summary\n" + timings.Summary())

		if o.RequireVerify {
			if err := verifier.Verify(ctx, host, o.IDEProvider); err != nil {
				metrics.RecordVerifierFailure(strings.Split(err.Error(), "\n"))
				return Result{}, host, fmt.Errorf("verify: %w", err)
			}
		}

		// Graceful shutdown before capture: templatize()/some snapshot
		// paths require a stopped host, and all three backends must reach
		// StateReady before Stop() is legal in the state machine.
		if err := host.Stop(ctx); err != nil {
			return Result{}, host, fmt.Errorf("stop before capture: %w", err)
		}
	} else {
		// No task graph to run, but the host must still pass through
		// StateReady before Stop()/capture are legal transitions — all
		// three Go backends always produce a running clone (two of the
		// three APIs have no concept of a stopped clone), so the boot
		// cost is unavoidable even on the chained fast path; only the
		// provisioning work itself is skipped.
		if err := host.Stop(ctx); err != nil {
			return Result{}, host, fmt.Errorf("stop before capture: %w", err)
		}
	}

	snapshotID := generateSnapshotID()
	capturedAt := o.now()
	var templateID string

	if t, ok := host.(templatizer); ok {
		templateID, err = t.Templatize(ctx)
		if err != nil {
			return Result{}, host, fmt.Errorf("templatize: %w", err)
		}
	} else {
		handle, err := host.Snapshot(ctx, plan.Label)
		if err != nil {
			return Result{}, host, fmt.Errorf("snapshot: %w", err)
		}
		snapshotID = handle.ID
		templateID = handle.ID // this backend's snapshot id IS its clone-source id
	}

	logging.Op().Info("orchestrator: preset captured", "preset", plan.PresetID, "snapshotId", snapshotID, "templateId", templateID)

	return Result{
		Preset:     plan,
		SnapshotID: snapshotID,
		TemplateID: templateID,
		CapturedAt: capturedAt,
	}, host, nil
}

// recordResult appends result to the in-memory manifest and writes it to
// disk immediately, so this preset's success survives even if a later
// preset in the same Run fails.
func (o *Orchestrator) recordResult(result Result) error {
	shape := manifest.PresetEntry{
		PresetID: result.Preset.PresetID,
		Label:    result.Preset.Label,
		CPU:      result.Preset.CPUDisplay,
		Memory:   result.Preset.MemoryDisplay,
		Disk:     result.Preset.DiskDisplay,
	}
	if _, err := o.Manifest.UpsertVersion(shape, result.SnapshotID, result.TemplateID, result.CapturedAt); err != nil {
		return err
	}
	o.Manifest.Node = o.Node
	if o.BaseTemplateID != "" {
		raw, _ := json.Marshal(o.BaseTemplateID)
		if _, err := strconv.Atoi(o.BaseTemplateID); err == nil {
			raw = []byte(o.BaseTemplateID) // a PVE-LXC VMID is recorded as a JSON number
		}
		o.Manifest.BaseTemplateID = raw
	}

	if err := manifest.Write(o.ManifestPath, o.Manifest); err != nil {
		return err
	}
	metrics.RecordManifestWrite()
	return nil
}

// cleanup destroys every created host in reverse order, best-effort: one
// host's teardown failure does not stop the rest from being attempted.
// The manifest is never rolled back — partial successes already written
// by recordResult are left in place, per spec.md §4.7.
func (o *Orchestrator) cleanup(ctx context.Context, hosts []remotehost.Host) {
	logging.Op().Info("orchestrator: cleaning up created hosts after failure", "count", len(hosts))
	for i := len(hosts) - 1; i >= 0; i-- {
		h := hosts[i]
		_ = h.Stop(ctx)
		if err := h.Destroy(ctx); err != nil {
			logging.Op().Error("orchestrator: failed to destroy host during cleanup", "host", h.ID(), "error", err)
			continue
		}
		logging.Op().Info("orchestrator: destroyed host", "host", h.ID())
	}
}

func (o *Orchestrator) remoteRepoRoot() string {
	if o.RemoteRepoRoot != "" {
		return o.RemoteRepoRoot
	}
	return "/cmux"
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func generateSnapshotID() string {
	return "snapshot_" + shortUUID()
}
