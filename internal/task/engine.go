package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cmux/provisioner/internal/logging"
	"github.com/cmux/provisioner/internal/metrics"
	"github.com/cmux/provisioner/internal/observability"
)

// ErrDependencyCycle is returned by RunGraph when no task in the remaining
// set has all of its dependencies satisfied — the registry describes a
// cycle rather than a DAG.
var ErrDependencyCycle = errors.New("task: dependency cycle detected")

// TimingsCollector records per-task and per-layer durations for later
// summary reporting. It is safe for concurrent use: each layer's own timing
// is written by the goroutine that waits on that layer's errgroup, while
// the tasks within a layer run concurrently and each adds its own timing
// to the same collector from its errgroup goroutine.
type TimingsCollector struct {
	mu      sync.Mutex
	entries []timingEntry
}

type timingEntry struct {
	label    string
	duration time.Duration
}

// NewTimingsCollector returns an empty TimingsCollector.
func NewTimingsCollector() *TimingsCollector {
	return &TimingsCollector{}
}

// Add records one labeled duration. Labels use the `task:<name>` and
// `layer:<name1>+<name2>+...` prefixes that Summary parses.
func (c *TimingsCollector) Add(label string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, timingEntry{label: label, duration: d})
}

// Summary renders the same report shape as the tool this engine's scheduler
// is modeled on: a parallel-layers section (per-layer wall time, and within
// it each task's own time sorted descending), followed by total wall time,
// total CPU time, and effective parallelism (cpu/wall ratio).
func (c *TimingsCollector) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	var totalWall, totalCPU time.Duration

	type layerInfo struct {
		tasks    []string
		wall     time.Duration
		taskTime map[string]time.Duration
	}
	var layers []*layerInfo
	taskDur := make(map[string]time.Duration)

	for _, e := range c.entries {
		switch {
		case strings.HasPrefix(e.label, "task:"):
			name := strings.TrimPrefix(e.label, "task:")
			taskDur[name] = e.duration
			totalCPU += e.duration
		case strings.HasPrefix(e.label, "layer:"):
			names := strings.Split(strings.TrimPrefix(e.label, "layer:"), "+")
			layers = append(layers, &layerInfo{tasks: names, wall: e.duration})
			totalWall += e.duration
		}
	}

	b.WriteString("Parallel Execution Layers:\n")
	for i, l := range layers {
		b.WriteString(fmt.Sprintf("Layer %d (%.2fs wall):\n", i+1, l.wall.Seconds()))
		sorted := append([]string(nil), l.tasks...)
		sort.Slice(sorted, func(a, b int) bool {
			return taskDur[sorted[a]] > taskDur[sorted[b]]
		})
		for j, name := range sorted {
			connector := "├─"
			if j == len(sorted)-1 {
				connector = "└─"
			}
			b.WriteString(fmt.Sprintf("  %s %s (%.2fs)\n", connector, name, taskDur[name].Seconds()))
		}
	}

	b.WriteString(fmt.Sprintf("\nTotal wall time: %.2fs\n", totalWall.Seconds()))
	b.WriteString(fmt.Sprintf("Total CPU time: %.2fs\n", totalCPU.Seconds()))
	parallelism := 0.0
	if totalWall > 0 {
		parallelism = totalCPU.Seconds() / totalWall.Seconds()
	}
	b.WriteString(fmt.Sprintf("Effective parallelism: %.2fx\n", parallelism))

	return b.String()
}

// RunGraph runs every task in reg against rc, honoring each task's
// dependencies. It proceeds layer by layer: within a layer, every task whose
// dependencies are already satisfied runs concurrently via an errgroup; the
// scheduler then waits for the whole layer before computing the next one.
// This intentionally trades finer-grained pipelining for a simple,
// predictable "ready set" model — unlike a worker-pool scheduler, a task can
// never start before every task in an earlier layer has finished, even if
// its own dependencies were satisfied sooner.
//
// RunGraph returns ErrDependencyCycle, wrapping the names of the tasks that
// never became ready, if the registry is not acyclic. A task body error
// aborts the run: the current layer's in-flight tasks are allowed to finish
// (errgroup semantics), but no further layer is scheduled.
func RunGraph(ctx context.Context, reg *Registry, rc any, timings *TimingsCollector) error {
	remaining := make(map[string]Task, reg.Len())
	for _, name := range reg.Names() {
		t, _ := reg.Get(name)
		remaining[name] = t
	}
	completed := make(map[string]bool, len(remaining))

	for len(remaining) > 0 {
		var ready []Task
		for name, t := range remaining {
			if dependenciesSatisfied(t, completed) {
				ready = append(ready, t)
			}
			_ = name
		}
		if len(ready) == 0 {
			names := make([]string, 0, len(remaining))
			for name := range remaining {
				names = append(names, name)
			}
			sort.Strings(names)
			return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(names, ", "))
		}

		sort.Slice(ready, func(i, j int) bool { return ready[i].Name < ready[j].Name })

		readyNames := make([]string, len(ready))
		for i, t := range ready {
			readyNames[i] = t.Name
		}

		layerStart := time.Now()
		ctx, span := observability.StartSpan(ctx, "provisioner.task.layer",
			observability.AttrLayer.String(strings.Join(readyNames, "+")))

		g, gctx := errgroup.WithContext(ctx)
		for _, t := range ready {
			t := t
			g.Go(func() error {
				return runTaskWithTiming(gctx, t, rc, timings)
			})
		}
		err := g.Wait()
		layerDur := time.Since(layerStart)
		timings.Add("layer:"+strings.Join(readyNames, "+"), layerDur)
		metrics.RecordLayer(layerDur.Milliseconds())

		if err != nil {
			observability.SetSpanError(span, err)
			span.End()
			return err
		}
		observability.SetSpanOK(span)
		span.End()

		logging.Op().Info("layer completed", "tasks", strings.Join(readyNames, ","), "duration", layerDur)

		for _, t := range ready {
			completed[t.Name] = true
			delete(remaining, t.Name)
		}
	}

	return nil
}

func dependenciesSatisfied(t Task, completed map[string]bool) bool {
	for _, d := range t.Deps {
		if !completed[d] {
			return false
		}
	}
	return true
}

func runTaskWithTiming(ctx context.Context, t Task, rc any, timings *TimingsCollector) error {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "provisioner.task.run", observability.AttrTaskName.String(t.Name))
	defer span.End()

	err := t.Body(ctx, rc)
	d := time.Since(start)
	timings.Add("task:"+t.Name, d)
	metrics.RecordTask(t.Name, d.Milliseconds(), err == nil)

	if err != nil {
		observability.SetSpanError(span, err)
		logging.Op().Error("task failed", "task", t.Name, "duration", d, "error", err)
		return fmt.Errorf("task %q: %w", t.Name, err)
	}
	observability.SetSpanOK(span)
	logging.Op().Info("task completed", "task", t.Name, "duration", d)
	return nil
}
