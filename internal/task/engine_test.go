package task

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func noopBody(ctx context.Context, rc any) error { return nil }

func TestRegistryDuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Task{Name: "a", Body: noopBody}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(Task{Name: "a", Body: noopBody}); err == nil {
		t.Fatalf("expected duplicate-name error")
	}
}

func TestRunGraphDiamondRunsConcurrently(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var starts []string

	record := func(name string) Body {
		return func(ctx context.Context, rc any) error {
			mu.Lock()
			starts = append(starts, name)
			mu.Unlock()
			time.Sleep(15 * time.Millisecond)
			return nil
		}
	}

	r.MustRegister(Task{Name: "a", Body: record("a")})
	r.MustRegister(Task{Name: "b", Deps: []string{"a"}, Body: record("b")})
	r.MustRegister(Task{Name: "c", Deps: []string{"a"}, Body: record("c")})
	r.MustRegister(Task{Name: "d", Deps: []string{"b", "c"}, Body: record("d")})

	timings := NewTimingsCollector()
	start := time.Now()
	if err := RunGraph(context.Background(), r, nil, timings); err != nil {
		t.Fatalf("RunGraph failed: %v", err)
	}
	elapsed := time.Since(start)

	// The layers are [a], [b c], [d], ~15ms each, so ~45ms in all; running
	// the four tasks one after another would take ~60ms. b and c run
	// concurrently in the same layer, so the whole graph should finish
	// under the fully-serial bound.
	if elapsed > 55*time.Millisecond {
		t.Fatalf("expected overlapping layer execution, took %v", elapsed)
	}

	if len(starts) != 4 {
		t.Fatalf("expected 4 task runs, got %d", len(starts))
	}
}

func TestRunGraphDetectsCycle(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Task{Name: "x", Deps: []string{"y"}, Body: noopBody})
	r.MustRegister(Task{Name: "y", Deps: []string{"x"}, Body: noopBody})

	err := RunGraph(context.Background(), r, nil, NewTimingsCollector())
	if err == nil {
		t.Fatalf("expected a dependency-cycle error")
	}
}

func TestRunGraphPropagatesTaskError(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Task{Name: "ok", Body: noopBody})
	r.MustRegister(Task{Name: "bad", Deps: []string{"ok"}, Body: func(ctx context.Context, rc any) error {
		return errBoom
	}})

	err := RunGraph(context.Background(), r, nil, NewTimingsCollector())
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("expected error naming the failing task, got %v", err)
	}
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestFormatDependencyGraphCycle(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Task{Name: "x", Deps: []string{"y"}, Body: noopBody})
	r.MustRegister(Task{Name: "y", Deps: []string{"x"}, Body: noopBody})

	out := FormatDependencyGraph(r)
	if !strings.Contains(out, "↻ cycle") {
		t.Fatalf("expected cycle marker in graph output, got:\n%s", out)
	}
}

func TestTimingsSummaryIncludesLayers(t *testing.T) {
	tc := NewTimingsCollector()
	tc.Add("task:a", 10*time.Millisecond)
	tc.Add("task:b", 20*time.Millisecond)
	tc.Add("layer:a+b", 20*time.Millisecond)

	out := tc.Summary()
	if !strings.Contains(out, "Layer 1") || !strings.Contains(out, "Effective parallelism") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
}
