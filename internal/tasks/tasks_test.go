package tasks

import (
	"context"
	"strings"
	"testing"

	"github.com/cmux/provisioner/internal/task"
	"github.com/cmux/provisioner/internal/verifier"
)

func TestFullRegistryCoversTasksAndRejectsForeignContext(t *testing.T) {
	reg := Full(Options{IDEProvider: verifier.IDEOpenVSCode})
	if reg.Len() == 0 {
		t.Fatalf("expected a non-empty registry")
	}
	for _, want := range []string{"install-node", "install-rust", "install-go", "install-bun", "install-ide", "build-worker-bundle", "build-worker-daemon", "install-extensions", "finalize"} {
		if _, ok := reg.Get(want); !ok {
			t.Fatalf("expected task %q in the full registry", want)
		}
	}

	timings := task.NewTimingsCollector()
	rc := "not-a-runctx.Context"
	err := task.RunGraph(context.Background(), reg, rc, timings)
	if err == nil {
		t.Fatalf("expected every task body to reject a non-runctx.Context rc")
	}
}

func TestUpdateRegistrySkipsLanguageInstalls(t *testing.T) {
	reg := Update(Options{IDEProvider: verifier.IDECoderServer})
	for _, absent := range []string{"install-node", "install-rust", "install-go", "install-bun", "apt-prerequisites"} {
		if _, ok := reg.Get(absent); ok {
			t.Fatalf("update registry must not include one-time install task %q", absent)
		}
	}
	if _, ok := reg.Get("install-ide"); !ok {
		t.Fatalf("expected install-ide in the update registry")
	}
}

func TestDependencyGraphHasNoCycles(t *testing.T) {
	reg := Full(Options{IDEProvider: verifier.IDEOpenVSCode})
	graph := task.FormatDependencyGraph(reg)
	if graph == "" || strings.Contains(graph, "↻ cycle") {
		t.Fatalf("expected a non-empty, cycle-free dependency graph rendering, got:\n%s", graph)
	}
}

func TestIdeInstallCommandVariesByProvider(t *testing.T) {
	vscode := ideInstallCommand(verifier.IDEOpenVSCode)
	coder := ideInstallCommand(verifier.IDECoderServer)
	cmuxCode := ideInstallCommand(verifier.IDECmuxCode)
	if vscode == coder || vscode == cmuxCode || coder == cmuxCode {
		t.Fatalf("expected distinct install commands per IDE provider")
	}
}
