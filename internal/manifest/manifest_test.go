package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(m.Presets) != 0 {
		t.Fatalf("expected an empty manifest, got %d presets", len(m.Presets))
	}
}

func TestWriteThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	m := New("pve-01", nil)
	now := time.Date(2024, 11, 3, 12, 34, 56, 0, time.UTC)
	shape := PresetEntry{PresetID: "4vcpu_8gb_32gb", Label: "Standard workspace", CPU: "4 vCPU", Memory: "8 GB RAM", Disk: "32 GB SSD"}
	if _, err := m.UpsertVersion(shape, "snapshot_ab12cd34", "9001", now); err != nil {
		t.Fatalf("UpsertVersion failed: %v", err)
	}

	if err := Write(path, m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Presets) != 1 || loaded.Presets[0].PresetID != shape.PresetID {
		t.Fatalf("unexpected presets after round-trip: %+v", loaded.Presets)
	}
	if len(loaded.Presets[0].Versions) != 1 || loaded.Presets[0].Versions[0].Version != 1 {
		t.Fatalf("unexpected versions after round-trip: %+v", loaded.Presets[0].Versions)
	}
}

func TestUpsertVersionAllocatesMaxPlusOne(t *testing.T) {
	m := New("pve-01", nil)
	shape := PresetEntry{PresetID: "2vcpu_4gb_16gb"}
	now := time.Now().UTC().Truncate(time.Second)

	first, err := m.UpsertVersion(shape, "snap-1", "", now)
	if err != nil {
		t.Fatalf("first UpsertVersion failed: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}

	second, err := m.UpsertVersion(shape, "snap-2", "", now)
	if err != nil {
		t.Fatalf("second UpsertVersion failed: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}

	preset, ok := m.Preset(shape.PresetID)
	if !ok {
		t.Fatal("expected preset to be recorded")
	}
	active, ok := preset.ActiveVersion()
	if !ok || active.SnapshotID != "snap-2" {
		t.Fatalf("expected active version to be snap-2, got %+v", active)
	}
}

func TestUpsertVersionRejectsDuplicateSnapshotAcrossPresets(t *testing.T) {
	m := New("pve-01", nil)
	now := time.Now().UTC().Truncate(time.Second)

	if _, err := m.UpsertVersion(PresetEntry{PresetID: "preset-a"}, "dup", "", now); err != nil {
		t.Fatalf("first UpsertVersion failed: %v", err)
	}
	if _, err := m.UpsertVersion(PresetEntry{PresetID: "preset-b"}, "dup", "", now); err == nil {
		t.Fatal("expected an error for a snapshotId reused across presets")
	}
}

func TestLoadRejectsUnknownSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	if err := writeRaw(path, `{"schemaVersion": 99, "presets": []}`); err != nil {
		t.Fatalf("writeRaw failed: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unsupported schemaVersion")
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	if err := writeRaw(path, `not json`); err != nil {
		t.Fatalf("writeRaw failed: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestLoadRejectsOutOfOrderVersions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	raw := `{"schemaVersion": 2, "presets": [{"presetId": "p", "versions": [
		{"version": 2, "snapshotId": "s2", "capturedAt": "2024-11-03T12:00:00Z"},
		{"version": 1, "snapshotId": "s1", "capturedAt": "2024-11-03T11:00:00Z"}
	]}]}`
	if err := writeRaw(path, raw); err != nil {
		t.Fatalf("writeRaw failed: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for out-of-order versions")
	}
}

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
