// Package manifest implements the engine's only cross-run persistent state:
// a versioned JSON document mapping preset identities to their captured
// snapshot/template history. Grounded in spec.md §3/§6 and the atomic
// write pattern the teacher uses for prompt-template persistence
// (internal/ai/ai.go's UpdatePromptTemplate), extended with an explicit
// fsync since the manifest is the sole source of truth across runs.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// CurrentSchemaVersion is the schemaVersion this package reads and writes.
const CurrentSchemaVersion = 2

// ErrManifestCorrupt reports a JSON parse failure or an unrecognized
// schemaVersion. The caller must abort the run without writing.
var ErrManifestCorrupt = errors.New("manifest: corrupt or unsupported manifest")

// ErrDuplicateSnapshot reports an attempt to record a snapshotId that
// already appears elsewhere in the document.
var ErrDuplicateSnapshot = errors.New("manifest: snapshotId already recorded")

// VersionEntry is one captured version of a preset.
type VersionEntry struct {
	Version    int       `json:"version"`
	SnapshotID string    `json:"snapshotId"`
	TemplateID string    `json:"templateId,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// PresetEntry is one resource-shape's capture history.
type PresetEntry struct {
	PresetID string         `json:"presetId"`
	Label    string         `json:"label"`
	CPU      string         `json:"cpu"`
	Memory   string         `json:"memory"`
	Disk     string         `json:"disk"`
	Versions []VersionEntry `json:"versions"`
}

// ActiveVersion returns the preset's current version — its last element —
// or false if the preset has never been captured.
func (p PresetEntry) ActiveVersion() (VersionEntry, bool) {
	if len(p.Versions) == 0 {
		return VersionEntry{}, false
	}
	return p.Versions[len(p.Versions)-1], true
}

// Manifest is the root document. baseTemplateId is kept as a raw JSON
// message because its shape is provider-specific (an int VMID for
// PVE-LXC, a string image id for the other backends).
type Manifest struct {
	SchemaVersion  int             `json:"schemaVersion"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	BaseTemplateID json.RawMessage `json:"baseTemplateId,omitempty"`
	Node           string          `json:"node,omitempty"`
	Presets        []PresetEntry   `json:"presets"`
}

// New returns an empty manifest at the current schema version.
func New(node string, baseTemplateID json.RawMessage) *Manifest {
	return &Manifest{
		SchemaVersion:  CurrentSchemaVersion,
		Node:           node,
		BaseTemplateID: baseTemplateID,
		Presets:        []PresetEntry{},
	}
}

// Load reads and parses the manifest at path. A missing file is not an
// error: it returns a fresh empty manifest, since the first run of the
// engine against a given node has nothing to load yet.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New("", nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: read %q: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}
	if m.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: schemaVersion %d unsupported (want %d)", ErrManifestCorrupt, m.SchemaVersion, CurrentSchemaVersion)
	}
	if err := validate(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}
	return &m, nil
}

// validate checks the sort/uniqueness invariants spec.md §3 documents:
// versions ascending by version, version strictly increasing per preset,
// and snapshotId globally unique across the whole document.
func validate(m *Manifest) error {
	seenSnapshots := make(map[string]string) // snapshotId -> presetId
	for _, p := range m.Presets {
		last := -1
		for _, v := range p.Versions {
			if v.Version <= last {
				return fmt.Errorf("preset %q: versions not strictly ascending (%d after %d)", p.PresetID, v.Version, last)
			}
			last = v.Version

			if owner, ok := seenSnapshots[v.SnapshotID]; ok {
				return fmt.Errorf("snapshotId %q recorded more than once (presets %q and %q)", v.SnapshotID, owner, p.PresetID)
			}
			seenSnapshots[v.SnapshotID] = p.PresetID
		}
	}
	return nil
}

// Write persists m to path atomically: write to path+".tmp" in the same
// directory, fsync the file, then rename over path. The rename is atomic
// on POSIX filesystems, so a reader never observes a half-written
// manifest, and a crash between the write and the rename leaves the
// previous manifest intact.
func Write(path string, m *Manifest) error {
	if err := validate(m); err != nil {
		return fmt.Errorf("manifest: refusing to write invalid manifest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("manifest: create dir %q: %w", dir, err)
	}

	m.SchemaVersion = CurrentSchemaVersion

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}

	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("manifest: create temp file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("manifest: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("manifest: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("manifest: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("manifest: replace %q: %w", path, err)
	}
	return nil
}

// UpsertVersion records a newly captured snapshot/template for presetID,
// allocating version = max+1 within that preset (1 if the preset has no
// prior versions), and creating the preset entry from shape if it does
// not yet exist. It returns the allocated version entry.
//
// now is taken as a parameter rather than read from time.Now() so callers
// (and tests) control the timestamp deterministically.
func (m *Manifest) UpsertVersion(shape PresetEntry, snapshotID, templateID string, now time.Time) (VersionEntry, error) {
	for _, existing := range m.Presets {
		for _, v := range existing.Versions {
			if v.SnapshotID == snapshotID {
				return VersionEntry{}, fmt.Errorf("%w: %q", ErrDuplicateSnapshot, snapshotID)
			}
		}
	}

	idx := -1
	for i, p := range m.Presets {
		if p.PresetID == shape.PresetID {
			idx = i
			break
		}
	}
	if idx == -1 {
		shape.Versions = nil
		m.Presets = append(m.Presets, shape)
		idx = len(m.Presets) - 1
	}

	nextVersion := 1
	for _, v := range m.Presets[idx].Versions {
		if v.Version >= nextVersion {
			nextVersion = v.Version + 1
		}
	}

	entry := VersionEntry{
		Version:    nextVersion,
		SnapshotID: snapshotID,
		TemplateID: templateID,
		CapturedAt: now,
	}
	m.Presets[idx].Versions = append(m.Presets[idx].Versions, entry)
	sort.Slice(m.Presets[idx].Versions, func(a, b int) bool {
		return m.Presets[idx].Versions[a].Version < m.Presets[idx].Versions[b].Version
	})
	m.UpdatedAt = now
	return entry, nil
}

// Preset returns the preset entry for presetID, if recorded.
func (m *Manifest) Preset(presetID string) (PresetEntry, bool) {
	for _, p := range m.Presets {
		if p.PresetID == presetID {
			return p, true
		}
	}
	return PresetEntry{}, false
}
