package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// presetsFile is the --presets-file YAML document shape: an ordered list
// of additional presets, layered on top of (not replacing) the
// --standard-*/--boosted-* flag pair, for callers wanting more than two
// shapes per run.
type presetsFile struct {
	Presets []presetFileEntry `yaml:"presets"`
}

type presetFileEntry struct {
	Label     string `yaml:"label"`
	VCPUs     int    `yaml:"vcpus"`
	MemoryMiB int    `yaml:"memory_mib"`
	DiskMiB   int    `yaml:"disk_mib"`
}

// LoadPresetPlansFile parses path into an ordered list of PresetPlans.
// Presets are provisioned in file order, so chaining applies between them
// exactly as it does between the flag-derived presets: a disk size that
// does not decrease from the previous entry triggers the optimisation.
func LoadPresetPlansFile(path string) ([]PresetPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read presets file: %w", err)
	}

	var pf presetsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("orchestrator: parse presets file: %w", err)
	}
	if len(pf.Presets) == 0 {
		return nil, fmt.Errorf("orchestrator: presets file %q defines no presets", path)
	}

	plans := make([]PresetPlan, 0, len(pf.Presets))
	for i, e := range pf.Presets {
		if e.Label == "" {
			return nil, fmt.Errorf("orchestrator: presets file %q: entry %d has no label", path, i)
		}
		if e.VCPUs <= 0 || e.MemoryMiB <= 0 || e.DiskMiB <= 0 {
			return nil, fmt.Errorf("orchestrator: presets file %q: preset %q must set positive vcpus, memory_mib, and disk_mib", path, e.Label)
		}
		plans = append(plans, NewPresetPlan(e.Label, e.VCPUs, e.MemoryMiB, e.DiskMiB))
	}
	return plans, nil
}
